package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"workdeck/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO orgs(id,name,created_at) VALUES (?,?,?)`, id, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	var o domain.Org
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM orgs WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,status,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	var p domain.Project
	err := tx.QueryRowContext(ctx, `SELECT id,org_id,name,status,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,status,created_at FROM projects WHERE org_id=? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// LockProject takes a write intent lock on the project row for the duration
// of the transaction. SQLite serializes writers, so the first bump wins and
// concurrent transactions queue behind it.
func (r Repo) LockProject(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET lock_rev=lock_rev+1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTaskType(ctx context.Context, tx *sql.Tx, tt domain.TaskType) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_types(id,project_id,name) VALUES (?,?,?)`, tt.ID, tt.ProjectID, tt.Name)
	return err
}

func (r Repo) GetTaskType(ctx context.Context, id string) (domain.TaskType, error) {
	var tt domain.TaskType
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name FROM task_types WHERE id=?`, id).
		Scan(&tt.ID, &tt.ProjectID, &tt.Name)
	if err == sql.ErrNoRows {
		return tt, ErrNotFound
	}
	return tt, err
}

func (r Repo) GetTaskTypeTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskType, error) {
	var tt domain.TaskType
	err := tx.QueryRowContext(ctx, `SELECT id,project_id,name FROM task_types WHERE id=?`, id).
		Scan(&tt.ID, &tt.ProjectID, &tt.Name)
	if err == sql.ErrNoRows {
		return tt, ErrNotFound
	}
	return tt, err
}

func (r Repo) ListTaskTypes(ctx context.Context, projectID string) ([]domain.TaskType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name FROM task_types WHERE project_id=? ORDER BY name ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskType
	for rows.Next() {
		var tt domain.TaskType
		if err := rows.Scan(&tt.ID, &tt.ProjectID, &tt.Name); err != nil {
			return nil, err
		}
		res = append(res, tt)
	}
	return res, rows.Err()
}

const taskColumns = `id,project_id,card_id,milestone_id,type_id,title,description,priority,status,claimed_by,claimed_at,completed_at,version,created_from_rule_id,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var cardID, milestoneID, description, claimedBy, claimedAt, completedAt, fromRule sql.NullString
	var priority sql.NullInt64
	err := row.Scan(&t.ID, &t.ProjectID, &cardID, &milestoneID, &t.TypeID, &t.Title, &description, &priority,
		&t.Status, &claimedBy, &claimedAt, &completedAt, &t.Version, &fromRule, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if cardID.Valid {
		t.CardID = &cardID.String
	}
	if milestoneID.Valid {
		t.MilestoneID = &milestoneID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	if claimedBy.Valid {
		t.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if fromRule.Valid {
		t.CreatedFromRuleID = &fromRule.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.CardID), nullableStringPtr(t.MilestoneID), t.TypeID, t.Title,
		nullable(t.Description), nullableIntPtr(t.Priority), t.Status, nullableStringPtr(t.ClaimedBy),
		nullableStringPtr(t.ClaimedAt), nullableStringPtr(t.CompletedAt), t.Version,
		nullableStringPtr(t.CreatedFromRuleID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, id)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependenciesTx(ctx, tx, id)
	return t, err
}

// ClaimTask is the compare-and-swap claim write. Zero rows affected means the
// version or status check failed; the caller decides conflict vs invalid state
// by re-reading the row.
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, id, userID, now string, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='claimed', claimed_by=?, claimed_at=?, version=version+1, updated_at=?
WHERE id=? AND version=? AND status='available'`, userID, now, now, id, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ReleaseTask(ctx context.Context, tx *sql.Tx, id, userID, now string, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='available', claimed_by=NULL, claimed_at=NULL, version=version+1, updated_at=?
WHERE id=? AND version=? AND status='claimed' AND claimed_by=?`, now, id, expectedVersion, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, id, userID, now string, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='completed', completed_at=?, claimed_by=NULL, claimed_at=NULL, version=version+1, updated_at=?
WHERE id=? AND version=? AND status='claimed' AND claimed_by=?`, now, now, id, expectedVersion, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type TaskFilters struct {
	ProjectID   string
	Status      string
	CardID      string
	MilestoneID string
	ClaimedBy   string
	Limit       int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CardID != "" {
		clauses = append(clauses, "card_id=?")
		args = append(args, f.CardID)
	}
	if f.MilestoneID != "" {
		clauses = append(clauses, "milestone_id=?")
		args = append(args, f.MilestoneID)
	}
	if f.ClaimedBy != "" {
		clauses = append(clauses, "claimed_by=?")
		args = append(args, f.ClaimedBy)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func (r Repo) ListTaskDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) AddDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, dependsOn)
	return err
}

func (r Repo) RemoveDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=? AND depends_on_task_id=?`, taskID, dependsOn)
	return err
}

// BlockedCountTx counts dependencies whose current status is not completed.
// Always computed on read; dependency states change independently and there
// is no invalidation channel.
func (r Repo) BlockedCountTx(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM task_deps d
JOIN tasks dep ON dep.id = d.depends_on_task_id
WHERE d.task_id=? AND dep.status != 'completed'`, taskID).Scan(&n)
	return n, err
}

func (r Repo) BlockedCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM task_deps d
JOIN tasks dep ON dep.id = d.depends_on_task_id
WHERE d.task_id=? AND dep.status != 'completed'`, taskID).Scan(&n)
	return n, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
