package repo

import (
	"context"
	"database/sql"

	"workdeck/internal/domain"
)

const milestoneColumns = `id,project_id,name,state,position,activated_at,completed_at,version,created_at`

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var m domain.Milestone
	var activatedAt, completedAt sql.NullString
	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &m.State, &m.Position, &activatedAt, &completedAt, &m.Version, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if activatedAt.Valid {
		m.ActivatedAt = &activatedAt.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(`+milestoneColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.Name, m.State, m.Position, nullableStringPtr(m.ActivatedAt), nullableStringPtr(m.CompletedAt), m.Version, m.CreatedAt)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	return scanMilestone(tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

func (r Repo) ListMilestones(ctx context.Context, projectID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE project_id=? ORDER BY position ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ActiveMilestoneTx returns the currently active milestone of a project, or
// ErrNotFound. Callers must hold the project lock when using the answer for
// a check-then-act sequence.
func (r Repo) ActiveMilestoneTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Milestone, error) {
	return scanMilestone(tx.QueryRowContext(ctx,
		`SELECT `+milestoneColumns+` FROM milestones WHERE project_id=? AND state='active' LIMIT 1`, projectID))
}

func (r Repo) UpdateMilestoneState(ctx context.Context, tx *sql.Tx, id, state string, activatedAt, completedAt *string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET state=?, activated_at=?, completed_at=?, version=version+1 WHERE id=?`,
		state, nullableStringPtr(activatedAt), nullableStringPtr(completedAt), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) DeleteMilestone(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM milestones WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MilestoneWorkCountsTx aggregates the tasks governed by a milestone, either
// directly assigned or inherited through a card.
func (r Repo) MilestoneWorkCountsTx(ctx context.Context, tx *sql.Tx, milestoneID string) (total, completed int, err error) {
	var done sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT count(*), SUM(CASE WHEN t.status='completed' THEN 1 ELSE 0 END)
FROM tasks t LEFT JOIN cards c ON c.id = t.card_id
WHERE t.milestone_id=? OR (t.milestone_id IS NULL AND c.milestone_id=?)`, milestoneID, milestoneID).Scan(&total, &done)
	if done.Valid {
		completed = int(done.Int64)
	}
	return total, completed, err
}

// MilestoneReferenceCountsTx counts cards and tasks attached to a milestone,
// used to refuse deleting non-empty milestones.
func (r Repo) MilestoneReferenceCountsTx(ctx context.Context, tx *sql.Tx, milestoneID string) (cards, tasks int, err error) {
	if err = tx.QueryRowContext(ctx, `SELECT count(*) FROM cards WHERE milestone_id=?`, milestoneID).Scan(&cards); err != nil {
		return 0, 0, err
	}
	err = tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE milestone_id=?`, milestoneID).Scan(&tasks)
	return cards, tasks, err
}

func scanCard(row rowScanner) (domain.Card, error) {
	var c domain.Card
	var milestoneID, color sql.NullString
	err := row.Scan(&c.ID, &c.ProjectID, &milestoneID, &c.Title, &color, &c.State, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if milestoneID.Valid {
		c.MilestoneID = &milestoneID.String
	}
	if color.Valid {
		c.Color = color.String
	}
	return c, nil
}

func (r Repo) InsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cards(id,project_id,milestone_id,title,color,state,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, nullableStringPtr(c.MilestoneID), c.Title, nullable(c.Color), c.State, c.CreatedAt)
	return err
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return scanCard(r.DB.QueryRowContext(ctx, `SELECT id,project_id,milestone_id,title,color,state,created_at FROM cards WHERE id=?`, id))
}

func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	return scanCard(tx.QueryRowContext(ctx, `SELECT id,project_id,milestone_id,title,color,state,created_at FROM cards WHERE id=?`, id))
}

func (r Repo) ListCards(ctx context.Context, projectID string) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,milestone_id,title,color,state,created_at FROM cards WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCardState(ctx context.Context, tx *sql.Tx, id, state string) error {
	_, err := tx.ExecContext(ctx, `UPDATE cards SET state=? WHERE id=?`, state, id)
	return err
}

// CardWorkCountsTx returns task totals for a card; a card is complete when
// total > 0 and all are completed.
func (r Repo) CardWorkCountsTx(ctx context.Context, tx *sql.Tx, cardID string) (total, completed int, err error) {
	var done sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT count(*), SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END)
FROM tasks WHERE card_id=?`, cardID).Scan(&total, &done)
	if done.Valid {
		completed = int(done.Int64)
	}
	return total, completed, err
}
