package repo

import (
	"context"
	"database/sql"

	"workdeck/internal/domain"
)

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,org_id,project_id,name,active,created_at) VALUES (?,?,?,?,?,?)`,
		w.ID, w.OrgID, nullableStringPtr(w.ProjectID), w.Name, w.Active, w.CreatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	var w domain.Workflow
	var projectID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,project_id,name,active,created_at FROM workflows WHERE id=?`, id).
		Scan(&w.ID, &w.OrgID, &projectID, &w.Name, &w.Active, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if projectID.Valid {
		w.ProjectID = &projectID.String
	}
	return w, err
}

func (r Repo) ListWorkflows(ctx context.Context, orgID string) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,project_id,name,active,created_at FROM workflows WHERE org_id=? ORDER BY created_at ASC, id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		var projectID sql.NullString
		if err := rows.Scan(&w.ID, &w.OrgID, &projectID, &w.Name, &w.Active, &w.CreatedAt); err != nil {
			return nil, err
		}
		if projectID.Valid {
			w.ProjectID = &projectID.String
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflows SET active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRule(row rowScanner) (domain.Rule, error) {
	var rl domain.Rule
	var taskTypeID sql.NullString
	err := row.Scan(&rl.ID, &rl.WorkflowID, &rl.ResourceType, &taskTypeID, &rl.ToState, &rl.Active, &rl.FireOnAutomation, &rl.CreatedAt)
	if err == sql.ErrNoRows {
		return rl, ErrNotFound
	}
	if err != nil {
		return rl, err
	}
	if taskTypeID.Valid {
		rl.TaskTypeID = &taskTypeID.String
	}
	return rl, nil
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rl domain.Rule) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rules(id,workflow_id,resource_type,task_type_id,to_state,active,fire_on_automation,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		rl.ID, rl.WorkflowID, rl.ResourceType, nullableStringPtr(rl.TaskTypeID), rl.ToState, rl.Active, rl.FireOnAutomation, rl.CreatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	return scanRule(r.DB.QueryRowContext(ctx,
		`SELECT id,workflow_id,resource_type,task_type_id,to_state,active,fire_on_automation,created_at FROM rules WHERE id=?`, id))
}

func (r Repo) ListRules(ctx context.Context, workflowID string) ([]domain.Rule, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,workflow_id,resource_type,task_type_id,to_state,active,fire_on_automation,created_at FROM rules WHERE workflow_id=? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rl, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rl)
	}
	return res, rows.Err()
}

func (r Repo) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE rules SET active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MatchingRulesTx finds active rules of active workflows whose trigger
// matches the event: project-scoped workflows match only their own project,
// org-wide workflows (project_id IS NULL) match any project in the org.
// Project-scoped rules come first; within a scope rules order by id, which
// is insertion order. Task-type filters apply to task events only.
func (r Repo) MatchingRulesTx(ctx context.Context, tx *sql.Tx, resourceType, toState, projectID, orgID, taskTypeID string) ([]domain.Rule, error) {
	query := `SELECT r.id,r.workflow_id,r.resource_type,r.task_type_id,r.to_state,r.active,r.fire_on_automation,r.created_at
FROM rules r
JOIN workflows w ON w.id = r.workflow_id
WHERE r.active=1 AND w.active=1
  AND r.resource_type=? AND r.to_state=?
  AND w.org_id=?
  AND (w.project_id IS NULL OR w.project_id=?)
  AND (r.resource_type != 'task' OR r.task_type_id IS NULL OR r.task_type_id=?)
ORDER BY (w.project_id IS NULL) ASC, r.id ASC`
	rows, err := tx.QueryContext(ctx, query, resourceType, toState, orgID, projectID, taskTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rl, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rl)
	}
	return res, rows.Err()
}

func (r Repo) InsertTaskTemplate(ctx context.Context, tx *sql.Tx, t domain.TaskTemplate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_templates(id,org_id,project_id,name,type_id,priority,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, nullableStringPtr(t.ProjectID), t.Name, t.TypeID, nullableIntPtr(t.Priority), t.CreatedAt)
	return err
}

func (r Repo) AttachTemplate(ctx context.Context, tx *sql.Tx, ruleID, templateID string, order int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rule_templates(rule_id,template_id,execution_order) VALUES (?,?,?)`,
		ruleID, templateID, order)
	return err
}

// RuleTemplatesTx returns a rule's templates in execution order.
func (r Repo) RuleTemplatesTx(ctx context.Context, tx *sql.Tx, ruleID string) ([]domain.TaskTemplate, error) {
	rows, err := tx.QueryContext(ctx, `SELECT t.id,t.org_id,t.project_id,t.name,t.type_id,t.priority,t.created_at
FROM rule_templates rt
JOIN task_templates t ON t.id = rt.template_id
WHERE rt.rule_id=?
ORDER BY rt.execution_order ASC, t.id ASC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		var t domain.TaskTemplate
		var projectID sql.NullString
		var priority sql.NullInt64
		if err := rows.Scan(&t.ID, &t.OrgID, &projectID, &t.Name, &t.TypeID, &priority, &t.CreatedAt); err != nil {
			return nil, err
		}
		if projectID.Valid {
			t.ProjectID = &projectID.String
		}
		if priority.Valid {
			p := int(priority.Int64)
			t.Priority = &p
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertRuleExecution claims the (rule, origin) pair. The first writer wins;
// later attempts see false with no error and must treat the pair as already
// processed, not as a failure.
func (r Repo) InsertRuleExecution(ctx context.Context, tx *sql.Tx, e domain.RuleExecution) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO rule_executions(id,rule_id,origin_type,origin_id,outcome,suppression_reason,actor_id,created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT (rule_id,origin_type,origin_id) DO NOTHING`,
		e.ID, e.RuleID, e.OriginType, e.OriginID, e.Outcome, nullable(e.SuppressionReason), nullable(e.ActorID), e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanRuleExecution(row rowScanner) (domain.RuleExecution, error) {
	var e domain.RuleExecution
	var reason, actor sql.NullString
	err := row.Scan(&e.ID, &e.RuleID, &e.OriginType, &e.OriginID, &e.Outcome, &reason, &actor, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if reason.Valid {
		e.SuppressionReason = reason.String
	}
	if actor.Valid {
		e.ActorID = actor.String
	}
	return e, nil
}

func (r Repo) GetRuleExecution(ctx context.Context, ruleID, originType, originID string) (domain.RuleExecution, error) {
	return scanRuleExecution(r.DB.QueryRowContext(ctx,
		`SELECT id,rule_id,origin_type,origin_id,outcome,suppression_reason,actor_id,created_at
FROM rule_executions WHERE rule_id=? AND origin_type=? AND origin_id=?`, ruleID, originType, originID))
}

func (r Repo) GetRuleExecutionTx(ctx context.Context, tx *sql.Tx, ruleID, originType, originID string) (domain.RuleExecution, error) {
	return scanRuleExecution(tx.QueryRowContext(ctx,
		`SELECT id,rule_id,origin_type,origin_id,outcome,suppression_reason,actor_id,created_at
FROM rule_executions WHERE rule_id=? AND origin_type=? AND origin_id=?`, ruleID, originType, originID))
}

func (r Repo) ListRuleExecutions(ctx context.Context, ruleID string, limit int) ([]domain.RuleExecution, error) {
	query := `SELECT id,rule_id,origin_type,origin_id,outcome,suppression_reason,actor_id,created_at
FROM rule_executions WHERE rule_id=? ORDER BY created_at DESC, id DESC`
	args := []any{ruleID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleExecution
	for rows.Next() {
		e, err := scanRuleExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// RuleOutcomeCount is one row of the ledger's aggregation contract.
type RuleOutcomeCount struct {
	RuleID            string `json:"rule_id"`
	Outcome           string `json:"outcome"`
	SuppressionReason string `json:"suppression_reason,omitempty"`
	Count             int    `json:"count"`
}

// CountRuleOutcomes aggregates the execution ledger by outcome and
// suppression reason, letting operators tell "never matched" apart from
// "matched but skipped".
func (r Repo) CountRuleOutcomes(ctx context.Context, ruleID string) ([]RuleOutcomeCount, error) {
	clause := ""
	var args []any
	if ruleID != "" {
		clause = "WHERE rule_id=?"
		args = append(args, ruleID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT rule_id, outcome, COALESCE(suppression_reason,''), count(*)
FROM rule_executions `+clause+` GROUP BY rule_id, outcome, suppression_reason ORDER BY rule_id, outcome`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RuleOutcomeCount
	for rows.Next() {
		var c RuleOutcomeCount
		if err := rows.Scan(&c.RuleID, &c.Outcome, &c.SuppressionReason, &c.Count); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
