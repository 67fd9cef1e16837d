package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"workdeck/internal/domain"
	"workdeck/internal/events"
)

// Suppression reasons recorded on the execution ledger. Suppressions are
// successful no-ops, not errors; operators use them to tell "never matched"
// apart from "matched but skipped".
const (
	SuppressIdempotent       = "idempotent"
	SuppressNotUserTriggered = "not_user_triggered"
	SuppressNotMatching      = "not_matching"
	SuppressInactive         = "inactive"
)

// TransitionEvent describes a resource reaching a new state. It is built
// from the durable row, never from an in-memory queue, so a retry can
// re-derive it after a crash.
type TransitionEvent struct {
	ResourceType  string
	ToState       string
	ProjectID     string
	OrgID         string
	TaskTypeID    string
	OriginType    string
	OriginID      string
	ActorID       string
	UserTriggered bool
}

// ExecResult reports what happened to one (rule, origin) pair.
type ExecResult struct {
	Execution        domain.RuleExecution `json:"execution"`
	AlreadyProcessed bool                 `json:"already_processed"`
	TasksCreated     int                  `json:"tasks_created"`
}

// MatchRules is the read path for "which rules fire on this transition".
func (e Engine) MatchRules(ctx context.Context, ev TransitionEvent) ([]domain.Rule, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return e.Repo.MatchingRulesTx(ctx, tx, ev.ResourceType, ev.ToState, ev.ProjectID, ev.OrgID, ev.TaskTypeID)
}

// dispatchTransitionTx evaluates every matching rule inside the caller's
// transaction: the state write and its automation commit or roll back
// together.
func (e Engine) dispatchTransitionTx(ctx context.Context, tx *sql.Tx, ev TransitionEvent) error {
	if e.Config != nil && !e.Config.Automation.Enabled {
		return nil
	}
	rules, err := e.Repo.MatchingRulesTx(ctx, tx, ev.ResourceType, ev.ToState, ev.ProjectID, ev.OrgID, ev.TaskTypeID)
	if err != nil {
		return err
	}
	for _, rl := range rules {
		if _, err := e.executeRuleTx(ctx, tx, rl, ev); err != nil {
			return err
		}
	}
	return nil
}

// executeRuleTx records one ledger row for the (rule, origin) pair and, when
// the outcome is applied, runs the rule's templates. The ledger insert is
// the idempotency claim: insert-then-check-rowcount, never read-then-write.
func (e Engine) executeRuleTx(ctx context.Context, tx *sql.Tx, rl domain.Rule, ev TransitionEvent) (ExecResult, error) {
	outcome, reason := "applied", ""
	if !ev.UserTriggered && !rl.FireOnAutomation {
		outcome, reason = "suppressed", SuppressNotUserTriggered
	}
	rec := domain.RuleExecution{
		ID:                uuid.New().String(),
		RuleID:            rl.ID,
		OriginType:        ev.OriginType,
		OriginID:          ev.OriginID,
		Outcome:           outcome,
		SuppressionReason: reason,
		ActorID:           ev.ActorID,
		CreatedAt:         e.nowStr(),
	}
	inserted, err := e.Repo.InsertRuleExecution(ctx, tx, rec)
	if err != nil {
		return ExecResult{}, err
	}
	if !inserted {
		// a prior writer already processed this pair; nothing to re-apply
		e.Metrics.RecordRuleExecution("suppressed", SuppressIdempotent)
		existing, err := e.Repo.GetRuleExecutionTx(ctx, tx, rl.ID, ev.OriginType, ev.OriginID)
		if err != nil {
			return ExecResult{}, err
		}
		return ExecResult{Execution: existing, AlreadyProcessed: true}, nil
	}
	e.Metrics.RecordRuleExecution(outcome, reason)
	res := ExecResult{Execution: rec}
	if outcome == "applied" {
		created, err := e.applyTemplatesTx(ctx, tx, rl, ev)
		if err != nil {
			return ExecResult{}, err
		}
		res.TasksCreated = created
		e.Log.Info().Str("rule_id", rl.ID).Str("origin", ev.OriginType+"/"+ev.OriginID).
			Int("tasks_created", created).Msg("rule applied")
	}
	if err := e.Events.Append(ctx, tx, "rule.executed", ev.ProjectID, "rule", rl.ID, ev.ActorID, events.EventPayload{
		"origin_type": ev.OriginType,
		"origin_id":   ev.OriginID,
		"outcome":     outcome,
		"reason":      reason,
	}); err != nil {
		return ExecResult{}, err
	}
	return res, nil
}

// applyTemplatesTx instantiates the rule's templates in execution order.
// Any failure aborts the whole batch; the transaction rollback also removes
// the ledger row, so "applied" is only ever recorded for a full batch.
func (e Engine) applyTemplatesTx(ctx context.Context, tx *sql.Tx, rl domain.Rule, ev TransitionEvent) (int, error) {
	templates, err := e.Repo.RuleTemplatesTx(ctx, tx, rl.ID)
	if err != nil {
		return 0, err
	}
	if e.Config != nil {
		if limit := e.Config.Automation.MaxTemplatesPerRule; limit > 0 && len(templates) > limit {
			return 0, &TemplateError{RuleID: rl.ID,
				Err: fmt.Errorf("%d templates exceed the per-rule limit of %d", len(templates), limit)}
		}
	}
	now := e.nowStr()
	for i, tpl := range templates {
		if tpl.ProjectID != nil && *tpl.ProjectID != ev.ProjectID {
			return 0, &TemplateError{RuleID: rl.ID, TemplateID: tpl.ID,
				Err: fmt.Errorf("template scoped to project %s, event in %s", *tpl.ProjectID, ev.ProjectID)}
		}
		tt, err := e.Repo.GetTaskTypeTx(ctx, tx, tpl.TypeID)
		if err != nil {
			return 0, &TemplateError{RuleID: rl.ID, TemplateID: tpl.ID, Err: fmt.Errorf("task type %s: %w", tpl.TypeID, err)}
		}
		if tt.ProjectID != ev.ProjectID {
			return 0, &TemplateError{RuleID: rl.ID, TemplateID: tpl.ID,
				Err: fmt.Errorf("task type %s not in project %s", tpl.TypeID, ev.ProjectID)}
		}
		t := domain.Task{
			ID:                uuid.New().String(),
			ProjectID:         ev.ProjectID,
			TypeID:            tpl.TypeID,
			Title:             tpl.Name,
			Priority:          tpl.Priority,
			Status:            "available",
			Version:           1,
			CreatedFromRuleID: &rl.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return 0, &TemplateError{RuleID: rl.ID, TemplateID: tpl.ID, Err: err}
		}
		if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, ev.ActorID, events.EventPayload{
			"title":                t.Title,
			"created_from_rule_id": rl.ID,
			"execution_order":      i,
		}); err != nil {
			return 0, err
		}
	}
	return len(templates), nil
}

// Execute evaluates one rule against an origin's durable state and records
// the outcome exactly once. This is the retry entry point: the event is
// rebuilt from the origin row, never replayed from memory.
func (e Engine) Execute(ctx context.Context, ruleID, originType, originID, userID string, isUserTriggered bool) (ExecResult, error) {
	rl, err := e.Repo.GetRule(ctx, ruleID)
	if err != nil {
		return ExecResult{}, err
	}
	wf, err := e.Repo.GetWorkflow(ctx, rl.WorkflowID)
	if err != nil {
		return ExecResult{}, err
	}
	ev, err := e.eventFromOrigin(ctx, originType, originID, userID, isUserTriggered)
	if err != nil {
		return ExecResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ExecResult{}, err
	}
	defer tx.Rollback()

	var res ExecResult
	switch {
	case !rl.Active || !wf.Active:
		res, err = e.recordSuppressionTx(ctx, tx, rl, ev, SuppressInactive)
	case !ruleMatches(rl, wf, ev):
		res, err = e.recordSuppressionTx(ctx, tx, rl, ev, SuppressNotMatching)
	default:
		res, err = e.executeRuleTx(ctx, tx, rl, ev)
	}
	if err != nil {
		return ExecResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ExecResult{}, err
	}
	return res, nil
}

func (e Engine) recordSuppressionTx(ctx context.Context, tx *sql.Tx, rl domain.Rule, ev TransitionEvent, reason string) (ExecResult, error) {
	rec := domain.RuleExecution{
		ID:                uuid.New().String(),
		RuleID:            rl.ID,
		OriginType:        ev.OriginType,
		OriginID:          ev.OriginID,
		Outcome:           "suppressed",
		SuppressionReason: reason,
		ActorID:           ev.ActorID,
		CreatedAt:         e.nowStr(),
	}
	inserted, err := e.Repo.InsertRuleExecution(ctx, tx, rec)
	if err != nil {
		return ExecResult{}, err
	}
	if !inserted {
		e.Metrics.RecordRuleExecution("suppressed", SuppressIdempotent)
		existing, err := e.Repo.GetRuleExecutionTx(ctx, tx, rl.ID, ev.OriginType, ev.OriginID)
		if err != nil {
			return ExecResult{}, err
		}
		return ExecResult{Execution: existing, AlreadyProcessed: true}, nil
	}
	e.Metrics.RecordRuleExecution("suppressed", reason)
	return ExecResult{Execution: rec}, nil
}

func (e Engine) eventFromOrigin(ctx context.Context, originType, originID, userID string, isUserTriggered bool) (TransitionEvent, error) {
	ev := TransitionEvent{
		OriginType:    originType,
		OriginID:      originID,
		ActorID:       userID,
		UserTriggered: isUserTriggered,
	}
	switch originType {
	case "task":
		t, err := e.Repo.GetTask(ctx, originID)
		if err != nil {
			return ev, err
		}
		ev.ResourceType = "task"
		ev.ToState = t.Status
		ev.ProjectID = t.ProjectID
		ev.TaskTypeID = t.TypeID
	case "card":
		c, err := e.Repo.GetCard(ctx, originID)
		if err != nil {
			return ev, err
		}
		ev.ResourceType = "card"
		ev.ToState = c.State
		ev.ProjectID = c.ProjectID
	default:
		return ev, fmt.Errorf("unknown origin type %s", originType)
	}
	p, err := e.Repo.GetProject(ctx, ev.ProjectID)
	if err != nil {
		return ev, err
	}
	ev.OrgID = p.OrgID
	return ev, nil
}

// ruleMatches mirrors the matching query for a single rule: trigger equality,
// scope compatibility, and the task-type filter on task events only.
func ruleMatches(rl domain.Rule, wf domain.Workflow, ev TransitionEvent) bool {
	if rl.ResourceType != ev.ResourceType || rl.ToState != ev.ToState {
		return false
	}
	if wf.OrgID != ev.OrgID {
		return false
	}
	if wf.ProjectID != nil && *wf.ProjectID != ev.ProjectID {
		return false
	}
	if ev.ResourceType == "task" && rl.TaskTypeID != nil && *rl.TaskTypeID != ev.TaskTypeID {
		return false
	}
	return true
}

type WorkflowCreateOptions struct {
	ID        string
	OrgID     string
	ProjectID string
	Name      string
	ActorID   string
}

func (e Engine) CreateWorkflow(ctx context.Context, opts WorkflowCreateOptions) (domain.Workflow, error) {
	if opts.Name == "" {
		return domain.Workflow{}, errors.New("name is required")
	}
	if opts.ProjectID != "" {
		p, err := e.Repo.GetProject(ctx, opts.ProjectID)
		if err != nil {
			return domain.Workflow{}, err
		}
		if p.OrgID != opts.OrgID {
			return domain.Workflow{}, errors.New("project in different org")
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	w := domain.Workflow{
		ID:        id,
		OrgID:     opts.OrgID,
		ProjectID: optionalString(opts.ProjectID),
		Name:      opts.Name,
		Active:    true,
		CreatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.created", opts.ProjectID, "workflow", w.ID, opts.ActorID, events.EventPayload{"name": w.Name}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

type RuleCreateOptions struct {
	ID               string
	WorkflowID       string
	ResourceType     string
	TaskTypeID       string
	ToState          string
	FireOnAutomation bool
	ActorID          string
}

func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.Rule, error) {
	if opts.ResourceType != "task" && opts.ResourceType != "card" {
		return domain.Rule{}, fmt.Errorf("resource type must be task or card, got %q", opts.ResourceType)
	}
	if opts.ToState == "" {
		return domain.Rule{}, errors.New("to-state is required")
	}
	if _, err := e.Repo.GetWorkflow(ctx, opts.WorkflowID); err != nil {
		return domain.Rule{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	rl := domain.Rule{
		ID:               id,
		WorkflowID:       opts.WorkflowID,
		ResourceType:     opts.ResourceType,
		TaskTypeID:       optionalString(opts.TaskTypeID),
		ToState:          opts.ToState,
		Active:           true,
		FireOnAutomation: opts.FireOnAutomation,
		CreatedAt:        e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRule(ctx, tx, rl); err != nil {
		return domain.Rule{}, err
	}
	if err := e.Events.Append(ctx, tx, "rule.created", "", "rule", rl.ID, opts.ActorID, events.EventPayload{
		"resource_type": rl.ResourceType,
		"to_state":      rl.ToState,
	}); err != nil {
		return domain.Rule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Rule{}, err
	}
	return rl, nil
}

type TemplateCreateOptions struct {
	ID        string
	OrgID     string
	ProjectID string
	Name      string
	TypeID    string
	Priority  *int
	ActorID   string
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.TaskTemplate, error) {
	if opts.Name == "" {
		return domain.TaskTemplate{}, errors.New("name is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.TaskTemplate{
		ID:        id,
		OrgID:     opts.OrgID,
		ProjectID: optionalString(opts.ProjectID),
		Name:      opts.Name,
		TypeID:    opts.TypeID,
		Priority:  opts.Priority,
		CreatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskTemplate{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTemplate(ctx, tx, t); err != nil {
		return domain.TaskTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskTemplate{}, err
	}
	return t, nil
}

// AttachTemplate binds a template to a rule at the given execution order.
func (e Engine) AttachTemplate(ctx context.Context, ruleID, templateID string, order int) error {
	if _, err := e.Repo.GetRule(ctx, ruleID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AttachTemplate(ctx, tx, ruleID, templateID, order); err != nil {
		return err
	}
	return tx.Commit()
}
