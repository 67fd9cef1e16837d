package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"workdeck/internal/config"
	"workdeck/internal/domain"
	"workdeck/internal/events"
	"workdeck/internal/metrics"
	"workdeck/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Metrics *metrics.Metrics
	Config  *config.Config
	Log     zerolog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Metrics: metrics.New(),
		Config:  cfg,
		Log:     log,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitOrg ensures the org row and seeds its config.
func (e Engine) InitOrg(ctx context.Context, orgID, name, actorID string) (domain.Org, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Org{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.EnsureOrg(ctx, tx, orgID, name, now); err != nil {
		return domain.Org{}, fmt.Errorf("ensure org: %w", err)
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(orgID)
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, orgID, cfg); err != nil {
		return domain.Org{}, fmt.Errorf("seed org config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "org.init", "", "org", orgID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Org{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Org{}, err
	}
	return domain.Org{ID: orgID, Name: name, CreatedAt: now}, nil
}

// InitProject creates a project and seeds the org's default task types.
func (e Engine) InitProject(ctx context.Context, orgID, projectID, name, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.EnsureOrg(ctx, tx, orgID, orgID, now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure org: %w", err)
	}
	p := domain.Project{
		ID:        projectID,
		OrgID:     orgID,
		Name:      name,
		Status:    "active",
		CreatedAt: now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	for _, tt := range e.defaultTaskTypes() {
		t := domain.TaskType{
			ID:        projectID + ":" + tt,
			ProjectID: projectID,
			Name:      tt,
		}
		if err := e.Repo.InsertTaskType(ctx, tx, t); err != nil {
			return domain.Project{}, fmt.Errorf("seed task type %s: %w", tt, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) defaultTaskTypes() []string {
	if e.Config != nil && len(e.Config.Defaults.TaskTypes) > 0 {
		return e.Config.Defaults.TaskTypes
	}
	return config.Default("").Defaults.TaskTypes
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	CardID      string
	MilestoneID string
	TypeID      string
	Title       string
	Description string
	Priority    *int
	DependsOn   []string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	tt, err := e.Repo.GetTaskType(ctx, opts.TypeID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task type %s: %w", opts.TypeID, err)
	}
	if tt.ProjectID != opts.ProjectID {
		return domain.Task{}, fmt.Errorf("task type %s not in project %s", opts.TypeID, opts.ProjectID)
	}
	if opts.CardID != "" {
		c, err := e.Repo.GetCard(ctx, opts.CardID)
		if err != nil {
			return domain.Task{}, err
		}
		if c.ProjectID != opts.ProjectID {
			return domain.Task{}, errors.New("card in different project")
		}
	}
	if opts.MilestoneID != "" {
		m, err := e.Repo.GetMilestone(ctx, opts.MilestoneID)
		if err != nil {
			return domain.Task{}, err
		}
		if m.ProjectID != opts.ProjectID {
			return domain.Task{}, errors.New("milestone in different project")
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	t := domain.Task{
		ID:          id,
		ProjectID:   opts.ProjectID,
		CardID:      optionalString(opts.CardID),
		MilestoneID: optionalString(opts.MilestoneID),
		TypeID:      opts.TypeID,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Status:      "available",
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	for _, d := range opts.DependsOn {
		if err := e.addDependencyTx(ctx, tx, t.ID, d); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	// a new incomplete task can reopen a completed card or milestone
	if t.CardID != nil {
		p, err := e.Repo.GetProjectTx(ctx, tx, t.ProjectID)
		if err != nil {
			return domain.Task{}, err
		}
		if err := e.deriveCardStateTx(ctx, tx, t, p.OrgID, opts.ActorID); err != nil {
			return domain.Task{}, err
		}
	}
	if mid := e.effectiveMilestoneTx(ctx, tx, t); mid != "" {
		if err := e.recomputeMilestoneTx(ctx, tx, mid, opts.ActorID); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.DependsOn = opts.DependsOn
	return t, nil
}

// Claim takes ownership of an available task. The blocked count is computed
// in the same transaction as the claim write so the caller never warns from
// stale dependency state. Blocking is advisory: the claim itself succeeds.
func (e Engine) Claim(ctx context.Context, taskID, userID string, expectedVersion int64) (domain.TaskView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskView{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.TaskView{}, err
	}
	// version first: a mismatch means another writer already won the race,
	// whatever status it left behind
	if t.Version != expectedVersion {
		e.Metrics.RecordWriteConflict("task")
		return domain.TaskView{}, fmt.Errorf("claim task %s: expected version %d, have %d: %w", taskID, expectedVersion, t.Version, ErrConflict)
	}
	if t.Status != "available" {
		return domain.TaskView{}, fmt.Errorf("claim task %s in status %s: %w", taskID, t.Status, ErrInvalidState)
	}
	blocked, err := e.Repo.BlockedCountTx(ctx, tx, taskID)
	if err != nil {
		return domain.TaskView{}, err
	}
	now := e.nowStr()
	ok, err := e.Repo.ClaimTask(ctx, tx, taskID, userID, now, expectedVersion)
	if err != nil {
		return domain.TaskView{}, err
	}
	if !ok {
		e.Metrics.RecordWriteConflict("task")
		return domain.TaskView{}, fmt.Errorf("claim task %s: %w", taskID, ErrConflict)
	}
	if err := e.Events.Append(ctx, tx, "task.claimed", t.ProjectID, "task", t.ID, userID, events.EventPayload{"blocked_count": blocked}); err != nil {
		return domain.TaskView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskView{}, err
	}
	e.Metrics.RecordTaskTransition("claimed")
	t.Status = "claimed"
	t.ClaimedBy = &userID
	t.ClaimedAt = &now
	t.UpdatedAt = now
	t.Version = expectedVersion + 1
	return domain.TaskView{Task: t, BlockedCount: blocked}, nil
}

// Release hands a claimed task back and closes any open work session.
func (e Engine) Release(ctx context.Context, taskID, userID string, expectedVersion int64) (domain.TaskView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskView{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.TaskView{}, err
	}
	if err := e.checkClaimant(t, userID, expectedVersion, "release"); err != nil {
		return domain.TaskView{}, err
	}
	now := e.nowStr()
	ok, err := e.Repo.ReleaseTask(ctx, tx, taskID, userID, now, expectedVersion)
	if err != nil {
		return domain.TaskView{}, err
	}
	if !ok {
		e.Metrics.RecordWriteConflict("task")
		return domain.TaskView{}, fmt.Errorf("release task %s: %w", taskID, ErrConflict)
	}
	if e.Config == nil || e.Config.Sessions.AutoCloseOnRelease {
		if _, err := e.Repo.CloseOpenWorkSession(ctx, tx, taskID, now); err != nil {
			return domain.TaskView{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.released", t.ProjectID, "task", t.ID, userID, nil); err != nil {
		return domain.TaskView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskView{}, err
	}
	e.Metrics.RecordTaskTransition("available")
	return e.taskView(ctx, taskID)
}

// Complete finishes a claimed task. The completion write, the milestone
// recomputation cascade and the rule dispatch commit in one transaction, so
// a crash can never leave the task completed with its automation lost.
func (e Engine) Complete(ctx context.Context, taskID, userID string, expectedVersion int64) (domain.TaskView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskView{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.TaskView{}, err
	}
	if err := e.checkClaimant(t, userID, expectedVersion, "complete"); err != nil {
		return domain.TaskView{}, err
	}
	now := e.nowStr()
	ok, err := e.Repo.CompleteTask(ctx, tx, taskID, userID, now, expectedVersion)
	if err != nil {
		return domain.TaskView{}, err
	}
	if !ok {
		e.Metrics.RecordWriteConflict("task")
		return domain.TaskView{}, fmt.Errorf("complete task %s: %w", taskID, ErrConflict)
	}
	if _, err := e.Repo.CloseOpenWorkSession(ctx, tx, taskID, now); err != nil {
		return domain.TaskView{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.ProjectID, "task", t.ID, userID, nil); err != nil {
		return domain.TaskView{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, t.ProjectID)
	if err != nil {
		return domain.TaskView{}, err
	}
	if err := e.dispatchTransitionTx(ctx, tx, TransitionEvent{
		ResourceType:  "task",
		ToState:       "completed",
		ProjectID:     t.ProjectID,
		OrgID:         p.OrgID,
		TaskTypeID:    t.TypeID,
		OriginType:    "task",
		OriginID:      t.ID,
		ActorID:       userID,
		UserTriggered: true,
	}); err != nil {
		return domain.TaskView{}, err
	}
	if err := e.deriveCardStateTx(ctx, tx, t, p.OrgID, userID); err != nil {
		return domain.TaskView{}, err
	}
	if mid := e.effectiveMilestoneTx(ctx, tx, t); mid != "" {
		if err := e.recomputeMilestoneTx(ctx, tx, mid, userID); err != nil {
			return domain.TaskView{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskView{}, err
	}
	e.Metrics.RecordTaskTransition("completed")
	e.Log.Info().Str("task_id", taskID).Str("user_id", userID).Msg("task completed")
	return e.taskView(ctx, taskID)
}

func (e Engine) checkClaimant(t domain.Task, userID string, expectedVersion int64, op string) error {
	if t.Status != "claimed" {
		return fmt.Errorf("%s task %s in status %s: %w", op, t.ID, t.Status, ErrInvalidState)
	}
	if t.ClaimedBy == nil || *t.ClaimedBy != userID {
		return fmt.Errorf("%s task %s: %w", op, t.ID, ErrForbidden)
	}
	if t.Version != expectedVersion {
		e.Metrics.RecordWriteConflict("task")
		return fmt.Errorf("%s task %s: expected version %d, have %d: %w", op, t.ID, expectedVersion, t.Version, ErrConflict)
	}
	return nil
}

// StartSession opens a work session. Starting while one is open returns the
// existing session; duplicate UI clicks are expected.
func (e Engine) StartSession(ctx context.Context, taskID, userID string) (domain.WorkSession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkSession{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.WorkSession{}, err
	}
	existing, err := e.Repo.OpenWorkSessionTx(ctx, tx, taskID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkSession{}, err
	}
	s := domain.WorkSession{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		UserID:    userID,
		StartedAt: e.nowStr(),
	}
	if err := e.Repo.InsertWorkSession(ctx, tx, s); err != nil {
		return domain.WorkSession{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.started", t.ProjectID, "task", taskID, userID, nil); err != nil {
		return domain.WorkSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkSession{}, err
	}
	return s, nil
}

// PauseSession closes the open session if any. Closing with none open is a
// no-op, symmetric with StartSession idempotency.
func (e Engine) PauseSession(ctx context.Context, taskID, userID string) (*domain.WorkSession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	existing, err := e.Repo.OpenWorkSessionTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	now := e.nowStr()
	if _, err := e.Repo.CloseOpenWorkSession(ctx, tx, taskID, now); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "session.paused", t.ProjectID, "task", taskID, userID, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	existing.EndedAt = &now
	return &existing, nil
}

// AddDependency records a depends_on edge. Self-references and cycles are
// rejected; a cycle would block every task on the loop forever.
func (e Engine) AddDependency(ctx context.Context, taskID, dependsOn, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if _, err := e.Repo.GetTaskTx(ctx, tx, dependsOn); err != nil {
		return err
	}
	if err := e.addDependencyTx(ctx, tx, taskID, dependsOn); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.dependency.added", t.ProjectID, "task", taskID, actorID, events.EventPayload{"depends_on": dependsOn}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) addDependencyTx(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return fmt.Errorf("task %s cannot depend on itself: %w", taskID, ErrInvalidState)
	}
	if err := e.ensureNoDependencyCycle(ctx, tx, taskID, dependsOn); err != nil {
		return err
	}
	return e.Repo.AddDependency(ctx, tx, taskID, dependsOn)
}

// ensureNoDependencyCycle walks the dependency closure from the new edge's
// target; reaching the source again means the edge would close a loop.
func (e Engine) ensureNoDependencyCycle(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	seen := map[string]bool{}
	frontier := []string{dependsOn}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur == taskID {
			return fmt.Errorf("dependency cycle through task %s: %w", taskID, ErrInvalidState)
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		deps, err := e.Repo.ListTaskDependenciesTx(ctx, tx, cur)
		if err != nil {
			return err
		}
		frontier = append(frontier, deps...)
	}
	return nil
}

// RemoveDependency deletes the edge. Unblocking is recomputed on next read.
func (e Engine) RemoveDependency(ctx context.Context, taskID, dependsOn, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if err := e.Repo.RemoveDependency(ctx, tx, taskID, dependsOn); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.dependency.removed", t.ProjectID, "task", taskID, actorID, events.EventPayload{"depends_on": dependsOn}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTaskView returns the task row with is_ongoing and blocked_count.
func (e Engine) GetTaskView(ctx context.Context, taskID string) (domain.TaskView, error) {
	return e.taskView(ctx, taskID)
}

func (e Engine) taskView(ctx context.Context, taskID string) (domain.TaskView, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.TaskView{}, err
	}
	blocked, err := e.Repo.BlockedCount(ctx, taskID)
	if err != nil {
		return domain.TaskView{}, err
	}
	ongoing := false
	if _, err := e.Repo.OpenWorkSession(ctx, taskID); err == nil {
		ongoing = true
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.TaskView{}, err
	}
	return domain.TaskView{Task: t, IsOngoing: ongoing, BlockedCount: blocked}, nil
}

// effectiveMilestoneTx resolves the milestone governing a task: its direct
// assignment, or the card's when unassigned.
func (e Engine) effectiveMilestoneTx(ctx context.Context, tx *sql.Tx, t domain.Task) string {
	if t.MilestoneID != nil {
		return *t.MilestoneID
	}
	if t.CardID == nil {
		return ""
	}
	c, err := e.Repo.GetCardTx(ctx, tx, *t.CardID)
	if err != nil || c.MilestoneID == nil {
		return ""
	}
	return *c.MilestoneID
}

// deriveCardStateTx recomputes the card's derived completion after a task
// write and emits a (card, completed) transition when it flips.
func (e Engine) deriveCardStateTx(ctx context.Context, tx *sql.Tx, t domain.Task, orgID, actorID string) error {
	if t.CardID == nil {
		return nil
	}
	c, err := e.Repo.GetCardTx(ctx, tx, *t.CardID)
	if err != nil {
		return err
	}
	total, completed, err := e.Repo.CardWorkCountsTx(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	done := total > 0 && completed == total
	if done && c.State != "completed" {
		if err := e.Repo.UpdateCardState(ctx, tx, c.ID, "completed"); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "card.completed", c.ProjectID, "card", c.ID, actorID, nil); err != nil {
			return err
		}
		return e.dispatchTransitionTx(ctx, tx, TransitionEvent{
			ResourceType:  "card",
			ToState:       "completed",
			ProjectID:     c.ProjectID,
			OrgID:         orgID,
			OriginType:    "card",
			OriginID:      c.ID,
			ActorID:       actorID,
			UserTriggered: true,
		})
	}
	if !done && c.State == "completed" {
		if err := e.Repo.UpdateCardState(ctx, tx, c.ID, "open"); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "card.reopened", c.ProjectID, "card", c.ID, actorID, nil)
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
