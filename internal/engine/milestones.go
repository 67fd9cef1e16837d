package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"workdeck/internal/domain"
	"workdeck/internal/events"
	"workdeck/internal/repo"
)

type MilestoneCreateOptions struct {
	ID        string
	ProjectID string
	Name      string
	Position  int
	ActorID   string
}

func (e Engine) CreateMilestone(ctx context.Context, opts MilestoneCreateOptions) (domain.Milestone, error) {
	if opts.Name == "" {
		return domain.Milestone{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Milestone{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	m := domain.Milestone{
		ID:        id,
		ProjectID: opts.ProjectID,
		Name:      opts.Name,
		State:     "ready",
		Position:  opts.Position,
		Version:   1,
		CreatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.created", m.ProjectID, "milestone", m.ID, opts.ActorID, events.EventPayload{"name": m.Name}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// ActivationResult carries the released work counts for UI messaging.
type ActivationResult struct {
	Milestone domain.Milestone `json:"milestone"`
	Cards     int              `json:"cards_released"`
	Tasks     int              `json:"tasks_released"`
}

// ActivateMilestone flips a ready milestone to active. The check-then-act
// sequence runs under an exclusive intent lock on the project row: the
// single-active invariant spans all milestones of the project, so the lock
// scope is the project, not the milestone.
func (e Engine) ActivateMilestone(ctx context.Context, milestoneID, actorID string) (ActivationResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ActivationResult{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return ActivationResult{}, err
	}
	if m.State != "ready" {
		return ActivationResult{}, fmt.Errorf("activate milestone %s in state %s: %w", milestoneID, m.State, ErrInvalidState)
	}
	if err := e.Repo.LockProject(ctx, tx, m.ProjectID); err != nil {
		return ActivationResult{}, err
	}
	active, err := e.Repo.ActiveMilestoneTx(ctx, tx, m.ProjectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return ActivationResult{}, err
	}
	if err == nil && active.ID != milestoneID {
		return ActivationResult{}, fmt.Errorf("milestone %s is already active in project %s: %w", active.ID, m.ProjectID, ErrMilestoneConflict)
	}
	now := e.nowStr()
	if _, err := e.Repo.UpdateMilestoneState(ctx, tx, milestoneID, "active", &now, nil); err != nil {
		return ActivationResult{}, err
	}
	cards, tasks, err := e.Repo.MilestoneReferenceCountsTx(ctx, tx, milestoneID)
	if err != nil {
		return ActivationResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.activated", m.ProjectID, "milestone", m.ID, actorID, events.EventPayload{
		"cards_released": cards,
		"tasks_released": tasks,
	}); err != nil {
		return ActivationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ActivationResult{}, err
	}
	e.Log.Info().Str("milestone_id", milestoneID).Str("project_id", m.ProjectID).Msg("milestone activated")
	m.State = "active"
	m.ActivatedAt = &now
	m.Version++
	return ActivationResult{Milestone: m, Cards: cards, Tasks: tasks}, nil
}

// RecomputeMilestone re-derives completion from the milestone's aggregate.
// Public wrapper for callers outside a task write; the task paths call the
// transactional form directly.
func (e Engine) RecomputeMilestone(ctx context.Context, milestoneID, actorID string) (domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	if err := e.recomputeMilestoneTx(ctx, tx, milestoneID, actorID); err != nil {
		return domain.Milestone{}, err
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// recomputeMilestoneTx is pure over the aggregate and idempotent: with no
// intervening writes a second call is a no-op. It must run in the same
// transaction as the task or card write that changed the aggregate, so the
// milestone's visible state is never stale.
func (e Engine) recomputeMilestoneTx(ctx context.Context, tx *sql.Tx, milestoneID, actorID string) error {
	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	if m.State == "ready" {
		return nil
	}
	total, completed, err := e.Repo.MilestoneWorkCountsTx(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	allDone := total > 0 && completed == total
	switch {
	case m.State == "active" && allDone:
		now := e.nowStr()
		completedAt := &now
		if m.CompletedAt != nil {
			completedAt = m.CompletedAt
		}
		if _, err := e.Repo.UpdateMilestoneState(ctx, tx, milestoneID, "completed", m.ActivatedAt, completedAt); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "milestone.completed", m.ProjectID, "milestone", m.ID, actorID, events.EventPayload{"tasks": total})
	case m.State == "completed" && !allDone:
		if _, err := e.Repo.UpdateMilestoneState(ctx, tx, milestoneID, "active", m.ActivatedAt, nil); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "milestone.reopened", m.ProjectID, "milestone", m.ID, actorID, events.EventPayload{
			"tasks":     total,
			"completed": completed,
		})
	}
	return nil
}

// DeleteMilestone removes a milestone, allowed only while ready and
// unreferenced. Active or completed milestones carry work history.
func (e Engine) DeleteMilestone(ctx context.Context, milestoneID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	if m.State != "ready" {
		return fmt.Errorf("delete milestone %s in state %s: %w", milestoneID, m.State, ErrInvalidState)
	}
	cards, tasks, err := e.Repo.MilestoneReferenceCountsTx(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	if cards > 0 || tasks > 0 {
		return fmt.Errorf("delete milestone %s with %d cards and %d tasks: %w", milestoneID, cards, tasks, ErrInvalidState)
	}
	if err := e.Repo.DeleteMilestone(ctx, tx, milestoneID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "milestone.deleted", m.ProjectID, "milestone", m.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

type CardCreateOptions struct {
	ID          string
	ProjectID   string
	MilestoneID string
	Title       string
	Color       string
	ActorID     string
}

func (e Engine) CreateCard(ctx context.Context, opts CardCreateOptions) (domain.Card, error) {
	if opts.Title == "" {
		return domain.Card{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Card{}, err
	}
	if opts.MilestoneID != "" {
		m, err := e.Repo.GetMilestone(ctx, opts.MilestoneID)
		if err != nil {
			return domain.Card{}, err
		}
		if m.ProjectID != opts.ProjectID {
			return domain.Card{}, errors.New("milestone in different project")
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.Card{
		ID:          id,
		ProjectID:   opts.ProjectID,
		MilestoneID: optionalString(opts.MilestoneID),
		Title:       opts.Title,
		Color:       opts.Color,
		State:       "open",
		CreatedAt:   e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCard(ctx, tx, c); err != nil {
		return domain.Card{}, err
	}
	if err := e.Events.Append(ctx, tx, "card.created", c.ProjectID, "card", c.ID, opts.ActorID, events.EventPayload{"title": c.Title}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}
