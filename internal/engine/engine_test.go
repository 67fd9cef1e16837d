package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"workdeck/internal/config"
	"workdeck/internal/db"
	"workdeck/internal/engine"
	"workdeck/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	eng := engine.New(conn, cfg, zerolog.Nop())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitOrg(ctx, "org-1", "Test Org", "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	if _, err := eng.InitProject(ctx, "org-1", "proj-1", "Test Project", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createTask(t *testing.T, title string, opts engine.TaskCreateOptions) string {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.TypeID == "" {
		opts.TypeID = "proj-1:feature"
	}
	opts.Title = title
	opts.ActorID = "tester"
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task.ID
}

func (env testEnv) completeTask(t *testing.T, taskID, userID string) {
	t.Helper()
	v, err := env.Engine.Claim(env.Ctx, taskID, userID, 1)
	if err != nil {
		t.Fatalf("claim %s: %v", taskID, err)
	}
	if _, err := env.Engine.Complete(env.Ctx, taskID, userID, v.Version); err != nil {
		t.Fatalf("complete %s: %v", taskID, err)
	}
}

func TestClaimReleaseCompleteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTask(t, "lifecycle", engine.TaskCreateOptions{})

	v, err := env.Engine.Claim(env.Ctx, id, "alice", 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if v.Status != "claimed" || v.Version != 2 {
		t.Fatalf("after claim: status=%s version=%d", v.Status, v.Version)
	}
	if v.ClaimedBy == nil || *v.ClaimedBy != "alice" {
		t.Fatalf("expected claimant alice")
	}

	v, err = env.Engine.Release(env.Ctx, id, "alice", 2)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if v.Status != "available" || v.Version != 3 {
		t.Fatalf("after release: status=%s version=%d", v.Status, v.Version)
	}
	if v.ClaimedBy != nil {
		t.Fatalf("claimant should be cleared on release")
	}

	v, err = env.Engine.Claim(env.Ctx, id, "bob", 3)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	v, err = env.Engine.Complete(env.Ctx, id, "bob", v.Version)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if v.Status != "completed" || v.CompletedAt == nil {
		t.Fatalf("after complete: status=%s completed_at=%v", v.Status, v.CompletedAt)
	}
	if v.ClaimedBy != nil || v.ClaimedAt != nil {
		t.Fatalf("claim fields should be cleared on completion")
	}
}

func TestClaimConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTask(t, "contested", engine.TaskCreateOptions{})

	if _, err := env.Engine.Claim(env.Ctx, id, "alice", 1); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// same expected version from a losing racer: alice's write bumped the
	// version, so bob sees a conflict, not an invalid state
	_, err := env.Engine.Claim(env.Ctx, id, "bob", 1)
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// current version but the task is no longer available
	_, err = env.Engine.Claim(env.Ctx, id, "bob", 2)
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	// stale version on an available task is a conflict
	id2 := env.createTask(t, "stale", engine.TaskCreateOptions{})
	_, err = env.Engine.Claim(env.Ctx, id2, "alice", 7)
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCompleteRequiresClaimant(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTask(t, "guarded", engine.TaskCreateOptions{})

	// completing an unclaimed task is invalid
	_, err := env.Engine.Complete(env.Ctx, id, "alice", 1)
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	if _, err := env.Engine.Claim(env.Ctx, id, "alice", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = env.Engine.Complete(env.Ctx, id, "mallory", 2)
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = env.Engine.Release(env.Ctx, id, "mallory", 2)
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden on release, got %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, id, "alice", 2); err != nil {
		t.Fatalf("claimant complete: %v", err)
	}
}

func TestBlockedCountIsAdvisory(t *testing.T) {
	env := newTestEnv(t)
	dep := env.createTask(t, "dep", engine.TaskCreateOptions{})
	id := env.createTask(t, "main", engine.TaskCreateOptions{DependsOn: []string{dep}})

	// claim succeeds even while blocked; the count is the warning
	v, err := env.Engine.Claim(env.Ctx, id, "alice", 1)
	if err != nil {
		t.Fatalf("claim blocked task: %v", err)
	}
	if v.BlockedCount != 1 {
		t.Fatalf("expected blocked count 1, got %d", v.BlockedCount)
	}

	env.completeTask(t, dep, "bob")
	view, err := env.Engine.GetTaskView(env.Ctx, id)
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if view.BlockedCount != 0 {
		t.Fatalf("expected unblocked after dependency completion, got %d", view.BlockedCount)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a", engine.TaskCreateOptions{})
	b := env.createTask(t, "b", engine.TaskCreateOptions{})
	c := env.createTask(t, "c", engine.TaskCreateOptions{})

	if err := env.Engine.AddDependency(env.Ctx, a, b, "tester"); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := env.Engine.AddDependency(env.Ctx, b, c, "tester"); err != nil {
		t.Fatalf("b->c: %v", err)
	}
	if err := env.Engine.AddDependency(env.Ctx, c, a, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	if err := env.Engine.AddDependency(env.Ctx, a, a, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected self-reference rejection, got %v", err)
	}
}

func TestWorkSessionIdempotence(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTask(t, "timed", engine.TaskCreateOptions{})

	s1, err := env.Engine.StartSession(env.Ctx, id, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	s2, err := env.Engine.StartSession(env.Ctx, id, "alice")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if s1.ID != s2.ID {
		t.Fatalf("second start should return the open session")
	}

	closed, err := env.Engine.PauseSession(env.Ctx, id, "alice")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if closed == nil || closed.EndedAt == nil {
		t.Fatalf("pause should close the open session")
	}
	again, err := env.Engine.PauseSession(env.Ctx, id, "alice")
	if err != nil {
		t.Fatalf("pause with none open: %v", err)
	}
	if again != nil {
		t.Fatalf("pause with none open should be a no-op")
	}

	view, err := env.Engine.GetTaskView(env.Ctx, id)
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if view.IsOngoing {
		t.Fatalf("is_ongoing should be false after pause")
	}
}

func TestCompleteClosesOpenSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTask(t, "working", engine.TaskCreateOptions{})
	if _, err := env.Engine.Claim(env.Ctx, id, "alice", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.StartSession(env.Ctx, id, "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	v, err := env.Engine.Complete(env.Ctx, id, "alice", 2)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if v.IsOngoing {
		t.Fatalf("completion should close the open session")
	}
	sessions, err := env.Engine.Repo.ListWorkSessions(env.Ctx, id)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].EndedAt == nil {
		t.Fatalf("expected one closed session, got %+v", sessions)
	}
}

func TestMilestoneSingleActive(t *testing.T) {
	env := newTestEnv(t)
	m1, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{ProjectID: "proj-1", Name: "phase 1", Position: 1, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create m1: %v", err)
	}
	m2, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{ProjectID: "proj-1", Name: "phase 2", Position: 2, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create m2: %v", err)
	}

	res, err := env.Engine.ActivateMilestone(env.Ctx, m1.ID, "tester")
	if err != nil {
		t.Fatalf("activate m1: %v", err)
	}
	if res.Milestone.State != "active" || res.Milestone.ActivatedAt == nil {
		t.Fatalf("m1 should be active with activated_at set")
	}

	_, err = env.Engine.ActivateMilestone(env.Ctx, m2.ID, "tester")
	if !errors.Is(err, engine.ErrMilestoneConflict) {
		t.Fatalf("expected milestone conflict, got %v", err)
	}
	// re-activating the active one is invalid, not a conflict
	_, err = env.Engine.ActivateMilestone(env.Ctx, m1.ID, "tester")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestMilestoneActivationConcurrentWinner(t *testing.T) {
	env := newTestEnv(t)
	const racers = 4
	ids := make([]string, racers)
	for i := range ids {
		m, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{ProjectID: "proj-1", Name: fmt.Sprintf("phase %d", i+1), Position: i + 1, ActorID: "tester"})
		if err != nil {
			t.Fatalf("create milestone %d: %v", i, err)
		}
		ids[i] = m.ID
	}

	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.ActivateMilestone(env.Ctx, ids[i], "tester")
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrMilestoneConflict):
		default:
			t.Fatalf("activation %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	active := 0
	for _, id := range ids {
		m, err := env.Engine.Repo.GetMilestone(env.Ctx, id)
		if err != nil {
			t.Fatalf("get milestone %s: %v", id, err)
		}
		if m.State == "active" {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active milestone, got %d", active)
	}
}

func TestMilestoneDerivedCompletionAndReopen(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{ProjectID: "proj-1", Name: "phase", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	id := env.createTask(t, "scoped", engine.TaskCreateOptions{MilestoneID: m.ID})
	if _, err := env.Engine.ActivateMilestone(env.Ctx, m.ID, "tester"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	env.completeTask(t, id, "alice")
	got, err := env.Engine.Repo.GetMilestone(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if got.State != "completed" || got.CompletedAt == nil {
		t.Fatalf("milestone should complete when all work is done, got %s", got.State)
	}

	// new incomplete work reopens the completed milestone
	env.createTask(t, "late addition", engine.TaskCreateOptions{MilestoneID: m.ID})
	got, err = env.Engine.Repo.GetMilestone(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if got.State != "active" || got.CompletedAt != nil {
		t.Fatalf("milestone should reopen to active, got %s completed_at=%v", got.State, got.CompletedAt)
	}
}

func TestReadyMilestoneNeverAutoCompletes(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{ProjectID: "proj-1", Name: "future", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	id := env.createTask(t, "early", engine.TaskCreateOptions{MilestoneID: m.ID})
	env.completeTask(t, id, "alice")

	got, err := env.Engine.Repo.GetMilestone(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if got.State != "ready" {
		t.Fatalf("ready milestone must stay ready, got %s", got.State)
	}
}

func TestMilestoneDeleteGuards(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{ProjectID: "proj-1", Name: "referenced", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	env.createTask(t, "holds ref", engine.TaskCreateOptions{MilestoneID: m.ID})
	if err := env.Engine.DeleteMilestone(env.Ctx, m.ID, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected delete rejection for referenced milestone, got %v", err)
	}

	empty, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{ProjectID: "proj-1", Name: "empty", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	if err := env.Engine.DeleteMilestone(env.Ctx, empty.ID, "tester"); err != nil {
		t.Fatalf("delete unreferenced ready milestone: %v", err)
	}
}

func TestCardDerivedCompletion(t *testing.T) {
	env := newTestEnv(t)
	card, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ProjectID: "proj-1", Title: "grouping", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	t1 := env.createTask(t, "first", engine.TaskCreateOptions{CardID: card.ID})
	t2 := env.createTask(t, "second", engine.TaskCreateOptions{CardID: card.ID})

	env.completeTask(t, t1, "alice")
	got, err := env.Engine.Repo.GetCard(env.Ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.State == "completed" {
		t.Fatalf("card must not complete with work remaining")
	}

	env.completeTask(t, t2, "alice")
	got, err = env.Engine.Repo.GetCard(env.Ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.State != "completed" {
		t.Fatalf("card should complete when all tasks complete, got %s", got.State)
	}

	// creating an incomplete task reopens the card right away
	env.createTask(t, "third", engine.TaskCreateOptions{CardID: card.ID})
	got, err = env.Engine.Repo.GetCard(env.Ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.State != "open" {
		t.Fatalf("card should reopen with incomplete work, got %s", got.State)
	}
}
