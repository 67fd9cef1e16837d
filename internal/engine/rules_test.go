package engine_test

import (
	"testing"

	"workdeck/internal/engine"
	"workdeck/internal/repo"
)

type ruleFixture struct {
	WorkflowID string
	RuleID     string
	TemplateID string
}

// setupRule wires a workflow, a rule on (task, completed), and one template
// producing a "Follow-up" chore in proj-1.
func setupRule(t *testing.T, env testEnv, projectScope string, fireOnAutomation bool) ruleFixture {
	t.Helper()
	wf, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		OrgID:     "org-1",
		ProjectID: projectScope,
		Name:      "on completion",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	rl, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkflowID:       wf.ID,
		ResourceType:     "task",
		ToState:          "completed",
		FireOnAutomation: fireOnAutomation,
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		OrgID:     "org-1",
		ProjectID: "proj-1",
		Name:      "Follow-up",
		TypeID:    "proj-1:chore",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if err := env.Engine.AttachTemplate(env.Ctx, rl.ID, tpl.ID, 0); err != nil {
		t.Fatalf("attach template: %v", err)
	}
	return ruleFixture{WorkflowID: wf.ID, RuleID: rl.ID, TemplateID: tpl.ID}
}

func (env testEnv) tasksFromRule(t *testing.T, ruleID string) int {
	t.Helper()
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	n := 0
	for _, task := range tasks {
		if task.CreatedFromRuleID != nil && *task.CreatedFromRuleID == ruleID {
			n++
		}
	}
	return n
}

func TestCompletionFiresMatchingRuleOnce(t *testing.T) {
	env := newTestEnv(t)
	fx := setupRule(t, env, "proj-1", false)

	id := env.createTask(t, "trigger", engine.TaskCreateOptions{})
	env.completeTask(t, id, "alice")

	if n := env.tasksFromRule(t, fx.RuleID); n != 1 {
		t.Fatalf("expected exactly one follow-up task, got %d", n)
	}

	// a manual retry for the same origin is absorbed by the ledger
	res, err := env.Engine.Execute(env.Ctx, fx.RuleID, "task", id, "alice", true)
	if err != nil {
		t.Fatalf("execute retry: %v", err)
	}
	if !res.AlreadyProcessed {
		t.Fatalf("retry should report already processed")
	}
	if n := env.tasksFromRule(t, fx.RuleID); n != 1 {
		t.Fatalf("retry must not create more tasks, got %d", n)
	}

	ledger, err := env.Engine.Repo.ListRuleExecutions(env.Ctx, fx.RuleID, 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(ledger) != 1 || ledger[0].Outcome != "applied" {
		t.Fatalf("expected one applied ledger row, got %+v", ledger)
	}
}

func TestOrgWideWorkflowMatchesEveryProject(t *testing.T) {
	env := newTestEnv(t)
	fx := setupRule(t, env, "", false)

	id := env.createTask(t, "trigger", engine.TaskCreateOptions{})
	env.completeTask(t, id, "alice")

	if n := env.tasksFromRule(t, fx.RuleID); n != 1 {
		t.Fatalf("org-wide rule should fire in proj-1, got %d tasks", n)
	}
}

func TestProjectScopedWorkflowIgnoresSiblingProject(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitProject(env.Ctx, "org-1", "proj-2", "Sibling", "tester"); err != nil {
		t.Fatalf("init proj-2: %v", err)
	}
	projFx := setupRule(t, env, "proj-1", false)

	sibling := env.createTask(t, "elsewhere", engine.TaskCreateOptions{ProjectID: "proj-2", TypeID: "proj-2:feature"})
	env.completeTask(t, sibling, "alice")

	if n := env.tasksFromRule(t, projFx.RuleID); n != 0 {
		t.Fatalf("project-scoped rule must not fire in a sibling project, got %d", n)
	}
	ledger, err := env.Engine.Repo.ListRuleExecutions(env.Ctx, projFx.RuleID, 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	// dispatch never matched the rule, so not even a suppression row
	if len(ledger) != 0 {
		t.Fatalf("expected empty ledger, got %+v", ledger)
	}

	// an equivalent org-wide rule does fire for the sibling
	orgFx := setupRule(t, env, "", false)
	second := env.createTask(t, "elsewhere again", engine.TaskCreateOptions{ProjectID: "proj-2", TypeID: "proj-2:feature"})
	env.completeTask(t, second, "alice")

	if n := env.tasksFromRule(t, orgFx.RuleID); n != 1 {
		t.Fatalf("org-wide rule should fire for the sibling, got %d", n)
	}
	if n := env.tasksFromRule(t, projFx.RuleID); n != 0 {
		t.Fatalf("project-scoped rule must stay silent, got %d", n)
	}
}

func TestTaskTypeFilterNarrowsRule(t *testing.T) {
	env := newTestEnv(t)
	fx := setupRule(t, env, "proj-1", false)
	bugType := "proj-1:bug"
	narrowed, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkflowID:   fx.WorkflowID,
		ResourceType: "task",
		TaskTypeID:   bugType,
		ToState:      "completed",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create narrowed rule: %v", err)
	}
	if err := env.Engine.AttachTemplate(env.Ctx, narrowed.ID, fx.TemplateID, 0); err != nil {
		t.Fatalf("attach: %v", err)
	}

	feature := env.createTask(t, "feature work", engine.TaskCreateOptions{TypeID: "proj-1:feature"})
	env.completeTask(t, feature, "alice")
	if n := env.tasksFromRule(t, narrowed.ID); n != 0 {
		t.Fatalf("type-filtered rule must not fire for feature, got %d", n)
	}

	bug := env.createTask(t, "bug work", engine.TaskCreateOptions{TypeID: bugType})
	env.completeTask(t, bug, "alice")
	if n := env.tasksFromRule(t, narrowed.ID); n != 1 {
		t.Fatalf("type-filtered rule should fire for bug, got %d", n)
	}
}

func TestExecuteSuppressions(t *testing.T) {
	env := newTestEnv(t)

	// complete a task first so dispatch-time rules do not exist yet
	id := env.createTask(t, "done early", engine.TaskCreateOptions{})
	env.completeTask(t, id, "alice")

	fx := setupRule(t, env, "proj-1", false)

	// automation-caused transition against a user-only rule
	res, err := env.Engine.Execute(env.Ctx, fx.RuleID, "task", id, "automation", false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Execution.Outcome != "suppressed" || res.Execution.SuppressionReason != engine.SuppressNotUserTriggered {
		t.Fatalf("expected not_user_triggered suppression, got %+v", res.Execution)
	}
	if n := env.tasksFromRule(t, fx.RuleID); n != 0 {
		t.Fatalf("suppressed rule must not create tasks")
	}

	// the suppression occupies the (rule, origin) slot for good
	res, err = env.Engine.Execute(env.Ctx, fx.RuleID, "task", id, "alice", true)
	if err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if !res.AlreadyProcessed {
		t.Fatalf("slot should be occupied by the suppression record")
	}

	// inactive rule: disable before the transition so dispatch never claims
	// the (rule, origin) slot
	if err := env.Engine.Repo.SetRuleActive(env.Ctx, fx.RuleID, false); err != nil {
		t.Fatalf("disable rule: %v", err)
	}
	other := env.createTask(t, "other", engine.TaskCreateOptions{})
	env.completeTask(t, other, "alice")
	res, err = env.Engine.Execute(env.Ctx, fx.RuleID, "task", other, "alice", true)
	if err != nil {
		t.Fatalf("execute inactive: %v", err)
	}
	if res.AlreadyProcessed || res.Execution.SuppressionReason != engine.SuppressInactive {
		t.Fatalf("expected inactive suppression, got %+v", res)
	}

	// non-matching state
	if err := env.Engine.Repo.SetRuleActive(env.Ctx, fx.RuleID, true); err != nil {
		t.Fatalf("enable rule: %v", err)
	}
	open := env.createTask(t, "still open", engine.TaskCreateOptions{})
	res, err = env.Engine.Execute(env.Ctx, fx.RuleID, "task", open, "alice", true)
	if err != nil {
		t.Fatalf("execute non-matching: %v", err)
	}
	if res.Execution.SuppressionReason != engine.SuppressNotMatching {
		t.Fatalf("expected not_matching suppression, got %+v", res.Execution)
	}
}

func TestMatchRulesPrefersProjectScope(t *testing.T) {
	env := newTestEnv(t)
	orgFx := setupRule(t, env, "", false)
	projFx := setupRule(t, env, "proj-1", false)

	rules, err := env.Engine.MatchRules(env.Ctx, engine.TransitionEvent{
		ResourceType: "task",
		ToState:      "completed",
		ProjectID:    "proj-1",
		OrgID:        "org-1",
		TaskTypeID:   "proj-1:feature",
	})
	if err != nil {
		t.Fatalf("match rules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected both rules to match, got %d", len(rules))
	}
	if rules[0].ID != projFx.RuleID || rules[1].ID != orgFx.RuleID {
		t.Fatalf("project-scoped rule must order before org-wide")
	}
}

func TestDisabledWorkflowSilencesRules(t *testing.T) {
	env := newTestEnv(t)
	fx := setupRule(t, env, "proj-1", false)
	if err := env.Engine.Repo.SetWorkflowActive(env.Ctx, fx.WorkflowID, false); err != nil {
		t.Fatalf("disable workflow: %v", err)
	}

	id := env.createTask(t, "trigger", engine.TaskCreateOptions{})
	env.completeTask(t, id, "alice")

	if n := env.tasksFromRule(t, fx.RuleID); n != 0 {
		t.Fatalf("disabled workflow must not fire rules")
	}
	ledger, err := env.Engine.Repo.ListRuleExecutions(env.Ctx, fx.RuleID, 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	// dispatch never saw the rule, so no ledger row either
	if len(ledger) != 0 {
		t.Fatalf("expected empty ledger, got %+v", ledger)
	}
}

func TestTemplateFailureAbortsCompletion(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitProject(env.Ctx, "org-1", "proj-2", "Other", "tester"); err != nil {
		t.Fatalf("init proj-2: %v", err)
	}
	fx := setupRule(t, env, "proj-1", false)

	// template whose task type lives in another project: the batch must fail
	bad, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		OrgID:   "org-1",
		Name:    "Impossible",
		TypeID:  "proj-2:chore",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if err := env.Engine.AttachTemplate(env.Ctx, fx.RuleID, bad.ID, 1); err != nil {
		t.Fatalf("attach: %v", err)
	}

	id := env.createTask(t, "doomed", engine.TaskCreateOptions{})
	if _, err := env.Engine.Claim(env.Ctx, id, "alice", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = env.Engine.Complete(env.Ctx, id, "alice", 2)
	if !engine.IsTemplateError(err) {
		t.Fatalf("expected template error, got %v", err)
	}

	// everything rolled back: completion, follow-ups, and the ledger row
	task, err := env.Engine.Repo.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != "claimed" {
		t.Fatalf("completion should have rolled back, status=%s", task.Status)
	}
	if n := env.tasksFromRule(t, fx.RuleID); n != 0 {
		t.Fatalf("no partial batch may survive, got %d tasks", n)
	}
	ledger, err := env.Engine.Repo.ListRuleExecutions(env.Ctx, fx.RuleID, 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(ledger) != 0 {
		t.Fatalf("ledger row must roll back with the batch, got %+v", ledger)
	}
}

func TestCardCompletionFiresCardRules(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		OrgID: "org-1", ProjectID: "proj-1", Name: "card flow", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	rl, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkflowID:   wf.ID,
		ResourceType: "card",
		ToState:      "completed",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		OrgID: "org-1", ProjectID: "proj-1", Name: "Card follow-up", TypeID: "proj-1:chore", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if err := env.Engine.AttachTemplate(env.Ctx, rl.ID, tpl.ID, 0); err != nil {
		t.Fatalf("attach: %v", err)
	}

	card, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ProjectID: "proj-1", Title: "bundle", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	id := env.createTask(t, "only task", engine.TaskCreateOptions{CardID: card.ID})
	env.completeTask(t, id, "alice")

	if n := env.tasksFromRule(t, rl.ID); n != 1 {
		t.Fatalf("card completion should fire card rules, got %d", n)
	}
}
