package domain

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskType struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// Task statuses: available, claimed, completed. ClaimedBy and ClaimedAt are
// both set or both null, consistent with Status. Version increments on every
// successful write and gates every conditional update.
type Task struct {
	ID                string   `json:"id"`
	ProjectID         string   `json:"project_id"`
	CardID            *string  `json:"card_id,omitempty"`
	MilestoneID       *string  `json:"milestone_id,omitempty"`
	TypeID            string   `json:"type_id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Priority          *int     `json:"priority,omitempty"`
	Status            string   `json:"status" enum:"available,claimed,completed"`
	ClaimedBy         *string  `json:"claimed_by,omitempty"`
	ClaimedAt         *string  `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt       *string  `json:"completed_at,omitempty" format:"date-time"`
	Version           int64    `json:"version"`
	CreatedFromRuleID *string  `json:"created_from_rule_id,omitempty"`
	DependsOn         []string `json:"depends_on,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

// TaskView is the task row enriched with read-time derived fields.
type TaskView struct {
	Task
	IsOngoing    bool `json:"is_ongoing"`
	BlockedCount int  `json:"blocked_count"`
}

// WorkSession tracks active work on a task. At most one open session
// (EndedAt nil) per task at a time.
type WorkSession struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	UserID    string  `json:"user_id"`
	StartedAt string  `json:"started_at" format:"date-time"`
	EndedAt   *string `json:"ended_at,omitempty" format:"date-time"`
}

// Card is a loose grouping of tasks; its completion is derived (all
// contained tasks completed and count > 0).
type Card struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	MilestoneID *string `json:"milestone_id,omitempty"`
	Title       string  `json:"title"`
	Color       string  `json:"color,omitempty"`
	State       string  `json:"state"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Milestone states: ready, active, completed. At most one active milestone
// per project. Position orders milestones manually, independent of state.
type Milestone struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	State       string  `json:"state" enum:"ready,active,completed"`
	Position    int     `json:"position"`
	ActivatedAt *string `json:"activated_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Version     int64   `json:"version"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Workflow is an independently toggleable container of rules.
// ProjectID nil means org-wide: the workflow applies to every project in
// the org.
type Workflow struct {
	ID        string  `json:"id"`
	OrgID     string  `json:"org_id"`
	ProjectID *string `json:"project_id,omitempty"`
	Name      string  `json:"name"`
	Active    bool    `json:"active"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Rule fires when a resource of ResourceType reaches ToState. TaskTypeID,
// when set, narrows task events to one task type; card events ignore it.
// FireOnAutomation false means the rule only fires on direct user action.
type Rule struct {
	ID               string  `json:"id"`
	WorkflowID       string  `json:"workflow_id"`
	ResourceType     string  `json:"resource_type" enum:"task,card"`
	TaskTypeID       *string `json:"task_type_id,omitempty"`
	ToState          string  `json:"to_state"`
	Active           bool    `json:"active"`
	FireOnAutomation bool    `json:"fire_on_automation"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// TaskTemplate is a blueprint for task creation, attached to rules with an
// execution order.
type TaskTemplate struct {
	ID        string  `json:"id"`
	OrgID     string  `json:"org_id"`
	ProjectID *string `json:"project_id,omitempty"`
	Name      string  `json:"name"`
	TypeID    string  `json:"type_id"`
	Priority  *int    `json:"priority,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// RuleExecution is the append-only idempotency and audit record, exactly one
// per (rule, origin) pair. Never updated or deleted after insert.
type RuleExecution struct {
	ID                string `json:"id"`
	RuleID            string `json:"rule_id"`
	OriginType        string `json:"origin_type"`
	OriginID          string `json:"origin_id"`
	Outcome           string `json:"outcome" enum:"applied,suppressed"`
	SuppressionReason string `json:"suppression_reason,omitempty"`
	ActorID           string `json:"actor_id,omitempty"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
