package engine

import (
	"errors"
	"fmt"
)

// Typed failures returned by lifecycle operations. Callers branch on these
// with errors.Is; they are results, not control flow inside the engine.
var (
	// ErrConflict means the version check failed: another writer changed the
	// row. The caller must refresh and retry with the new version, never
	// blindly with the stale one.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidState means the operation is not valid from the row's
	// current state, e.g. completing an already-completed task.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrForbidden means the actor is not the current claimant.
	ErrForbidden = errors.New("actor is not the claimant")

	// ErrMilestoneConflict means another milestone is already active in the
	// project. The caller must complete the existing one first; the invariant
	// is never silently resolved.
	ErrMilestoneConflict = errors.New("another milestone is active")
)

// TemplateError reports a template-batch failure. The whole rule application
// aborts with no partial task creation.
type TemplateError struct {
	RuleID     string
	TemplateID string
	Err        error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template execution failed (rule=%s, template=%s): %v", e.RuleID, e.TemplateID, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// IsTemplateError reports whether err is a template-batch failure.
func IsTemplateError(err error) bool {
	var te *TemplateError
	return errors.As(err, &te)
}
