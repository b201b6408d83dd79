package rollback

import (
	"context"
	"time"

	"github.com/plugrig/plugrig/internal/descriptor"
)

// Action performs one revert step. Implementations must honor the
// context deadline.
type Action func(ctx context.Context) error

// Validator checks that an operation actually restored its target.
type Validator func(ctx context.Context) error

// Status tracks an operation through a rollback run.
type Status int

// Operation statuses.
const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCompensated
	StatusSkipped
)

var statusNames = map[Status]string{
	StatusPending:     "pending",
	StatusRunning:     "running",
	StatusCompleted:   "completed",
	StatusFailed:      "failed",
	StatusCompensated: "compensated",
	StatusSkipped:     "skipped",
}

// String returns the lowercase status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Operation is one node of a rollback plan. Action is the revert
// itself; Compensation is the fallback invoked when the action fails
// and the plan allows compensation; Validate optionally confirms the
// revert afterwards.
type Operation struct {
	ID         string
	Target     string
	Method     string
	Parameters map[string]any

	Action       Action
	Compensation Action
	Validate     Validator

	Priority      descriptor.Priority
	Critical      bool
	Compensatable bool
	DependsOn     []string

	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Backoff    float64
}

// delayFor returns the wait before the given retry attempt, growing
// the base delay by the backoff factor per attempt.
func (o *Operation) delayFor(attempt int) time.Duration {
	factor := o.Backoff
	if factor <= 0 {
		factor = 1
	}
	d := float64(o.RetryDelay)
	for i := 0; i < attempt; i++ {
		d *= factor
	}
	return time.Duration(d)
}

// OpState is the per-operation outcome of a run.
type OpState struct {
	Status   Status
	Attempts int
	Error    string
}
