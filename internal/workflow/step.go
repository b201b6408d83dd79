package workflow

import (
	"time"

	"github.com/plugrig/plugrig/internal/fault"
)

// StepStatus describes the life of one step within an execution.
type StepStatus int

// Step statuses.
const (
	StepPending StepStatus = iota
	StepRunning
	StepCompleted
	StepFailed
	StepSkipped
	StepRetrying
)

var stepStatusNames = map[StepStatus]string{
	StepPending:   "pending",
	StepRunning:   "running",
	StepCompleted: "completed",
	StepFailed:    "failed",
	StepSkipped:   "skipped",
	StepRetrying:  "retrying",
}

// String returns the lowercase name of the status.
func (s StepStatus) String() string {
	if name, ok := stepStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the status is a final one. Terminal steps
// count toward overall execution progress.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// ParseStepStatus converts a lowercase status name back to its value.
func ParseStepStatus(name string) (StepStatus, error) {
	for status, n := range stepStatusNames {
		if n == name {
			return status, nil
		}
	}
	return StepPending, fault.New(fault.InvalidFormat, "unknown step status %q", name)
}

// RetryPolicy bounds the retry behavior of a failing step. The delay
// before attempt n is Delay * Backoff^n.
type RetryPolicy struct {
	Max     int           `json:"max"`
	Backoff float64       `json:"backoff"`
	Delay   time.Duration `json:"delay"`
}

// DelayFor returns the wait before retry attempt n (0-based).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	d := float64(p.Delay)
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 1
	}
	for i := 0; i < attempt; i++ {
		d *= backoff
	}
	return time.Duration(d)
}

// Step is one node of a workflow DAG: a method invocation on a named
// plugin, guarded by dependencies, an optional condition, a timeout,
// and a retry policy.
type Step struct {
	ID         string         `json:"id"`
	PluginID   string         `json:"plugin_id"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	Retry      RetryPolicy    `json:"retry,omitempty"`
	Optional   bool           `json:"optional,omitempty"`
	Condition  string         `json:"condition,omitempty"`
}

// StepState records the observed progress of one step inside an
// execution context.
type StepState struct {
	StepID    string
	Status    StepStatus
	Attempts  int
	Output    any
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}
