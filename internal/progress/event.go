package progress

import (
	"encoding/json"
	"time"

	"github.com/plugrig/plugrig/internal/fault"
)

// Bus message types progress events are published under.
const (
	// MsgTypeWorkflowProgress carries workflow-scoped events.
	MsgTypeWorkflowProgress = "workflow.progress"

	// MsgTypeStepProgress carries step-scoped events.
	MsgTypeStepProgress = "workflow.step.progress"
)

// EventType classifies a progress event.
type EventType int

// Event types.
const (
	WorkflowStarted EventType = iota
	WorkflowCompleted
	WorkflowFailed
	WorkflowCancelled
	WorkflowSuspended
	WorkflowResumed
	StepStarted
	StepCompleted
	StepFailed
	StepSkipped
	StepRetrying
	ProgressUpdate
	CheckpointCreated
	CheckpointRestored
)

var eventTypeNames = map[EventType]string{
	WorkflowStarted:    "workflow_started",
	WorkflowCompleted:  "workflow_completed",
	WorkflowFailed:     "workflow_failed",
	WorkflowCancelled:  "workflow_cancelled",
	WorkflowSuspended:  "workflow_suspended",
	WorkflowResumed:    "workflow_resumed",
	StepStarted:        "step_started",
	StepCompleted:      "step_completed",
	StepFailed:         "step_failed",
	StepSkipped:        "step_skipped",
	StepRetrying:       "step_retrying",
	ProgressUpdate:     "progress_update",
	CheckpointCreated:  "checkpoint_created",
	CheckpointRestored: "checkpoint_restored",
}

// String returns the snake_case name of the event type.
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// StepScoped reports whether the event describes a single step rather
// than the whole workflow.
func (t EventType) StepScoped() bool {
	switch t {
	case StepStarted, StepCompleted, StepFailed, StepSkipped, StepRetrying:
		return true
	default:
		return false
	}
}

// ParseEventType converts a snake_case name back to its value.
func ParseEventType(name string) (EventType, error) {
	for t, n := range eventTypeNames {
		if n == name {
			return t, nil
		}
	}
	return WorkflowStarted, fault.New(fault.InvalidFormat, "unknown progress event type %q", name)
}

// Event is one observation of workflow progress.
type Event struct {
	ExecutionID    string
	WorkflowID     string
	WorkflowName   string
	Type           EventType
	Progress       float64
	CompletedSteps int
	TotalSteps     int
	CurrentStepID  string

	// StepID and StepStatus are set for step-scoped events.
	StepID     string
	StepStatus string

	// Error carries the failure message for failed events.
	Error string

	// Attempt is the retry counter for step_retrying events.
	Attempt int

	Timestamp          time.Time
	Elapsed            time.Duration
	EstimatedRemaining time.Duration
	Metadata           map[string]string
}

type eventJSON struct {
	ExecutionID          string            `json:"execution_id"`
	WorkflowID           string            `json:"workflow_id"`
	WorkflowName         string            `json:"workflow_name,omitempty"`
	Type                 string            `json:"event_type"`
	Progress             float64           `json:"overall_progress"`
	CompletedSteps       int               `json:"completed_steps"`
	TotalSteps           int               `json:"total_steps"`
	CurrentStepID        string            `json:"current_step_id,omitempty"`
	StepID               string            `json:"step_id,omitempty"`
	StepStatus           string            `json:"step_status,omitempty"`
	Error                string            `json:"error,omitempty"`
	Attempt              int               `json:"attempt,omitempty"`
	TimestampMS          int64             `json:"timestamp_ms"`
	ElapsedMS            int64             `json:"elapsed_ms"`
	EstimatedRemainingMS int64             `json:"estimated_remaining_ms,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON serializes the event with millisecond timestamps.
func (e Event) MarshalJSON() ([]byte, error) {
	var ts int64
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UnixMilli()
	}
	return json.Marshal(eventJSON{
		ExecutionID:          e.ExecutionID,
		WorkflowID:           e.WorkflowID,
		WorkflowName:         e.WorkflowName,
		Type:                 e.Type.String(),
		Progress:             e.Progress,
		CompletedSteps:       e.CompletedSteps,
		TotalSteps:           e.TotalSteps,
		CurrentStepID:        e.CurrentStepID,
		StepID:               e.StepID,
		StepStatus:           e.StepStatus,
		Error:                e.Error,
		Attempt:              e.Attempt,
		TimestampMS:          ts,
		ElapsedMS:            e.Elapsed.Milliseconds(),
		EstimatedRemainingMS: e.EstimatedRemaining.Milliseconds(),
		Metadata:             e.Metadata,
	})
}

// EstimateRemaining projects the time left from elapsed time and the
// current progress percentage. It returns zero outside (0,100).
func EstimateRemaining(elapsed time.Duration, progress float64) time.Duration {
	if progress <= 0 || progress >= 100 {
		return 0
	}
	return time.Duration(float64(elapsed) * (100 - progress) / progress)
}
