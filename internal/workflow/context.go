package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/plugrig/plugrig/internal/fault"
)

// ExecState is the overall state of one workflow execution.
type ExecState int

// Execution states.
const (
	ExecCreated ExecState = iota
	ExecRunning
	ExecCompleted
	ExecFailed
	ExecCancelled
	ExecSuspended
)

var execStateNames = map[ExecState]string{
	ExecCreated:   "created",
	ExecRunning:   "running",
	ExecCompleted: "completed",
	ExecFailed:    "failed",
	ExecCancelled: "cancelled",
	ExecSuspended: "suspended",
}

// String returns the lowercase name of the state.
func (s ExecState) String() string {
	if name, ok := execStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the execution has finished.
func (s ExecState) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// ParseExecState converts a lowercase state name back to its value.
func ParseExecState(name string) (ExecState, error) {
	for state, n := range execStateNames {
		if n == name {
			return state, nil
		}
	}
	return ExecCreated, fault.New(fault.InvalidFormat, "unknown execution state %q", name)
}

// ExecutionContext is the checkpointable record of one workflow
// execution: its identity, overall state, the per-step states, and
// the data the run started with and produced.
//
// Invariants: every key of StepStates names a step the workflow
// declares, and CurrentStepID is either empty or names a step whose
// status is running.
type ExecutionContext struct {
	ExecutionID   string
	WorkflowID    string
	WorkflowName  string
	State         ExecState
	InitialData   map[string]any
	FinalResult   any
	ErrorData     string
	StartTime     time.Time
	EndTime       time.Time
	CurrentStepID string
	StepStates    map[string]*StepState
	Metadata      map[string]string

	IsTransactional bool
	TransactionID   string
	IsComposite     bool
	CompositionID   string
}

// NewExecutionContext creates a context for one run of the workflow,
// seeding every declared step as pending.
func NewExecutionContext(wf *Workflow, initial map[string]any) *ExecutionContext {
	states := make(map[string]*StepState, len(wf.Steps))
	for _, s := range wf.Steps {
		states[s.ID] = &StepState{StepID: s.ID, Status: StepPending}
	}
	return &ExecutionContext{
		ExecutionID:  uuid.NewString(),
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		State:        ExecCreated,
		InitialData:  initial,
		StepStates:   states,
		Metadata:     make(map[string]string),
	}
}

// Step returns the state record for a step id.
func (c *ExecutionContext) Step(id string) (*StepState, bool) {
	s, ok := c.StepStates[id]
	return s, ok
}

// TotalSteps returns the number of steps tracked by this execution.
func (c *ExecutionContext) TotalSteps() int {
	return len(c.StepStates)
}

// CompletedSteps counts steps that finished successfully.
func (c *ExecutionContext) CompletedSteps() int {
	n := 0
	for _, s := range c.StepStates {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// Progress reports overall completion in percent. A step contributes
// once it reaches a terminal status, whether completed, skipped, or
// failed.
func (c *ExecutionContext) Progress() float64 {
	total := len(c.StepStates)
	if total == 0 {
		return 0
	}
	settled := 0
	for _, s := range c.StepStates {
		if s.Status.Terminal() {
			settled++
		}
	}
	return float64(settled) / float64(total) * 100
}

// Validate checks the context invariants against its workflow.
func (c *ExecutionContext) Validate(wf *Workflow) error {
	for id := range c.StepStates {
		if _, ok := wf.Step(id); !ok {
			return fault.New(fault.InvalidState, "execution %s tracks undeclared step %s", c.ExecutionID, id)
		}
	}
	if c.CurrentStepID != "" {
		s, ok := c.StepStates[c.CurrentStepID]
		if !ok || s.Status != StepRunning {
			return fault.New(fault.InvalidState, "current step %s is not running", c.CurrentStepID)
		}
	}
	return nil
}

// Clone returns a deep copy safe to snapshot while the original keeps
// mutating.
func (c *ExecutionContext) Clone() *ExecutionContext {
	out := *c
	out.StepStates = make(map[string]*StepState, len(c.StepStates))
	for id, s := range c.StepStates {
		copied := *s
		out.StepStates[id] = &copied
	}
	out.Metadata = make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	if c.InitialData != nil {
		out.InitialData = make(map[string]any, len(c.InitialData))
		for k, v := range c.InitialData {
			out.InitialData[k] = v
		}
	}
	return &out
}

type stepStateJSON struct {
	StepID      string `json:"step_id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts,omitempty"`
	Output      any    `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAtMS int64  `json:"started_at_ms,omitempty"`
	EndedAtMS   int64  `json:"ended_at_ms,omitempty"`
}

type executionContextJSON struct {
	ExecutionID     string                   `json:"execution_id"`
	WorkflowID      string                   `json:"workflow_id"`
	WorkflowName    string                   `json:"workflow_name,omitempty"`
	State           string                   `json:"state"`
	InitialData     map[string]any           `json:"initial_data,omitempty"`
	FinalResult     any                      `json:"final_result,omitempty"`
	ErrorData       string                   `json:"error_data,omitempty"`
	StartTimeMS     int64                    `json:"start_time_ms,omitempty"`
	EndTimeMS       int64                    `json:"end_time_ms,omitempty"`
	CurrentStepID   string                   `json:"current_step_id,omitempty"`
	StepStates      map[string]stepStateJSON `json:"step_states"`
	Metadata        map[string]string        `json:"execution_metadata,omitempty"`
	IsTransactional bool                     `json:"is_transactional,omitempty"`
	TransactionID   string                   `json:"transaction_id,omitempty"`
	IsComposite     bool                     `json:"is_composite,omitempty"`
	CompositionID   string                   `json:"composition_id,omitempty"`
}

func timeToMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// MarshalJSON serializes the context with every timestamp expressed
// as milliseconds since the Unix epoch, so snapshots round-trip
// bit-for-bit across platforms.
func (c *ExecutionContext) MarshalJSON() ([]byte, error) {
	states := make(map[string]stepStateJSON, len(c.StepStates))
	for id, s := range c.StepStates {
		states[id] = stepStateJSON{
			StepID:      s.StepID,
			Status:      s.Status.String(),
			Attempts:    s.Attempts,
			Output:      s.Output,
			Error:       s.Error,
			StartedAtMS: timeToMS(s.StartedAt),
			EndedAtMS:   timeToMS(s.EndedAt),
		}
	}
	return json.Marshal(executionContextJSON{
		ExecutionID:     c.ExecutionID,
		WorkflowID:      c.WorkflowID,
		WorkflowName:    c.WorkflowName,
		State:           c.State.String(),
		InitialData:     c.InitialData,
		FinalResult:     c.FinalResult,
		ErrorData:       c.ErrorData,
		StartTimeMS:     timeToMS(c.StartTime),
		EndTimeMS:       timeToMS(c.EndTime),
		CurrentStepID:   c.CurrentStepID,
		StepStates:      states,
		Metadata:        c.Metadata,
		IsTransactional: c.IsTransactional,
		TransactionID:   c.TransactionID,
		IsComposite:     c.IsComposite,
		CompositionID:   c.CompositionID,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	var raw executionContextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fault.Wrap(fault.InvalidFormat, err, "decoding execution context")
	}
	if raw.ExecutionID == "" {
		return fault.New(fault.InvalidFormat, "execution context has no execution_id")
	}
	state, err := ParseExecState(raw.State)
	if err != nil {
		return err
	}

	states := make(map[string]*StepState, len(raw.StepStates))
	for id, s := range raw.StepStates {
		status, err := ParseStepStatus(s.Status)
		if err != nil {
			return err
		}
		stepID := s.StepID
		if stepID == "" {
			stepID = id
		}
		states[id] = &StepState{
			StepID:    stepID,
			Status:    status,
			Attempts:  s.Attempts,
			Output:    s.Output,
			Error:     s.Error,
			StartedAt: msToTime(s.StartedAtMS),
			EndedAt:   msToTime(s.EndedAtMS),
		}
	}

	metadata := raw.Metadata
	if metadata == nil {
		metadata = make(map[string]string)
	}
	*c = ExecutionContext{
		ExecutionID:     raw.ExecutionID,
		WorkflowID:      raw.WorkflowID,
		WorkflowName:    raw.WorkflowName,
		State:           state,
		InitialData:     raw.InitialData,
		FinalResult:     raw.FinalResult,
		ErrorData:       raw.ErrorData,
		StartTime:       msToTime(raw.StartTimeMS),
		EndTime:         msToTime(raw.EndTimeMS),
		CurrentStepID:   raw.CurrentStepID,
		StepStates:      states,
		Metadata:        metadata,
		IsTransactional: raw.IsTransactional,
		TransactionID:   raw.TransactionID,
		IsComposite:     raw.IsComposite,
		CompositionID:   raw.CompositionID,
	}
	return nil
}
