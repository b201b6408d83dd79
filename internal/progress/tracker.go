package progress

import (
	"context"
	"sync"
	"time"

	"github.com/plugrig/plugrig/internal/bus"
)

// Tracker observes one workflow execution and publishes its progress
// onto the bus. A nil bus is allowed; the tracker then only keeps
// local state. All methods are safe for concurrent use.
type Tracker struct {
	mu           sync.Mutex
	bus          *bus.Bus
	executionID  string
	workflowID   string
	workflowName string
	totalSteps   int

	started   time.Time
	progress  float64
	completed int
	current   string
	metadata  map[string]string

	observers []func(Event)
}

// NewTracker creates a tracker for one execution. Publication starts
// with WorkflowStarted.
func NewTracker(b *bus.Bus, executionID, workflowID, workflowName string, totalSteps int) *Tracker {
	return &Tracker{
		bus:          b,
		executionID:  executionID,
		workflowID:   workflowID,
		workflowName: workflowName,
		totalSteps:   totalSteps,
		metadata:     make(map[string]string),
	}
}

// AddObserver registers a local callback invoked for every event the
// tracker emits, in addition to bus publication.
func (t *Tracker) AddObserver(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// SetMetadata attaches a metadata key carried on subsequent events.
func (t *Tracker) SetMetadata(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metadata[key] = value
}

// Elapsed returns the time since WorkflowStarted, zero beforehand.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

func (t *Tracker) elapsedLocked() time.Duration {
	if t.started.IsZero() {
		return 0
	}
	return time.Since(t.started)
}

// Progress returns the last reported overall progress.
func (t *Tracker) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// WorkflowStarted marks the start of the run.
func (t *Tracker) WorkflowStarted(ctx context.Context) {
	t.mu.Lock()
	t.started = time.Now()
	t.mu.Unlock()
	t.emit(ctx, Event{Type: WorkflowStarted})
}

// WorkflowCompleted marks a successful finish at 100 percent.
func (t *Tracker) WorkflowCompleted(ctx context.Context) {
	t.mu.Lock()
	t.progress = 100
	t.current = ""
	t.mu.Unlock()
	t.emit(ctx, Event{Type: WorkflowCompleted})
}

// WorkflowFailed marks a terminal failure.
func (t *Tracker) WorkflowFailed(ctx context.Context, cause error) {
	ev := Event{Type: WorkflowFailed}
	if cause != nil {
		ev.Error = cause.Error()
	}
	t.emit(ctx, ev)
}

// WorkflowCancelled marks a cancellation.
func (t *Tracker) WorkflowCancelled(ctx context.Context) {
	t.emit(ctx, Event{Type: WorkflowCancelled})
}

// WorkflowSuspended marks a suspension.
func (t *Tracker) WorkflowSuspended(ctx context.Context) {
	t.emit(ctx, Event{Type: WorkflowSuspended})
}

// WorkflowResumed marks resumption after suspension or recovery.
func (t *Tracker) WorkflowResumed(ctx context.Context) {
	t.mu.Lock()
	if t.started.IsZero() {
		t.started = time.Now()
	}
	t.mu.Unlock()
	t.emit(ctx, Event{Type: WorkflowResumed})
}

// StepStarted marks a step as running.
func (t *Tracker) StepStarted(ctx context.Context, stepID string) {
	t.mu.Lock()
	t.current = stepID
	t.mu.Unlock()
	t.emit(ctx, Event{Type: StepStarted, StepID: stepID, StepStatus: "running"})
}

// StepCompleted marks a step as finished successfully.
func (t *Tracker) StepCompleted(ctx context.Context, stepID string) {
	t.mu.Lock()
	t.completed++
	if t.current == stepID {
		t.current = ""
	}
	t.mu.Unlock()
	t.emit(ctx, Event{Type: StepCompleted, StepID: stepID, StepStatus: "completed"})
}

// StepFailed marks a step as terminally failed.
func (t *Tracker) StepFailed(ctx context.Context, stepID string, cause error) {
	t.mu.Lock()
	if t.current == stepID {
		t.current = ""
	}
	t.mu.Unlock()
	ev := Event{Type: StepFailed, StepID: stepID, StepStatus: "failed"}
	if cause != nil {
		ev.Error = cause.Error()
	}
	t.emit(ctx, ev)
}

// StepSkipped marks a step skipped by condition or failure policy.
func (t *Tracker) StepSkipped(ctx context.Context, stepID string) {
	t.emit(ctx, Event{Type: StepSkipped, StepID: stepID, StepStatus: "skipped"})
}

// StepRetrying marks a retry attempt on a failing step.
func (t *Tracker) StepRetrying(ctx context.Context, stepID string, attempt int) {
	t.emit(ctx, Event{Type: StepRetrying, StepID: stepID, StepStatus: "retrying", Attempt: attempt})
}

// Update publishes a progress_update with the given overall numbers.
func (t *Tracker) Update(ctx context.Context, progress float64, completedSteps int) {
	t.mu.Lock()
	t.progress = progress
	t.completed = completedSteps
	t.mu.Unlock()
	t.emit(ctx, Event{Type: ProgressUpdate})
}

// CheckpointCreated announces a new checkpoint for this execution.
func (t *Tracker) CheckpointCreated(ctx context.Context, checkpointID string) {
	t.emit(ctx, Event{Type: CheckpointCreated, Metadata: map[string]string{"checkpoint_id": checkpointID}})
}

// CheckpointRestored announces recovery from a checkpoint.
func (t *Tracker) CheckpointRestored(ctx context.Context, checkpointID string) {
	t.emit(ctx, Event{Type: CheckpointRestored, Metadata: map[string]string{"checkpoint_id": checkpointID}})
}

func (t *Tracker) emit(ctx context.Context, ev Event) {
	t.mu.Lock()
	ev.ExecutionID = t.executionID
	ev.WorkflowID = t.workflowID
	ev.WorkflowName = t.workflowName
	ev.Progress = t.progress
	ev.CompletedSteps = t.completed
	ev.TotalSteps = t.totalSteps
	ev.CurrentStepID = t.current
	ev.Timestamp = time.Now()
	ev.Elapsed = t.elapsedLocked()
	ev.EstimatedRemaining = EstimateRemaining(ev.Elapsed, ev.Progress)
	if ev.Metadata == nil && len(t.metadata) > 0 {
		ev.Metadata = make(map[string]string, len(t.metadata))
	}
	for k, v := range t.metadata {
		if _, ok := ev.Metadata[k]; !ok {
			ev.Metadata[k] = v
		}
	}
	observers := make([]func(Event), len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
	if t.bus == nil {
		return
	}
	msgType := MsgTypeWorkflowProgress
	if ev.Type.StepScoped() {
		msgType = MsgTypeStepProgress
	}
	// Progress publication is best effort; a stopped bus must not
	// fail the execution.
	_ = t.bus.Publish(ctx, bus.Message{
		Type:    msgType,
		Sender:  "orchestrator",
		Mode:    bus.Broadcast,
		Payload: ev,
	})
}
