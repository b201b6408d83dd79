package state

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plugrig/plugrig/internal/bus"
	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/progress"
	"github.com/plugrig/plugrig/internal/workflow"
)

// Strategy selects which checkpoint to recover from.
type Strategy int

// Recovery strategies.
const (
	// RestoreFromLatest picks the newest recoverable checkpoint.
	RestoreFromLatest Strategy = iota

	// RestoreFromSpecific picks the caller-named checkpoint.
	RestoreFromSpecific

	// RestoreFromBest picks the newest checkpoint whose workflow is
	// running or suspended with at least one completed step, falling
	// back to the newest recoverable one.
	RestoreFromBest

	// RestartFromBeginning abandons checkpoints and rebuilds a fresh
	// context from the original initial data.
	RestartFromBeginning
)

// String returns a human-readable strategy name.
func (s Strategy) String() string {
	switch s {
	case RestoreFromLatest:
		return "restore_from_latest"
	case RestoreFromSpecific:
		return "restore_from_specific"
	case RestoreFromBest:
		return "restore_from_best"
	case RestartFromBeginning:
		return "restart_from_beginning"
	default:
		return "unknown"
	}
}

// RecoveryOptions parameterize one recovery attempt.
type RecoveryOptions struct {
	Strategy Strategy

	// CheckpointID names the checkpoint for RestoreFromSpecific.
	CheckpointID string
}

// RecoveryOption configures a Recovery.
type RecoveryOption func(*Recovery)

// WithRecoveryBus attaches a bus for CheckpointRestored events.
func WithRecoveryBus(b *bus.Bus) RecoveryOption {
	return func(r *Recovery) { r.bus = b }
}

// WithRecoveryLogger replaces the default logger.
func WithRecoveryLogger(log *logrus.Logger) RecoveryOption {
	return func(r *Recovery) { r.log = log.WithField("component", "recovery") }
}

// Recovery restores execution contexts from a Store so the
// orchestrator can resume them.
type Recovery struct {
	store Store
	bus   *bus.Bus
	log   *logrus.Entry
}

// NewRecovery wraps a store.
func NewRecovery(store Store, opts ...RecoveryOption) *Recovery {
	r := &Recovery{
		store: store,
		log:   logrus.StandardLogger().WithField("component", "recovery"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recover restores the execution context per the chosen strategy.
// Steps that were running when the snapshot was taken come back as
// pending so a resume re-runs them, and the context state becomes
// suspended. Completed workflows are not recoverable.
func (r *Recovery) Recover(ctx context.Context, executionID string, opts RecoveryOptions) (*workflow.ExecutionContext, error) {
	if opts.Strategy == RestartFromBeginning {
		return r.restart(ctx, executionID)
	}

	cp, err := r.selectCheckpoint(ctx, executionID, opts)
	if err != nil {
		return nil, err
	}
	if cp.Context.State == workflow.ExecCompleted {
		return nil, fault.New(fault.InvalidState, "execution %s already completed", executionID)
	}

	ec := cp.Context.Clone()
	normalizeRestored(ec)
	ec.Metadata["recovered_from"] = cp.CheckpointID

	r.announce(ctx, ec, cp.CheckpointID)
	r.log.WithFields(logrus.Fields{
		"execution":  executionID,
		"checkpoint": cp.CheckpointID,
		"strategy":   opts.Strategy.String(),
	}).Info("execution restored from checkpoint")
	return ec, nil
}

func (r *Recovery) selectCheckpoint(ctx context.Context, executionID string, opts RecoveryOptions) (*Checkpoint, error) {
	if opts.Strategy == RestoreFromSpecific {
		if opts.CheckpointID == "" {
			return nil, fault.New(fault.InvalidParameters, "restore_from_specific needs a checkpoint id")
		}
		return r.store.LoadCheckpoint(ctx, executionID, opts.CheckpointID)
	}

	checkpoints, err := r.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	recoverable := checkpoints[:0]
	for _, cp := range checkpoints {
		if cp.Context != nil && cp.Context.State != workflow.ExecCompleted {
			recoverable = append(recoverable, cp)
		}
	}
	if len(recoverable) == 0 {
		return nil, fault.New(fault.NotFound, "no recoverable checkpoint for execution %s", executionID)
	}

	if opts.Strategy == RestoreFromBest {
		for i := len(recoverable) - 1; i >= 0; i-- {
			cp := recoverable[i]
			state := cp.Context.State
			if (state == workflow.ExecRunning || state == workflow.ExecSuspended) && cp.Context.CompletedSteps() > 0 {
				return cp, nil
			}
		}
	}
	return recoverable[len(recoverable)-1], nil
}

func (r *Recovery) restart(ctx context.Context, executionID string) (*workflow.ExecutionContext, error) {
	ec, err := r.store.LoadExecutionContext(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ec.State == workflow.ExecCompleted {
		return nil, fault.New(fault.InvalidState, "execution %s already completed", executionID)
	}

	fresh := ec.Clone()
	fresh.State = workflow.ExecCreated
	fresh.FinalResult = nil
	fresh.ErrorData = ""
	fresh.StartTime = time.Time{}
	fresh.EndTime = time.Time{}
	fresh.CurrentStepID = ""
	for _, s := range fresh.StepStates {
		*s = workflow.StepState{StepID: s.StepID, Status: workflow.StepPending}
	}
	r.log.WithField("execution", executionID).Info("execution reset to initial state")
	return fresh, nil
}

func normalizeRestored(ec *workflow.ExecutionContext) {
	for _, s := range ec.StepStates {
		if s.Status == workflow.StepRunning || s.Status == workflow.StepRetrying {
			s.Status = workflow.StepPending
			s.StartedAt = time.Time{}
		}
	}
	ec.CurrentStepID = ""
	ec.State = workflow.ExecSuspended
}

func (r *Recovery) announce(ctx context.Context, ec *workflow.ExecutionContext, checkpointID string) {
	if r.bus == nil {
		return
	}
	ev := progress.Event{
		ExecutionID:  ec.ExecutionID,
		WorkflowID:   ec.WorkflowID,
		WorkflowName: ec.WorkflowName,
		Type:         progress.CheckpointRestored,
		Progress:     ec.Progress(),
		TotalSteps:   ec.TotalSteps(),
		Timestamp:    time.Now(),
		Metadata:     map[string]string{"checkpoint_id": checkpointID},
	}
	_ = r.bus.Publish(ctx, bus.Message{
		Type:    progress.MsgTypeWorkflowProgress,
		Sender:  "recovery",
		Mode:    bus.Broadcast,
		Payload: ev,
	})
}
