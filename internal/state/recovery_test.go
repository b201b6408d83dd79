package state

import (
	"context"
	"testing"

	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/workflow"
)

func recoveryFixture(t *testing.T) (*Recovery, Store) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewRecovery(store), store
}

// Simulates a crash after s2 completed: the latest checkpoint must
// restore s1 and s2 as completed and leave s3 pending.
func TestRecoverFromBest(t *testing.T) {
	ctx := context.Background()
	r, store := recoveryFixture(t)

	ec := runningContext(t)
	cp1 := NewCheckpoint(ec, nil)
	if err := store.SaveCheckpoint(ctx, cp1); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	ec.StepStates["s1"].Status = workflow.StepCompleted
	ec.StepStates["s2"].Status = workflow.StepCompleted
	ec.StepStates["s3"].Status = workflow.StepRunning
	ec.CurrentStepID = "s3"
	cp2 := NewCheckpoint(ec, nil)
	if err := store.SaveCheckpoint(ctx, cp2); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	restored, err := r.Recover(ctx, ec.ExecutionID, RecoveryOptions{Strategy: RestoreFromBest})
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if restored.State != workflow.ExecSuspended {
		t.Errorf("State = %s, want suspended", restored.State)
	}
	if restored.StepStates["s1"].Status != workflow.StepCompleted ||
		restored.StepStates["s2"].Status != workflow.StepCompleted {
		t.Errorf("completed steps lost: s1=%s s2=%s",
			restored.StepStates["s1"].Status, restored.StepStates["s2"].Status)
	}
	if restored.StepStates["s3"].Status != workflow.StepPending {
		t.Errorf("s3 = %s, want pending", restored.StepStates["s3"].Status)
	}
	if restored.CurrentStepID != "" {
		t.Errorf("CurrentStepID = %q, want empty", restored.CurrentStepID)
	}
	if restored.Metadata["recovered_from"] != cp2.CheckpointID {
		t.Errorf("recovered_from = %s, want %s", restored.Metadata["recovered_from"], cp2.CheckpointID)
	}
}

func TestRecoverFromBestPrefersProgress(t *testing.T) {
	ctx := context.Background()
	r, store := recoveryFixture(t)

	// Newest checkpoint has no completed steps and a created state;
	// best must fall back to the older one with progress.
	ec := runningContext(t)
	ec.StepStates["s1"].Status = workflow.StepCompleted
	withProgress := NewCheckpoint(ec, nil)
	if err := store.SaveCheckpoint(ctx, withProgress); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	ec.StepStates["s1"].Status = workflow.StepPending
	ec.State = workflow.ExecCreated
	fresh := NewCheckpoint(ec, nil)
	if err := store.SaveCheckpoint(ctx, fresh); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	restored, err := r.Recover(ctx, ec.ExecutionID, RecoveryOptions{Strategy: RestoreFromBest})
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if restored.Metadata["recovered_from"] != withProgress.CheckpointID {
		t.Errorf("recovered_from = %s, want %s (checkpoint with completed steps)",
			restored.Metadata["recovered_from"], withProgress.CheckpointID)
	}
}

func TestRecoverFromLatestAndSpecific(t *testing.T) {
	ctx := context.Background()
	r, store := recoveryFixture(t)

	ec := runningContext(t)
	first := NewCheckpoint(ec, nil)
	if err := store.SaveCheckpoint(ctx, first); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	ec.StepStates["s1"].Status = workflow.StepCompleted
	second := NewCheckpoint(ec, nil)
	if err := store.SaveCheckpoint(ctx, second); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	latest, err := r.Recover(ctx, ec.ExecutionID, RecoveryOptions{Strategy: RestoreFromLatest})
	if err != nil {
		t.Fatalf("Recover(latest) error = %v", err)
	}
	if latest.Metadata["recovered_from"] != second.CheckpointID {
		t.Errorf("latest recovered_from = %s", latest.Metadata["recovered_from"])
	}

	specific, err := r.Recover(ctx, ec.ExecutionID, RecoveryOptions{
		Strategy:     RestoreFromSpecific,
		CheckpointID: first.CheckpointID,
	})
	if err != nil {
		t.Fatalf("Recover(specific) error = %v", err)
	}
	if specific.StepStates["s1"].Status != workflow.StepPending {
		t.Errorf("specific s1 = %s, want pending", specific.StepStates["s1"].Status)
	}

	if _, err := r.Recover(ctx, ec.ExecutionID, RecoveryOptions{Strategy: RestoreFromSpecific}); !fault.IsKind(err, fault.InvalidParameters) {
		t.Errorf("specific without id = %v, want InvalidParameters", err)
	}
	if _, err := r.Recover(ctx, ec.ExecutionID, RecoveryOptions{
		Strategy:     RestoreFromSpecific,
		CheckpointID: "ghost",
	}); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("specific unknown id = %v, want NotFound", err)
	}
}

func TestRecoverRefusesCompleted(t *testing.T) {
	ctx := context.Background()
	r, store := recoveryFixture(t)

	ec := runningContext(t)
	ec.State = workflow.ExecCompleted
	cp := NewCheckpoint(ec, nil)
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	if _, err := r.Recover(ctx, ec.ExecutionID, RecoveryOptions{Strategy: RestoreFromLatest}); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("latest over completed-only = %v, want NotFound", err)
	}
	if _, err := r.Recover(ctx, ec.ExecutionID, RecoveryOptions{
		Strategy:     RestoreFromSpecific,
		CheckpointID: cp.CheckpointID,
	}); !fault.IsKind(err, fault.InvalidState) {
		t.Errorf("specific completed = %v, want InvalidState", err)
	}
}

func TestRestartFromBeginning(t *testing.T) {
	ctx := context.Background()
	r, store := recoveryFixture(t)

	ec := runningContext(t)
	ec.StepStates["s1"].Status = workflow.StepCompleted
	ec.StepStates["s2"].Status = workflow.StepFailed
	ec.ErrorData = "transform blew up"
	if err := store.SaveExecutionContext(ctx, ec); err != nil {
		t.Fatalf("SaveExecutionContext() error = %v", err)
	}

	fresh, err := r.Recover(ctx, ec.ExecutionID, RecoveryOptions{Strategy: RestartFromBeginning})
	if err != nil {
		t.Fatalf("Recover(restart) error = %v", err)
	}
	if fresh.State != workflow.ExecCreated {
		t.Errorf("State = %s, want created", fresh.State)
	}
	if fresh.ErrorData != "" || !fresh.StartTime.IsZero() {
		t.Errorf("run residue left: error=%q start=%v", fresh.ErrorData, fresh.StartTime)
	}
	for id, s := range fresh.StepStates {
		if s.Status != workflow.StepPending {
			t.Errorf("step %s = %s, want pending", id, s.Status)
		}
	}
	if fresh.InitialData["source"] != "feed" {
		t.Errorf("InitialData = %v", fresh.InitialData)
	}

	if _, err := r.Recover(ctx, "ghost", RecoveryOptions{Strategy: RestartFromBeginning}); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("restart unknown execution = %v, want NotFound", err)
	}
}
