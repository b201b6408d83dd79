package state

import (
	"context"
	"testing"
	"time"

	"github.com/plugrig/plugrig/internal/workflow"
)

func TestCheckpointManagerDeduplicates(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	m := NewCheckpointManager(store)
	t.Cleanup(m.Close)

	ec := runningContext(t)
	first, err := m.Checkpoint(ctx, ec, nil)
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if first == nil {
		t.Fatal("first Checkpoint() returned nil")
	}

	// Identical context: no new checkpoint.
	dup, err := m.Checkpoint(ctx, ec, nil)
	if err != nil {
		t.Fatalf("duplicate Checkpoint() error = %v", err)
	}
	if dup != nil {
		t.Errorf("duplicate snapshot produced checkpoint %s", dup.CheckpointID)
	}

	ec.StepStates["s1"].Status = workflow.StepCompleted
	changed, err := m.Checkpoint(ctx, ec, nil)
	if err != nil {
		t.Fatalf("changed Checkpoint() error = %v", err)
	}
	if changed == nil {
		t.Fatal("changed context produced no checkpoint")
	}

	listed, err := store.ListCheckpoints(ctx, ec.ExecutionID)
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("stored checkpoints = %d, want 2", len(listed))
	}
}

func TestCheckpointManagerRetention(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	m := NewCheckpointManager(store, WithRetention(3))
	t.Cleanup(m.Close)

	ec := runningContext(t)
	var ids []string
	for i := 0; i < 5; i++ {
		ec.Metadata["round"] = string(rune('1' + i))
		cp, err := m.Checkpoint(ctx, ec, nil)
		if err != nil {
			t.Fatalf("Checkpoint() #%d error = %v", i, err)
		}
		if cp == nil {
			t.Fatalf("Checkpoint() #%d deduplicated unexpectedly", i)
		}
		ids = append(ids, cp.CheckpointID)
	}

	listed, err := store.ListCheckpoints(ctx, ec.ExecutionID)
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("retained = %d, want 3", len(listed))
	}
	// The three newest survive, oldest first.
	for i, want := range ids[2:] {
		if listed[i].CheckpointID != want {
			t.Errorf("retained[%d] = %s, want %s", i, listed[i].CheckpointID, want)
		}
	}
}

func TestCheckpointManagerAuto(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	m := NewCheckpointManager(store, WithInterval(20*time.Millisecond))
	t.Cleanup(m.Close)

	ec := runningContext(t)
	round := 0
	if err := m.StartAuto(ec.ExecutionID, func() *workflow.ExecutionContext {
		round++
		ec.Metadata["round"] = string(rune('0' + round%10))
		return ec
	}); err != nil {
		t.Fatalf("StartAuto() error = %v", err)
	}
	if err := m.StartAuto(ec.ExecutionID, func() *workflow.ExecutionContext { return ec }); err == nil {
		t.Error("second StartAuto() succeeded")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		listed, err := store.ListCheckpoints(context.Background(), ec.ExecutionID)
		if err != nil {
			t.Fatalf("ListCheckpoints() error = %v", err)
		}
		if len(listed) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduled checkpoints never appeared (have %d)", len(listed))
		}
		time.Sleep(10 * time.Millisecond)
	}
	m.StopAuto(ec.ExecutionID)
}
