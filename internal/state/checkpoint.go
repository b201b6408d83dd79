package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/workflow"
)

// Checkpoint is a durable snapshot of one execution context.
// Checkpoint ids take the form <execution_id>_<ms_since_epoch> and
// sort lexicographically in creation order within one execution.
type Checkpoint struct {
	CheckpointID string
	ExecutionID  string
	Timestamp    time.Time
	Context      *workflow.ExecutionContext
	Metadata     map[string]string
}

// Checkpoint ids embed a millisecond timestamp. Two snapshots of the
// same execution taken within one millisecond would collide, so the
// clock is forced strictly monotonic per execution.
var (
	ckClockMu sync.Mutex
	ckLastMS  = make(map[string]int64)
)

func nextCheckpointMS(executionID string) int64 {
	ckClockMu.Lock()
	defer ckClockMu.Unlock()
	ms := time.Now().UnixMilli()
	if last := ckLastMS[executionID]; ms <= last {
		ms = last + 1
	}
	ckLastMS[executionID] = ms
	return ms
}

// NewCheckpoint snapshots the context into a fresh checkpoint. The
// context is deep-copied so the execution can keep mutating.
func NewCheckpoint(ctx *workflow.ExecutionContext, metadata map[string]string) *Checkpoint {
	ms := nextCheckpointMS(ctx.ExecutionID)
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &Checkpoint{
		CheckpointID: fmt.Sprintf("%s_%d", ctx.ExecutionID, ms),
		ExecutionID:  ctx.ExecutionID,
		Timestamp:    time.UnixMilli(ms).UTC(),
		Context:      ctx.Clone(),
		Metadata:     metadata,
	}
}

// Validate checks internal consistency. A checkpoint whose context
// belongs to a different execution is rejected with
// InvalidConfiguration.
func (c *Checkpoint) Validate() error {
	if c.CheckpointID == "" || c.ExecutionID == "" {
		return fault.New(fault.InvalidFormat, "checkpoint is missing identifiers")
	}
	if c.Context == nil {
		return fault.New(fault.InvalidFormat, "checkpoint %s has no context", c.CheckpointID)
	}
	if c.Context.ExecutionID != c.ExecutionID {
		return fault.New(fault.InvalidConfiguration,
			"checkpoint %s belongs to execution %s but snapshots %s",
			c.CheckpointID, c.ExecutionID, c.Context.ExecutionID)
	}
	return nil
}

type checkpointJSON struct {
	CheckpointID string                     `json:"checkpoint_id"`
	ExecutionID  string                     `json:"execution_id"`
	TimestampMS  int64                      `json:"timestamp_ms"`
	Context      *workflow.ExecutionContext `json:"context"`
	Metadata     map[string]string          `json:"checkpoint_metadata,omitempty"`
}

// MarshalJSON serializes the checkpoint with a millisecond timestamp.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(checkpointJSON{
		CheckpointID: c.CheckpointID,
		ExecutionID:  c.ExecutionID,
		TimestampMS:  c.Timestamp.UnixMilli(),
		Context:      c.Context,
		Metadata:     c.Metadata,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON and validates the
// decoded checkpoint.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var raw checkpointJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fault.Wrap(fault.InvalidFormat, err, "decoding checkpoint")
	}
	metadata := raw.Metadata
	if metadata == nil {
		metadata = make(map[string]string)
	}
	*c = Checkpoint{
		CheckpointID: raw.CheckpointID,
		ExecutionID:  raw.ExecutionID,
		Timestamp:    time.UnixMilli(raw.TimestampMS).UTC(),
		Context:      raw.Context,
		Metadata:     metadata,
	}
	return c.Validate()
}
