package state

import (
	"context"
	"time"

	"github.com/plugrig/plugrig/internal/workflow"
)

// Store is the persistence contract for execution contexts and
// checkpoints. Implementations must return checkpoints from
// ListCheckpoints sorted by timestamp ascending, and must yield
// NotFound for absent ids and InvalidFormat for corrupt records.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LoadCheckpoint(ctx context.Context, executionID, checkpointID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, executionID, checkpointID string) error

	SaveExecutionContext(ctx context.Context, ec *workflow.ExecutionContext) error
	LoadExecutionContext(ctx context.Context, executionID string) (*workflow.ExecutionContext, error)
	DeleteExecutionContext(ctx context.Context, executionID string) error

	// CleanupOldCheckpoints deletes checkpoints older than maxAge
	// across all executions and returns how many were removed.
	CleanupOldCheckpoints(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}
