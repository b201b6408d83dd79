package state

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plugrig/plugrig/internal/bus"
	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/progress"
	"github.com/plugrig/plugrig/internal/workflow"
)

// Checkpoint manager defaults.
const (
	DefaultCheckpointInterval = 30 * time.Second
	DefaultRetention          = 10
)

// ManagerOption configures a CheckpointManager.
type ManagerOption func(*CheckpointManager)

// WithInterval sets the automatic snapshot interval.
func WithInterval(d time.Duration) ManagerOption {
	return func(m *CheckpointManager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithRetention caps how many checkpoints are kept per execution.
func WithRetention(max int) ManagerOption {
	return func(m *CheckpointManager) {
		if max > 0 {
			m.retention = max
		}
	}
}

// WithBus attaches a bus for CheckpointCreated announcements.
func WithBus(b *bus.Bus) ManagerOption {
	return func(m *CheckpointManager) { m.bus = b }
}

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Logger) ManagerOption {
	return func(m *CheckpointManager) { m.log = log.WithField("component", "checkpoint") }
}

// CheckpointManager snapshots execution contexts into a Store. It
// deduplicates identical consecutive snapshots by content hash,
// enforces the per-execution retention cap, and can run a scheduled
// snapshot task per execution.
type CheckpointManager struct {
	store     Store
	bus       *bus.Bus
	log       *logrus.Entry
	interval  time.Duration
	retention int

	mu       sync.Mutex
	lastHash map[string][sha256.Size]byte
	autos    map[string]chan struct{}
	wg       sync.WaitGroup
}

// NewCheckpointManager wraps a store.
func NewCheckpointManager(store Store, opts ...ManagerOption) *CheckpointManager {
	m := &CheckpointManager{
		store:     store,
		log:       logrus.StandardLogger().WithField("component", "checkpoint"),
		interval:  DefaultCheckpointInterval,
		retention: DefaultRetention,
		lastHash:  make(map[string][sha256.Size]byte),
		autos:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Checkpoint snapshots the context now. If the context is unchanged
// since the previous snapshot of the same execution, no checkpoint is
// written and (nil, nil) is returned.
func (m *CheckpointManager) Checkpoint(ctx context.Context, ec *workflow.ExecutionContext, metadata map[string]string) (*Checkpoint, error) {
	if ec == nil || ec.ExecutionID == "" {
		return nil, fault.New(fault.InvalidParameters, "execution context has no id")
	}
	raw, err := json.Marshal(ec)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidFormat, err, "encoding execution context %s", ec.ExecutionID)
	}
	hash := sha256.Sum256(raw)

	m.mu.Lock()
	if prev, ok := m.lastHash[ec.ExecutionID]; ok && prev == hash {
		m.mu.Unlock()
		return nil, nil
	}
	m.mu.Unlock()

	cp := NewCheckpoint(ec, metadata)
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lastHash[ec.ExecutionID] = hash
	m.mu.Unlock()

	if err := m.enforceRetention(ctx, ec.ExecutionID); err != nil {
		m.log.WithError(err).WithField("execution", ec.ExecutionID).Warn("checkpoint retention sweep failed")
	}
	m.announce(ctx, ec, cp)
	m.log.WithFields(logrus.Fields{"execution": ec.ExecutionID, "checkpoint": cp.CheckpointID}).Debug("checkpoint written")
	return cp, nil
}

func (m *CheckpointManager) enforceRetention(ctx context.Context, executionID string) error {
	checkpoints, err := m.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return err
	}
	for len(checkpoints) > m.retention {
		oldest := checkpoints[0]
		if err := m.store.DeleteCheckpoint(ctx, executionID, oldest.CheckpointID); err != nil {
			return err
		}
		checkpoints = checkpoints[1:]
	}
	return nil
}

func (m *CheckpointManager) announce(ctx context.Context, ec *workflow.ExecutionContext, cp *Checkpoint) {
	if m.bus == nil {
		return
	}
	ev := progress.Event{
		ExecutionID:  ec.ExecutionID,
		WorkflowID:   ec.WorkflowID,
		WorkflowName: ec.WorkflowName,
		Type:         progress.CheckpointCreated,
		Progress:     ec.Progress(),
		TotalSteps:   ec.TotalSteps(),
		Timestamp:    cp.Timestamp,
		Metadata:     map[string]string{"checkpoint_id": cp.CheckpointID},
	}
	_ = m.bus.Publish(ctx, bus.Message{
		Type:    progress.MsgTypeWorkflowProgress,
		Sender:  "checkpoint-manager",
		Mode:    bus.Broadcast,
		Payload: ev,
	})
}

// StartAuto begins the scheduled snapshot task for one execution.
// snapshot must return the current context; it is called on every
// tick until StopAuto or Close.
func (m *CheckpointManager) StartAuto(executionID string, snapshot func() *workflow.ExecutionContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.autos[executionID]; ok {
		return fault.New(fault.InvalidState, "automatic checkpoints already running for %s", executionID)
	}
	stop := make(chan struct{})
	m.autos[executionID] = stop

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ec := snapshot()
				if ec == nil {
					continue
				}
				if _, err := m.Checkpoint(context.Background(), ec, nil); err != nil {
					m.log.WithError(err).WithField("execution", executionID).Warn("scheduled checkpoint failed")
				}
			}
		}
	}()
	return nil
}

// StopAuto stops the scheduled task for one execution.
func (m *CheckpointManager) StopAuto(executionID string) {
	m.mu.Lock()
	stop, ok := m.autos[executionID]
	if ok {
		delete(m.autos, executionID)
	}
	m.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Close stops every scheduled task and waits for them to exit.
func (m *CheckpointManager) Close() {
	m.mu.Lock()
	for id, stop := range m.autos {
		close(stop)
		delete(m.autos, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
