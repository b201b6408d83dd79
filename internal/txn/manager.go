package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plugrig/plugrig/internal/fault"
)

// Manager coordinates transactions and enforces visibility: committed
// writes land in a shared registry that concurrent readers consult
// according to their own isolation level.
type Manager struct {
	mu        sync.RWMutex
	txs       map[string]*Transaction
	committed map[string]any

	log *logrus.Entry
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(log *logrus.Entry) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates an empty transaction manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		txs:       make(map[string]*Transaction),
		committed: make(map[string]any),
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("component", "txn-manager")
	return m
}

// Begin allocates a transaction at the given isolation level.
func (m *Manager) Begin(isolation Isolation) *Transaction {
	t := &Transaction{
		id:           uuid.NewString(),
		isolation:    isolation,
		state:        Active,
		started:      time.Now(),
		participants: make(map[string]Participant),
		pending:      make(map[string]any),
		pinned:       make(map[string]any),
	}
	m.mu.Lock()
	m.txs[t.id] = t
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"tx":        t.id,
		"isolation": isolation.String(),
	}).Debug("transaction begun")
	return t
}

// Get returns the transaction by id.
func (m *Manager) Get(txID string) (*Transaction, error) {
	m.mu.RLock()
	t, ok := m.txs[txID]
	m.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.NotFound, "no transaction %s", txID)
	}
	return t, nil
}

// Enlist registers a participant under its plugin id. Only active
// transactions accept enlistments.
func (m *Manager) Enlist(txID, pluginID string, p Participant) error {
	if pluginID == "" || p == nil {
		return fault.New(fault.InvalidParameters, "enlistment needs a plugin id and a participant")
	}
	t, err := m.Get(txID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return fault.New(fault.InvalidState, "transaction %s is %s, not active", txID, t.state)
	}
	if _, dup := t.participants[pluginID]; dup {
		return fault.New(fault.InvalidState, "plugin %s is already enlisted in %s", pluginID, txID)
	}
	t.participants[pluginID] = p
	t.enlistOrder = append(t.enlistOrder, pluginID)
	return nil
}

// LogOperation records one participant action. Writes always enter
// the log and the transaction's pending set; reads are logged only at
// levels that snapshot reads.
func (m *Manager) LogOperation(txID, pluginID string, kind OpKind, key string, before, after any) error {
	t, err := m.Get(txID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return fault.New(fault.InvalidState, "transaction %s is %s, not active", txID, t.state)
	}
	if _, ok := t.participants[pluginID]; !ok {
		return fault.New(fault.InvalidParameters, "plugin %s is not enlisted in %s", pluginID, txID)
	}
	if kind == OpRead && !t.isolation.logsReads() {
		return nil
	}

	t.operations = append(t.operations, Operation{
		Seq:         len(t.operations),
		Participant: pluginID,
		Kind:        kind,
		Key:         key,
		Before:      before,
		After:       after,
		Timestamp:   time.Now(),
	})
	if kind == OpWrite {
		t.pending[key] = after
	}
	return nil
}

// Read resolves a key as visible to the transaction: its own pending
// write first, then a pinned repeatable read, then either any active
// transaction's pending write (ReadUncommitted) or the committed
// registry. The second return reports whether the key exists.
func (m *Manager) Read(txID, key string) (any, bool, error) {
	t, err := m.Get(txID)
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return nil, false, fault.New(fault.InvalidState, "transaction %s is %s, not active", txID, t.state)
	}
	if v, ok := t.pending[key]; ok {
		t.mu.Unlock()
		return v, true, nil
	}
	if t.isolation.pinsReads() {
		if v, ok := t.pinned[key]; ok {
			t.mu.Unlock()
			return v, true, nil
		}
	}
	isolation := t.isolation
	t.mu.Unlock()

	val, found := m.resolve(t, isolation, key)

	t.mu.Lock()
	if t.state == Active {
		if found && isolation.pinsReads() {
			t.pinned[key] = val
		}
		if isolation.logsReads() {
			t.operations = append(t.operations, Operation{
				Seq:         len(t.operations),
				Participant: "",
				Kind:        OpRead,
				Key:         key,
				Before:      val,
				Timestamp:   time.Now(),
			})
		}
	}
	t.mu.Unlock()
	return val, found, nil
}

// resolve looks a key up outside the reader's own transaction.
func (m *Manager) resolve(reader *Transaction, isolation Isolation, key string) (any, bool) {
	if isolation == ReadUncommitted {
		m.mu.RLock()
		others := make([]*Transaction, 0, len(m.txs))
		for _, other := range m.txs {
			if other != reader {
				others = append(others, other)
			}
		}
		m.mu.RUnlock()

		for _, other := range others {
			other.mu.RLock()
			v, ok := other.pending[key]
			active := other.state == Active || other.state == Preparing || other.state == Prepared
			other.mu.RUnlock()
			if ok && active {
				return v, true
			}
		}
	}

	m.mu.RLock()
	v, ok := m.committed[key]
	m.mu.RUnlock()
	return v, ok
}

// Prepare polls every participant in enlistment order. Any No vote or
// error aborts the transaction, rolling participants back in reverse
// operation order.
func (m *Manager) Prepare(ctx context.Context, txID string) error {
	t, err := m.Get(txID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return fault.New(fault.InvalidState, "transaction %s is %s, not active", txID, t.state)
	}
	t.state = Preparing
	order := append([]string(nil), t.enlistOrder...)
	t.mu.Unlock()

	for _, id := range order {
		t.mu.RLock()
		p := t.participants[id]
		t.mu.RUnlock()

		yes, err := p.Prepare(ctx, txID)
		if err != nil || !yes {
			m.log.WithFields(logrus.Fields{
				"tx":          txID,
				"participant": id,
			}).Warn("prepare vote was no, aborting")
			m.abort(ctx, t)
			if err != nil {
				return fault.Wrap(fault.ExecutionFailed, err, "participant %s failed to prepare %s", id, txID)
			}
			return fault.New(fault.ExecutionFailed, "participant %s voted no on %s", id, txID)
		}
	}

	t.mu.Lock()
	t.state = Prepared
	t.mu.Unlock()
	return nil
}

// Commit instructs every prepared participant to make its changes
// durable. A failure after the first participant committed escalates
// to HeuristicMixed and rolls back the participants that had not yet
// committed. On success the transaction's writes enter the committed
// registry.
func (m *Manager) Commit(ctx context.Context, txID string) error {
	t, err := m.Get(txID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state != Prepared {
		t.mu.Unlock()
		return fault.New(fault.InvalidState, "transaction %s is %s, not prepared", txID, t.state)
	}
	t.state = Committing
	order := append([]string(nil), t.enlistOrder...)
	t.mu.Unlock()

	for i, id := range order {
		t.mu.RLock()
		p := t.participants[id]
		t.mu.RUnlock()

		if err := p.Commit(ctx, txID); err != nil {
			t.mu.Lock()
			t.state = HeuristicMixed
			remaining := make(map[string]bool, len(order)-i)
			for _, rest := range order[i:] {
				remaining[rest] = true
			}
			revert := make([]string, 0, len(remaining))
			for _, id := range t.rollbackOrder() {
				if remaining[id] {
					revert = append(revert, id)
				}
			}
			t.mu.Unlock()

			m.log.WithFields(logrus.Fields{
				"tx":          txID,
				"participant": id,
				"committed":   i,
			}).Error("commit failed after partial durability")
			for _, rid := range revert {
				t.mu.RLock()
				rp := t.participants[rid]
				t.mu.RUnlock()
				if rbErr := rp.Rollback(ctx, txID); rbErr != nil {
					m.log.WithField("participant", rid).WithError(rbErr).Error("rollback during heuristic outcome failed")
				}
			}
			return fault.Wrap(fault.ExecutionFailed, err, "participant %s failed to commit %s", id, txID)
		}
	}

	t.mu.Lock()
	t.state = Committed
	writes := make(map[string]any, len(t.pending))
	for k, v := range t.pending {
		writes[k] = v
	}
	t.pending = make(map[string]any)
	t.mu.Unlock()

	m.mu.Lock()
	for k, v := range writes {
		m.committed[k] = v
	}
	m.mu.Unlock()

	m.log.WithField("tx", txID).Debug("transaction committed")
	return nil
}

// Rollback reverts the transaction, instructing participants in
// reverse operation order.
func (m *Manager) Rollback(ctx context.Context, txID string) error {
	t, err := m.Get(txID)
	if err != nil {
		return err
	}

	t.mu.RLock()
	state := t.state
	t.mu.RUnlock()
	if state.Terminal() || state == Committing {
		return fault.New(fault.InvalidState, "transaction %s is %s, cannot roll back", txID, state)
	}
	m.abort(ctx, t)
	return nil
}

// abort drives Aborting then Aborted, calling every participant's
// Rollback in reverse operation order. Participant errors are logged
// and do not stop the sweep.
func (m *Manager) abort(ctx context.Context, t *Transaction) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = Aborting
	order := t.rollbackOrder()
	t.pending = make(map[string]any)
	t.mu.Unlock()

	for _, id := range order {
		t.mu.RLock()
		p := t.participants[id]
		t.mu.RUnlock()
		if p == nil {
			continue
		}
		if err := p.Rollback(ctx, t.id); err != nil {
			m.log.WithFields(logrus.Fields{
				"tx":          t.id,
				"participant": id,
			}).WithError(err).Error("participant rollback failed")
		}
	}

	t.mu.Lock()
	t.state = Aborted
	t.mu.Unlock()
	m.log.WithField("tx", t.id).Debug("transaction aborted")
}

// Committed returns the committed value for a key outside any
// transaction.
func (m *Manager) Committed(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.committed[key]
	return v, ok
}

// Forget drops a terminal transaction from the registry.
func (m *Manager) Forget(txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return fault.New(fault.NotFound, "no transaction %s", txID)
	}
	if !t.State().Terminal() {
		return fault.New(fault.InvalidState, "transaction %s is still %s", txID, t.State())
	}
	delete(m.txs, txID)
	return nil
}
