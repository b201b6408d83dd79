package txn

import (
	"context"
	"sync"
	"time"
)

// Participant is the transaction facet a plugin exposes to take part
// in two-phase completion. The transaction id identifies which
// transaction the call belongs to when a participant is enlisted in
// several at once.
type Participant interface {
	// Prepare votes on the outcome. false is a No vote and aborts the
	// transaction; an error counts as No.
	Prepare(ctx context.Context, txID string) (bool, error)

	// Commit makes the participant's changes durable.
	Commit(ctx context.Context, txID string) error

	// Rollback reverts the participant's changes.
	Rollback(ctx context.Context, txID string) error
}

// OpKind distinguishes logged operations.
type OpKind int

// Operation kinds.
const (
	OpRead OpKind = iota
	OpWrite
)

// String returns "read" or "write".
func (k OpKind) String() string {
	if k == OpWrite {
		return "write"
	}
	return "read"
}

// Operation is one logged participant action. Before and After hold
// the snapshots the isolation level called for; reads carry the
// observed value in Before.
type Operation struct {
	Seq         int       `json:"seq"`
	Participant string    `json:"participant"`
	Kind        OpKind    `json:"-"`
	Key         string    `json:"key"`
	Before      any       `json:"before,omitempty"`
	After       any       `json:"after,omitempty"`
	Timestamp   time.Time `json:"-"`
}

// Transaction is one coordinated unit of multi-plugin work. All
// mutation goes through the Manager; the accessors here are safe for
// concurrent use.
type Transaction struct {
	mu sync.RWMutex

	id        string
	isolation Isolation
	state     State
	started   time.Time

	enlistOrder  []string
	participants map[string]Participant

	operations []Operation

	// pending holds this transaction's uncommitted writes, keyed by
	// operation key. pinned holds repeatable-read values.
	pending map[string]any
	pinned  map[string]any
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// Isolation returns the level recorded at begin.
func (t *Transaction) Isolation() Isolation { return t.isolation }

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Participants returns the enlisted plugin ids in enlistment order.
func (t *Transaction) Participants() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.enlistOrder...)
}

// Operations returns a copy of the operation log in sequence order.
func (t *Transaction) Operations() []Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Operation(nil), t.operations...)
}

// rollbackOrder lists participant ids in reverse operation order:
// the participant whose operation was logged last reverts first.
// Participants with no logged operations follow in reverse enlistment
// order.
func (t *Transaction) rollbackOrder() []string {
	seen := make(map[string]bool, len(t.enlistOrder))
	order := make([]string, 0, len(t.enlistOrder))
	for i := len(t.operations) - 1; i >= 0; i-- {
		id := t.operations[i].Participant
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	for i := len(t.enlistOrder) - 1; i >= 0; i-- {
		if id := t.enlistOrder[i]; !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	return order
}
