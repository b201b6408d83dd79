package txn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/plugrig/plugrig/internal/fault"
)

// fakeParticipant counts facet calls and votes as configured.
type fakeParticipant struct {
	vote       bool
	prepareErr error
	commitErr  error

	prepares  atomic.Int32
	commits   atomic.Int32
	rollbacks atomic.Int32

	order *[]string
	id    string
}

func newFakeParticipant(id string, order *[]string) *fakeParticipant {
	return &fakeParticipant{vote: true, id: id, order: order}
}

func (p *fakeParticipant) Prepare(context.Context, string) (bool, error) {
	p.prepares.Add(1)
	return p.vote, p.prepareErr
}

func (p *fakeParticipant) Commit(context.Context, string) error {
	p.commits.Add(1)
	return p.commitErr
}

func (p *fakeParticipant) Rollback(context.Context, string) error {
	p.rollbacks.Add(1)
	if p.order != nil {
		*p.order = append(*p.order, p.id)
	}
	return nil
}

func TestCommitHappyPath(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	tx := m.Begin(ReadCommitted)

	p1 := newFakeParticipant("p1", nil)
	p2 := newFakeParticipant("p2", nil)
	if err := m.Enlist(tx.ID(), "p1", p1); err != nil {
		t.Fatalf("Enlist(p1) error = %v", err)
	}
	if err := m.Enlist(tx.ID(), "p2", p2); err != nil {
		t.Fatalf("Enlist(p2) error = %v", err)
	}

	if err := m.LogOperation(tx.ID(), "p1", OpWrite, "inventory", 10, 7); err != nil {
		t.Fatalf("LogOperation() error = %v", err)
	}
	if err := m.Prepare(ctx, tx.ID()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if tx.State() != Prepared {
		t.Errorf("state after prepare = %s, want prepared", tx.State())
	}
	if err := m.Commit(ctx, tx.ID()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if tx.State() != Committed {
		t.Errorf("state after commit = %s, want committed", tx.State())
	}
	if p1.commits.Load() != 1 || p2.commits.Load() != 1 {
		t.Errorf("commit calls = %d/%d, want 1/1", p1.commits.Load(), p2.commits.Load())
	}
	if v, ok := m.Committed("inventory"); !ok || v != 7 {
		t.Errorf("committed inventory = %v/%v, want 7", v, ok)
	}
}

func TestPrepareNoAbortsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	tx := m.Begin(ReadCommitted)

	var order []string
	p1 := newFakeParticipant("p1", &order)
	p2 := newFakeParticipant("p2", &order)
	p2.vote = false

	if err := m.Enlist(tx.ID(), "p1", p1); err != nil {
		t.Fatalf("Enlist(p1) error = %v", err)
	}
	if err := m.Enlist(tx.ID(), "p2", p2); err != nil {
		t.Fatalf("Enlist(p2) error = %v", err)
	}

	if err := m.LogOperation(tx.ID(), "p1", OpWrite, "ledger", "a0", "a1"); err != nil {
		t.Fatalf("LogOperation(p1) error = %v", err)
	}
	if err := m.LogOperation(tx.ID(), "p2", OpWrite, "index", "b0", "b1"); err != nil {
		t.Fatalf("LogOperation(p2) error = %v", err)
	}

	err := m.Prepare(ctx, tx.ID())
	if !fault.IsKind(err, fault.ExecutionFailed) {
		t.Fatalf("Prepare() with a no vote = %v, want ExecutionFailed", err)
	}
	if tx.State() != Aborted {
		t.Errorf("state = %s, want aborted", tx.State())
	}
	if got := p1.rollbacks.Load(); got != 1 {
		t.Errorf("p1 rollback calls = %d, want exactly 1", got)
	}
	if got := p2.commits.Load(); got != 0 {
		t.Errorf("p2 commit calls = %d, want 0", got)
	}
	// Reverse operation order: p2 logged last, so it reverts first.
	if len(order) != 2 || order[0] != "p2" || order[1] != "p1" {
		t.Errorf("rollback order = %v, want [p2 p1]", order)
	}
	// Nothing reached the committed registry.
	if _, ok := m.Committed("ledger"); ok {
		t.Error("aborted write is visible in the committed registry")
	}
}

func TestCommitFailureEscalatesToHeuristicMixed(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	tx := m.Begin(Serializable)

	p1 := newFakeParticipant("p1", nil)
	p2 := newFakeParticipant("p2", nil)
	p2.commitErr = errors.New("disk full")
	if err := m.Enlist(tx.ID(), "p1", p1); err != nil {
		t.Fatalf("Enlist(p1) error = %v", err)
	}
	if err := m.Enlist(tx.ID(), "p2", p2); err != nil {
		t.Fatalf("Enlist(p2) error = %v", err)
	}
	if err := m.LogOperation(tx.ID(), "p2", OpWrite, "blob", nil, "x"); err != nil {
		t.Fatalf("LogOperation() error = %v", err)
	}

	if err := m.Prepare(ctx, tx.ID()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	err := m.Commit(ctx, tx.ID())
	if !fault.IsKind(err, fault.ExecutionFailed) {
		t.Fatalf("Commit() = %v, want ExecutionFailed", err)
	}
	if tx.State() != HeuristicMixed {
		t.Errorf("state = %s, want heuristic_mixed", tx.State())
	}
	// p1 already committed; only p2 is rolled back.
	if p1.rollbacks.Load() != 0 || p2.rollbacks.Load() != 1 {
		t.Errorf("rollback calls = %d/%d, want 0/1", p1.rollbacks.Load(), p2.rollbacks.Load())
	}
	if _, ok := m.Committed("blob"); ok {
		t.Error("mixed-outcome write reached the committed registry")
	}
}

func TestReadCommittedVisibility(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	writer := m.Begin(ReadCommitted)
	p := newFakeParticipant("store", nil)
	if err := m.Enlist(writer.ID(), "store", p); err != nil {
		t.Fatalf("Enlist() error = %v", err)
	}
	if err := m.LogOperation(writer.ID(), "store", OpWrite, "balance", 100, 50); err != nil {
		t.Fatalf("LogOperation() error = %v", err)
	}

	// The writer sees its own pending write.
	if v, ok, err := m.Read(writer.ID(), "balance"); err != nil || !ok || v != 50 {
		t.Errorf("writer Read() = %v/%v/%v, want 50", v, ok, err)
	}

	// A concurrent ReadCommitted reader does not.
	reader := m.Begin(ReadCommitted)
	if _, ok, err := m.Read(reader.ID(), "balance"); err != nil || ok {
		t.Errorf("reader saw an uncommitted write (ok=%v, err=%v)", ok, err)
	}

	// A ReadUncommitted reader does.
	dirty := m.Begin(ReadUncommitted)
	if v, ok, err := m.Read(dirty.ID(), "balance"); err != nil || !ok || v != 50 {
		t.Errorf("dirty Read() = %v/%v/%v, want 50", v, ok, err)
	}

	if err := m.Prepare(ctx, writer.ID()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := m.Commit(ctx, writer.ID()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// After commit the write is visible to everyone.
	if v, ok, err := m.Read(reader.ID(), "balance"); err != nil || !ok || v != 50 {
		t.Errorf("reader after commit Read() = %v/%v/%v, want 50", v, ok, err)
	}
}

func TestRepeatableReadPinsFirstValue(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	setup := m.Begin(ReadCommitted)
	p := newFakeParticipant("store", nil)
	if err := m.Enlist(setup.ID(), "store", p); err != nil {
		t.Fatalf("Enlist() error = %v", err)
	}
	if err := m.LogOperation(setup.ID(), "store", OpWrite, "rate", nil, 1); err != nil {
		t.Fatalf("LogOperation() error = %v", err)
	}
	if err := m.Prepare(ctx, setup.ID()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := m.Commit(ctx, setup.ID()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	repeatable := m.Begin(RepeatableRead)
	if v, _, _ := m.Read(repeatable.ID(), "rate"); v != 1 {
		t.Fatalf("first read = %v, want 1", v)
	}

	// Another transaction commits a new value underneath.
	update := m.Begin(ReadCommitted)
	if err := m.Enlist(update.ID(), "store", newFakeParticipant("store", nil)); err != nil {
		t.Fatalf("Enlist() error = %v", err)
	}
	if err := m.LogOperation(update.ID(), "store", OpWrite, "rate", 1, 2); err != nil {
		t.Fatalf("LogOperation() error = %v", err)
	}
	if err := m.Prepare(ctx, update.ID()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := m.Commit(ctx, update.ID()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// The repeatable reader still sees the pinned value; a fresh
	// ReadCommitted transaction sees the new one.
	if v, _, _ := m.Read(repeatable.ID(), "rate"); v != 1 {
		t.Errorf("pinned read = %v, want 1", v)
	}
	fresh := m.Begin(ReadCommitted)
	if v, _, _ := m.Read(fresh.ID(), "rate"); v != 2 {
		t.Errorf("fresh read = %v, want 2", v)
	}
}

func TestOperationLogPerIsolation(t *testing.T) {
	m := NewManager()

	rc := m.Begin(ReadCommitted)
	p := newFakeParticipant("store", nil)
	if err := m.Enlist(rc.ID(), "store", p); err != nil {
		t.Fatalf("Enlist() error = %v", err)
	}
	if err := m.LogOperation(rc.ID(), "store", OpRead, "k", "v", nil); err != nil {
		t.Fatalf("LogOperation(read) error = %v", err)
	}
	if err := m.LogOperation(rc.ID(), "store", OpWrite, "k", "v", "w"); err != nil {
		t.Fatalf("LogOperation(write) error = %v", err)
	}
	if ops := rc.Operations(); len(ops) != 1 || ops[0].Kind != OpWrite {
		t.Errorf("read_committed log = %v, want the write only", ops)
	}

	ser := m.Begin(Serializable)
	if err := m.Enlist(ser.ID(), "store", newFakeParticipant("store", nil)); err != nil {
		t.Fatalf("Enlist() error = %v", err)
	}
	if err := m.LogOperation(ser.ID(), "store", OpRead, "k", "v", nil); err != nil {
		t.Fatalf("LogOperation(read) error = %v", err)
	}
	if ops := ser.Operations(); len(ops) != 1 || ops[0].Kind != OpRead || ops[0].Before != "v" {
		t.Errorf("serializable log = %v, want the read with its snapshot", ops)
	}
}

func TestManagerGuards(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	if _, err := m.Get("ghost"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("Get(unknown) = %v, want NotFound", err)
	}
	if err := m.Prepare(ctx, "ghost"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("Prepare(unknown) = %v, want NotFound", err)
	}

	tx := m.Begin(ReadCommitted)
	if err := m.Commit(ctx, tx.ID()); !fault.IsKind(err, fault.InvalidState) {
		t.Errorf("Commit() before prepare = %v, want InvalidState", err)
	}
	if err := m.LogOperation(tx.ID(), "stranger", OpWrite, "k", nil, 1); !fault.IsKind(err, fault.InvalidParameters) {
		t.Errorf("LogOperation(unenlisted) = %v, want InvalidParameters", err)
	}
	if err := m.Enlist(tx.ID(), "p", newFakeParticipant("p", nil)); err != nil {
		t.Fatalf("Enlist() error = %v", err)
	}
	if err := m.Enlist(tx.ID(), "p", newFakeParticipant("p", nil)); !fault.IsKind(err, fault.InvalidState) {
		t.Errorf("duplicate Enlist() = %v, want InvalidState", err)
	}

	if err := m.Forget(tx.ID()); !fault.IsKind(err, fault.InvalidState) {
		t.Errorf("Forget(active) = %v, want InvalidState", err)
	}
	if err := m.Rollback(ctx, tx.ID()); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if tx.State() != Aborted {
		t.Errorf("state = %s, want aborted", tx.State())
	}
	if err := m.Forget(tx.ID()); err != nil {
		t.Errorf("Forget(aborted) error = %v", err)
	}
	if _, err := m.Get(tx.ID()); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("Get() after forget = %v, want NotFound", err)
	}
}
