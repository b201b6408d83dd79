package txn

import "github.com/plugrig/plugrig/internal/fault"

// Isolation selects the snapshot and visibility rules for a
// transaction. Participants keep their own local state; the level
// governs what the manager logs and what concurrent readers see.
type Isolation int

// Isolation levels, weakest first.
const (
	// ReadUncommitted readers see pending writes of active
	// transactions.
	ReadUncommitted Isolation = iota

	// ReadCommitted readers see only committed writes. Only write
	// operations are logged.
	ReadCommitted

	// RepeatableRead pins the first read of each key for the rest of
	// the transaction. Reads are logged with snapshots.
	RepeatableRead

	// Serializable snapshots everything touched, reads included.
	Serializable
)

var isolationNames = map[Isolation]string{
	ReadUncommitted: "read_uncommitted",
	ReadCommitted:   "read_committed",
	RepeatableRead:  "repeatable_read",
	Serializable:    "serializable",
}

// String returns the snake_case level name.
func (i Isolation) String() string {
	if name, ok := isolationNames[i]; ok {
		return name
	}
	return "unknown"
}

// ParseIsolation converts a snake_case name back to its level.
func ParseIsolation(name string) (Isolation, error) {
	for i, n := range isolationNames {
		if n == name {
			return i, nil
		}
	}
	return ReadCommitted, fault.New(fault.InvalidFormat, "unknown isolation level %q", name)
}

// logsReads reports whether read operations are recorded with
// snapshots at this level.
func (i Isolation) logsReads() bool {
	return i == RepeatableRead || i == Serializable
}

// pinsReads reports whether the first read of a key is repeated for
// the rest of the transaction.
func (i Isolation) pinsReads() bool {
	return i == RepeatableRead || i == Serializable
}

// State tracks a transaction through two-phase completion.
type State int

// Transaction states.
const (
	// Active accepts enlistments and operations.
	Active State = iota

	// Preparing is polling participants for their votes.
	Preparing

	// Prepared means every participant voted yes.
	Prepared

	// Committing is instructing participants to make changes durable.
	Committing

	// Committed is the successful terminal state.
	Committed

	// Aborting is instructing participants to revert.
	Aborting

	// Aborted is the rolled-back terminal state.
	Aborted

	// HeuristicMixed means commit failed after some participants had
	// already committed. Manual reconciliation may be needed.
	HeuristicMixed
)

var stateNames = map[State]string{
	Active:         "active",
	Preparing:      "preparing",
	Prepared:       "prepared",
	Committing:     "committing",
	Committed:      "committed",
	Aborting:       "aborting",
	Aborted:        "aborted",
	HeuristicMixed: "heuristic_mixed",
}

// String returns the lowercase state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Committed || s == Aborted || s == HeuristicMixed
}
