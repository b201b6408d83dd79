// Package txn coordinates atomic multi-plugin work. A transaction
// enlists participants, logs their operations with snapshots per the
// isolation level, and drives two-phase completion: prepare polls
// every participant, commit makes the changes durable, and rollback
// reverts in reverse operation order. The manager also keeps a
// key/value visibility registry so concurrent readers observe writes
// according to their own isolation level.
package txn
