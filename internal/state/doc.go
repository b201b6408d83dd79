// Package state persists workflow execution contexts and
// checkpoints. It defines the storage contract, a file-backed store
// with atomic writes, a bolt-backed store, a checkpoint manager with
// interval snapshots, deduplication and retention, and recovery
// strategies for resuming interrupted executions.
package state
