// Package orchestrator executes workflow DAGs across plugins. It
// schedules steps per the workflow's execution mode, applies retry
// policies and conditions, propagates failures to dependents,
// publishes progress events, and checkpoints running executions so
// they can be resumed after a crash.
package orchestrator
