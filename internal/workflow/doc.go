// Package workflow defines the workflow model: steps with
// dependencies, retry policies and conditions, the execution modes,
// and the checkpointable execution context. Execution itself lives in
// the orchestrator subpackage; persistence in internal/state.
package workflow
