// Package progress tracks workflow execution progress: per-execution
// trackers that publish progress events onto the message bus, an
// aggregator that consolidates executions into summary figures, and a
// filter-based monitor for targeted observation.
package progress
