package progress

import (
	"sync"
	"time"
)

// Summary is the consolidated view of all observed executions.
type Summary struct {
	Active               int           `json:"active"`
	Completed            int           `json:"completed"`
	Failed               int           `json:"failed"`
	Cancelled            int           `json:"cancelled"`
	AverageProgress      float64       `json:"average_progress"`
	TotalExecutionTime   time.Duration `json:"total_execution_time"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
}

type executionRecord struct {
	progress float64
	started  time.Time
	elapsed  time.Duration
	terminal EventType
	done     bool
}

// Aggregator consolidates progress events across executions into
// summary figures. Feed it every event through Observe, typically
// from a bus subscription.
type Aggregator struct {
	mu         sync.Mutex
	executions map[string]*executionRecord
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{executions: make(map[string]*executionRecord)}
}

// Observe folds one event into the aggregate.
func (a *Aggregator) Observe(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.executions[ev.ExecutionID]
	if !ok {
		rec = &executionRecord{started: ev.Timestamp}
		a.executions[ev.ExecutionID] = rec
	}
	rec.progress = ev.Progress
	rec.elapsed = ev.Elapsed

	switch ev.Type {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		rec.terminal = ev.Type
		rec.done = true
	case WorkflowResumed:
		rec.done = false
	}
}

// Forget drops a finished execution from the aggregate.
func (a *Aggregator) Forget(executionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.executions, executionID)
}

// Summary computes the consolidated figures. Average progress covers
// active executions; execution times cover finished ones.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Summary
	var progressSum float64
	var finished int
	for _, rec := range a.executions {
		if !rec.done {
			s.Active++
			progressSum += rec.progress
			continue
		}
		switch rec.terminal {
		case WorkflowCompleted:
			s.Completed++
		case WorkflowFailed:
			s.Failed++
		case WorkflowCancelled:
			s.Cancelled++
		}
		finished++
		s.TotalExecutionTime += rec.elapsed
	}
	if s.Active > 0 {
		s.AverageProgress = progressSum / float64(s.Active)
	}
	if finished > 0 {
		s.AverageExecutionTime = s.TotalExecutionTime / time.Duration(finished)
	}
	return s
}
