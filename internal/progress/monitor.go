package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plugrig/plugrig/internal/bus"
	"github.com/plugrig/plugrig/internal/fault"
)

// Range bounds overall progress in percent, inclusive.
type Range struct {
	Min float64
	Max float64
}

// TimeRange bounds event timestamps, inclusive.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Filter selects progress events. Only events matching every
// populated predicate are delivered; an empty filter matches all.
type Filter struct {
	ExecutionIDs     []string
	WorkflowIDs      []string
	WorkflowNames    []string
	EventTypes       []EventType
	Progress         *Range
	Time             *TimeRange
	StepIDs          []string
	StepStatuses     []string
	RequiredMetadata map[string]string
}

// Matches reports whether the event passes every populated predicate.
func (f Filter) Matches(ev Event) bool {
	if len(f.ExecutionIDs) > 0 && !containsString(f.ExecutionIDs, ev.ExecutionID) {
		return false
	}
	if len(f.WorkflowIDs) > 0 && !containsString(f.WorkflowIDs, ev.WorkflowID) {
		return false
	}
	if len(f.WorkflowNames) > 0 && !containsString(f.WorkflowNames, ev.WorkflowName) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Progress != nil && (ev.Progress < f.Progress.Min || ev.Progress > f.Progress.Max) {
		return false
	}
	if f.Time != nil {
		if !f.Time.From.IsZero() && ev.Timestamp.Before(f.Time.From) {
			return false
		}
		if !f.Time.To.IsZero() && ev.Timestamp.After(f.Time.To) {
			return false
		}
	}
	if len(f.StepIDs) > 0 && !containsString(f.StepIDs, ev.StepID) {
		return false
	}
	if len(f.StepStatuses) > 0 && !containsString(f.StepStatuses, ev.StepStatus) {
		return false
	}
	for k, v := range f.RequiredMetadata {
		if ev.Metadata[k] != v {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type watch struct {
	filter Filter
	fn     func(Event)
}

// Monitor delivers progress events to filter-based watchers. Attach
// wires it to the bus; Observe feeds events directly.
type Monitor struct {
	mu      sync.RWMutex
	watches map[string]watch
	subs    []*bus.Subscription
}

// NewMonitor creates a monitor with no watchers.
func NewMonitor() *Monitor {
	return &Monitor{watches: make(map[string]watch)}
}

// Attach subscribes the monitor to both progress message types on the
// bus. Detach it by calling Close.
func (m *Monitor) Attach(b *bus.Bus) error {
	handler := func(_ context.Context, msg bus.Message) error {
		ev, ok := msg.Payload.(Event)
		if !ok {
			return nil
		}
		m.Observe(ev)
		return nil
	}
	for _, msgType := range []string{MsgTypeWorkflowProgress, MsgTypeStepProgress} {
		sub, err := b.Subscribe("progress-monitor", msgType, handler)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.subs = append(m.subs, sub)
		m.mu.Unlock()
	}
	return nil
}

// Watch registers a filtered callback and returns its watch id.
func (m *Monitor) Watch(f Filter, fn func(Event)) (string, error) {
	if fn == nil {
		return "", fault.New(fault.InvalidParameters, "watch callback is nil")
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.watches[id] = watch{filter: f, fn: fn}
	m.mu.Unlock()
	return id, nil
}

// Unwatch removes a watcher.
func (m *Monitor) Unwatch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[id]; !ok {
		return fault.New(fault.NotFound, "no watch with id %s", id)
	}
	delete(m.watches, id)
	return nil
}

// Observe routes one event to every watcher whose filter matches.
func (m *Monitor) Observe(ev Event) {
	m.mu.RLock()
	matched := make([]func(Event), 0, len(m.watches))
	for _, w := range m.watches {
		if w.filter.Matches(ev) {
			matched = append(matched, w.fn)
		}
	}
	m.mu.RUnlock()

	for _, fn := range matched {
		fn(ev)
	}
}

// Close cancels the monitor's bus subscriptions.
func (m *Monitor) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}
