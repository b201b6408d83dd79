package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/plugrig/plugrig/internal/bus"
	"github.com/plugrig/plugrig/internal/fault"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) add(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *eventSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func TestTrackerEmitsLifecycle(t *testing.T) {
	ctx := context.Background()
	sink := &eventSink{}
	tr := NewTracker(nil, "exec-1", "wf-1", "Sample", 3)
	tr.AddObserver(sink.add)
	tr.SetMetadata("owner", "tests")

	tr.WorkflowStarted(ctx)
	tr.StepStarted(ctx, "s1")
	tr.StepCompleted(ctx, "s1")
	tr.Update(ctx, 33.3, 1)
	tr.StepStarted(ctx, "s2")
	tr.StepRetrying(ctx, "s2", 1)
	tr.StepFailed(ctx, "s2", fault.New(fault.ExecutionFailed, "boom"))
	tr.StepSkipped(ctx, "s3")
	tr.WorkflowFailed(ctx, fault.New(fault.ExecutionFailed, "step s2 failed"))

	want := []EventType{
		WorkflowStarted, StepStarted, StepCompleted, ProgressUpdate,
		StepStarted, StepRetrying, StepFailed, StepSkipped, WorkflowFailed,
	}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	events := sink.all()
	if events[1].CurrentStepID != "s1" || events[1].StepStatus != "running" {
		t.Errorf("step_started event = %+v", events[1])
	}
	if events[3].Progress != 33.3 || events[3].CompletedSteps != 1 || events[3].TotalSteps != 3 {
		t.Errorf("progress_update event = %+v", events[3])
	}
	if events[6].Error == "" {
		t.Error("step_failed event has no error")
	}
	for _, ev := range events {
		if ev.ExecutionID != "exec-1" || ev.WorkflowID != "wf-1" {
			t.Fatalf("identity missing on %+v", ev)
		}
		if ev.Metadata["owner"] != "tests" {
			t.Fatalf("metadata missing on %s", ev.Type)
		}
	}
}

func TestTrackerPublishesOnBus(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	sink := &eventSink{}
	monitor := NewMonitor()
	if err := monitor.Attach(b); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	t.Cleanup(monitor.Close)
	if _, err := monitor.Watch(Filter{}, sink.add); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	tr := NewTracker(b, "exec-2", "wf-2", "Bus sample", 1)
	tr.WorkflowStarted(ctx)
	tr.StepStarted(ctx, "only")
	tr.StepCompleted(ctx, "only")
	tr.WorkflowCompleted(ctx)

	got := sink.types()
	want := []EventType{WorkflowStarted, StepStarted, StepCompleted, WorkflowCompleted}
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEstimateRemaining(t *testing.T) {
	tests := []struct {
		elapsed  time.Duration
		progress float64
		want     time.Duration
	}{
		{10 * time.Second, 50, 10 * time.Second},
		{30 * time.Second, 75, 10 * time.Second},
		{10 * time.Second, 0, 0},
		{10 * time.Second, 100, 0},
		{10 * time.Second, -5, 0},
	}
	for _, tt := range tests {
		if got := EstimateRemaining(tt.elapsed, tt.progress); got != tt.want {
			t.Errorf("EstimateRemaining(%v, %v) = %v, want %v", tt.elapsed, tt.progress, got, tt.want)
		}
	}
}

func TestFilterMatches(t *testing.T) {
	ev := Event{
		ExecutionID:  "exec-1",
		WorkflowID:   "wf-1",
		WorkflowName: "Sample",
		Type:         StepCompleted,
		Progress:     40,
		StepID:       "s2",
		StepStatus:   "completed",
		Timestamp:    time.UnixMilli(1_700_000_000_000),
		Metadata:     map[string]string{"env": "test"},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches", Filter{}, true},
		{"execution id", Filter{ExecutionIDs: []string{"exec-1"}}, true},
		{"wrong execution id", Filter{ExecutionIDs: []string{"other"}}, false},
		{"event type", Filter{EventTypes: []EventType{StepCompleted, StepFailed}}, true},
		{"wrong event type", Filter{EventTypes: []EventType{WorkflowStarted}}, false},
		{"progress range", Filter{Progress: &Range{Min: 30, Max: 60}}, true},
		{"progress out of range", Filter{Progress: &Range{Min: 50, Max: 100}}, false},
		{"step id", Filter{StepIDs: []string{"s2"}}, true},
		{"step status", Filter{StepStatuses: []string{"completed"}}, true},
		{"wrong step status", Filter{StepStatuses: []string{"failed"}}, false},
		{"metadata", Filter{RequiredMetadata: map[string]string{"env": "test"}}, true},
		{"wrong metadata", Filter{RequiredMetadata: map[string]string{"env": "prod"}}, false},
		{
			"time range",
			Filter{Time: &TimeRange{From: time.UnixMilli(1_600_000_000_000), To: time.UnixMilli(1_800_000_000_000)}},
			true,
		},
		{
			"before time range",
			Filter{Time: &TimeRange{From: time.UnixMilli(1_750_000_000_000)}},
			false,
		},
		{
			"all predicates",
			Filter{
				ExecutionIDs: []string{"exec-1"},
				WorkflowIDs:  []string{"wf-1"},
				EventTypes:   []EventType{StepCompleted},
				Progress:     &Range{Min: 0, Max: 100},
				StepIDs:      []string{"s2"},
			},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(ev); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitorWatchAndUnwatch(t *testing.T) {
	m := NewMonitor()
	sink := &eventSink{}

	id, err := m.Watch(Filter{EventTypes: []EventType{StepFailed}}, sink.add)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	m.Observe(Event{Type: StepCompleted})
	m.Observe(Event{Type: StepFailed})
	if got := len(sink.all()); got != 1 {
		t.Fatalf("delivered %d events, want 1", got)
	}

	if err := m.Unwatch(id); err != nil {
		t.Fatalf("Unwatch() error = %v", err)
	}
	m.Observe(Event{Type: StepFailed})
	if got := len(sink.all()); got != 1 {
		t.Errorf("delivered after Unwatch = %d, want 1", got)
	}

	if err := m.Unwatch("ghost"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("Unwatch(ghost) = %v, want NotFound", err)
	}
	if _, err := m.Watch(Filter{}, nil); !fault.IsKind(err, fault.InvalidParameters) {
		t.Errorf("Watch(nil) = %v, want InvalidParameters", err)
	}
}

func TestAggregatorSummary(t *testing.T) {
	a := NewAggregator()

	a.Observe(Event{ExecutionID: "e1", Type: WorkflowStarted, Progress: 0})
	a.Observe(Event{ExecutionID: "e1", Type: ProgressUpdate, Progress: 40})
	a.Observe(Event{ExecutionID: "e2", Type: WorkflowStarted})
	a.Observe(Event{ExecutionID: "e2", Type: WorkflowCompleted, Progress: 100, Elapsed: 2 * time.Second})
	a.Observe(Event{ExecutionID: "e3", Type: WorkflowStarted})
	a.Observe(Event{ExecutionID: "e3", Type: WorkflowFailed, Progress: 50, Elapsed: 4 * time.Second})
	a.Observe(Event{ExecutionID: "e4", Type: WorkflowCancelled, Elapsed: 6 * time.Second})

	s := a.Summary()
	if s.Active != 1 || s.Completed != 1 || s.Failed != 1 || s.Cancelled != 1 {
		t.Errorf("counts = %+v", s)
	}
	if s.AverageProgress != 40 {
		t.Errorf("AverageProgress = %v, want 40", s.AverageProgress)
	}
	if s.TotalExecutionTime != 12*time.Second {
		t.Errorf("TotalExecutionTime = %v, want 12s", s.TotalExecutionTime)
	}
	if s.AverageExecutionTime != 4*time.Second {
		t.Errorf("AverageExecutionTime = %v, want 4s", s.AverageExecutionTime)
	}

	a.Forget("e1")
	if got := a.Summary().Active; got != 0 {
		t.Errorf("Active after Forget = %d, want 0", got)
	}
}
