package workflow

import (
	"sort"
	"strings"

	"github.com/plugrig/plugrig/internal/fault"
)

// Mode selects how an orchestrator schedules the steps of a workflow.
type Mode int

// Execution modes.
const (
	// Sequential runs steps one at a time in topological order.
	Sequential Mode = iota
	// Parallel dispatches independent steps concurrently and joins on all.
	Parallel
	// Pipeline feeds each step's output into the next step's input.
	Pipeline
	// Conditional evaluates each step's predicate over the shared data
	// and skips steps whose predicate is false.
	Conditional
)

var modeNames = map[Mode]string{
	Sequential:  "sequential",
	Parallel:    "parallel",
	Pipeline:    "pipeline",
	Conditional: "conditional",
}

// String returns the lowercase name of the mode.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseMode converts a lowercase mode name back to its value.
func ParseMode(name string) (Mode, error) {
	for mode, n := range modeNames {
		if n == name {
			return mode, nil
		}
	}
	return Sequential, fault.New(fault.InvalidFormat, "unknown execution mode %q", name)
}

// Workflow is a named DAG of steps plus the mode the orchestrator
// should run them in.
type Workflow struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Mode              Mode   `json:"-"`
	ContinueOnFailure bool   `json:"continue_on_failure,omitempty"`
	Steps             []Step `json:"steps"`
}

// Step returns the declared step with the given id.
func (w *Workflow) Step(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks structural soundness: non-empty identifiers, unique
// step ids, dependency targets that exist, and an acyclic dependency
// graph.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fault.New(fault.InvalidConfiguration, "workflow has no id")
	}
	if len(w.Steps) == 0 {
		return fault.New(fault.InvalidConfiguration, "workflow %s has no steps", w.ID)
	}

	ids := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return fault.New(fault.InvalidConfiguration, "workflow %s has a step without an id", w.ID)
		}
		if s.PluginID == "" || s.Method == "" {
			return fault.New(fault.InvalidConfiguration, "step %s has no plugin or method", s.ID)
		}
		if ids[s.ID] {
			return fault.New(fault.InvalidConfiguration, "duplicate step id %s", s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fault.New(fault.DependencyMissing, "step %s depends on undeclared step %s", s.ID, dep)
			}
		}
	}

	if _, err := w.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns the step ids in an order where every step
// follows all of its dependencies. Steps with no mutual ordering are
// returned alphabetically for determinism. Cycles are reported as
// CircularDependency naming the steps involved.
func (w *Workflow) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(w.Steps))
	dependents := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(w.Steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(w.Steps) {
		var cycle []string
		for id, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, fault.New(fault.CircularDependency, "workflow %s has a dependency cycle among %s", w.ID, strings.Join(cycle, ", "))
	}
	return order, nil
}

// Levels groups the step ids into dependency waves: every step in
// level n depends only on steps in levels before n. Parallel mode
// dispatches one wave at a time.
func (w *Workflow) Levels() ([][]string, error) {
	if _, err := w.TopologicalOrder(); err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(w.Steps))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		step, _ := w.Step(id)
		d := 0
		for _, dep := range step.DependsOn {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		return d
	}

	maxDepth := 0
	for _, s := range w.Steps {
		if d := depthOf(s.ID); d > maxDepth {
			maxDepth = d
		}
	}
	levels := make([][]string, maxDepth+1)
	for _, s := range w.Steps {
		d := depth[s.ID]
		levels[d] = append(levels[d], s.ID)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels, nil
}
