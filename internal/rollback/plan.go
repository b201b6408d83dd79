package rollback

import (
	"sort"

	"github.com/plugrig/plugrig/internal/fault"
)

// ValidationLevel controls the post-execution check.
type ValidationLevel int

// Validation levels.
const (
	// ValidateNone skips post-execution validation.
	ValidateNone ValidationLevel = iota

	// ValidateCritical runs validators on critical operations only.
	ValidateCritical

	// ValidateAll runs every operation's validator.
	ValidateAll
)

var validationNames = map[ValidationLevel]string{
	ValidateNone:     "none",
	ValidateCritical: "critical",
	ValidateAll:      "all",
}

// String returns the lowercase level name.
func (v ValidationLevel) String() string {
	if name, ok := validationNames[v]; ok {
		return name
	}
	return "unknown"
}

// Plan is a DAG of rollback operations plus the failure policy for
// running them.
type Plan struct {
	ID         string
	Operations []*Operation

	// UseCompensationOnFailure invokes an operation's compensating
	// action when its rollback action exhausts its retries.
	UseCompensationOnFailure bool

	Validation ValidationLevel
}

// Operation returns the plan's operation by id.
func (p *Plan) Operation(id string) (*Operation, bool) {
	for _, op := range p.Operations {
		if op.ID == id {
			return op, true
		}
	}
	return nil, false
}

// ValidatePlan checks structural soundness: non-empty, unique ids,
// every operation runnable, dependencies resolvable and acyclic.
func ValidatePlan(p *Plan) error {
	if p.ID == "" {
		return fault.New(fault.InvalidConfiguration, "rollback plan has no id")
	}
	if len(p.Operations) == 0 {
		return fault.New(fault.InvalidConfiguration, "rollback plan %s has no operations", p.ID)
	}

	ids := make(map[string]bool, len(p.Operations))
	for _, op := range p.Operations {
		if op.ID == "" {
			return fault.New(fault.InvalidConfiguration, "rollback plan %s has an operation without an id", p.ID)
		}
		if ids[op.ID] {
			return fault.New(fault.InvalidConfiguration, "rollback plan %s declares operation %s twice", p.ID, op.ID)
		}
		ids[op.ID] = true
		if op.Action == nil && (op.Target == "" || op.Method == "") {
			return fault.New(fault.InvalidConfiguration,
				"rollback operation %s has neither an action nor a target method", op.ID)
		}
	}
	for _, op := range p.Operations {
		for _, dep := range op.DependsOn {
			if !ids[dep] {
				return fault.New(fault.DependencyMissing,
					"rollback operation %s depends on unknown operation %s", op.ID, dep)
			}
		}
	}

	if _, err := ExecutionOrder(p); err != nil {
		return err
	}
	return nil
}

// ExecutionOrder returns the topological order of the plan. Within
// each dependency class, critical operations come first, then higher
// priority, then id for determinism. Cycles yield CircularDependency.
func ExecutionOrder(p *Plan) ([]string, error) {
	indegree := make(map[string]int, len(p.Operations))
	dependents := make(map[string][]string, len(p.Operations))
	for _, op := range p.Operations {
		indegree[op.ID] += 0
		for _, dep := range op.DependsOn {
			indegree[op.ID]++
			dependents[dep] = append(dependents[dep], op.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		opA, _ := p.Operation(a)
		opB, _ := p.Operation(b)
		if opA.Critical != opB.Critical {
			return opA.Critical
		}
		if opA.Priority != opB.Priority {
			return opA.Priority > opB.Priority
		}
		return a < b
	}

	order := make([]string, 0, len(p.Operations))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(p.Operations) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fault.New(fault.CircularDependency,
			"rollback plan %s has a dependency cycle among %v", p.ID, stuck)
	}
	return order, nil
}
