package compose

import (
	"github.com/plugrig/plugrig/internal/fault"
)

// Strategy selects how a composite dispatches commands to members.
type Strategy int

// Composition strategies.
const (
	// Aggregation dispatches to every member and combines the
	// results keyed by plugin id.
	Aggregation Strategy = iota

	// Pipeline orders members by bindings and feeds each member's
	// output into the next member's input.
	Pipeline

	// Facade dispatches to the primary member only.
	Facade

	// Decorator wraps the primary member with secondary members as
	// pre and post hooks.
	Decorator

	// Proxy forwards unchanged to a single delegate.
	Proxy
)

var strategyNames = map[Strategy]string{
	Aggregation: "aggregation",
	Pipeline:    "pipeline",
	Facade:      "facade",
	Decorator:   "decorator",
	Proxy:       "proxy",
}

// String returns the lowercase strategy name.
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStrategy converts a lowercase name back to its value.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return Aggregation, fault.New(fault.InvalidFormat, "unknown composition strategy %q", name)
}

// Role positions a member within a composition.
type Role int

// Member roles.
const (
	Primary Role = iota
	Secondary
	Dependency
	Observer
	Coordinator
)

var roleNames = map[Role]string{
	Primary:     "primary",
	Secondary:   "secondary",
	Dependency:  "dependency",
	Observer:    "observer",
	Coordinator: "coordinator",
}

// String returns the lowercase role name.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// Binding translates one member method onto another. During dispatch
// to ToPlugin, a command equal to FromMethod is invoked as ToMethod;
// in pipeline strategies bindings additionally order the members.
type Binding struct {
	FromPlugin string `json:"from_plugin"`
	FromMethod string `json:"from_method"`
	ToPlugin   string `json:"to_plugin"`
	ToMethod   string `json:"to_method"`
}

// Composition declares a composite: members with roles, a strategy,
// and bindings.
type Composition struct {
	ID       string          `json:"composition_id"`
	Strategy Strategy        `json:"-"`
	Plugins  map[string]Role `json:"-"`
	Bindings []Binding       `json:"bindings,omitempty"`
}

// PrimaryID returns the member holding the primary role.
func (c *Composition) PrimaryID() (string, bool) {
	for id, role := range c.Plugins {
		if role == Primary {
			return id, true
		}
	}
	return "", false
}

// MembersWithRole returns every member holding the role.
func (c *Composition) MembersWithRole(role Role) []string {
	var out []string
	for id, r := range c.Plugins {
		if r == role {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks structural soundness: members exist, binding
// endpoints are members, and strategies requiring a primary have
// exactly one.
func (c *Composition) Validate() error {
	if c.ID == "" {
		return fault.New(fault.InvalidConfiguration, "composition has no id")
	}
	if len(c.Plugins) == 0 {
		return fault.New(fault.InvalidConfiguration, "composition %s has no members", c.ID)
	}
	for _, b := range c.Bindings {
		if _, ok := c.Plugins[b.FromPlugin]; !ok {
			return fault.New(fault.InvalidConfiguration,
				"composition %s binds from non-member %s", c.ID, b.FromPlugin)
		}
		if _, ok := c.Plugins[b.ToPlugin]; !ok {
			return fault.New(fault.InvalidConfiguration,
				"composition %s binds to non-member %s", c.ID, b.ToPlugin)
		}
	}

	switch c.Strategy {
	case Facade, Decorator, Proxy:
		if primaries := c.MembersWithRole(Primary); len(primaries) != 1 {
			return fault.New(fault.InvalidConfiguration,
				"%s composition %s needs exactly one primary member, has %d",
				c.Strategy, c.ID, len(primaries))
		}
	}
	return nil
}

// translate resolves the effective method name for a member: a
// binding targeting the member rewrites the command, otherwise the
// command passes through.
func (c *Composition) translate(memberID, command string) string {
	for _, b := range c.Bindings {
		if b.ToPlugin == memberID && b.FromMethod == command {
			return b.ToMethod
		}
	}
	return command
}

// pipelineOrder derives the member chain from the bindings: the chain
// starts at the member no binding points to and follows from_plugin
// to to_plugin links. Without bindings a single member forms the
// whole chain.
func (c *Composition) pipelineOrder() ([]string, error) {
	if len(c.Bindings) == 0 {
		if len(c.Plugins) == 1 {
			for id := range c.Plugins {
				return []string{id}, nil
			}
		}
		return nil, fault.New(fault.InvalidConfiguration,
			"pipeline composition %s has %d members but no bindings to order them", c.ID, len(c.Plugins))
	}

	next := make(map[string]string, len(c.Bindings))
	hasIncoming := make(map[string]bool, len(c.Bindings))
	for _, b := range c.Bindings {
		if _, dup := next[b.FromPlugin]; dup {
			return nil, fault.New(fault.InvalidConfiguration,
				"pipeline composition %s has two bindings out of %s", c.ID, b.FromPlugin)
		}
		next[b.FromPlugin] = b.ToPlugin
		hasIncoming[b.ToPlugin] = true
	}

	start := ""
	for from := range next {
		if !hasIncoming[from] {
			start = from
			break
		}
	}
	if start == "" {
		return nil, fault.New(fault.CircularDependency,
			"pipeline composition %s bindings form a cycle", c.ID)
	}

	order := []string{start}
	seen := map[string]bool{start: true}
	for cur := start; ; {
		to, ok := next[cur]
		if !ok {
			break
		}
		if seen[to] {
			return nil, fault.New(fault.CircularDependency,
				"pipeline composition %s bindings form a cycle", c.ID)
		}
		order = append(order, to)
		seen[to] = true
		cur = to
	}
	return order, nil
}
