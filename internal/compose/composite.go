package compose

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/plugrig/plugrig/internal/descriptor"
	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/plugin"
)

// Resolver looks up member plugin instances. The plugin manager
// satisfies it.
type Resolver interface {
	Get(id string) (*plugin.Instance, error)
}

// AccessCheck guards proxy dispatch. A non-nil error blocks the call.
type AccessCheck func(ctx context.Context, command string) error

// CompositeOption configures a Composite.
type CompositeOption func(*Composite)

// WithAccessCheck installs a guard evaluated before proxy dispatch.
func WithAccessCheck(check AccessCheck) CompositeOption {
	return func(c *Composite) { c.access = check }
}

// Composite exposes a composition through the plugin contract. Every
// command fans out to the members per the declared strategy.
type Composite struct {
	comp   *Composition
	lookup Resolver
	desc   *descriptor.Descriptor
	access AccessCheck
}

var _ plugin.Plugin = (*Composite)(nil)

// NewComposite validates the composition and wraps it.
func NewComposite(comp *Composition, lookup Resolver, opts ...CompositeOption) (*Composite, error) {
	if err := comp.Validate(); err != nil {
		return nil, err
	}
	members := make([]string, 0, len(comp.Plugins))
	for id := range comp.Plugins {
		members = append(members, id)
	}
	sort.Strings(members)

	c := &Composite{
		comp:   comp,
		lookup: lookup,
		desc: &descriptor.Descriptor{
			ID:           comp.ID,
			Name:         comp.ID,
			Version:      descriptor.Version{Major: 1},
			Description:  comp.Strategy.String() + " composite",
			Capabilities: descriptor.CapService,
			Priority:     descriptor.PriorityNormal,
			Requires:     members,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Descriptor returns the composite's synthesized metadata. Members
// appear as required dependencies.
func (c *Composite) Descriptor() *descriptor.Descriptor { return c.desc }

// Composition returns the underlying declaration.
func (c *Composite) Composition() *Composition { return c.comp }

// Initialize verifies every member resolves and is usable.
func (c *Composite) Initialize(_ context.Context) error {
	for id := range c.comp.Plugins {
		inst, err := c.lookup.Get(id)
		if err != nil {
			return fault.Wrap(fault.DependencyMissing, err, "composite %s member %s", c.comp.ID, id)
		}
		if !inst.State().IsUsable() {
			return fault.New(fault.InvalidState, "composite %s member %s is %s", c.comp.ID, id, inst.State())
		}
	}
	return nil
}

// Shutdown is a no-op: members belong to the plugin manager.
func (c *Composite) Shutdown(_ context.Context) error { return nil }

// AvailableCommands returns the union of the members' commands plus
// the bound from-method names, sorted.
func (c *Composite) AvailableCommands() []string {
	set := make(map[string]bool)
	for id := range c.comp.Plugins {
		inst, err := c.lookup.Get(id)
		if err != nil {
			continue
		}
		for _, cmd := range inst.Plugin().AvailableCommands() {
			set[cmd] = true
		}
	}
	for _, b := range c.comp.Bindings {
		set[b.FromMethod] = true
	}
	out := make([]string, 0, len(set))
	for cmd := range set {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}

// ExecuteCommand dispatches per the composition's strategy.
func (c *Composite) ExecuteCommand(ctx context.Context, name string, params []byte) ([]byte, error) {
	switch c.comp.Strategy {
	case Aggregation:
		return c.aggregate(ctx, name, params)
	case Pipeline:
		return c.pipeline(ctx, name, params)
	case Facade:
		return c.facade(ctx, name, params)
	case Decorator:
		return c.decorate(ctx, name, params)
	case Proxy:
		return c.proxy(ctx, name, params)
	default:
		return nil, fault.New(fault.NotSupported, "composition strategy %s", c.comp.Strategy)
	}
}

func (c *Composite) call(ctx context.Context, memberID, command string, params []byte) ([]byte, error) {
	inst, err := c.lookup.Get(memberID)
	if err != nil {
		return nil, err
	}
	return inst.ExecuteCommand(ctx, c.comp.translate(memberID, command), params)
}

// aggregate calls every member and combines the results keyed by
// plugin id. A member failure fails the whole dispatch.
func (c *Composite) aggregate(ctx context.Context, name string, params []byte) ([]byte, error) {
	members := make([]string, 0, len(c.comp.Plugins))
	for id := range c.comp.Plugins {
		members = append(members, id)
	}
	sort.Strings(members)

	combined := make(map[string]json.RawMessage, len(members))
	for _, id := range members {
		out, err := c.call(ctx, id, name, params)
		if err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err, "member %s", id)
		}
		if len(out) == 0 {
			out = []byte("null")
		}
		combined[id] = json.RawMessage(out)
	}
	return json.Marshal(combined)
}

// pipeline feeds each member's output into the next member's input.
func (c *Composite) pipeline(ctx context.Context, name string, params []byte) ([]byte, error) {
	order, err := c.comp.pipelineOrder()
	if err != nil {
		return nil, err
	}
	payload := params
	for _, id := range order {
		payload, err = c.call(ctx, id, name, payload)
		if err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err, "pipeline member %s", id)
		}
	}
	return payload, nil
}

// facade dispatches to the primary member only.
func (c *Composite) facade(ctx context.Context, name string, params []byte) ([]byte, error) {
	primary, _ := c.comp.PrimaryID()
	return c.call(ctx, primary, name, params)
}

// decorate invokes secondary members before the primary (with the
// original parameters) and after it (with the primary's result). Hook
// outputs are discarded; hook failures abort the dispatch. The
// primary's result is returned.
func (c *Composite) decorate(ctx context.Context, name string, params []byte) ([]byte, error) {
	secondaries := c.comp.MembersWithRole(Secondary)
	sort.Strings(secondaries)

	for _, id := range secondaries {
		if _, err := c.call(ctx, id, name, params); err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err, "pre-hook %s", id)
		}
	}
	primary, _ := c.comp.PrimaryID()
	result, err := c.call(ctx, primary, name, params)
	if err != nil {
		return nil, err
	}
	for _, id := range secondaries {
		if _, err := c.call(ctx, id, name, result); err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err, "post-hook %s", id)
		}
	}
	return result, nil
}

// proxy forwards unchanged to the primary delegate after the access
// check.
func (c *Composite) proxy(ctx context.Context, name string, params []byte) ([]byte, error) {
	if c.access != nil {
		if err := c.access(ctx, name); err != nil {
			return nil, fault.Wrap(fault.PermissionDenied, err, "proxy %s denied %s", c.comp.ID, name)
		}
	}
	primary, _ := c.comp.PrimaryID()
	return c.call(ctx, primary, name, params)
}
