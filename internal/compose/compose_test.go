package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/plugrig/plugrig/internal/descriptor"
	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/plugin"
)

// memberPlugin is a minimal member for composite dispatch tests. Every
// command appends its tag to the incoming JSON string payload and
// records the invocation.
type memberPlugin struct {
	desc *descriptor.Descriptor

	mu    sync.Mutex
	calls []string // "command" entries in invocation order

	fail map[string]error // command -> forced failure
}

func newMemberPlugin(id string) *memberPlugin {
	return &memberPlugin{
		desc: &descriptor.Descriptor{
			ID:      id,
			Name:    id,
			Version: descriptor.Version{Major: 1},
		},
		fail: make(map[string]error),
	}
}

func (m *memberPlugin) Descriptor() *descriptor.Descriptor { return m.desc }
func (m *memberPlugin) Initialize(context.Context) error   { return nil }
func (m *memberPlugin) Shutdown(context.Context) error     { return nil }
func (m *memberPlugin) AvailableCommands() []string        { return []string{"process"} }

func (m *memberPlugin) ExecuteCommand(_ context.Context, name string, params []byte) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
	if err := m.fail[name]; err != nil {
		return nil, err
	}

	var in string
	if err := json.Unmarshal(params, &in); err != nil {
		in = string(params)
	}
	return json.Marshal(in + "+" + m.desc.ID)
}

func (m *memberPlugin) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// compositeFixture loads the given members through a factory loader
// and returns the manager alongside the plugins keyed by id.
func compositeFixture(t *testing.T, ids ...string) (*plugin.Manager, map[string]*memberPlugin) {
	t.Helper()
	dir := t.TempDir()
	factory := plugin.NewFactoryLoader()
	members := make(map[string]*memberPlugin, len(ids))
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		p := newMemberPlugin(id)
		members[id] = p
		path := filepath.Join(dir, id+".so")
		if err := os.WriteFile(path, []byte("artifact"), 0o644); err != nil {
			t.Fatalf("writing artifact: %v", err)
		}
		factory.RegisterFactory(path, func() (plugin.Plugin, error) { return p, nil })
		paths = append(paths, path)
	}

	mgr := plugin.NewManager(plugin.NewLoaderRegistry(factory))
	opts := plugin.DefaultLoadOptions()
	opts.InitializeImmediately = true
	for _, path := range paths {
		if _, err := mgr.Load(context.Background(), path, opts); err != nil {
			t.Fatalf("loading %s: %v", path, err)
		}
	}
	return mgr, members
}

func jsonString(t *testing.T, raw []byte) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("result %q is not a JSON string: %v", raw, err)
	}
	return s
}

func TestCompositionValidate(t *testing.T) {
	members := map[string]Role{"a": Primary, "b": Secondary}
	tests := []struct {
		name string
		comp Composition
		kind fault.Kind
	}{
		{
			name: "missing id",
			comp: Composition{Plugins: members},
			kind: fault.InvalidConfiguration,
		},
		{
			name: "no members",
			comp: Composition{ID: "empty"},
			kind: fault.InvalidConfiguration,
		},
		{
			name: "binding from non-member",
			comp: Composition{
				ID:      "bad-from",
				Plugins: members,
				Bindings: []Binding{
					{FromPlugin: "ghost", FromMethod: "x", ToPlugin: "a", ToMethod: "y"},
				},
			},
			kind: fault.InvalidConfiguration,
		},
		{
			name: "binding to non-member",
			comp: Composition{
				ID:      "bad-to",
				Plugins: members,
				Bindings: []Binding{
					{FromPlugin: "a", FromMethod: "x", ToPlugin: "ghost", ToMethod: "y"},
				},
			},
			kind: fault.InvalidConfiguration,
		},
		{
			name: "facade without primary",
			comp: Composition{
				ID:       "no-primary",
				Strategy: Facade,
				Plugins:  map[string]Role{"a": Secondary},
			},
			kind: fault.InvalidConfiguration,
		},
		{
			name: "proxy with two primaries",
			comp: Composition{
				ID:       "two-primaries",
				Strategy: Proxy,
				Plugins:  map[string]Role{"a": Primary, "b": Primary},
			},
			kind: fault.InvalidConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.comp.Validate()
			if !fault.IsKind(err, tt.kind) {
				t.Errorf("Validate() = %v, want kind %v", err, tt.kind)
			}
		})
	}

	ok := Composition{
		ID:       "good",
		Strategy: Decorator,
		Plugins:  members,
	}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() on a sound composition = %v", err)
	}
}

func TestPipelineOrder(t *testing.T) {
	chain := func(pairs ...[2]string) []Binding {
		out := make([]Binding, 0, len(pairs))
		for _, p := range pairs {
			out = append(out, Binding{FromPlugin: p[0], FromMethod: "process", ToPlugin: p[1], ToMethod: "process"})
		}
		return out
	}
	members := map[string]Role{"a": Primary, "b": Secondary, "c": Secondary}

	comp := Composition{ID: "chain", Strategy: Pipeline, Plugins: members,
		Bindings: chain([2]string{"a", "b"}, [2]string{"b", "c"})}
	order, err := comp.pipelineOrder()
	if err != nil {
		t.Fatalf("pipelineOrder() error = %v", err)
	}
	if got, want := strings.Join(order, ","), "a,b,c"; got != want {
		t.Errorf("pipelineOrder() = %s, want %s", got, want)
	}

	cyclic := Composition{ID: "cycle", Strategy: Pipeline, Plugins: members,
		Bindings: chain([2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "a"})}
	if _, err := cyclic.pipelineOrder(); !fault.IsKind(err, fault.CircularDependency) {
		t.Errorf("cyclic pipelineOrder() = %v, want CircularDependency", err)
	}

	forked := Composition{ID: "fork", Strategy: Pipeline, Plugins: members,
		Bindings: chain([2]string{"a", "b"}, [2]string{"a", "c"})}
	if _, err := forked.pipelineOrder(); !fault.IsKind(err, fault.InvalidConfiguration) {
		t.Errorf("forked pipelineOrder() = %v, want InvalidConfiguration", err)
	}

	solo := Composition{ID: "solo", Strategy: Pipeline, Plugins: map[string]Role{"a": Primary}}
	order, err = solo.pipelineOrder()
	if err != nil || len(order) != 1 || order[0] != "a" {
		t.Errorf("single-member pipelineOrder() = %v, %v", order, err)
	}

	unordered := Composition{ID: "unordered", Strategy: Pipeline, Plugins: members}
	if _, err := unordered.pipelineOrder(); !fault.IsKind(err, fault.InvalidConfiguration) {
		t.Errorf("binding-less multi-member pipelineOrder() = %v, want InvalidConfiguration", err)
	}
}

func TestCompositeAggregation(t *testing.T) {
	mgr, members := compositeFixture(t, "metrics", "health")
	comp := &Composition{
		ID:       "status-board",
		Strategy: Aggregation,
		Plugins:  map[string]Role{"metrics": Secondary, "health": Secondary},
	}
	c, err := NewComposite(comp, mgr)
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	raw, err := c.ExecuteCommand(context.Background(), "process", []byte(`"in"`))
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	var combined map[string]json.RawMessage
	if err := json.Unmarshal(raw, &combined); err != nil {
		t.Fatalf("aggregation result %s: %v", raw, err)
	}
	if len(combined) != 2 {
		t.Fatalf("aggregation keys = %d, want 2", len(combined))
	}
	if got := jsonString(t, combined["metrics"]); got != "in+metrics" {
		t.Errorf("metrics entry = %q", got)
	}
	if got := jsonString(t, combined["health"]); got != "in+health" {
		t.Errorf("health entry = %q", got)
	}

	// One member failing fails the whole dispatch.
	members["health"].fail["process"] = fault.New(fault.ExecutionFailed, "probe down")
	if _, err := c.ExecuteCommand(context.Background(), "process", []byte(`"in"`)); !fault.IsKind(err, fault.ExecutionFailed) {
		t.Errorf("aggregation with failing member = %v, want ExecutionFailed", err)
	}
}

func TestCompositePipeline(t *testing.T) {
	mgr, _ := compositeFixture(t, "extract", "transform", "load")
	comp := &Composition{
		ID:       "etl",
		Strategy: Pipeline,
		Plugins:  map[string]Role{"extract": Primary, "transform": Secondary, "load": Secondary},
		Bindings: []Binding{
			{FromPlugin: "extract", FromMethod: "process", ToPlugin: "transform", ToMethod: "process"},
			{FromPlugin: "transform", FromMethod: "process", ToPlugin: "load", ToMethod: "process"},
		},
	}
	c, err := NewComposite(comp, mgr)
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}

	raw, err := c.ExecuteCommand(context.Background(), "process", []byte(`"rows"`))
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if got, want := jsonString(t, raw), "rows+extract+transform+load"; got != want {
		t.Errorf("pipeline result = %q, want %q", got, want)
	}
}

func TestCompositePipelineMethodTranslation(t *testing.T) {
	mgr, members := compositeFixture(t, "reader", "writer")
	members["writer"].fail["process"] = fault.New(fault.CommandNotFound, "no process")
	members["writer"].fail["store"] = nil

	comp := &Composition{
		ID:       "copy",
		Strategy: Pipeline,
		Plugins:  map[string]Role{"reader": Primary, "writer": Secondary},
		Bindings: []Binding{
			{FromPlugin: "reader", FromMethod: "process", ToPlugin: "writer", ToMethod: "store"},
		},
	}
	c, err := NewComposite(comp, mgr)
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}

	raw, err := c.ExecuteCommand(context.Background(), "process", []byte(`"x"`))
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if got, want := jsonString(t, raw), "x+reader+writer"; got != want {
		t.Errorf("translated pipeline result = %q, want %q", got, want)
	}
	if got := members["writer"].callLog(); len(got) != 1 || got[0] != "store" {
		t.Errorf("writer invocations = %v, want [store]", got)
	}
}

func TestCompositeFacade(t *testing.T) {
	mgr, members := compositeFixture(t, "front", "back")
	comp := &Composition{
		ID:       "storefront",
		Strategy: Facade,
		Plugins:  map[string]Role{"front": Primary, "back": Dependency},
	}
	c, err := NewComposite(comp, mgr)
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}

	raw, err := c.ExecuteCommand(context.Background(), "process", []byte(`"hi"`))
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if got, want := jsonString(t, raw), "hi+front"; got != want {
		t.Errorf("facade result = %q, want %q", got, want)
	}
	if got := members["back"].callLog(); len(got) != 0 {
		t.Errorf("facade touched non-primary member: %v", got)
	}
}

func TestCompositeDecorator(t *testing.T) {
	mgr, members := compositeFixture(t, "core", "audit")
	comp := &Composition{
		ID:       "audited-core",
		Strategy: Decorator,
		Plugins:  map[string]Role{"core": Primary, "audit": Secondary},
	}
	c, err := NewComposite(comp, mgr)
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}

	raw, err := c.ExecuteCommand(context.Background(), "process", []byte(`"v"`))
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	// Hook outputs are discarded; the primary's result comes back.
	if got, want := jsonString(t, raw), "v+core"; got != want {
		t.Errorf("decorator result = %q, want %q", got, want)
	}
	// The secondary runs once before and once after the primary.
	if got := members["audit"].callLog(); len(got) != 2 {
		t.Errorf("audit hook invocations = %v, want 2", got)
	}
	if got := members["core"].callLog(); len(got) != 1 {
		t.Errorf("core invocations = %v, want 1", got)
	}

	// A failing pre-hook aborts before the primary runs.
	members["audit"].fail["process"] = fault.New(fault.ExecutionFailed, "audit sink down")
	if _, err := c.ExecuteCommand(context.Background(), "process", []byte(`"v"`)); !fault.IsKind(err, fault.ExecutionFailed) {
		t.Fatalf("decorator with failing hook = %v, want ExecutionFailed", err)
	}
	if got := members["core"].callLog(); len(got) != 1 {
		t.Errorf("primary ran despite failed pre-hook: %v", got)
	}
}

func TestCompositeProxy(t *testing.T) {
	mgr, _ := compositeFixture(t, "backend")
	comp := &Composition{
		ID:       "guarded",
		Strategy: Proxy,
		Plugins:  map[string]Role{"backend": Primary},
	}

	denied := map[string]bool{"wipe": true}
	c, err := NewComposite(comp, mgr, WithAccessCheck(func(_ context.Context, command string) error {
		if denied[command] {
			return fmt.Errorf("command %s is not allowed through this proxy", command)
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}

	raw, err := c.ExecuteCommand(context.Background(), "process", []byte(`"p"`))
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if got, want := jsonString(t, raw), "p+backend"; got != want {
		t.Errorf("proxy result = %q, want %q", got, want)
	}

	if _, err := c.ExecuteCommand(context.Background(), "wipe", nil); !fault.IsKind(err, fault.PermissionDenied) {
		t.Errorf("denied command = %v, want PermissionDenied", err)
	}
}

func TestCompositeInitializeRequiresUsableMembers(t *testing.T) {
	mgr, _ := compositeFixture(t, "worker")
	comp := &Composition{
		ID:       "solo",
		Strategy: Aggregation,
		Plugins:  map[string]Role{"worker": Primary, "ghost": Secondary},
	}
	c, err := NewComposite(comp, mgr)
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}
	if err := c.Initialize(context.Background()); !fault.IsKind(err, fault.DependencyMissing) {
		t.Errorf("Initialize() with unknown member = %v, want DependencyMissing", err)
	}
}

func TestCompositeDescriptor(t *testing.T) {
	mgr, _ := compositeFixture(t, "a", "b")
	comp := &Composition{
		ID:       "pair",
		Strategy: Aggregation,
		Plugins:  map[string]Role{"b": Secondary, "a": Primary},
	}
	c, err := NewComposite(comp, mgr)
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}
	desc := c.Descriptor()
	if desc.ID != "pair" {
		t.Errorf("descriptor id = %s", desc.ID)
	}
	if got, want := strings.Join(desc.Requires, ","), "a,b"; got != want {
		t.Errorf("descriptor requires = %s, want %s", got, want)
	}
	cmds := c.AvailableCommands()
	if len(cmds) == 0 || cmds[0] != "process" {
		t.Errorf("AvailableCommands() = %v", cmds)
	}
}
