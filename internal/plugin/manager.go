package plugin

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/plugrig/plugrig/internal/bus"
	"github.com/plugrig/plugrig/internal/fault"
)

// MsgTypeLifecycle is the bus message type for plugin lifecycle events.
const MsgTypeLifecycle = "plugin.lifecycle"

// LifecycleEvent is the payload of lifecycle messages.
type LifecycleEvent struct {
	PluginID string `json:"plugin_id"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

// LoadOptions tunes a single Load call.
type LoadOptions struct {
	// InitializeImmediately runs Initialize right after the loader
	// returns, instead of waiting for InitializeAll.
	InitializeImmediately bool

	// EnableHotReload watches the artifact and restarts the plugin on
	// modification.
	EnableHotReload bool

	// Timeout bounds the whole load, including transient retries.
	Timeout time.Duration

	// RetryDelay is the first backoff interval for transient load
	// failures. Doubles per attempt.
	RetryDelay time.Duration
}

// DefaultLoadOptions returns the standard load behavior: no immediate
// initialization, no hot reload, 30s budget.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		Timeout:    30 * time.Second,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Manager owns all plugin instances. It resolves loaders, enforces the
// lifecycle state machine through Instance, orders initialization and
// shutdown along the dependency graph, and announces lifecycle changes
// on the bus.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	loadOrder []string

	loaders *LoaderRegistry
	bus     *bus.Bus
	log     *logrus.Entry

	watcher   *fsnotify.Watcher
	watched   map[string]string // artifact path -> plugin id
	watchDone chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBus attaches the message bus for lifecycle announcements.
func WithBus(b *bus.Bus) ManagerOption {
	return func(m *Manager) { m.bus = b }
}

// WithLogger sets the structured logger.
func WithLogger(log *logrus.Entry) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a manager over the given loader registry.
func NewManager(loaders *LoaderRegistry, opts ...ManagerOption) *Manager {
	m := &Manager{
		instances: make(map[string]*Instance),
		loaders:   loaders,
		watched:   make(map[string]string),
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("component", "plugin-manager")
	return m
}

// Loaders returns the manager's loader registry.
func (m *Manager) Loaders() *LoaderRegistry {
	return m.loaders
}

// Load resolves a loader for the path, loads the artifact, validates
// its descriptor, and registers the instance. Transient loader
// failures are retried with exponential backoff until opts.Timeout.
func (m *Manager) Load(ctx context.Context, path string, opts LoadOptions) (*Instance, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLoadOptions().Timeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultLoadOptions().RetryDelay
	}

	loader, err := m.loaders.Resolve(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	p, err := m.loadWithRetry(ctx, loader, path, opts.RetryDelay)
	if err != nil {
		return nil, err
	}

	desc := p.Descriptor()
	if desc == nil {
		return nil, fault.New(fault.LoadFailed, "loader %s returned a plugin without a descriptor for %s", loader.Name(), path)
	}
	if err := desc.Validate(); err != nil {
		_ = loader.Unload(ctx, desc.ID)
		return nil, err
	}

	inst := NewInstance(p, loader.Name(), path)

	m.mu.Lock()
	if _, exists := m.instances[desc.ID]; exists {
		m.mu.Unlock()
		_ = loader.Unload(ctx, desc.ID)
		return nil, fault.New(fault.InvalidState, "plugin %s is already loaded", desc.ID)
	}
	m.instances[desc.ID] = inst
	m.loadOrder = append(m.loadOrder, desc.ID)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"plugin":  desc.ID,
		"version": desc.Version.String(),
		"loader":  loader.Name(),
		"path":    path,
	}).Info("plugin loaded")
	m.announce(inst, nil)

	if opts.InitializeImmediately {
		if err := m.initializeInstance(ctx, inst); err != nil {
			return inst, err
		}
	}

	if opts.EnableHotReload {
		if err := m.watch(path, desc.ID); err != nil {
			m.log.WithError(err).WithField("plugin", desc.ID).Warn("hot reload unavailable")
		}
	}
	return inst, nil
}

// loadWithRetry retries the loader on transient error kinds, doubling
// the delay each attempt, until ctx expires.
func (m *Manager) loadWithRetry(ctx context.Context, loader Loader, path string, delay time.Duration) (Plugin, error) {
	for attempt := 0; ; attempt++ {
		p, err := loader.Load(ctx, path)
		if err == nil {
			return p, nil
		}
		if !fault.KindOf(err).Transient() {
			return nil, err
		}

		m.log.WithError(err).WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt + 1,
		}).Warn("transient load failure, retrying")

		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Timeout, err, "loading %s", path)
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Unload shuts down and removes a plugin. It refuses while other
// loaded plugins require it, unless force is set.
func (m *Manager) Unload(ctx context.Context, id string, force bool) error {
	m.mu.RLock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.RUnlock()
		return fault.New(fault.NotFound, "plugin %s is not loaded", id)
	}
	var dependents []string
	for _, other := range m.instances {
		if other.ID() != id && other.Descriptor().RequiresPlugin(id) {
			dependents = append(dependents, other.ID())
		}
	}
	m.mu.RUnlock()

	if len(dependents) > 0 && !force {
		sort.Strings(dependents)
		return fault.New(fault.DependencyMissing, "plugin %s is required by %v", id, dependents).
			WithDetail("dependents", dependents)
	}

	switch inst.State() {
	case StateRunning, StatePaused, StateError:
		if err := m.shutdownInstance(ctx, inst); err != nil && !force {
			return err
		}
	}

	if err := m.unloadArtifact(ctx, inst); err != nil && !force {
		return err
	}
	if err := inst.MarkUnloaded(); err != nil && !force {
		return err
	}

	m.mu.Lock()
	delete(m.instances, id)
	for i, loaded := range m.loadOrder {
		if loaded == id {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.unwatch(inst.Path())

	m.log.WithField("plugin", id).Info("plugin unloaded")
	m.announce(inst, nil)
	return nil
}

func (m *Manager) unloadArtifact(ctx context.Context, inst *Instance) error {
	for _, l := range m.loaders.Loaders() {
		if l.Name() == inst.LoaderName() {
			return l.Unload(ctx, inst.ID())
		}
	}
	return fault.New(fault.NotFound, "loader %s for plugin %s is gone", inst.LoaderName(), inst.ID())
}

// Get returns the instance for an id.
func (m *Manager) Get(id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "plugin %s is not loaded", id)
	}
	return inst, nil
}

// Has reports whether a plugin id is loaded.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.instances[id]
	return ok
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// IDs returns loaded plugin ids in load order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.loadOrder))
	copy(out, m.loadOrder)
	return out
}

// Instances returns all instances in load order.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.loadOrder))
	for _, id := range m.loadOrder {
		out = append(out, m.instances[id])
	}
	return out
}

// Discover walks dir for loadable artifacts and loads each one.
// Individual failures are logged and collected; the first is returned
// after all paths were attempted.
func (m *Manager) Discover(ctx context.Context, dir string, recursive bool, opts LoadOptions) ([]*Instance, error) {
	paths, err := m.loaders.Discover(dir, recursive)
	if err != nil {
		return nil, err
	}

	var loaded []*Instance
	var firstErr error
	for _, path := range paths {
		inst, err := m.Load(ctx, path, opts)
		if err != nil {
			m.log.WithError(err).WithField("path", path).Error("discovery load failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		loaded = append(loaded, inst)
	}
	return loaded, firstErr
}

// InitializeAll initializes every loaded plugin in dependency order:
// required dependencies first, ties broken by declared priority
// descending, then id. A missing or non-running required dependency
// fails the dependent with DependencyMissing.
func (m *Manager) InitializeAll(ctx context.Context) error {
	order, err := m.dependencyOrder()
	if err != nil {
		return err
	}

	for _, id := range order {
		inst, err := m.Get(id)
		if err != nil {
			return err
		}
		if inst.State() == StateRunning {
			continue
		}
		if err := m.checkRequires(inst); err != nil {
			return err
		}
		if err := m.initializeInstance(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

// ShutdownAll shuts plugins down in reverse dependency order, so
// dependents stop before the plugins they require. Failures are
// logged and do not stop the sweep; the first is returned.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	order, err := m.dependencyOrder()
	if err != nil {
		return err
	}

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		inst, err := m.Get(order[i])
		if err != nil {
			continue
		}
		switch inst.State() {
		case StateRunning, StatePaused, StateError:
			if err := m.shutdownInstance(ctx, inst); err != nil {
				m.log.WithError(err).WithField("plugin", inst.ID()).Error("shutdown failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Close stops the hot reload watcher and shuts down all plugins.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if watcher != nil {
		_ = watcher.Close()
		<-m.watchDone
	}
	return m.ShutdownAll(ctx)
}

// checkRequires verifies every required dependency is loaded and
// running.
func (m *Manager) checkRequires(inst *Instance) error {
	for _, dep := range inst.Descriptor().Requires {
		other, err := m.Get(dep)
		if err != nil {
			return fault.New(fault.DependencyMissing, "plugin %s requires %s, which is not loaded", inst.ID(), dep)
		}
		if !other.State().IsUsable() {
			return fault.New(fault.DependencyMissing, "plugin %s requires %s, which is %s", inst.ID(), dep, other.State())
		}
	}
	return nil
}

// dependencyOrder returns all plugin ids topologically sorted by the
// Requires graph. Ready sets are drained priority-descending, id
// ascending, so unrelated plugins still initialize deterministically.
func (m *Manager) dependencyOrder() ([]string, error) {
	m.mu.RLock()
	indegree := make(map[string]int, len(m.instances))
	dependents := make(map[string][]string)
	for id, inst := range m.instances {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range inst.Descriptor().Requires {
			if _, loaded := m.instances[dep]; !loaded {
				// Caught later by checkRequires with a better message.
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}
	priority := func(id string) int {
		return int(m.instances[id].Descriptor().Priority)
	}
	m.mu.RUnlock()

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if pi, pj := priority(ready[i]), priority(ready[j]); pi != pj {
				return pi > pj
			}
			return ready[i] < ready[j]
		})
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

	if len(order) != len(indegree) {
		var cycle []string
		for id, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, fault.New(fault.CircularDependency, "dependency cycle among %v", cycle).
			WithDetail("plugins", cycle)
	}
	return order, nil
}

func (m *Manager) initializeInstance(ctx context.Context, inst *Instance) error {
	err := inst.Initialize(ctx)
	if err != nil {
		m.log.WithError(err).WithField("plugin", inst.ID()).Error("initialization failed")
	} else {
		m.log.WithField("plugin", inst.ID()).Info("plugin running")
	}
	m.announce(inst, err)
	return err
}

func (m *Manager) shutdownInstance(ctx context.Context, inst *Instance) error {
	err := inst.Shutdown(ctx)
	m.announce(inst, err)
	return err
}

// announce publishes a lifecycle event. Best effort; a stopped bus is
// not an error.
func (m *Manager) announce(inst *Instance, cause error) {
	if m.bus == nil {
		return
	}
	event := LifecycleEvent{
		PluginID: inst.ID(),
		State:    inst.State().String(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	_ = m.bus.Publish(context.Background(), bus.Message{
		Type:    MsgTypeLifecycle,
		Sender:  "plugin-manager",
		Mode:    bus.Broadcast,
		Payload: event,
	})
}

// SystemMetrics returns a JSON report of per-plugin metrics plus
// aggregate counts.
func (m *Manager) SystemMetrics() ([]byte, error) {
	m.mu.RLock()
	plugins := make(map[string]MetricsSnapshot, len(m.instances))
	running := 0
	failed := 0
	for id, inst := range m.instances {
		snap := inst.MetricsSnapshot()
		plugins[id] = snap
		switch inst.State() {
		case StateRunning:
			running++
		case StateError:
			failed++
		}
	}
	total := len(m.instances)
	m.mu.RUnlock()

	report := map[string]any{
		"plugins_loaded":  total,
		"plugins_running": running,
		"plugins_failed":  failed,
		"plugins":         plugins,
		"generated_at_ms": time.Now().UnixMilli(),
	}
	return json.Marshal(report)
}

// watch registers an artifact with the hot reload watcher, starting
// the watcher on first use.
func (m *Manager) watch(path string, id string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fault.Wrap(fault.FileSystemError, err, "starting hot reload watcher")
		}
		m.watcher = w
		m.watchDone = make(chan struct{})
		go m.watchLoop(w)
	}
	if err := m.watcher.Add(abs); err != nil {
		return fault.Wrap(fault.FileSystemError, err, "watching %s", abs)
	}
	m.watched[abs] = id
	return nil
}

func (m *Manager) unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		_ = m.watcher.Remove(abs)
	}
	delete(m.watched, abs)
}

// watchLoop restarts plugins whose artifacts changed on disk. Editors
// produce bursts of events, so writes are debounced per path.
func (m *Manager) watchLoop(w *fsnotify.Watcher) {
	defer close(m.watchDone)

	const debounce = 200 * time.Millisecond
	pending := make(map[string]*time.Timer)
	var pendingMu sync.Mutex

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path := event.Name

			pendingMu.Lock()
			if timer, exists := pending[path]; exists {
				timer.Stop()
			}
			pending[path] = time.AfterFunc(debounce, func() {
				pendingMu.Lock()
				delete(pending, path)
				pendingMu.Unlock()
				m.hotReload(path)
			})
			pendingMu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.WithError(err).Warn("hot reload watcher error")
		}
	}
}

// hotReload restarts the plugin mapped to a changed artifact.
func (m *Manager) hotReload(path string) {
	m.mu.RLock()
	id, ok := m.watched[path]
	var inst *Instance
	if ok {
		inst = m.instances[id]
	}
	m.mu.RUnlock()
	if inst == nil {
		return
	}

	m.log.WithFields(logrus.Fields{"plugin": id, "path": path}).Info("artifact changed, restarting")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := inst.Restart(ctx); err != nil {
		m.log.WithError(err).WithField("plugin", id).Error("hot reload restart failed")
	}
	m.announce(inst, inst.Err())
}
