package plugin

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plugrig/plugrig/internal/descriptor"
	"github.com/plugrig/plugrig/internal/fault"
)

// Instance wraps a Plugin with the framework-owned lifecycle state
// machine, last-error slot, uptime anchor, and metrics counters.
// Instances are exclusively owned by the Manager.
type Instance struct {
	mu sync.RWMutex

	plugin Plugin
	desc   *descriptor.Descriptor

	state   State
	lastErr error

	// Identity of the loader that produced the plugin and the source
	// artifact path, kept for unload and hot reload.
	loaderName string
	path       string

	loadedAt  time.Time
	startedAt time.Time

	cancelRequested atomic.Bool

	// serial serializes calls into plugins that declare the
	// single-threaded model.
	serial sync.Mutex

	metrics Metrics
}

// Metrics counts per-plugin activity. All fields are atomics so
// readers never take the instance lock.
type Metrics struct {
	CommandsExecuted atomic.Uint64
	CommandsFailed   atomic.Uint64
	Restarts         atomic.Uint64
	StateChanges     atomic.Uint64
}

// MetricsSnapshot is the JSON form of the counters.
type MetricsSnapshot struct {
	CommandsExecuted uint64 `json:"commands_executed"`
	CommandsFailed   uint64 `json:"commands_failed"`
	Restarts         uint64 `json:"restarts"`
	StateChanges     uint64 `json:"state_changes"`
	UptimeMs         int64  `json:"uptime_ms"`
	State            string `json:"state"`
}

// NewInstance wraps a plugin just produced by a loader.
// The instance starts in StateLoaded: the loader already mapped it.
func NewInstance(p Plugin, loaderName, path string) *Instance {
	return &Instance{
		plugin:     p,
		desc:       p.Descriptor(),
		state:      StateLoaded,
		loaderName: loaderName,
		path:       path,
		loadedAt:   time.Now(),
	}
}

// ID returns the plugin id from the descriptor.
func (i *Instance) ID() string {
	return i.desc.ID
}

// Descriptor returns the plugin's descriptor.
func (i *Instance) Descriptor() *descriptor.Descriptor {
	return i.desc
}

// Plugin returns the wrapped plugin.
func (i *Instance) Plugin() Plugin {
	return i.plugin
}

// LoaderName returns the name of the loader that produced the plugin.
func (i *Instance) LoaderName() string {
	return i.loaderName
}

// Path returns the artifact path the plugin was loaded from.
func (i *Instance) Path() string {
	return i.path
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Err returns the last captured error, nil outside StateError.
func (i *Instance) Err() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastErr
}

// Uptime returns the duration since the plugin entered StateRunning,
// zero if it never ran.
func (i *Instance) Uptime() time.Duration {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.startedAt.IsZero() {
		return 0
	}
	return time.Since(i.startedAt)
}

// Metrics returns the live counters.
func (i *Instance) Metrics() *Metrics {
	return &i.metrics
}

// MetricsSnapshot captures the counters for reporting.
func (i *Instance) MetricsSnapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CommandsExecuted: i.metrics.CommandsExecuted.Load(),
		CommandsFailed:   i.metrics.CommandsFailed.Load(),
		Restarts:         i.metrics.Restarts.Load(),
		StateChanges:     i.metrics.StateChanges.Load(),
		UptimeMs:         i.Uptime().Milliseconds(),
		State:            i.State().String(),
	}
}

// CancelRequested reports the advisory cancellation flag.
func (i *Instance) CancelRequested() bool {
	return i.cancelRequested.Load()
}

// RequestCancel sets the advisory cancellation flag and forwards it
// to the plugin when it is cancel-aware.
func (i *Instance) RequestCancel() {
	i.cancelRequested.Store(true)
	if ca, ok := i.plugin.(CancelAware); ok {
		ca.SetCancelRequested(true)
	}
}

// transition moves the state machine along a legal edge, or fails
// with StateError. Holds the write lock.
func (i *Instance) transition(to State) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transitionLocked(to)
}

func (i *Instance) transitionLocked(to State) error {
	if !CanTransition(i.state, to) {
		return fault.New(fault.StateError, "plugin %s: illegal transition %s -> %s", i.desc.ID, i.state, to)
	}
	i.state = to
	i.metrics.StateChanges.Add(1)
	if to != StateError {
		i.lastErr = nil
	}
	return nil
}

// fail records err and moves to StateError.
func (i *Instance) fail(err error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = StateError
	i.lastErr = err
	i.metrics.StateChanges.Add(1)
	return err
}

// Initialize runs the plugin's Initialize hook under the state machine.
// On failure the instance lands in StateError with the cause captured;
// a retry requires Restart.
func (i *Instance) Initialize(ctx context.Context) error {
	if err := i.transition(StateInitializing); err != nil {
		return err
	}

	if err := i.callPlugin(func() error { return i.plugin.Initialize(ctx) }); err != nil {
		return i.fail(fault.Wrap(fault.InitializationFailed, err, "plugin %s", i.desc.ID))
	}

	i.mu.Lock()
	i.startedAt = time.Now()
	i.mu.Unlock()
	return i.transition(StateRunning)
}

// Shutdown runs the plugin's Shutdown hook under the state machine.
// Shutting down from StateError is allowed; that is the restart path.
func (i *Instance) Shutdown(ctx context.Context) error {
	if err := i.transition(StateStopping); err != nil {
		return err
	}

	if err := i.callPlugin(func() error { return i.plugin.Shutdown(ctx) }); err != nil {
		return i.fail(fault.Wrap(fault.ExecutionFailed, err, "plugin %s shutdown", i.desc.ID))
	}

	i.mu.Lock()
	i.startedAt = time.Time{}
	i.mu.Unlock()
	return i.transition(StateStopped)
}

// Pause suspends command execution. Only StateRunning pauses.
func (i *Instance) Pause(ctx context.Context) error {
	if err := i.transition(StatePaused); err != nil {
		return err
	}
	if p, ok := i.plugin.(Pausable); ok {
		if err := p.Pause(ctx); err != nil {
			return i.fail(fault.Wrap(fault.ExecutionFailed, err, "plugin %s pause", i.desc.ID))
		}
	}
	return nil
}

// Resume returns a paused plugin to StateRunning. Paused resumes only
// to Running; resuming from any other state is a StateError.
func (i *Instance) Resume(ctx context.Context) error {
	i.mu.Lock()
	if i.state != StatePaused {
		from := i.state
		i.mu.Unlock()
		return fault.New(fault.StateError, "plugin %s: resume from %s", i.desc.ID, from)
	}
	i.state = StateRunning
	i.metrics.StateChanges.Add(1)
	i.mu.Unlock()

	if p, ok := i.plugin.(Pausable); ok {
		if err := p.Resume(ctx); err != nil {
			return i.fail(fault.Wrap(fault.ExecutionFailed, err, "plugin %s resume", i.desc.ID))
		}
	}
	return nil
}

// Restart issues shutdown then initialize. It is the only exit from
// StateError.
func (i *Instance) Restart(ctx context.Context) error {
	if err := i.Shutdown(ctx); err != nil {
		return err
	}
	i.cancelRequested.Store(false)
	if err := i.Initialize(ctx); err != nil {
		return err
	}
	i.metrics.Restarts.Add(1)
	return nil
}

// MarkUnloaded moves a stopped or never-initialized instance to
// StateUnloaded after its loader released the artifact.
func (i *Instance) MarkUnloaded() error {
	return i.transition(StateUnloaded)
}

// ExecuteCommand dispatches a command. Reserved names are handled by
// the framework; everything else requires StateRunning and delegates
// to the plugin.
func (i *Instance) ExecuteCommand(ctx context.Context, name string, params []byte) ([]byte, error) {
	switch name {
	case CmdStatus:
		return i.statusJSON()
	case CmdMetrics:
		snap := i.MetricsSnapshot()
		return json.Marshal(snap)
	case CmdPause:
		return nil, i.Pause(ctx)
	case CmdResume:
		return nil, i.Resume(ctx)
	case CmdRestart:
		return nil, i.Restart(ctx)
	case CmdConfigure, CmdValidateConf:
		// Configuration commands pass through to the plugin so it can
		// validate against its own schema, but still require Running.
	}

	if state := i.State(); state != StateRunning {
		return nil, fault.New(fault.InvalidState, "plugin %s is %s, not running", i.desc.ID, state)
	}

	var result []byte
	err := i.callPlugin(func() error {
		var cmdErr error
		result, cmdErr = i.plugin.ExecuteCommand(ctx, name, params)
		return cmdErr
	})

	i.metrics.CommandsExecuted.Add(1)
	if err != nil {
		i.metrics.CommandsFailed.Add(1)
		return nil, err
	}
	return result, nil
}

// InvokeMethod calls into the plugin's dynamic facet when present,
// falling back to ExecuteCommand with JSON-encoded args.
func (i *Instance) InvokeMethod(ctx context.Context, name string, args map[string]any) (any, error) {
	if dyn, ok := i.plugin.(Dynamic); ok {
		if state := i.State(); state != StateRunning {
			return nil, fault.New(fault.InvalidState, "plugin %s is %s, not running", i.desc.ID, state)
		}
		var result any
		err := i.callPlugin(func() error {
			var invErr error
			result, invErr = dyn.InvokeMethod(ctx, name, args)
			return invErr
		})
		i.metrics.CommandsExecuted.Add(1)
		if err != nil {
			i.metrics.CommandsFailed.Add(1)
			return nil, err
		}
		return result, nil
	}

	params, err := json.Marshal(args)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidParameters, err, "encoding args for %s.%s", i.desc.ID, name)
	}
	raw, err := i.ExecuteCommand(ctx, name, params)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw), nil
	}
	return out, nil
}

// callPlugin invokes fn, serializing when the plugin declared the
// single-threaded model.
func (i *Instance) callPlugin(fn func() error) error {
	if i.desc.ThreadModel == descriptor.SingleThreaded {
		i.serial.Lock()
		defer i.serial.Unlock()
	}
	return fn()
}

func (i *Instance) statusJSON() ([]byte, error) {
	i.mu.RLock()
	status := map[string]any{
		"id":      i.desc.ID,
		"state":   i.state.String(),
		"version": i.desc.Version.String(),
		"loader":  i.loaderName,
		"path":    i.path,
	}
	if i.lastErr != nil {
		status["error"] = i.lastErr.Error()
	}
	i.mu.RUnlock()
	return json.Marshal(status)
}
