package luabridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/plugrig/plugrig/internal/fault"
)

// Host is the script-facing surface of the bridge: ad-hoc code
// evaluation plus a registry of script plugins addressable by id.
// The plugin Manager goes through ScriptLoader instead; Host serves
// embedding applications and the inspection CLI.
type Host struct {
	mu          sync.RWMutex
	plugins     map[string]*ScriptPlugin
	scratch     *State
	scratchExec *Executor
	callTimeout time.Duration
}

// NewHost creates a host with a fresh sandboxed scratch interpreter
// for ExecuteCode.
func NewHost(opts ...StateOption) *Host {
	scratch := NewState(opts...)
	return &Host{
		plugins:     make(map[string]*ScriptPlugin),
		scratch:     scratch,
		scratchExec: NewExecutor(scratch, 16),
		callTimeout: scratch.CallTimeout(),
	}
}

// ExecuteCode evaluates source in the scratch interpreter and returns
// the value of its last expression.
func (h *Host) ExecuteCode(ctx context.Context, source string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	var result any
	err := h.scratchExec.Execute(ctx, func(L *lua.LState) error {
		top := L.GetTop()
		if err := L.DoString(source); err != nil {
			return fault.Wrap(fault.ExecutionFailed, err, "evaluating code")
		}
		if n := L.GetTop() - top; n > 0 {
			result = ToGoValue(L.Get(top + 1))
			L.Pop(n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LoadPluginScript evaluates a script file and registers the plugin
// it defines under a freshly generated handle id. The handle id is
// distinct from the descriptor id so one script can be loaded twice.
func (h *Host) LoadPluginScript(path string) (string, error) {
	p, err := LoadScript(path)
	if err != nil {
		return "", err
	}

	handle := uuid.NewString()
	h.mu.Lock()
	h.plugins[handle] = p
	h.mu.Unlock()
	return handle, nil
}

// CallPluginFunction invokes a command on a script plugin loaded
// through LoadPluginScript.
func (h *Host) CallPluginFunction(ctx context.Context, handle, name string, args map[string]any) (any, error) {
	h.mu.RLock()
	p, ok := h.plugins[handle]
	h.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.NotFound, "no script plugin with handle %s", handle)
	}
	return p.InvokeMethod(ctx, name, args)
}

// Plugin returns the script plugin behind a handle.
func (h *Host) Plugin(handle string) (*ScriptPlugin, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.plugins[handle]
	return p, ok
}

// UnloadPluginScript shuts the plugin down and forgets the handle.
func (h *Host) UnloadPluginScript(ctx context.Context, handle string) error {
	h.mu.Lock()
	p, ok := h.plugins[handle]
	delete(h.plugins, handle)
	h.mu.Unlock()
	if !ok {
		return fault.New(fault.NotFound, "no script plugin with handle %s", handle)
	}
	return p.Shutdown(ctx)
}

// Close shuts down every loaded plugin and the scratch interpreter.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	plugins := h.plugins
	h.plugins = make(map[string]*ScriptPlugin)
	h.mu.Unlock()

	var firstErr error
	for _, p := range plugins {
		if err := p.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.scratchExec.Close()
	if err := h.scratch.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
