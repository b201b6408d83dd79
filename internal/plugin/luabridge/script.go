package luabridge

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/plugrig/plugrig/internal/descriptor"
	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/plugin"
)

// pluginGlobal is the table a script must define to become a plugin.
const pluginGlobal = "plugin"

// ScriptPlugin adapts a loaded Lua script to the Plugin and Dynamic
// contracts. The script's global plugin table supplies the behavior:
//
//	plugin = {
//	    initialize = function() ... end,
//	    shutdown   = function() ... end,
//	    commands   = { greet = function(params) ... end },
//	    properties = { greeting = "hello" },
//	}
//
// All interpreter access goes through the executor, so the script
// runs single-threaded regardless of caller concurrency.
type ScriptPlugin struct {
	mu       sync.Mutex
	desc     *descriptor.Descriptor
	state    *State
	executor *Executor
	path     string
	opts     []StateOption
}

var (
	_ plugin.Plugin  = (*ScriptPlugin)(nil)
	_ plugin.Dynamic = (*ScriptPlugin)(nil)
)

// LoadScript parses a script's metadata, evaluates it in a fresh
// sandboxed interpreter, and wraps it as a plugin. Capabilities the
// header declares are granted to the sandbox.
func LoadScript(path string, opts ...StateOption) (*ScriptPlugin, error) {
	desc, err := ParseMetadata(path)
	if err != nil {
		return nil, err
	}

	state := NewState(opts...)
	state.Sandbox().Grant(desc.Capabilities)

	if err := state.DoFile(path); err != nil {
		state.Close()
		return nil, fault.Wrap(fault.LoadFailed, err, "evaluating script %s", path)
	}
	if _, ok := state.GetGlobal(pluginGlobal).(*lua.LTable); !ok {
		state.Close()
		return nil, fault.New(fault.InvalidFormat, "script %s does not define a %s table", path, pluginGlobal)
	}

	return &ScriptPlugin{
		desc:     desc,
		state:    state,
		executor: NewExecutor(state, 64),
		path:     path,
		opts:     opts,
	}, nil
}

// Descriptor implements Plugin.
func (p *ScriptPlugin) Descriptor() *descriptor.Descriptor {
	return p.desc
}

// Path returns the script file path.
func (p *ScriptPlugin) Path() string {
	return p.path
}

// Initialize implements Plugin, calling the script's initialize hook
// when present. After a shutdown the script is re-read from disk and
// evaluated in a fresh interpreter, which is what makes hot reload a
// plain restart.
func (p *ScriptPlugin) Initialize(ctx context.Context) error {
	if err := p.reopenIfClosed(); err != nil {
		return err
	}
	return p.callHook(ctx, "initialize")
}

// Shutdown implements Plugin: the shutdown hook runs, then the
// interpreter is released.
func (p *ScriptPlugin) Shutdown(ctx context.Context) error {
	err := p.callHook(ctx, "shutdown")
	p.mu.Lock()
	p.executor.Close()
	if closeErr := p.state.Close(); err == nil {
		err = closeErr
	}
	p.mu.Unlock()
	return err
}

// reopenIfClosed rebuilds the interpreter from the script source.
func (p *ScriptPlugin) reopenIfClosed() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.IsClosed() {
		return nil
	}

	desc, err := ParseMetadata(p.path)
	if err != nil {
		return err
	}
	state := NewState(p.opts...)
	state.Sandbox().Grant(desc.Capabilities)
	if err := state.DoFile(p.path); err != nil {
		state.Close()
		return fault.Wrap(fault.LoadFailed, err, "re-evaluating script %s", p.path)
	}
	if _, ok := state.GetGlobal(pluginGlobal).(*lua.LTable); !ok {
		state.Close()
		return fault.New(fault.InvalidFormat, "script %s does not define a %s table", p.path, pluginGlobal)
	}

	p.desc = desc
	p.state = state
	p.executor = NewExecutor(state, 64)
	return nil
}

func (p *ScriptPlugin) callHook(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, p.state.CallTimeout())
	defer cancel()

	return p.executor.Execute(ctx, func(L *lua.LState) error {
		table, ok := L.GetGlobal(pluginGlobal).(*lua.LTable)
		if !ok {
			return fault.New(fault.InvalidFormat, "script %s lost its %s table", p.desc.ID, pluginGlobal)
		}
		hook, ok := TableFunc(table, name)
		if !ok {
			return nil
		}
		L.Push(hook)
		return L.PCall(0, 0, nil)
	})
}

// ExecuteCommand implements Plugin. Parameters arrive as JSON, are
// handed to the script command as a table, and the command's return
// value travels back as JSON.
func (p *ScriptPlugin) ExecuteCommand(ctx context.Context, name string, params []byte) ([]byte, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fault.Wrap(fault.InvalidParameters, err, "plugin %s command %s", p.desc.ID, name)
		}
	}

	out, err := p.InvokeMethod(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fault.Wrap(fault.ExecutionFailed, err, "encoding result of %s.%s", p.desc.ID, name)
	}
	return encoded, nil
}

// AvailableCommands implements Plugin, listing the keys of the
// script's commands table.
func (p *ScriptPlugin) AvailableCommands() []string {
	names := p.ListMethods()
	return names
}

// InvokeMethod implements Dynamic, calling a function from the
// script's commands table.
func (p *ScriptPlugin) InvokeMethod(ctx context.Context, name string, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, p.state.CallTimeout())
	defer cancel()

	var result any
	err := p.executor.Execute(ctx, func(L *lua.LState) error {
		commands, err := p.commandsTable(L)
		if err != nil {
			return err
		}
		fn, ok := TableFunc(commands, name)
		if !ok {
			return fault.New(fault.CommandNotFound, "plugin %s has no command %s", p.desc.ID, name)
		}

		top := L.GetTop()
		L.Push(fn)
		L.Push(MapToTable(L, args))
		if err := L.PCall(1, lua.MultRet, nil); err != nil {
			return fault.Wrap(fault.ExecutionFailed, err, "plugin %s command %s", p.desc.ID, name)
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

// GetProperty implements Dynamic, reading from the script's
// properties table.
func (p *ScriptPlugin) GetProperty(name string) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.state.CallTimeout())
	defer cancel()

	var value any
	err := p.executor.Execute(ctx, func(L *lua.LState) error {
		props, err := p.propertiesTable(L, false)
		if err != nil {
			return err
		}
		raw := props.RawGetString(name)
		if raw == lua.LNil {
			return fault.New(fault.NotFound, "plugin %s has no property %s", p.desc.ID, name)
		}
		value = ToGoValue(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// SetProperty implements Dynamic.
func (p *ScriptPlugin) SetProperty(name string, value any) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.state.CallTimeout())
	defer cancel()

	return p.executor.Execute(ctx, func(L *lua.LState) error {
		props, err := p.propertiesTable(L, true)
		if err != nil {
			return err
		}
		props.RawSetString(name, ToLuaValue(L, value))
		return nil
	})
}

// ListMethods implements Dynamic.
func (p *ScriptPlugin) ListMethods() []string {
	ctx, cancel := context.WithTimeout(context.Background(), p.state.CallTimeout())
	defer cancel()

	var names []string
	_ = p.executor.Execute(ctx, func(L *lua.LState) error {
		commands, err := p.commandsTable(L)
		if err != nil {
			return err
		}
		commands.ForEach(func(k, v lua.LValue) {
			if _, ok := v.(*lua.LFunction); ok {
				names = append(names, k.String())
			}
		})
		return nil
	})
	sort.Strings(names)
	return names
}

// ListProperties implements Dynamic.
func (p *ScriptPlugin) ListProperties() []string {
	ctx, cancel := context.WithTimeout(context.Background(), p.state.CallTimeout())
	defer cancel()

	var names []string
	_ = p.executor.Execute(ctx, func(L *lua.LState) error {
		props, err := p.propertiesTable(L, false)
		if err != nil {
			return nil
		}
		props.ForEach(func(k, _ lua.LValue) {
			names = append(names, k.String())
		})
		return nil
	})
	sort.Strings(names)
	return names
}

func (p *ScriptPlugin) commandsTable(L *lua.LState) (*lua.LTable, error) {
	table, ok := L.GetGlobal(pluginGlobal).(*lua.LTable)
	if !ok {
		return nil, fault.New(fault.InvalidFormat, "script %s lost its %s table", p.desc.ID, pluginGlobal)
	}
	commands, ok := TableTable(table, "commands")
	if !ok {
		return nil, fault.New(fault.CommandNotFound, "plugin %s declares no commands", p.desc.ID)
	}
	return commands, nil
}

func (p *ScriptPlugin) propertiesTable(L *lua.LState, create bool) (*lua.LTable, error) {
	table, ok := L.GetGlobal(pluginGlobal).(*lua.LTable)
	if !ok {
		return nil, fault.New(fault.InvalidFormat, "script %s lost its %s table", p.desc.ID, pluginGlobal)
	}
	props, ok := TableTable(table, "properties")
	if !ok {
		if !create {
			return nil, fault.New(fault.NotFound, "plugin %s declares no properties", p.desc.ID)
		}
		props = L.NewTable()
		table.RawSetString("properties", props)
	}
	return props, nil
}

// ExecuteCode evaluates arbitrary Lua source inside the plugin's
// sandbox and returns the value of its last expression, if any. Used
// by the inspection tooling.
func (p *ScriptPlugin) ExecuteCode(ctx context.Context, code string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, p.state.CallTimeout())
	defer cancel()

	var result any
	err := p.executor.Execute(ctx, func(L *lua.LState) error {
		top := L.GetTop()
		if err := L.DoString(code); err != nil {
			return fault.Wrap(fault.ExecutionFailed, err, "plugin %s code", p.desc.ID)
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
