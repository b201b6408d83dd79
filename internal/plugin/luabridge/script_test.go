package luabridge

import (
	"context"
	"encoding/json"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/plugrig/plugrig/internal/fault"
)

const counterScript = `-- @plugin_name counter
-- @plugin_version 1.0.0

local count = 0
initialized = false

plugin = {
    initialize = function()
        initialized = true
    end,
    shutdown = function()
        count = 0
    end,
    commands = {
        add = function(params)
            count = count + (params.n or 1)
            return count
        end,
        get = function()
            return count
        end,
        greet = function(params)
            return { message = "hello " .. (params.name or "world") }
        end,
        boom = function()
            error("deliberate failure")
        end,
    },
    properties = {
        label = "counter plugin",
    },
}
`

func loadCounter(t *testing.T) *ScriptPlugin {
	t.Helper()
	path := writeScript(t, "counter.lua", counterScript)
	p, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestLoadScript(t *testing.T) {
	p := loadCounter(t)

	if p.Descriptor().ID != "counter" {
		t.Errorf("plugin id = %s", p.Descriptor().ID)
	}
	commands := p.AvailableCommands()
	want := map[string]bool{"add": true, "get": true, "greet": true, "boom": true}
	if len(commands) != len(want) {
		t.Fatalf("AvailableCommands() = %v", commands)
	}
	for _, name := range commands {
		if !want[name] {
			t.Errorf("unexpected command %s", name)
		}
	}
}

func TestLoadScriptWithoutPluginTable(t *testing.T) {
	path := writeScript(t, "empty.lua", `local x = 1`)
	if _, err := LoadScript(path); !fault.IsKind(err, fault.InvalidFormat) {
		t.Errorf("LoadScript() kind = %v, want InvalidFormat", err)
	}
}

func TestLoadScriptSyntaxError(t *testing.T) {
	path := writeScript(t, "broken.lua", `plugin = {`)
	if _, err := LoadScript(path); !fault.IsKind(err, fault.LoadFailed) {
		t.Errorf("LoadScript() kind = %v, want LoadFailed", err)
	}
}

func TestScriptPluginLifecycle(t *testing.T) {
	ctx := context.Background()
	p := loadCounter(t)

	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	out, err := p.ExecuteCode(ctx, "return initialized")
	if err != nil {
		t.Fatalf("ExecuteCode() error = %v", err)
	}
	if out != true {
		t.Errorf("initialize hook did not run: initialized = %v", out)
	}

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// Initialize after shutdown re-reads the script from disk.
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() after Shutdown error = %v", err)
	}
	result, err := p.InvokeMethod(ctx, "get", nil)
	if err != nil {
		t.Fatalf("InvokeMethod(get) error = %v", err)
	}
	if result != int64(0) {
		t.Errorf("counter after reload = %v, want 0", result)
	}
}

func TestScriptPluginExecuteCommand(t *testing.T) {
	ctx := context.Background()
	p := loadCounter(t)

	raw, err := p.ExecuteCommand(ctx, "greet", []byte(`{"name":"plugrig"}`))
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if out["message"] != "hello plugrig" {
		t.Errorf("message = %q", out["message"])
	}

	if _, err := p.ExecuteCommand(ctx, "missing", nil); !fault.IsKind(err, fault.CommandNotFound) {
		t.Errorf("unknown command kind = %v, want CommandNotFound", err)
	}
	if _, err := p.ExecuteCommand(ctx, "boom", nil); !fault.IsKind(err, fault.ExecutionFailed) {
		t.Errorf("failing command kind = %v, want ExecutionFailed", err)
	}
	if _, err := p.ExecuteCommand(ctx, "greet", []byte(`not json`)); !fault.IsKind(err, fault.InvalidParameters) {
		t.Errorf("bad params kind = %v, want InvalidParameters", err)
	}
}

func TestScriptPluginInvokeMethod(t *testing.T) {
	ctx := context.Background()
	p := loadCounter(t)

	for i, want := range []int64{2, 4} {
		out, err := p.InvokeMethod(ctx, "add", map[string]any{"n": 2})
		if err != nil {
			t.Fatalf("InvokeMethod() #%d error = %v", i, err)
		}
		if out != want {
			t.Errorf("InvokeMethod() #%d = %v, want %d", i, out, want)
		}
	}
}

func TestScriptPluginProperties(t *testing.T) {
	p := loadCounter(t)

	value, err := p.GetProperty("label")
	if err != nil {
		t.Fatalf("GetProperty() error = %v", err)
	}
	if value != "counter plugin" {
		t.Errorf("label = %v", value)
	}

	if _, err := p.GetProperty("ghost"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("GetProperty(unknown) kind = %v, want NotFound", err)
	}

	if err := p.SetProperty("mode", "fast"); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}
	value, err = p.GetProperty("mode")
	if err != nil {
		t.Fatalf("GetProperty(mode) error = %v", err)
	}
	if value != "fast" {
		t.Errorf("mode = %v", value)
	}

	props := p.ListProperties()
	if len(props) != 2 || props[0] != "label" || props[1] != "mode" {
		t.Errorf("ListProperties() = %v", props)
	}
}

func TestSandboxBlocksDangerousGlobals(t *testing.T) {
	ctx := context.Background()
	p := loadCounter(t)

	for _, code := range []string{
		`return dofile("/etc/passwd")`,
		`return loadfile("/etc/passwd")`,
		`return load("return 1")()`,
		`return require("io")`,
		`return require("os")`,
		`return require("debug")`,
	} {
		if _, err := p.ExecuteCode(ctx, code); err == nil {
			t.Errorf("sandbox allowed %q", code)
		}
	}

	// Safe stdlib modules stay available.
	out, err := p.ExecuteCode(ctx, `return string.upper("ok")`)
	if err != nil {
		t.Fatalf("safe module error = %v", err)
	}
	if out != "OK" {
		t.Errorf("string.upper = %v", out)
	}
}

func TestSandboxCapabilityGatedModules(t *testing.T) {
	ctx := context.Background()
	path := writeScript(t, "storage.lua", `-- @plugin_name storage-user
-- @plugin_capabilities Storage
plugin = { commands = {} }
`)
	p, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	target := writeScript(t, "data.txt", "payload")
	out, err := p.ExecuteCode(ctx, `return io.read_file("`+target+`")`)
	if err != nil {
		t.Fatalf("io.read_file error = %v", err)
	}
	if out != "payload" {
		t.Errorf("io.read_file = %v", out)
	}
}

func TestExecutorSerializesCalls(t *testing.T) {
	ctx := context.Background()
	p := loadCounter(t)

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := p.InvokeMethod(ctx, "add", map[string]any{"n": 1})
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent InvokeMethod error = %v", err)
		}
	}

	out, err := p.InvokeMethod(ctx, "get", nil)
	if err != nil {
		t.Fatalf("InvokeMethod(get) error = %v", err)
	}
	if out != int64(20) {
		t.Errorf("counter = %v, want 20 (lost updates under concurrency)", out)
	}
}

func TestExecutorClose(t *testing.T) {
	state := NewState()
	exec := NewExecutor(state, 4)
	exec.Close()
	defer state.Close()

	if !exec.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
	err := exec.Execute(context.Background(), func(L *lua.LState) error { return nil })
	if err != ErrExecutorClosed {
		t.Errorf("Execute() after Close = %v, want ErrExecutorClosed", err)
	}
}
