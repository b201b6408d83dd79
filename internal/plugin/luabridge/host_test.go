package luabridge

import (
	"context"
	"testing"

	"github.com/plugrig/plugrig/internal/fault"
)

func TestHostExecuteCode(t *testing.T) {
	h := NewHost()
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	out, err := h.ExecuteCode(context.Background(), `return 2 + 3`)
	if err != nil {
		t.Fatalf("ExecuteCode() error = %v", err)
	}
	if out != int64(5) {
		t.Errorf("ExecuteCode() = %v, want 5", out)
	}

	if _, err := h.ExecuteCode(context.Background(), `this is not lua`); !fault.IsKind(err, fault.ExecutionFailed) {
		t.Errorf("bad code kind = %v, want ExecutionFailed", err)
	}
}

func TestHostLoadAndCall(t *testing.T) {
	ctx := context.Background()
	h := NewHost()
	t.Cleanup(func() { _ = h.Close(ctx) })

	path := writeScript(t, "counter.lua", counterScript)
	handle, err := h.LoadPluginScript(path)
	if err != nil {
		t.Fatalf("LoadPluginScript() error = %v", err)
	}

	// The same script can be loaded twice under distinct handles.
	second, err := h.LoadPluginScript(path)
	if err != nil {
		t.Fatalf("second LoadPluginScript() error = %v", err)
	}
	if handle == second {
		t.Error("handles for two loads are equal")
	}

	out, err := h.CallPluginFunction(ctx, handle, "add", map[string]any{"n": 5})
	if err != nil {
		t.Fatalf("CallPluginFunction() error = %v", err)
	}
	if out != int64(5) {
		t.Errorf("CallPluginFunction() = %v, want 5", out)
	}

	// The second instance keeps its own interpreter state.
	out, err = h.CallPluginFunction(ctx, second, "get", nil)
	if err != nil {
		t.Fatalf("CallPluginFunction(second) error = %v", err)
	}
	if out != int64(0) {
		t.Errorf("second instance counter = %v, want 0", out)
	}

	if _, err := h.CallPluginFunction(ctx, "ghost", "get", nil); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("unknown handle kind = %v, want NotFound", err)
	}

	if err := h.UnloadPluginScript(ctx, handle); err != nil {
		t.Fatalf("UnloadPluginScript() error = %v", err)
	}
	if _, err := h.CallPluginFunction(ctx, handle, "get", nil); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("call after unload kind = %v, want NotFound", err)
	}
}
