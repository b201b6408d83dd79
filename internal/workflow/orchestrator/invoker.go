package orchestrator

import (
	"context"

	"github.com/plugrig/plugrig/internal/plugin"
)

// Invoker resolves the plugin method calls workflow steps make. The
// plugin manager satisfies it through ManagerInvoker; tests supply
// fakes.
type Invoker interface {
	InvokeMethod(ctx context.Context, pluginID, method string, args map[string]any) (any, error)
}

// ManagerInvoker adapts a plugin manager to the Invoker contract.
type ManagerInvoker struct {
	Manager *plugin.Manager
}

// InvokeMethod resolves the plugin instance and dispatches the call.
func (mi ManagerInvoker) InvokeMethod(ctx context.Context, pluginID, method string, args map[string]any) (any, error) {
	inst, err := mi.Manager.Get(pluginID)
	if err != nil {
		return nil, err
	}
	return inst.InvokeMethod(ctx, method, args)
}
