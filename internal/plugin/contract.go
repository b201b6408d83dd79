package plugin

import (
	"context"

	"github.com/plugrig/plugrig/internal/descriptor"
)

// Plugin is the contract every loaded unit of code exposes, whether
// it arrived as a native artifact or through a script bridge.
type Plugin interface {
	// Descriptor returns the plugin's metadata.
	Descriptor() *descriptor.Descriptor

	// Initialize prepares the plugin for use.
	Initialize(ctx context.Context) error

	// Shutdown releases the plugin's resources.
	Shutdown(ctx context.Context) error

	// ExecuteCommand runs a named command with JSON parameters and
	// returns a JSON result.
	ExecuteCommand(ctx context.Context, name string, params []byte) ([]byte, error)

	// AvailableCommands lists the commands the plugin exposes.
	AvailableCommands() []string
}

// Dynamic is the name-based dispatch facet. Script bridges and
// composites implement it; the core never reflects on native plugins
// directly.
type Dynamic interface {
	InvokeMethod(ctx context.Context, name string, args map[string]any) (any, error)
	GetProperty(name string) (any, error)
	SetProperty(name string, value any) error
	ListMethods() []string
	ListProperties() []string
}

// Pausable is implemented by plugins that distinguish pause from
// shutdown. The instance falls back to no-ops when absent.
type Pausable interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// CancelAware is implemented by plugins that honor advisory
// cancellation. The manager sets the flag; the plugin polls it.
type CancelAware interface {
	SetCancelRequested(cancelled bool)
}

// Reserved command names handled by the framework before delegation.
const (
	CmdStatus       = "status"
	CmdMetrics      = "metrics"
	CmdConfigure    = "configure"
	CmdValidateConf = "validate_configuration"
	CmdPause        = "pause"
	CmdResume       = "resume"
	CmdRestart      = "restart"
)

// IsReservedCommand reports whether the framework owns the command name.
func IsReservedCommand(name string) bool {
	switch name {
	case CmdStatus, CmdMetrics, CmdConfigure, CmdValidateConf, CmdPause, CmdResume, CmdRestart:
		return true
	}
	return false
}
