// plugrig is the framework's command line: load and inspect plugin
// artifacts, run workflow definitions, and recover interrupted
// executions from their checkpoints.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/plugrig/plugrig/internal/fault"
)

// Exit codes reported to the shell.
const (
	exitOK            = 0
	exitLoadFailure   = 1
	exitInitFailure   = 2
	exitInvalidConfig = 3
	exitTimeout       = 4

	// exitPluginBase offsets plugin-reported error codes.
	exitPluginBase = 64
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "plugrig:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit code contract.
func exitCode(err error) int {
	switch fault.KindOf(err) {
	case fault.LoadFailed, fault.FileNotFound, fault.InvalidFormat, fault.NotSupported:
		return exitLoadFailure
	case fault.InitializationFailed, fault.DependencyMissing, fault.CircularDependency:
		return exitInitFailure
	case fault.InvalidConfiguration, fault.ConfigurationError, fault.InvalidParameters:
		return exitInvalidConfig
	case fault.Timeout:
		return exitTimeout
	case fault.ExecutionFailed, fault.CommandNotFound:
		var ferr *fault.Error
		code := 0
		if errors.As(err, &ferr) {
			if c, ok := ferr.Details["plugin_error_code"].(int); ok {
				code = c
			}
		}
		return exitPluginBase + code
	default:
		return exitPluginBase
	}
}
