package main

import (
	"testing"

	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/state"
)

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"load failure", fault.New(fault.LoadFailed, "bad artifact"), exitLoadFailure},
		{"missing file", fault.New(fault.FileNotFound, "gone"), exitLoadFailure},
		{"init failure", fault.New(fault.InitializationFailed, "boom"), exitInitFailure},
		{"dependency cycle", fault.New(fault.CircularDependency, "loop"), exitInitFailure},
		{"bad config", fault.New(fault.InvalidConfiguration, "nope"), exitInvalidConfig},
		{"timeout", fault.New(fault.Timeout, "deadline"), exitTimeout},
		{"plugin error", fault.New(fault.ExecutionFailed, "cmd failed").WithDetail("plugin_error_code", 3), exitPluginBase + 3},
		{"plain plugin error", fault.New(fault.ExecutionFailed, "cmd failed"), exitPluginBase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := parseStrategy("latest"); err != nil || s != state.RestoreFromLatest {
		t.Errorf("parseStrategy(latest) = %v, %v", s, err)
	}
	if s, err := parseStrategy("restart"); err != nil || s != state.RestartFromBeginning {
		t.Errorf("parseStrategy(restart) = %v, %v", s, err)
	}
	if _, err := parseStrategy("optimistic"); !fault.IsKind(err, fault.InvalidParameters) {
		t.Errorf("parseStrategy(unknown) = %v, want InvalidParameters", err)
	}
}
