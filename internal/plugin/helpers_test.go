package plugin

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/plugrig/plugrig/internal/descriptor"
	"github.com/plugrig/plugrig/internal/fault"
)

// fakePlugin is a controllable Plugin for lifecycle tests.
type fakePlugin struct {
	desc *descriptor.Descriptor

	initErr     error
	shutdownErr error

	onInit     func()
	onShutdown func()

	initCalls     atomic.Int32
	shutdownCalls atomic.Int32

	commands map[string]func(params []byte) ([]byte, error)

	cancelled atomic.Bool
}

func newFakePlugin(id string, requires ...string) *fakePlugin {
	return &fakePlugin{
		desc: &descriptor.Descriptor{
			ID:       id,
			Name:     id,
			Version:  descriptor.Version{Major: 1},
			Requires: requires,
		},
		commands: make(map[string]func(params []byte) ([]byte, error)),
	}
}

func (f *fakePlugin) Descriptor() *descriptor.Descriptor { return f.desc }

func (f *fakePlugin) Initialize(context.Context) error {
	f.initCalls.Add(1)
	if f.onInit != nil {
		f.onInit()
	}
	return f.initErr
}

func (f *fakePlugin) Shutdown(context.Context) error {
	f.shutdownCalls.Add(1)
	if f.onShutdown != nil {
		f.onShutdown()
	}
	return f.shutdownErr
}

func (f *fakePlugin) ExecuteCommand(_ context.Context, name string, params []byte) ([]byte, error) {
	cmd, ok := f.commands[name]
	if !ok {
		return nil, fault.New(fault.CommandNotFound, "plugin %s: no command %s", f.desc.ID, name)
	}
	return cmd(params)
}

func (f *fakePlugin) AvailableCommands() []string {
	names := make([]string, 0, len(f.commands))
	for name := range f.commands {
		names = append(names, name)
	}
	return names
}

func (f *fakePlugin) SetCancelRequested(cancelled bool) {
	f.cancelled.Store(cancelled)
}

var errFakeFailure = errors.New("fake plugin failure")
