package luabridge

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/plugin"
)

// ScriptLoader loads .lua files as plugins.
type ScriptLoader struct {
	mu          sync.Mutex
	loaded      map[string]*ScriptPlugin
	callTimeout time.Duration
}

var _ plugin.Loader = (*ScriptLoader)(nil)

// LoaderOption configures a ScriptLoader.
type LoaderOption func(*ScriptLoader)

// WithScriptCallTimeout sets the per-call budget for loaded scripts.
func WithScriptCallTimeout(d time.Duration) LoaderOption {
	return func(l *ScriptLoader) {
		if d > 0 {
			l.callTimeout = d
		}
	}
}

// NewScriptLoader creates the loader.
func NewScriptLoader(opts ...LoaderOption) *ScriptLoader {
	l := &ScriptLoader{
		loaded:      make(map[string]*ScriptPlugin),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name implements Loader.
func (l *ScriptLoader) Name() string { return "lua" }

// SupportedExtensions implements Loader.
func (l *ScriptLoader) SupportedExtensions() []string {
	return []string{".lua"}
}

// CanLoad implements Loader: the script must exist on disk.
func (l *ScriptLoader) CanLoad(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load implements Loader.
func (l *ScriptLoader) Load(ctx context.Context, path string) (plugin.Plugin, error) {
	p, err := LoadScript(path, WithCallTimeout(l.callTimeout))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.loaded[p.Descriptor().ID] = p
	l.mu.Unlock()
	return p, nil
}

// Unload implements Loader.
func (l *ScriptLoader) Unload(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loaded[id]; !ok {
		return fault.New(fault.NotFound, "plugin %s not loaded by lua loader", id)
	}
	delete(l.loaded, id)
	return nil
}
