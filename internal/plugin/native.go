package plugin

import (
	"context"
	"os"
	"sync"

	"github.com/plugrig/plugrig/internal/descriptor"
	"github.com/plugrig/plugrig/internal/fault"
)

// Factory constructs a plugin instance for a native artifact.
type Factory func() (Plugin, error)

// FactoryLoader serves plugins from in-process registered factories.
// Embedding applications register a factory per artifact path; the
// loader then satisfies the native contract without dlopen. The
// adjacent JSON descriptor convention still applies: when the
// registered plugin carries no descriptor, the loader reads
// <artifact-stem>.json next to the artifact.
type FactoryLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
	loaded    map[string]string // plugin id -> path
}

// NewFactoryLoader creates an empty factory loader.
func NewFactoryLoader() *FactoryLoader {
	return &FactoryLoader{
		factories: make(map[string]Factory),
		loaded:    make(map[string]string),
	}
}

// RegisterFactory binds a factory to an artifact path.
func (f *FactoryLoader) RegisterFactory(path string, factory Factory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.factories[path] = factory
}

// Name implements Loader.
func (f *FactoryLoader) Name() string { return "factory" }

// SupportedExtensions implements Loader.
func (f *FactoryLoader) SupportedExtensions() []string {
	return []string{".so", ".dll", ".dylib"}
}

// CanLoad implements Loader: true only for registered paths.
func (f *FactoryLoader) CanLoad(path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.factories[path]
	return ok
}

// Load implements Loader.
func (f *FactoryLoader) Load(ctx context.Context, path string) (Plugin, error) {
	f.mu.RLock()
	factory, ok := f.factories[path]
	f.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.NotFound, "no factory registered for %s", path)
	}

	p, err := factory()
	if err != nil {
		return nil, fault.Wrap(fault.LoadFailed, err, "factory for %s", path)
	}

	desc := p.Descriptor()
	if desc == nil {
		return nil, fault.New(fault.InvalidFormat, "factory plugin at %s has no descriptor", path)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.loaded[desc.ID] = path
	f.mu.Unlock()
	return p, nil
}

// Unload implements Loader. Unloading an id that is not held returns
// NotFound; repeated unloads are therefore tolerated by callers that
// treat NotFound as already-gone.
func (f *FactoryLoader) Unload(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.loaded[id]; !ok {
		return fault.New(fault.NotFound, "plugin %s not loaded by factory loader", id)
	}
	delete(f.loaded, id)
	return nil
}

// SharedObjectLoader is the native shared-library loader slot.
// This build has no portable dlopen path, so Load reports
// NotSupported; the loader still resolves the adjacent descriptor so
// discovery and inspection work.
type SharedObjectLoader struct{}

// NewSharedObjectLoader creates the stub loader.
func NewSharedObjectLoader() *SharedObjectLoader {
	return &SharedObjectLoader{}
}

// Name implements Loader.
func (s *SharedObjectLoader) Name() string { return "shared-object" }

// SupportedExtensions implements Loader.
func (s *SharedObjectLoader) SupportedExtensions() []string {
	return []string{".so", ".dll", ".dylib"}
}

// CanLoad implements Loader: the artifact must exist on disk.
func (s *SharedObjectLoader) CanLoad(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Describe reads the artifact's adjacent JSON descriptor.
func (s *SharedObjectLoader) Describe(path string) (*descriptor.Descriptor, error) {
	return descriptor.Load(descriptor.AdjacentPath(path))
}

// Load implements Loader.
func (s *SharedObjectLoader) Load(ctx context.Context, path string) (Plugin, error) {
	return nil, fault.New(fault.NotSupported, "shared object loading is not supported in this build: %s", path)
}

// Unload implements Loader.
func (s *SharedObjectLoader) Unload(ctx context.Context, id string) error {
	return fault.New(fault.NotFound, "plugin %s not loaded by shared object loader", id)
}
