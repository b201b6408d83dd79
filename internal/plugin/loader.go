package plugin

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/plugrig/plugrig/internal/fault"
)

// Loader resolves a file path to a live plugin. Implementations exist
// for script bridges and for native factory registration; the shared
// object loader is a stub that reports NotSupported.
type Loader interface {
	// Name identifies the loader in logs and instance records.
	Name() string

	// SupportedExtensions lists the file extensions (with dot) the
	// loader handles.
	SupportedExtensions() []string

	// CanLoad reports whether the loader can handle the given path.
	// Called only for paths whose extension matched.
	CanLoad(path string) bool

	// Load maps the artifact and returns the plugin.
	Load(ctx context.Context, path string) (Plugin, error)

	// Unload releases resources held for a previously loaded plugin.
	// Unloading an unknown id returns NotFound.
	Unload(ctx context.Context, id string) error
}

// LoaderRegistry holds an ordered list of loaders. Resolution picks
// the first loader whose extension matches and whose CanLoad accepts.
type LoaderRegistry struct {
	mu      sync.RWMutex
	loaders []Loader
}

// NewLoaderRegistry creates an empty registry.
func NewLoaderRegistry(loaders ...Loader) *LoaderRegistry {
	return &LoaderRegistry{loaders: loaders}
}

// Register appends a loader. Order is resolution priority.
func (r *LoaderRegistry) Register(l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders = append(r.loaders, l)
}

// Resolve picks the loader for a path, or fails with InvalidFormat.
func (r *LoaderRegistry) Resolve(path string) (Loader, error) {
	ext := strings.ToLower(filepath.Ext(path))

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, l := range r.loaders {
		if !extensionMatch(l, ext) {
			continue
		}
		if l.CanLoad(path) {
			return l, nil
		}
	}
	return nil, fault.New(fault.InvalidFormat, "no loader for %s", path)
}

// Loaders returns a copy of the registered loaders in order.
func (r *LoaderRegistry) Loaders() []Loader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Loader, len(r.loaders))
	copy(out, r.loaders)
	return out
}

// Extensions returns the union of supported extensions, sorted and
// de-duplicated.
func (r *LoaderRegistry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, l := range r.loaders {
		for _, ext := range l.SupportedExtensions() {
			seen[strings.ToLower(ext)] = true
		}
	}
	exts := make([]string, 0, len(seen))
	for ext := range seen {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Discover walks a directory for files matching any registered
// extension. The directory must exist.
func (r *LoaderRegistry) Discover(dir string, recursive bool) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrap(fault.FileNotFound, err, "plugin directory %s", dir)
		}
		return nil, fault.Wrap(fault.FileSystemError, err, "plugin directory %s", dir)
	}
	if !info.IsDir() {
		return nil, fault.New(fault.InvalidParameters, "%s is not a directory", dir)
	}

	wanted := make(map[string]bool)
	for _, ext := range r.Extensions() {
		wanted[ext] = true
	}

	var paths []string
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if wanted[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if walkErr != nil {
		return nil, fault.Wrap(fault.FileSystemError, walkErr, "walking %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

func extensionMatch(l Loader, ext string) bool {
	for _, e := range l.SupportedExtensions() {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// CompositeLoader wraps several loaders behind the Loader interface.
// CanLoad is the disjunction; Load forwards to the first match;
// Unload tries each loader in turn and returns the first success.
type CompositeLoader struct {
	name    string
	loaders []Loader
}

// NewCompositeLoader wraps the given loaders.
func NewCompositeLoader(name string, loaders ...Loader) *CompositeLoader {
	return &CompositeLoader{name: name, loaders: loaders}
}

// Name implements Loader.
func (c *CompositeLoader) Name() string { return c.name }

// SupportedExtensions implements Loader as the union of members.
func (c *CompositeLoader) SupportedExtensions() []string {
	seen := make(map[string]bool)
	var exts []string
	for _, l := range c.loaders {
		for _, ext := range l.SupportedExtensions() {
			low := strings.ToLower(ext)
			if !seen[low] {
				seen[low] = true
				exts = append(exts, low)
			}
		}
	}
	return exts
}

// CanLoad implements Loader.
func (c *CompositeLoader) CanLoad(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, l := range c.loaders {
		if extensionMatch(l, ext) && l.CanLoad(path) {
			return true
		}
	}
	return false
}

// Load implements Loader, forwarding to the first matching member.
func (c *CompositeLoader) Load(ctx context.Context, path string) (Plugin, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, l := range c.loaders {
		if extensionMatch(l, ext) && l.CanLoad(path) {
			return l.Load(ctx, path)
		}
	}
	return nil, fault.New(fault.InvalidFormat, "no member loader for %s", path)
}

// Unload implements Loader. Members that do not know the id return
// NotFound; the first success wins.
func (c *CompositeLoader) Unload(ctx context.Context, id string) error {
	var lastErr error
	for _, l := range c.loaders {
		err := l.Unload(ctx, id)
		if err == nil {
			return nil
		}
		if !fault.IsKind(err, fault.NotFound) {
			return err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fault.New(fault.NotFound, "plugin %s not held by any member loader", id)
	}
	return lastErr
}
