package main

import (
	"context"
	"path/filepath"

	"github.com/plugrig/plugrig/internal/bus"
	"github.com/plugrig/plugrig/internal/config"
	"github.com/plugrig/plugrig/internal/fault"
	"github.com/plugrig/plugrig/internal/logging"
	"github.com/plugrig/plugrig/internal/plugin"
	"github.com/plugrig/plugrig/internal/plugin/luabridge"
	"github.com/plugrig/plugrig/internal/state"
	"github.com/plugrig/plugrig/internal/workflow/orchestrator"
)

// runtime wires the framework components a command needs: the bus,
// the plugin manager over the standard loaders, the checkpoint store,
// and the orchestrator.
type runtime struct {
	cfg     *config.Config
	bus     *bus.Bus
	manager *plugin.Manager
	store   state.Store
	ckpts   *state.CheckpointManager
	orch    *orchestrator.Orchestrator
}

// newRuntime assembles the runtime from configuration. The caller
// must close it.
func newRuntime(flags *rootFlags, cfg *config.Config) (*runtime, error) {
	b := bus.New(
		bus.WithQueueSize(cfg.BusQueueSize()),
		bus.WithWorkerCount(cfg.BusWorkers()),
	)
	if err := b.Start(); err != nil {
		return nil, err
	}

	loaders := plugin.NewLoaderRegistry(
		luabridge.NewScriptLoader(),
		plugin.NewSharedObjectLoader(),
	)
	mgr := plugin.NewManager(loaders, plugin.WithBus(b))

	st, err := openStore(flags, cfg)
	if err != nil {
		_ = b.Stop(context.Background())
		return nil, err
	}
	ckpts := state.NewCheckpointManager(st,
		state.WithInterval(cfg.CheckpointInterval()),
		state.WithRetention(cfg.MaxCheckpoints()),
		state.WithBus(b),
	)
	orch := orchestrator.New(
		&orchestrator.ManagerInvoker{Manager: mgr},
		orchestrator.WithBus(b),
		orchestrator.WithStore(st),
		orchestrator.WithCheckpoints(ckpts),
	)

	return &runtime{cfg: cfg, bus: b, manager: mgr, store: st, ckpts: ckpts, orch: orch}, nil
}

// openStore picks the configured checkpoint backend.
func openStore(flags *rootFlags, cfg *config.Config) (state.Store, error) {
	dir := stateDir(flags, cfg)
	switch cfg.StateBackend() {
	case "bolt":
		return state.NewBoltStore(filepath.Join(dir, "plugrig.db"))
	case "file":
		return state.NewFileStore(dir)
	default:
		return nil, fault.New(fault.InvalidConfiguration, "unknown state backend %q", cfg.StateBackend())
	}
}

// close shuts the runtime down in reverse dependency order.
func (r *runtime) close(ctx context.Context) {
	log := logging.Component("cli")
	r.ckpts.Close()
	if err := r.manager.Close(ctx); err != nil {
		log.WithError(err).Warn("closing plugin manager")
	}
	if err := r.store.Close(); err != nil {
		log.WithError(err).Warn("closing checkpoint store")
	}
	if err := r.bus.Stop(ctx); err != nil {
		log.WithError(err).Warn("stopping bus")
	}
}

// loadArtifacts loads every named artifact plus everything on the
// configured search paths, then initializes the set in dependency
// order.
func (r *runtime) loadArtifacts(ctx context.Context, paths []string) error {
	opts := plugin.DefaultLoadOptions()
	if t := r.cfg.LoadTimeout(); t > 0 {
		opts.Timeout = t
	}

	for _, dir := range r.cfg.SearchPaths() {
		if _, err := r.manager.Discover(ctx, dir, false, opts); err != nil {
			return err
		}
	}
	for _, path := range paths {
		if _, err := r.manager.Load(ctx, path, opts); err != nil {
			return err
		}
	}
	return r.manager.InitializeAll(ctx)
}
