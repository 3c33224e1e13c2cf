// Package app assembles the workflow runtime from configuration: bus,
// registry, coordinator, stores, metrics and the default agent pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentflow/pkg/agents"
	"agentflow/pkg/bus"
	"agentflow/pkg/config"
	"agentflow/pkg/metrics"
	"agentflow/pkg/provider"
	"agentflow/pkg/registry"
	"agentflow/pkg/store"
	"agentflow/pkg/tracer"
	"agentflow/pkg/workflow"
)

// App owns every long-lived runtime component.
type App struct {
	Config      *config.Config
	Bus         *bus.Bus
	Registry    *registry.Registry
	Coordinator *workflow.Coordinator
	Store       *store.Memory
	Results     store.ResultLog
	Metrics     *metrics.Recorder
	// Provider backs the requirement analyzer; nil when none is configured.
	Provider provider.Client
	// Archive is set when store.path is configured.
	Archive *store.SQLite

	log             *slog.Logger
	shutdownTracing func(context.Context) error
}

// New builds the runtime. Call Start before submitting workflows and Close
// when done.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{Config: cfg, Metrics: metrics.NewRecorder(), log: log.With("component", "app")}

	shutdown, err := tracer.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	client, err := provider.New(cfg)
	switch {
	case errors.Is(err, provider.ErrNotConfigured):
		a.log.Info("No analyzer provider configured; requirements stay rule-based")
	case err != nil:
		a.closeQuietly()
		return nil, fmt.Errorf("initialize provider: %w", err)
	default:
		a.Provider = client
	}

	storeOpts := []store.Option{store.WithHistory(cfg.Store.HistoryLimit), store.WithLogger(log)}
	a.Results = store.NewMemoryResults()
	if cfg.Store.Path != "" {
		archive, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			a.closeQuietly()
			return nil, err
		}
		a.Archive = archive
		a.Results = archive
		storeOpts = append(storeOpts, store.WithArchive(archive))
		a.log.Info("Workflow archive opened", "path", cfg.Store.Path)
	}
	a.Store = store.NewMemory(storeOpts...)

	var registryOpts []registry.Option
	registryOpts = append(registryOpts, registry.WithLogger(log))
	if cfg.Agents.DefaultsFile != "" {
		defaults, err := registry.LoadDefaults(cfg.Agents.DefaultsFile)
		if err != nil {
			a.closeQuietly()
			return nil, err
		}
		registryOpts = append(registryOpts, registry.WithDefaults(defaults))
	}

	a.Bus = bus.New(bus.WithLogger(log), bus.WithQueueSize(cfg.Runtime.QueueSize))
	a.Registry = registry.New(a.Bus, registryOpts...)

	if err := agents.Register(a.Registry, agents.Deps{
		Provider: a.Provider,
		Analyzer: cfg.Agents.Analyzer,
		Results:  a.Results,
		Logger:   log,
	}); err != nil {
		a.closeQuietly()
		return nil, err
	}

	coordinatorOpts := []workflow.Option{
		workflow.WithLogger(log),
		workflow.WithRecorder(a.Metrics),
		workflow.WithWorkflowTimeout(cfg.Runtime.WorkflowTimeout()),
		workflow.WithCancelGrace(cfg.Runtime.CancelGrace()),
		workflow.WithDrainTimeout(cfg.Runtime.DrainTimeout()),
		workflow.WithStreamCaps(cfg.Runtime.StreamSoftCap, cfg.Runtime.StreamHardCap),
	}
	if len(cfg.Routes) > 0 {
		routes := workflow.DefaultRoutes()
		for kind, topic := range cfg.Routes {
			routes[kind] = bus.Topic(topic)
		}
		coordinatorOpts = append(coordinatorOpts, workflow.WithRoutes(routes))
	}
	if cfg.Runtime.AdmissionRate > 0 {
		coordinatorOpts = append(coordinatorOpts, workflow.WithAdmissionLimit(cfg.Runtime.AdmissionRate, cfg.Runtime.AdmissionBurst))
	}

	coord, err := workflow.NewCoordinator(a.Bus, a.Registry, a.Store, coordinatorOpts...)
	if err != nil {
		a.closeQuietly()
		return nil, err
	}
	a.Coordinator = coord

	return a, nil
}

// Start launches the bus loop.
func (a *App) Start(ctx context.Context) {
	a.Bus.Start(ctx)
	a.log.Debug("Runtime started", "agents", len(a.Registry.List()))
}

// Prune drops finished workflows and stored results older than the
// configured retention.
func (a *App) Prune(ctx context.Context) error {
	retention := a.Config.Store.Retention()
	workflows := a.Store.Prune(retention)

	var results int64
	if a.Archive != nil {
		n, err := a.Archive.PruneResults(ctx, retention)
		if err != nil {
			return err
		}
		results = n
	}

	a.log.Debug("Prune finished", "workflows", workflows, "results", results, "retention", retention)
	return nil
}

// Close stops the coordinator, agents and bus and flushes traces.
func (a *App) Close(ctx context.Context) error {
	if a.Coordinator != nil {
		a.Coordinator.Close()
	}
	if a.Registry != nil {
		a.Registry.Close()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}

	var errs []error
	if a.Archive != nil {
		if err := a.Archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	if a.shutdownTracing != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeQuietly() {
	if err := a.Close(context.Background()); err != nil {
		a.log.Warn("Cleanup after failed start", "error", err)
	}
}
