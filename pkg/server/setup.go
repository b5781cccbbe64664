// Package server wires configuration, storage, the polling scheduler and the
// panel into a running hub.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyhelm/pkg/api"
	"github.com/nicktill/tinyhelm/pkg/average"
	"github.com/nicktill/tinyhelm/pkg/config"
	"github.com/nicktill/tinyhelm/pkg/device"
	"github.com/nicktill/tinyhelm/pkg/device/simulated"
	"github.com/nicktill/tinyhelm/pkg/panel"
	"github.com/nicktill/tinyhelm/pkg/scheduler"
	"github.com/nicktill/tinyhelm/pkg/server/monitor"
	"github.com/nicktill/tinyhelm/pkg/storage"
	"github.com/nicktill/tinyhelm/pkg/storage/badger"
	"github.com/nicktill/tinyhelm/pkg/storage/memory"
	"github.com/nicktill/tinyhelm/pkg/stream"
)

// App holds the wired components of a hub.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Storage
	Scheduler *scheduler.Scheduler
	Panel     *panel.Panel
	Monitor   *monitor.PollMonitor
	Hub       *stream.Hub
	Handler   *api.Handler
	Registry  api.Registry
}

// InitializeStorage opens the checkpoint backend named by cfg.Storage.
func InitializeStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Info("Using in-memory checkpoint storage")
		return memory.New(), nil

	case config.StorageBadger:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		logger.Info("Initializing BadgerDB storage with Snappy compression", "path", cfg.DataDir)
		store, err := badger.New(badger.Config{
			Path:        cfg.DataDir,
			MaxMemoryMB: cfg.MaxMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("BadgerDB storage initialized successfully")
		return store, nil
	}
	return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalidConfig, cfg.Storage)
}

// AverageFactory builds the default averaging strategy for every quantity.
func AverageFactory(cfg *config.Config) (average.Factory, error) {
	opts := []average.Option{average.WithMaxSamples(cfg.Average.MaxSamples)}

	switch cfg.Average.Strategy {
	case config.StrategyWindow:
		return average.WindowFactory(cfg.Average.Retention.Duration, opts...), nil
	case config.StrategyAdaptive:
		return average.AdaptiveFactory(opts...), nil
	}
	return nil, fmt.Errorf("%w: unknown average strategy %q", config.ErrInvalidConfig, cfg.Average.Strategy)
}

// Build wires every component from cfg. The caller owns the returned
// App.Store and must Close it.
func Build(cfg *config.Config, logger *slog.Logger, version string) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	freq, err := cfg.Frequency()
	if err != nil {
		return nil, err
	}
	factory, err := AverageFactory(cfg)
	if err != nil {
		return nil, err
	}

	mon := &monitor.PollMonitor{}
	sched, err := scheduler.New(freq,
		scheduler.WithLogger(logger.With("component", "scheduler")),
		scheduler.WithReporter(mon),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("Polling scheduler ready", "frequency", freq.String(), "period", sched.Period())

	store, err := InitializeStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	p := panel.New(sched,
		panel.WithLogger(logger.With("component", "panel")),
		panel.WithStateOptions(device.WithDefaultAverage(factory)),
	)
	hub := stream.NewHub(logger.With("component", "stream"))
	registry := simulated.Registry{}

	handler := api.NewHandler(api.Options{
		Panel:    p,
		Registry: registry,
		Store:    store,
		Monitor:  mon,
		Logger:   logger.With("component", "api"),
		Version:  version,
	})

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Scheduler: sched,
		Panel:     p,
		Monitor:   mon,
		Hub:       hub,
		Handler:   handler,
		Registry:  registry,
	}, nil
}

// MountDevices mounts every device listed in the configuration.
func (a *App) MountDevices(ctx context.Context) error {
	for i, dc := range a.Config.Devices {
		info, err := api.Mount(ctx, a.Panel, a.Registry, dc.Kind, dc.Commands, a.Logger)
		if err != nil {
			return fmt.Errorf("mount device %d (%s): %w", i, dc.Kind, err)
		}
		a.Logger.Info("Device mounted", "handle", info.Handle, "kind", info.Kind, "quantities", info.Quantities)
	}
	return nil
}

// Router returns a router serving the API, the websocket stream and /metrics.
func (a *App) Router() *mux.Router {
	router := mux.NewRouter()
	api.SetupRoutes(router, a.Handler, api.RouteOptions{
		Port:   a.Config.Port,
		Stream: a.Hub,
		Logger: a.Logger.With("component", "http"),
	})
	return router
}
