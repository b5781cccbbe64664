package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/nicktill/tinyhelm/pkg/config"
	"github.com/nicktill/tinyhelm/pkg/server"
)

const version = "0.1.0"

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "tinyhelm-server",
		Short:         "Shipboard instrumentation hub",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level, err := cfg.Level()
			if err != nil {
				return err
			}
			logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
				Level:      level,
				TimeFormat: time.TimeOnly,
			}))
			slog.SetDefault(logger)

			ln, err := net.Listen("tcp", ":"+cfg.Port)
			if err != nil {
				return fmt.Errorf("listen on port %s: %w", cfg.Port, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger, ln)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file (default ./"+config.DefaultConfigFile+" if present)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run serves the hub on ln until ctx is done, then shuts everything down.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	logger.Info("Starting tinyhelm server", "version", version)

	app, err := server.Build(cfg, logger, version)
	if err != nil {
		ln.Close()
		return err
	}
	defer func() {
		if err := app.Store.Close(); err != nil {
			logger.Warn("Storage close failed", "error", err)
		}
	}()

	if err := app.MountDevices(ctx); err != nil {
		ln.Close()
		return err
	}

	// Tasks stop on taskCtx; the scheduler is stopped separately so that
	// in-flight polls finish before the final checkpoint.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(taskCtx)
		}()
		logger.Debug("Background task started", "task", name)
	}

	if err := app.Scheduler.Start(context.Background()); err != nil {
		ln.Close()
		return err
	}

	spawn("stream", app.Hub.Run)
	spawn("broadcast", func(ctx context.Context) {
		server.BroadcastReadings(ctx, app.Panel, app.Hub, cfg.Intervals.Broadcast.Duration, logger)
	})
	spawn("checkpoints", func(ctx context.Context) {
		server.RunCheckpoints(ctx, app.Panel, app.Store, cfg.Intervals.Checkpoint.Duration, logger)
	})
	spawn("badger-gc", func(ctx context.Context) {
		server.RunBadgerGC(ctx, app.Store, cfg.Intervals.BadgerGC.Duration, logger)
	})

	router := app.Router()
	srv := &http.Server{
		// Websocket connections must not be cut by TimeoutHandler
		Handler:           bypassTimeout(router, http.TimeoutHandler(router, config.RequestTimeout, "request timed out")),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server ready", "addr", ln.Addr().String(), "devices", app.Panel.Len(), "period", app.Scheduler.Period())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-serveErr:
		logger.Error("Server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown warning", "error", err)
	}

	logger.Info("Stopping polling scheduler")
	app.Scheduler.Stop()

	logger.Info("Waiting for background tasks to complete")
	cancelTasks()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All background tasks stopped cleanly")
	case <-shutdownCtx.Done():
		logger.Warn("Some background tasks did not stop in time")
	}

	logger.Info("tinyhelm server exited")
	return runErr
}

// bypassTimeout sends websocket upgrades straight to direct and everything
// else through timed.
func bypassTimeout(direct, timed http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			direct.ServeHTTP(w, r)
			return
		}
		timed.ServeHTTP(w, r)
	})
}
