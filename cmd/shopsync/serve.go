package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopsmart/shopsync/internal/connectivity"
	"github.com/shopsmart/shopsync/internal/snapshot"
	"github.com/shopsmart/shopsync/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache and sync agent",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration and initialize logger
	cfg, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	slog.Info("configuration loaded",
		"component", "main",
		"origin", cfg.Origin.BaseURL,
		"cache_version", cfg.Cache.Version,
		"level", cfg.Log.Level,
	)

	// 3. Open stores and wire components
	a, err := newAgent(ctx, cfg)
	if err != nil {
		return err
	}

	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		a.Close()
		return err
	}

	// 4. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 5. Workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "cache-install", func(ctx context.Context) {
		if err := a.cache.Install(ctx); err != nil {
			slog.Error("cache install failed", "component", "main", "error", err)
		}
	})
	startWorker(ctx, &wg, "background-sync", worker.NewBackgroundSyncWorker(
		a.bgsync, a.monitor, time.Duration(cfg.Worker.BackgroundSyncInterval)).Run)
	startWorker(ctx, &wg, "list-refresh", worker.NewListRefreshWorker(
		a.cache, a.monitor, time.Duration(cfg.Worker.ListRefreshInterval)).Run)

	if cfg.Worker.BackupInterval > 0 {
		startWorker(ctx, &wg, "backup", worker.NewBackupWorker(
			a.store, uploader, cfg.Backup.Dir, time.Duration(cfg.Worker.BackupInterval)).Run)
	}

	if cfg.Connectivity.ProbeURL != "" {
		probe := connectivity.NewProbeSource(nil, cfg.Connectivity.ProbeURL,
			time.Duration(cfg.Connectivity.ProbeInterval))
		startWorker(ctx, &wg, "connectivity-probe", probe.Run)
		startWorker(ctx, &wg, "connectivity", func(ctx context.Context) {
			a.monitor.Run(ctx, probe)
		})
	}

	// Replay whatever was queued before the last shutdown.
	a.queue.RequestDrain(ctx)

	// 6. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "component", "main", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "component", "main", "error", err)
			cancel()
		}
	}()

	// 7. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated", "component", "main")

	// 8. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 8a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "component", "main", "error", err)
	}

	// 8b. Wait for workers to complete
	wg.Wait()

	// 8c. Wait for drains and cache refreshes, then close stores
	if err := a.Close(); err != nil {
		slog.Error("store close error", "component", "main", "error", err)
	}

	slog.Info("shutdown complete", "component", "main")
	return nil
}

// startWorker runs fn on its own goroutine until ctx ends. Shutdown waits
// on wg before the stores are closed.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "component", "main", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "component", "main", "worker", name)
	}()
}
