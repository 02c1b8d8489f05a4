package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopsmart/shopsync/internal/httpcache"
)

// SyncRunner replays deferred requests by tag.
type SyncRunner interface {
	Tags(ctx context.Context) ([]string, error)
	HandleSync(ctx context.Context, tag string) (httpcache.SyncReport, error)
}

// OnlineChecker reports the current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// BackgroundSyncWorker periodically fires a sync event for every tag with
// queued background tasks while the origin is reachable.
type BackgroundSyncWorker struct {
	runner   SyncRunner
	online   OnlineChecker
	interval time.Duration
}

// NewBackgroundSyncWorker creates the worker. A nil online checker means
// always online.
func NewBackgroundSyncWorker(runner SyncRunner, online OnlineChecker, interval time.Duration) *BackgroundSyncWorker {
	return &BackgroundSyncWorker{
		runner:   runner,
		online:   online,
		interval: interval,
	}
}

// Run starts the worker loop. A pass runs immediately on start, then on
// each interval.
func (w *BackgroundSyncWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "background-sync",
		"action", "worker_started",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.syncAll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "background-sync",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.syncAll(ctx)
		}
	}
}

func (w *BackgroundSyncWorker) syncAll(ctx context.Context) {
	if w.online != nil && !w.online.IsOnline() {
		slog.Debug("background sync skipped while offline",
			"component", "worker",
			"worker", "background-sync",
			"action", "sync_skipped",
		)
		return
	}

	tags, err := w.runner.Tags(ctx)
	if err != nil {
		slog.Error("failed to list background sync tags",
			"component", "worker",
			"worker", "background-sync",
			"action", "list_tags_failed",
			"error", err,
		)
		return
	}

	for _, tag := range tags {
		if ctx.Err() != nil {
			return
		}
		report, err := w.runner.HandleSync(ctx, tag)
		if err != nil && ctx.Err() == nil {
			slog.Warn("background sync incomplete",
				"component", "worker",
				"worker", "background-sync",
				"action", "sync_incomplete",
				"tag", tag,
				"remaining", report.Remaining,
				"error", err,
			)
		}
	}
}
