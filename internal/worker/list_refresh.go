package worker

import (
	"context"
	"log/slog"
	"time"
)

// ListRefresher re-fetches cached shopping-list responses.
type ListRefresher interface {
	RefreshLists(ctx context.Context) (int, error)
}

// ListRefreshWorker keeps cached list responses current while online.
type ListRefreshWorker struct {
	refresher ListRefresher
	online    OnlineChecker
	interval  time.Duration
}

// NewListRefreshWorker creates the worker. A nil online checker means
// always online.
func NewListRefreshWorker(refresher ListRefresher, online OnlineChecker, interval time.Duration) *ListRefreshWorker {
	return &ListRefreshWorker{
		refresher: refresher,
		online:    online,
		interval:  interval,
	}
}

// Run starts the worker loop. Lists are refreshed immediately on start,
// then on each interval.
func (w *ListRefreshWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "list-refresh",
		"action", "worker_started",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "list-refresh",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

func (w *ListRefreshWorker) refresh(ctx context.Context) {
	if w.online != nil && !w.online.IsOnline() {
		return
	}
	if _, err := w.refresher.RefreshLists(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("list refresh failed",
			"component", "worker",
			"worker", "list-refresh",
			"action", "refresh_failed",
			"error", err,
		)
	}
}
