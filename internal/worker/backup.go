package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopsmart/shopsync/internal/snapshot"
)

// DefaultBackupsKept is how many local backups survive pruning.
const DefaultBackupsKept = 3

const backupPrefix = "shopsync-"

// Snapshotter writes a consistent copy of the offline database.
type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

// BackupWorker periodically snapshots the offline database into a local
// directory and uploads each snapshot when remote storage is configured.
type BackupWorker struct {
	store    Snapshotter
	uploader snapshot.Uploader
	dir      string
	keep     int
	interval time.Duration
	now      func() time.Time
}

// NewBackupWorker creates the worker. The uploader is optional; if nil,
// backups stay local.
func NewBackupWorker(store Snapshotter, uploader snapshot.Uploader, dir string, interval time.Duration) *BackupWorker {
	return &BackupWorker{
		store:    store,
		uploader: uploader,
		dir:      dir,
		keep:     DefaultBackupsKept,
		interval: interval,
		now:      time.Now,
	}
}

// Run starts the worker loop. A backup is taken immediately on start,
// then on each interval.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup",
		"action", "worker_started",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.backupAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.backupAndLog(ctx)
		}
	}
}

func (w *BackupWorker) backupAndLog(ctx context.Context) {
	if _, err := w.Backup(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("backup failed",
			"component", "worker",
			"worker", "backup",
			"action", "backup_failed",
			"error", err,
		)
	}
}

// Backup takes one snapshot and returns its local path. Upload failures
// are logged but not returned; the local copy remains valid.
func (w *BackupWorker) Backup(ctx context.Context) (string, error) {
	name := backupPrefix + w.now().UTC().Format("20060102T150405.000Z") + ".db"
	dest := filepath.Join(w.dir, name)

	if err := w.store.Snapshot(ctx, dest); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}
	slog.Info("backup written",
		"component", "worker",
		"worker", "backup",
		"action", "backup_written",
		"path", dest,
	)

	if w.uploader != nil {
		key, err := w.uploader.Upload(ctx, name, dest)
		if err != nil {
			slog.Warn("backup upload failed",
				"component", "worker",
				"worker", "backup",
				"action", "backup_upload_failed",
				"path", dest,
				"error", err,
			)
		} else if key != "" {
			slog.Info("backup uploaded",
				"component", "worker",
				"worker", "backup",
				"action", "backup_uploaded",
				"key", key,
			)
		}
	}

	if err := w.prune(); err != nil {
		slog.Warn("backup pruning failed",
			"component", "worker",
			"worker", "backup",
			"action", "prune_failed",
			"error", err,
		)
	}
	return dest, nil
}

// prune removes all but the newest local backups. Backup names sort
// chronologically.
func (w *BackupWorker) prune() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= w.keep {
		return nil
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-w.keep] {
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil {
			return err
		}
	}
	return nil
}
