package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopsmart/shopsync/internal/store"
)

type mockUploader struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (m *mockUploader) Upload(ctx context.Context, name, filePath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	if m.err != nil {
		return "", m.err
	}
	return "device/snapshots/" + name, nil
}

func (m *mockUploader) Location() (string, error) { return "s3://test", nil }

type failingSnapshotter struct{}

func (failingSnapshotter) Snapshot(ctx context.Context, dest string) error {
	return errors.New("disk full")
}

func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func openBackupStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "shopsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBackupWorker_WritesAndUploads(t *testing.T) {
	ctx := context.Background()
	st := openBackupStore(t)
	if err := st.Save(ctx, store.PartitionLists, []byte(`{"id":1,"name":"Weekly"}`)); err != nil {
		t.Fatal(err)
	}
	up := &mockUploader{}
	dir := t.TempDir()
	w := NewBackupWorker(st, up, dir, time.Hour)
	w.now = steppingClock(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	path, err := w.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	// Then: the snapshot is a usable store holding the saved list
	restored, err := store.Open(ctx, path)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer restored.Close()
	if _, err := restored.Get(ctx, store.PartitionLists, "1"); err != nil {
		t.Errorf("backup missing list: %v", err)
	}

	if len(up.names) != 1 || up.names[0] != filepath.Base(path) {
		t.Errorf("uploaded %v, want [%s]", up.names, filepath.Base(path))
	}
}

func TestBackupWorker_UploadFailureKeepsLocalCopy(t *testing.T) {
	st := openBackupStore(t)
	up := &mockUploader{err: errors.New("bucket missing")}
	w := NewBackupWorker(st, up, t.TempDir(), time.Hour)

	path, err := w.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup() error = %v, upload failures are not fatal", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("local backup missing: %v", err)
	}
}

func TestBackupWorker_PrunesOldBackups(t *testing.T) {
	st := openBackupStore(t)
	dir := t.TempDir()
	w := NewBackupWorker(st, nil, dir, time.Hour)
	w.now = steppingClock(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	var last string
	for i := 0; i < DefaultBackupsKept+2; i++ {
		p, err := w.Backup(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		last = p
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != DefaultBackupsKept {
		t.Errorf("backups kept = %d, want %d", len(entries), DefaultBackupsKept)
	}
	if _, err := os.Stat(last); err != nil {
		t.Errorf("newest backup was pruned: %v", err)
	}
}

func TestBackupWorker_SnapshotError(t *testing.T) {
	w := NewBackupWorker(failingSnapshotter{}, nil, t.TempDir(), time.Hour)
	if _, err := w.Backup(context.Background()); err == nil {
		t.Error("Backup() expected error")
	}
}
