package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/shopsmart/shopsync/internal/httpcache"
	"github.com/shopsmart/shopsync/internal/store"
	offlinesync "github.com/shopsmart/shopsync/internal/sync"
	"github.com/shopsmart/shopsync/internal/syncqueue"
	"github.com/shopsmart/shopsync/internal/validation"
)

// testEnv points the CLI at a temporary database, cache and backup
// directory, with a stub origin.
type testEnv struct {
	dbPath    string
	cachePath string
	backupDir string
	origin    *httptest.Server

	mu      gosync.Mutex
	batches []string
	reject  bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dbPath:    filepath.Join(dir, "shopsync.db"),
		cachePath: filepath.Join(dir, "httpcache.db"),
		backupDir: filepath.Join(dir, "backups"),
	}

	env.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "tok-1", Path: "/"})
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, "asset "+r.URL.Path)
			return
		}
		env.mu.Lock()
		env.batches = append(env.batches, r.URL.Path)
		reject := env.reject
		env.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if reject {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"success":false,"error":"invalid list"}`)
			return
		}
		io.WriteString(w, `{"success":true}`)
	}))
	t.Cleanup(env.origin.Close)

	t.Setenv("SHOPSYNC_CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	t.Setenv("SHOPSYNC_ORIGIN", env.origin.URL)
	t.Setenv("SHOPSYNC_DB_PATH", env.dbPath)
	t.Setenv("SHOPSYNC_CACHE_PATH", env.cachePath)
	t.Setenv("SHOPSYNC_BACKUP_DIR", env.backupDir)
	t.Setenv("SHOPSYNC_BACKUP_BUCKET", "")
	t.Setenv("SHOPSYNC_LOG_FORMAT", "text")
	return env
}

func (e *testEnv) submitted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.batches...)
}

// seedQueue queues mutations directly through the store.
func (e *testEnv) seedQueue(t *testing.T, models ...string) []offlinesync.SyncLogEntry {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, e.dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	q, err := syncqueue.New(ctx, st, nil, syncqueue.Options{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	var entries []offlinesync.SyncLogEntry
	for i, model := range models {
		entry, err := q.Enqueue(ctx, model, offlinesync.OperationCreate,
			json.RawMessage(strconv.Itoa(i+1)), json.RawMessage(`{"name":"Groceries"}`))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// executeCmd runs the root command with captured output.
func executeCmd(t *testing.T, args ...string) (stdout, logs string, err error) {
	t.Helper()

	// Cobra parses into package-level variables, so stale values from
	// previous tests would leak if not reset.
	jsonOutput = false
	deadLetterReason = "moved aside manually"
	color.NoColor = true

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	logBuf := new(bytes.Buffer)

	oldStderr := stderr
	stderr = logBuf
	defer func() { stderr = oldStderr }()

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), logBuf.String(), err
}

func decodeJSON(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return out
}

// --- Version ---

func TestVersion(t *testing.T) {
	stdout, _, err := executeCmd(t, "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stdout != "shopsync dev\n" {
		t.Errorf("stdout = %q, want %q", stdout, "shopsync dev\n")
	}
}

func TestVersion_JSON(t *testing.T) {
	stdout, _, err := executeCmd(t, "version", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := decodeJSON(t, stdout)["version"]; got != "dev" {
		t.Errorf("version = %v, want dev", got)
	}
}

// --- Queue ---

func TestQueueList_Empty(t *testing.T) {
	newTestEnv(t)

	stdout, _, err := executeCmd(t, "queue", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Queue is empty.") {
		t.Errorf("stdout = %q, want empty-queue message", stdout)
	}
}

func TestQueueList_ShowsEntries(t *testing.T) {
	env := newTestEnv(t)
	entries := env.seedQueue(t, offlinesync.ModelShoppingList, offlinesync.ModelShoppingListItem)

	stdout, _, err := executeCmd(t, "queue", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, e := range entries {
		if !strings.Contains(stdout, strconv.FormatInt(e.Timestamp, 10)) {
			t.Errorf("stdout missing timestamp %d:\n%s", e.Timestamp, stdout)
		}
	}
	if !strings.Contains(stdout, "shopping_list_item") {
		t.Errorf("stdout missing model name:\n%s", stdout)
	}
	if !strings.Contains(stdout, "2 pending") {
		t.Errorf("stdout missing pending count:\n%s", stdout)
	}
}

func TestQueueList_JSON(t *testing.T) {
	env := newTestEnv(t)
	env.seedQueue(t, offlinesync.ModelShoppingList)

	stdout, _, err := executeCmd(t, "queue", "list", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := decodeJSON(t, stdout)
	if out["pending"] != float64(1) {
		t.Errorf("pending = %v, want 1", out["pending"])
	}
	entries, ok := out["entries"].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("entries = %v, want one entry", out["entries"])
	}
	if model := entries[0].(map[string]any)["model_name"]; model != "shopping_list" {
		t.Errorf("model_name = %v, want shopping_list", model)
	}
}

func TestQueueDrain_SubmitsEachModel(t *testing.T) {
	env := newTestEnv(t)
	env.seedQueue(t, offlinesync.ModelShoppingList, offlinesync.ModelShoppingListItem, offlinesync.ModelShoppingList)

	stdout, _, err := executeCmd(t, "queue", "drain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Synced 3, remaining 0") {
		t.Errorf("stdout = %q, want sync summary", stdout)
	}

	// One batch per model
	got := env.submitted()
	if len(got) != 2 {
		t.Fatalf("batches = %v, want 2", got)
	}

	stdout, _, err = executeCmd(t, "queue", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Queue is empty.") {
		t.Errorf("queue not empty after drain:\n%s", stdout)
	}
}

func TestQueueDrain_RejectedBatchStaysQueued(t *testing.T) {
	env := newTestEnv(t)
	env.reject = true
	env.seedQueue(t, offlinesync.ModelShoppingList)

	stdout, _, err := executeCmd(t, "queue", "drain", "--json")
	if err == nil {
		t.Fatal("expected drain error")
	}
	out := decodeJSON(t, stdout)
	if out["synced"] != float64(0) || out["remaining"] != float64(1) {
		t.Errorf("synced/remaining = %v/%v, want 0/1", out["synced"], out["remaining"])
	}
	if _, ok := out["error"]; !ok {
		t.Error("expected error field in JSON output")
	}
}

func TestQueueDrain_Empty(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := executeCmd(t, "queue", "drain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Queue is empty.") {
		t.Errorf("stdout = %q", stdout)
	}
	if got := env.submitted(); len(got) != 0 {
		t.Errorf("batches = %v, want none", got)
	}
}

func TestQueueDeadLetter_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	entries := env.seedQueue(t, offlinesync.ModelShoppingList)
	ts := strconv.FormatInt(entries[0].Timestamp, 10)

	// Given a queued entry moved aside
	stdout, _, err := executeCmd(t, "queue", "dead-letter", ts, "--reason", "list was deleted")
	if err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	if !strings.Contains(stdout, "Dead-lettered "+ts+" (list was deleted)") {
		t.Errorf("stdout = %q", stdout)
	}

	// Then it is listed with its reason and no longer pending
	stdout, _, err = executeCmd(t, "queue", "dead-letters")
	if err != nil {
		t.Fatalf("dead-letters: %v", err)
	}
	if !strings.Contains(stdout, ts) || !strings.Contains(stdout, "list was deleted") {
		t.Errorf("dead-letters output missing entry:\n%s", stdout)
	}
	stdout, _, _ = executeCmd(t, "queue", "list")
	if !strings.Contains(stdout, "Queue is empty.") {
		t.Errorf("entry still pending:\n%s", stdout)
	}

	// When it is requeued
	stdout, _, err = executeCmd(t, "queue", "requeue", ts)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !strings.Contains(stdout, "Requeued shopping_list create as ") {
		t.Errorf("stdout = %q", stdout)
	}

	// Then it is pending again and the dead-letter list is empty
	stdout, _, _ = executeCmd(t, "queue", "list")
	if !strings.Contains(stdout, "1 pending") {
		t.Errorf("entry not pending after requeue:\n%s", stdout)
	}
	stdout, _, _ = executeCmd(t, "queue", "dead-letters")
	if !strings.Contains(stdout, "No dead-lettered mutations.") {
		t.Errorf("dead-letters not empty:\n%s", stdout)
	}
}

func TestQueueDeadLetter_DefaultReason(t *testing.T) {
	env := newTestEnv(t)
	entries := env.seedQueue(t, offlinesync.ModelShoppingList)
	ts := strconv.FormatInt(entries[0].Timestamp, 10)

	stdout, _, err := executeCmd(t, "queue", "dead-letter", ts, "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := decodeJSON(t, stdout)["reason"]; got != "moved aside manually" {
		t.Errorf("reason = %v, want default", got)
	}
}

func TestQueueDeadLetter_UnknownTimestamp(t *testing.T) {
	newTestEnv(t)

	_, _, err := executeCmd(t, "queue", "dead-letter", "12345")
	if err == nil {
		t.Fatal("expected error for unknown timestamp")
	}
}

func TestQueueDeadLetter_InvalidTimestamp(t *testing.T) {
	newTestEnv(t)

	_, _, err := executeCmd(t, "queue", "dead-letter", "yesterday")
	if err == nil || !strings.Contains(err.Error(), "invalid timestamp") {
		t.Errorf("err = %v, want invalid timestamp", err)
	}
}

func TestQueueDeadLetter_ReasonTooLong(t *testing.T) {
	newTestEnv(t)

	reason := strings.Repeat("x", validation.MaxReasonLength+1)
	_, _, err := executeCmd(t, "queue", "dead-letter", "1", "--reason", reason)
	if err == nil || !strings.Contains(err.Error(), "reason") {
		t.Errorf("err = %v, want reason validation error", err)
	}
}

func TestQueueRequeue_UnknownTimestamp(t *testing.T) {
	newTestEnv(t)

	_, _, err := executeCmd(t, "queue", "requeue", "12345")
	if err == nil {
		t.Fatal("expected error for unknown timestamp")
	}
}

func TestQueueCommands_LogToStderr(t *testing.T) {
	env := newTestEnv(t)
	env.seedQueue(t, offlinesync.ModelShoppingList)

	stdout, logs, err := executeCmd(t, "queue", "drain", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(logs, "batch synced") {
		t.Errorf("logs = %q, want batch synced", logs)
	}
	if strings.Contains(stdout, "batch synced") {
		t.Error("log lines leaked into stdout")
	}
}

// --- Cache ---

func seedCache(t *testing.T, path string, partition string, n int) {
	t.Helper()
	storage, err := httpcache.OpenStorage(path)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer storage.Close()
	for i := 0; i < n; i++ {
		e := &httpcache.Entry{
			Key:      "GET /static/" + strconv.Itoa(i),
			Method:   http.MethodGet,
			URL:      "/static/" + strconv.Itoa(i),
			Status:   http.StatusOK,
			Body:     []byte("body"),
			StoredAt: time.Now(),
		}
		if err := storage.Put(partition, e); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
}

func TestCacheStats_Empty(t *testing.T) {
	newTestEnv(t)

	stdout, _, err := executeCmd(t, "cache", "stats")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Version: v4") {
		t.Errorf("stdout missing version:\n%s", stdout)
	}
	if !strings.Contains(stdout, "No cache partitions.") {
		t.Errorf("stdout missing empty message:\n%s", stdout)
	}
}

func TestCacheStats_MarksStalePartitions(t *testing.T) {
	env := newTestEnv(t)
	seedCache(t, env.cachePath, "shopsmart-static-v4", 2)
	seedCache(t, env.cachePath, "shopsmart-static-v3", 1)

	stdout, _, err := executeCmd(t, "cache", "stats")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, line := range strings.Split(stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "shopsmart-static-v4"):
			if !strings.Contains(line, "current") {
				t.Errorf("v4 line = %q, want current", line)
			}
		case strings.HasPrefix(line, "shopsmart-static-v3"):
			if !strings.Contains(line, "stale") {
				t.Errorf("v3 line = %q, want stale", line)
			}
		}
	}
	if !strings.Contains(stdout, "total") {
		t.Errorf("stdout missing total row:\n%s", stdout)
	}
}

func TestCacheStats_JSON(t *testing.T) {
	env := newTestEnv(t)
	seedCache(t, env.cachePath, "shopsmart-api-v4", 3)

	stdout, _, err := executeCmd(t, "cache", "stats", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := decodeJSON(t, stdout)
	partitions, ok := out["partitions"].([]any)
	if !ok || len(partitions) != 1 {
		t.Fatalf("partitions = %v, want one", out["partitions"])
	}
	p := partitions[0].(map[string]any)
	if p["name"] != "shopsmart-api-v4" || p["entries"] != float64(3) {
		t.Errorf("partition = %v", p)
	}
}

func TestCacheClear(t *testing.T) {
	env := newTestEnv(t)
	seedCache(t, env.cachePath, "shopsmart-static-v4", 2)
	seedCache(t, env.cachePath, "shopsmart-images-v4", 1)

	stdout, _, err := executeCmd(t, "cache", "clear")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Cache cleared.") {
		t.Errorf("stdout = %q", stdout)
	}

	stdout, _, _ = executeCmd(t, "cache", "stats")
	if !strings.Contains(stdout, "No cache partitions.") {
		t.Errorf("partitions remain after clear:\n%s", stdout)
	}
}

func TestCacheActivate_PrecachesAndDropsOldVersions(t *testing.T) {
	env := newTestEnv(t)
	seedCache(t, env.cachePath, "shopsmart-dynamic-v3", 2)

	stdout, _, err := executeCmd(t, "cache", "activate", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := decodeJSON(t, stdout)
	if out["state"] != "activated" {
		t.Errorf("state = %v, want activated", out["state"])
	}
	if precached, _ := out["precached"].(float64); precached == 0 {
		t.Error("expected precached static entries")
	}

	stdout, _, _ = executeCmd(t, "cache", "stats")
	if strings.Contains(stdout, "shopsmart-dynamic-v3") {
		t.Errorf("old partition survived activation:\n%s", stdout)
	}
	if !strings.Contains(stdout, "shopsmart-static-v4") {
		t.Errorf("static partition missing:\n%s", stdout)
	}
}

// --- Backup ---

func TestBackup_WritesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.seedQueue(t, offlinesync.ModelShoppingList)

	stdout, _, err := executeCmd(t, "backup", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := decodeJSON(t, stdout)
	path, _ := out["path"].(string)
	if filepath.Dir(path) != env.backupDir {
		t.Errorf("path = %q, want it under %q", path, env.backupDir)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("backup file: %v", err)
	}
	if out["bytes"] != float64(info.Size()) {
		t.Errorf("bytes = %v, want %d", out["bytes"], info.Size())
	}
	if out["location"] != "" {
		t.Errorf("location = %v, want empty without a bucket", out["location"])
	}
}

func TestBackup_HumanOutput(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := executeCmd(t, "backup")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Backup written to "+env.backupDir) {
		t.Errorf("stdout = %q", stdout)
	}
	if strings.Contains(stdout, "Uploaded to") {
		t.Errorf("stdout mentions upload without a bucket: %q", stdout)
	}
}

// --- Config ---

func TestInvalidConfig_Fails(t *testing.T) {
	newTestEnv(t)
	t.Setenv("SHOPSYNC_ORIGIN", "not-a-url")

	_, _, err := executeCmd(t, "queue", "list")
	if err == nil || !strings.Contains(err.Error(), "origin.base_url") {
		t.Errorf("err = %v, want origin validation error", err)
	}
}
