package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/shopsmart/shopsync/internal/appstate"
	"github.com/shopsmart/shopsync/internal/config"
	"github.com/shopsmart/shopsync/internal/httpcache"
	"github.com/shopsmart/shopsync/internal/messaging"
	"github.com/shopsmart/shopsync/internal/syncqueue"
)

func newTestAgent(t *testing.T) (*agent, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a, err := newAgent(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newAgent: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, env
}

func TestOriginPatterns(t *testing.T) {
	cfg := config.OriginConfig{
		BaseURL:        "https://shop.example.com",
		TrustedOrigins: []string{"https://cdn.example.com:8443", "not a url", ""},
	}

	got := originPatterns(cfg)
	want := []string{"shop.example.com", "cdn.example.com:8443"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("originPatterns() = %v, want %v", got, want)
	}
}

func TestQueueObserver_FeedsState(t *testing.T) {
	state := appstate.New("v4", nil)
	obs := queueObserver{state: state}

	obs.QueueChanged(3, 1)
	obs.DrainFinished(syncqueue.DrainResult{}, errors.New("shopping_list: status 500"))

	snap := state.Snapshot()
	if snap.PendingMutations != 3 || snap.DeadLetters != 1 {
		t.Errorf("pending/dead = %d/%d, want 3/1", snap.PendingMutations, snap.DeadLetters)
	}
	if snap.LastDrainAt == nil {
		t.Fatal("LastDrainAt not recorded")
	}
	if snap.LastDrainError != "shopping_list: status 500" {
		t.Errorf("LastDrainError = %q", snap.LastDrainError)
	}

	// A clean drain clears the error
	obs.DrainFinished(syncqueue.DrainResult{Synced: 3}, nil)
	if got := state.Snapshot().LastDrainError; got != "" {
		t.Errorf("LastDrainError = %q after clean drain", got)
	}
}

func TestAgent_ServesLocalAPI(t *testing.T) {
	a, _ := newTestAgent(t)

	rec := httptest.NewRecorder()
	a.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/local/v1/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dev") {
		t.Errorf("body = %q, want version", rec.Body.String())
	}
}

func TestAgent_OfflineMutationsReplayOnReconnect(t *testing.T) {
	a, env := newTestAgent(t)
	ctx := context.Background()
	h := a.handler()

	// Given the page reports it went offline
	a.handleMessage(ctx, messaging.Message{Type: messaging.TypeOffline})
	if a.monitor.IsOnline() {
		t.Fatal("monitor still online after OFFLINE message")
	}
	if a.state.Snapshot().Online {
		t.Fatal("state still online after OFFLINE message")
	}

	// And a mutation is queued while offline
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/local/v1/queue",
		strings.NewReader(`{"model":"shopping_list","operation":"create","data":{"name":"Groceries"}}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := env.submitted(); len(got) != 0 {
		t.Fatalf("submitted while offline: %v", got)
	}
	if n, _ := a.queue.Len(ctx); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	// When the page reports it is back online
	a.handleMessage(ctx, messaging.Message{Type: messaging.TypeOnline})
	a.monitor.Wait()

	// Then the queued mutation is replayed and removed
	got := env.submitted()
	if len(got) != 1 || got[0] != "/api/lists/sync/" {
		t.Errorf("submitted = %v, want one shopping_list batch", got)
	}
	if n, _ := a.queue.Len(ctx); n != 0 {
		t.Errorf("queue length = %d after reconnect, want 0", n)
	}
	snap := a.state.Snapshot()
	if !snap.Online || snap.IndicatorVisible {
		t.Errorf("online/indicator = %v/%v, want true/false", snap.Online, snap.IndicatorVisible)
	}
}

func TestAgent_ClearCacheMessage(t *testing.T) {
	a, _ := newTestAgent(t)
	err := a.cacheStorage.Put("shopsmart-api-v4", &httpcache.Entry{
		Key:    "GET /api/lists/",
		Method: http.MethodGet,
		URL:    "/api/lists/",
		Status: http.StatusOK,
		Body:   []byte(`[]`),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	a.handleMessage(context.Background(), messaging.Message{Type: messaging.TypeClearCache})

	stats, err := a.cache.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("partitions after CLEAR_CACHE = %v, want none", stats)
	}
}
