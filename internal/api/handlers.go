package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shopsmart/shopsync/internal/appstate"
	"github.com/shopsmart/shopsync/internal/httpcache"
	"github.com/shopsmart/shopsync/internal/offline"
	offlinesync "github.com/shopsmart/shopsync/internal/sync"
	"github.com/shopsmart/shopsync/internal/syncqueue"
	"github.com/shopsmart/shopsync/internal/validation"
)

// maxBodyBytes bounds local API request bodies.
const maxBodyBytes = 1 << 20

// Queue is the sync queue surface used by the local API.
type Queue interface {
	Enqueue(ctx context.Context, model string, op offlinesync.Operation, recordID, payload json.RawMessage) (offlinesync.SyncLogEntry, error)
	Entries(ctx context.Context) ([]offlinesync.SyncLogEntry, error)
	Drain(ctx context.Context) (syncqueue.DrainResult, error)
	DeadLetter(ctx context.Context, ts int64, reason string) error
	DeadLetters(ctx context.Context) ([]offlinesync.DeadLetterEntry, error)
	Requeue(ctx context.Context, ts int64) (offlinesync.SyncLogEntry, error)
}

// OfflineData reads and writes cached entities.
type OfflineData interface {
	CachedShoppingList(ctx context.Context, listID int64) (*offline.CachedList, error)
	CreateOfflineList(ctx context.Context, data json.RawMessage) (json.RawMessage, error)
	UpdateList(ctx context.Context, listID int64, changes json.RawMessage) (json.RawMessage, error)
	AddOfflineListItem(ctx context.Context, listID int64, data json.RawMessage) (json.RawMessage, error)
	SaveUserPreferences(ctx context.Context, prefs json.RawMessage) error
	UserPreferences(ctx context.Context) (json.RawMessage, error)
}

// Cache is the HTTP cache manager. Its ServeHTTP answers every request
// outside the local API.
type Cache interface {
	http.Handler
	Version() string
	State() httpcache.LifecycleState
	Stats() ([]httpcache.PartitionStats, error)
	ClearAll(ctx context.Context) error
	RegisterSync(ctx context.Context, task httpcache.BackgroundTask) (httpcache.BackgroundTask, error)
}

// Connectivity accepts connectivity signals.
type Connectivity interface {
	Report(ctx context.Context, online bool) bool
	IsOnline() bool
}

// StateReader exposes the application state snapshot.
type StateReader interface {
	Snapshot() appstate.State
}

// Options carries the components served by the local API.
type Options struct {
	Queue        Queue
	Offline      OfflineData
	Cache        Cache
	Connectivity Connectivity
	State        StateReader
	// Events serves the websocket message channel.
	Events  http.Handler
	APIKey  string
	Version string
}

// Handler implements the local API handlers
type Handler struct {
	queue        Queue
	offline      OfflineData
	cache        Cache
	connectivity Connectivity
	state        StateReader
	events       http.Handler
	apiKey       string
	version      string
}

// NewHandler creates a new Handler.
func NewHandler(opts Options) *Handler {
	return &Handler{
		queue:        opts.Queue,
		offline:      opts.Offline,
		cache:        opts.Cache,
		connectivity: opts.Connectivity,
		state:        opts.State,
		events:       opts.Events,
		apiKey:       opts.APIKey,
		version:      opts.Version,
	}
}

// HealthResponse is returned by GET /local/v1/health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Online       bool   `json:"online"`
	CacheVersion string `json:"cache_version"`
	WorkerState  string `json:"worker_state"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		Online:       h.connectivity.IsOnline(),
		CacheVersion: h.cache.Version(),
		WorkerState:  h.cache.State().String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// State handles GET /local/v1/state
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// ConnectivityRequest is the body of POST /local/v1/connectivity.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// ConnectivityResponse reports the state after a connectivity signal.
type ConnectivityResponse struct {
	Online  bool `json:"online"`
	Changed bool `json:"changed"`
}

// ReportConnectivity handles POST /local/v1/connectivity
func (h *Handler) ReportConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validation.ValidateOnlineFlag(req.Online); err != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*err})
		return
	}

	changed := h.connectivity.Report(r.Context(), *req.Online)
	writeJSON(w, http.StatusOK, ConnectivityResponse{
		Online:  h.connectivity.IsOnline(),
		Changed: changed,
	})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// decodeJSON decodes the request body into v, writing a 400 problem on
// failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

// int64Param parses a numeric path parameter, writing a 400 problem on
// failure.
func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid %s: %q", name, raw))
		return 0, false
	}
	return n, true
}
