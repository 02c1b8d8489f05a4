package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopsmart/shopsync/internal/httpcache"
	"github.com/shopsmart/shopsync/internal/validation"
)

// CacheResponse describes the HTTP cache.
type CacheResponse struct {
	Version    string                     `json:"version"`
	State      string                     `json:"state"`
	Partitions []httpcache.PartitionStats `json:"partitions"`
}

// BackgroundSyncRequest is the body of POST /local/v1/background-sync.
type BackgroundSyncRequest struct {
	Tag    string            `json:"tag"`
	URL    string            `json:"url"`
	Method string            `json:"method"`
	Header map[string]string `json:"headers,omitempty"`
	Data   json.RawMessage   `json:"data,omitempty"`
}

// CacheStats handles GET /local/v1/cache
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats()
	if err != nil {
		MapError(w, r, err)
		return
	}
	if stats == nil {
		stats = []httpcache.PartitionStats{}
	}
	writeJSON(w, http.StatusOK, CacheResponse{
		Version:    h.cache.Version(),
		State:      h.cache.State().String(),
		Partitions: stats,
	})
}

// ClearCache handles DELETE /local/v1/cache
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.ClearAll(r.Context()); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterBackgroundSync handles POST /local/v1/background-sync. The task
// is deferred when background sync is available and sent at once otherwise.
func (h *Handler) RegisterBackgroundSync(w http.ResponseWriter, r *http.Request) {
	var req BackgroundSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validation.ValidateBackgroundTask(req.Tag, req.URL, req.Method); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	header := make(http.Header, len(req.Header))
	for k, v := range req.Header {
		header.Set(k, v)
	}
	task, err := h.cache.RegisterSync(r.Context(), httpcache.BackgroundTask{
		Tag:    req.Tag,
		URL:    req.URL,
		Method: strings.ToUpper(req.Method),
		Header: header,
		Data:   req.Data,
	})
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}
