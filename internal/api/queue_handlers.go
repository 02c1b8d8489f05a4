package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopsmart/shopsync/internal/store"
	offlinesync "github.com/shopsmart/shopsync/internal/sync"
	"github.com/shopsmart/shopsync/internal/syncqueue"
	"github.com/shopsmart/shopsync/internal/validation"
)

// EnqueueRequest is the body of POST /local/v1/queue.
type EnqueueRequest struct {
	Model     string          `json:"model"`
	Operation string          `json:"operation"`
	RecordID  json.RawMessage `json:"record_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// QueueResponse lists pending mutations.
type QueueResponse struct {
	Pending int                        `json:"pending"`
	Entries []offlinesync.SyncLogEntry `json:"entries"`
}

// DrainResponse reports a drain. Error is set when any group failed; the
// failed groups stay queued.
type DrainResponse struct {
	syncqueue.DrainResult
	Error string `json:"error,omitempty"`
}

// DeadLetterRequest is the optional body of a dead-letter request.
type DeadLetterRequest struct {
	Reason string `json:"reason"`
}

// ListQueue handles GET /local/v1/queue
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queue.Entries(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueueResponse{Pending: len(entries), Entries: entries})
}

// Enqueue handles POST /local/v1/queue
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	errs := validation.ValidateMutation(req.Model, req.Operation, req.RecordID, req.Data, offlinesync.Models())
	if len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	entry, err := h.queue.Enqueue(r.Context(), req.Model, offlinesync.Operation(req.Operation), req.RecordID, req.Data)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Drain handles POST /local/v1/queue/drain
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.Drain(r.Context())
	resp := DrainResponse{DrainResult: result}
	if err != nil {
		if result.Groups == nil {
			// Nothing was attempted; the queue itself failed.
			MapError(w, r, err)
			return
		}
		resp.Error = err.Error()
		slog.Info("manual drain left groups queued",
			"component", "api",
			"remaining", result.Remaining,
			"error", err,
		)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeadLetterEntry handles POST /local/v1/queue/{timestamp}/dead-letter
func (h *Handler) DeadLetterEntry(w http.ResponseWriter, r *http.Request) {
	ts, ok := int64Param(w, r, "timestamp")
	if !ok {
		return
	}

	var req DeadLetterRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	if errs := validation.ValidateReason(req.Reason); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}
	if req.Reason == "" {
		req.Reason = "moved aside manually"
	}

	if err := h.queue.DeadLetter(r.Context(), ts, req.Reason); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeadLetters handles GET /local/v1/dead-letter
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queue.DeadLetters(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	if entries == nil {
		entries = []offlinesync.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Requeue handles POST /local/v1/dead-letter/{timestamp}/requeue
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	ts, ok := int64Param(w, r, "timestamp")
	if !ok {
		return
	}

	entry, err := h.queue.Requeue(r.Context(), ts)
	if errors.Is(err, store.ErrNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "Dead-lettered entry not found")
		return
	}
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
