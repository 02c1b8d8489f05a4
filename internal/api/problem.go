package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopsmart/shopsync/internal/httpcache"
	"github.com/shopsmart/shopsync/internal/offline"
	"github.com/shopsmart/shopsync/internal/store"
	offlinesync "github.com/shopsmart/shopsync/internal/sync"
	"github.com/shopsmart/shopsync/internal/syncqueue"
	"github.com/shopsmart/shopsync/internal/validation"
)

const problemBase = "https://shopsmart.app/problems/"

// Problem is an RFC 7807 Problem Details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// ProblemWithErrors carries the rejected fields of a 422 response.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// problemSlugs names the statuses the local API answers with. Titles
// come from net/http except where the slug reads better.
var problemSlugs = map[int]string{
	http.StatusBadRequest:          "bad-request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusNotFound:            "not-found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation-error",
	http.StatusInternalServerError: "internal-error",
	http.StatusServiceUnavailable:  "service-unavailable",
}

func newProblem(r *http.Request, status int, detail string) Problem {
	slug, ok := problemSlugs[status]
	if !ok {
		slug = "unknown"
	}
	title := http.StatusText(status)
	if status == http.StatusUnprocessableEntity {
		title = "Validation Error"
	}
	return Problem{
		Type:     problemBase + slug,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func encodeProblem(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// WriteProblem answers with a Problem Details body for status.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	encodeProblem(w, status, newProblem(r, status, detail))
}

// WriteProblemWithErrors answers 422 and lists every rejected field.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	status := http.StatusUnprocessableEntity
	encodeProblem(w, status, ProblemWithErrors{
		Problem: newProblem(r, status, detail),
		Errors:  errs,
	})
}

// MapError converts domain errors to Problem Details responses.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var unknown *offlinesync.UnknownModelError
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.As(err, &unknown):
		WriteProblem(w, r, http.StatusBadRequest, unknown.Error())
	case errors.Is(err, offline.ErrInvalidData),
		errors.Is(err, store.ErrInvalidItem),
		errors.Is(err, store.ErrMissingKey),
		errors.Is(err, syncqueue.ErrEmptyModel),
		errors.Is(err, syncqueue.ErrInvalidOperation),
		errors.Is(err, httpcache.ErrInvalidTask):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, httpcache.ErrRedundant):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Cache manager is shutting down")
	default:
		// Never expose internal error details to client
		slog.Error("request failed",
			"component", "api",
			"path", r.URL.Path,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
