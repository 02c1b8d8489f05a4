package api

import (
	"encoding/json"
	"net/http"

	"github.com/shopsmart/shopsync/internal/validation"
)

// readObject decodes a JSON object body, writing a problem on failure.
func readObject(w http.ResponseWriter, r *http.Request, field string) (json.RawMessage, bool) {
	var raw json.RawMessage
	if !decodeJSON(w, r, &raw) {
		return nil, false
	}
	if err := validation.ValidateJSONObject(field, raw); err != nil || len(raw) == 0 || string(raw) == "null" {
		if err == nil {
			err = &validation.ValidationError{Field: field, Message: "is required"}
		}
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*err})
		return nil, false
	}
	return raw, true
}

// CreateList handles POST /local/v1/lists
func (h *Handler) CreateList(w http.ResponseWriter, r *http.Request) {
	data, ok := readObject(w, r, "list")
	if !ok {
		return
	}
	list, err := h.offline.CreateOfflineList(r.Context(), data)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, list)
}

// GetList handles GET /local/v1/lists/{id}
func (h *Handler) GetList(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	cached, err := h.offline.CachedShoppingList(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cached)
}

// UpdateList handles PUT /local/v1/lists/{id}
func (h *Handler) UpdateList(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	changes, ok := readObject(w, r, "changes")
	if !ok {
		return
	}
	list, err := h.offline.UpdateList(r.Context(), id, changes)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// AddListItem handles POST /local/v1/lists/{id}/items
func (h *Handler) AddListItem(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	data, ok := readObject(w, r, "item")
	if !ok {
		return
	}
	item, err := h.offline.AddOfflineListItem(r.Context(), id, data)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// GetPreferences handles GET /local/v1/preferences. Absent preferences
// are returned as null.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.offline.UserPreferences(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	if prefs == nil {
		prefs = json.RawMessage(`null`)
	}
	writeJSON(w, http.StatusOK, prefs)
}

// SavePreferences handles PUT /local/v1/preferences
func (h *Handler) SavePreferences(w http.ResponseWriter, r *http.Request) {
	prefs, ok := readObject(w, r, "preferences")
	if !ok {
		return
	}
	if err := h.offline.SaveUserPreferences(r.Context(), prefs); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
