package sync

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation recorded in the sync log.
type Operation string

// Operation constants
const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Model names accepted by the sync endpoints.
const (
	ModelShoppingList     = "shopping_list"
	ModelShoppingListItem = "shopping_list_item"
	ModelUserProfile      = "user_profile"
	ModelProduct          = "product"
)

// SyncLogEntry is a pending local mutation. Timestamp is both the primary
// key and the FIFO ordering key. Entries are deleted once synced, never
// updated in place, so Synced is always false while queued.
type SyncLogEntry struct {
	Timestamp int64           `json:"timestamp"`
	ModelName string          `json:"model_name"`
	Operation Operation       `json:"operation"`
	RecordID  json.RawMessage `json:"record_id"`
	Payload   json.RawMessage `json:"data"`
	Synced    bool            `json:"synced"`
}

// DeadLetterEntry is a sync log entry that was removed from the queue by
// an explicit dead-letter decision.
type DeadLetterEntry struct {
	SyncLogEntry
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// BatchRequest is the body POSTed to a model's sync endpoint.
type BatchRequest struct {
	Model string      `json:"model"`
	Items []BatchItem `json:"items"`
}

// BatchItem is one replayed mutation inside a BatchRequest.
type BatchItem struct {
	Operation Operation       `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	RecordID  json.RawMessage `json:"recordId"`
}

// BatchResponse is the reply of a sync endpoint.
type BatchResponse struct {
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
	UpdatedRecords []json.RawMessage `json:"updatedRecords,omitempty"`

	// Older server builds reply in snake case.
	LegacyUpdatedRecords []json.RawMessage `json:"updated_records,omitempty"`
}

// Records returns the updated records regardless of the reply's casing.
func (r *BatchResponse) Records() []json.RawMessage {
	if len(r.UpdatedRecords) > 0 {
		return r.UpdatedRecords
	}
	return r.LegacyUpdatedRecords
}
