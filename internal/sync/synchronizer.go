// Package sync replays queued local mutations against the origin's
// per-model batch endpoints.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopsmart/shopsync/internal/store"
	"github.com/tidwall/gjson"
)

// DefaultRequestTimeout bounds a single batch submission.
const DefaultRequestTimeout = 5 * time.Second

// maxErrorBody caps how much of a failed reply is kept for logging.
const maxErrorBody = 4 << 10

// EntityStore is the subset of the durable store the Synchronizer writes to.
type EntityStore interface {
	Save(ctx context.Context, partition string, item json.RawMessage) error
	Delete(ctx context.Context, partition, key string) error
}

// TokenSource supplies the credential token sent with each batch.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Synchronizer submits one model group at a time as an atomic batch.
type Synchronizer struct {
	baseURL string
	client  *http.Client
	store   EntityStore
	tokens  TokenSource
	timeout time.Duration
}

// NewSynchronizer creates a Synchronizer posting to baseURL.
// tokens may be nil when every entry carries its own csrf_token.
func NewSynchronizer(baseURL string, client *http.Client, st EntityStore, tokens TokenSource, timeout time.Duration) *Synchronizer {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Synchronizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		store:   st,
		tokens:  tokens,
		timeout: timeout,
	}
}

// SyncGroup submits entries for model as a single batch. Entries are
// removed from the sync log only when the server replies success: true,
// and only after any updated records have been written back.
func (s *Synchronizer) SyncGroup(ctx context.Context, model string, entries []SyncLogEntry) error {
	endpoint, ok := Endpoint(model)
	if !ok {
		return &UnknownModelError{Model: model}
	}
	if len(entries) == 0 {
		return nil
	}

	ordered := make([]SyncLogEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	body, err := json.Marshal(buildBatch(model, ordered))
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	reply, err := s.submit(ctx, endpoint, ordered, body)
	if err != nil {
		slog.Warn("batch submission failed",
			"component", "synchronizer",
			"model", model,
			"endpoint", endpoint,
			"entries", len(ordered),
			"error", err,
		)
		return err
	}

	if err := s.reconcile(ctx, model, reply.Records()); err != nil {
		return err
	}

	for _, e := range ordered {
		if err := s.store.Delete(ctx, syncLogPartition, timestampKey(e.Timestamp)); err != nil {
			return fmt.Errorf("remove synced entry %d: %w", e.Timestamp, err)
		}
	}

	slog.Info("batch synced",
		"component", "synchronizer",
		"model", model,
		"entries", len(ordered),
		"updated_records", len(reply.Records()),
	)
	return nil
}

func buildBatch(model string, entries []SyncLogEntry) BatchRequest {
	req := BatchRequest{Model: model, Items: make([]BatchItem, 0, len(entries))}
	for _, e := range entries {
		data := e.Payload
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}
		recordID := e.RecordID
		if len(recordID) == 0 {
			recordID = json.RawMessage(`null`)
		}
		req.Items = append(req.Items, BatchItem{
			Operation: e.Operation,
			Data:      data,
			Timestamp: e.Timestamp,
			RecordID:  recordID,
		})
	}
	return req
}

// token prefers the token captured when the first entry was queued.
func (s *Synchronizer) token(ctx context.Context, entries []SyncLogEntry) string {
	for _, e := range entries {
		if tok := gjson.GetBytes(e.Payload, "csrf_token"); tok.Type == gjson.String && tok.Str != "" {
			return tok.Str
		}
	}
	if s.tokens == nil {
		return ""
	}
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		slog.Warn("credential token unavailable",
			"component", "synchronizer",
			"error", err,
		)
		return ""
	}
	return tok
}

// submit posts one batch. The token lookup and the request share the
// submission timeout.
func (s *Synchronizer) submit(ctx context.Context, endpoint string, entries []SyncLogEntry, body []byte) (*BatchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	token := s.token(ctx, entries)
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("X-CSRF-Token", token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var reply BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		if ctx.Err() != nil {
			return nil, &NetworkError{Err: err}
		}
		return nil, &RejectedError{Message: fmt.Sprintf("malformed reply: %v", err)}
	}
	if !reply.Success {
		return nil, &RejectedError{Message: reply.Error}
	}
	return &reply, nil
}

// reconcile writes server-confirmed records into the model's partition.
func (s *Synchronizer) reconcile(ctx context.Context, model string, records []json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	partition, ok := PartitionFor(model)
	if !ok {
		return nil
	}
	for _, rec := range records {
		if model == ModelUserProfile {
			rec = wrapPreferences(rec)
		}
		err := s.store.Save(ctx, partition, rec)
		if errors.Is(err, store.ErrMissingKey) || errors.Is(err, store.ErrInvalidItem) {
			slog.Warn("skipping unkeyed updated record",
				"component", "synchronizer",
				"model", model,
				"error", err,
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("reconcile %s record: %w", model, err)
		}
	}
	return nil
}

// wrapPreferences stores a profile reply under the fixed preferences key.
func wrapPreferences(rec json.RawMessage) json.RawMessage {
	if gjson.GetBytes(rec, "key").Str == preferencesKey {
		return rec
	}
	wrapped, err := json.Marshal(struct {
		Key  string          `json:"key"`
		Data json.RawMessage `json:"data"`
	}{Key: preferencesKey, Data: rec})
	if err != nil {
		return rec
	}
	return wrapped
}

func timestampKey(ts int64) string {
	return fmt.Sprintf("%d", ts)
}
