package httpcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
	bolt "go.etcd.io/bbolt"
)

var bucketSyncQueue = []byte("syncQueue")

// Background sync defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultBackoffUnit    = time.Second
	TagShoppingLists      = "sync-shopping-lists"
	TagListItems          = "sync-list-items"
	backgroundSendTimeout = 10 * time.Second
)

// ErrInvalidTask is returned when a task cannot be registered.
var ErrInvalidTask = errors.New("invalid background task")

// BackgroundTask is a request deferred until the network is reachable.
type BackgroundTask struct {
	ID        string          `json:"id"`
	Tag       string          `json:"tag"`
	URL       string          `json:"url"`
	Method    string          `json:"method"`
	Header    http.Header     `json:"headers,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SyncReport summarizes one HandleSync run.
type SyncReport struct {
	Tag       string `json:"tag"`
	Attempts  int    `json:"attempts"`
	Sent      int    `json:"sent"`
	Dropped   int    `json:"dropped"`
	Remaining int    `json:"remaining"`
}

// BackgroundSync is the optional deferred-request capability. A nil
// BackgroundSync means the platform has none.
type BackgroundSync interface {
	Register(ctx context.Context, task BackgroundTask) (BackgroundTask, error)
	HandleSync(ctx context.Context, tag string) (SyncReport, error)
	Tags(ctx context.Context) ([]string, error)
}

// TagForModel returns the registration tag for a model's sync tasks.
func TagForModel(model string) string {
	switch model {
	case "shopping_list":
		return TagShoppingLists
	case "shopping_list_item":
		return TagListItems
	}
	return "sync-" + strings.ReplaceAll(model, "_", "-") + "s"
}

// BackgroundOptions configures a BackgroundQueue.
type BackgroundOptions struct {
	MaxAttempts int
	BackoffUnit time.Duration
	Client      *http.Client
}

// BackgroundQueue stores deferred requests in the cache database, separate
// from the durable sync log.
type BackgroundQueue struct {
	db          *bolt.DB
	origin      *url.URL
	client      *http.Client
	maxAttempts int
	backoffUnit time.Duration

	// serializes HandleSync so a task is never sent twice concurrently
	mu sync.Mutex
}

var _ BackgroundSync = (*BackgroundQueue)(nil)

// NewBackgroundQueue creates a queue sending relative task URLs to origin.
func NewBackgroundQueue(storage *Storage, origin string, opts BackgroundOptions) (*BackgroundQueue, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", origin)
	}
	q := &BackgroundQueue{
		db:          storage.db,
		origin:      u,
		client:      opts.Client,
		maxAttempts: opts.MaxAttempts,
		backoffUnit: opts.BackoffUnit,
	}
	if q.client == nil {
		q.client = &http.Client{Timeout: backgroundSendTimeout}
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.backoffUnit <= 0 {
		q.backoffUnit = DefaultBackoffUnit
	}
	return q, nil
}

// Register persists task under a new id.
func (q *BackgroundQueue) Register(_ context.Context, task BackgroundTask) (BackgroundTask, error) {
	if task.Tag == "" || task.URL == "" {
		return BackgroundTask{}, fmt.Errorf("%w: tag and url are required", ErrInvalidTask)
	}
	if task.Method == "" {
		task.Method = http.MethodPost
	}
	task.ID = ulid.Make().String()
	task.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(task)
	if err != nil {
		return BackgroundTask{}, fmt.Errorf("marshal task: %w", err)
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncQueue).Put([]byte(task.ID), data)
	})
	if err != nil {
		return BackgroundTask{}, fmt.Errorf("store task: %w", err)
	}

	slog.Debug("background sync registered",
		"component", "httpcache",
		"tag", task.Tag,
		"task_id", task.ID,
	)
	return task, nil
}

// Tasks returns queued tasks for tag, oldest first. An empty tag lists all.
func (q *BackgroundQueue) Tasks(_ context.Context, tag string) ([]BackgroundTask, error) {
	var tasks []BackgroundTask
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncQueue).ForEach(func(_, v []byte) error {
			var t BackgroundTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if tag == "" || t.Tag == tag {
				tasks = append(tasks, t)
			}
			return nil
		})
	})
	return tasks, err
}

// Tags returns the distinct tags with queued tasks.
func (q *BackgroundQueue) Tags(ctx context.Context) ([]string, error) {
	tasks, err := q.Tasks(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var tags []string
	for _, t := range tasks {
		if !seen[t.Tag] {
			seen[t.Tag] = true
			tags = append(tags, t.Tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

func (q *BackgroundQueue) remove(id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncQueue).Delete([]byte(id))
	})
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeDropped
	outcomeKept
)

// HandleSync replays the tasks queued under tag. Each pass sends every
// task: 2xx and 4xx replies remove it, anything else keeps it. Passes
// repeat with linear backoff until the tag is empty or the attempt cap
// is reached.
func (q *BackgroundQueue) HandleSync(ctx context.Context, tag string) (SyncReport, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	report := SyncReport{Tag: tag}
	backoff := retry.WithMaxRetries(uint64(q.maxAttempts-1), retry.NewLinear(q.backoffUnit))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		report.Attempts++
		tasks, err := q.Tasks(ctx, tag)
		if err != nil {
			return err
		}

		kept := 0
		for _, t := range tasks {
			switch q.send(ctx, t) {
			case outcomeSent:
				report.Sent++
			case outcomeDropped:
				report.Dropped++
			default:
				kept++
				continue
			}
			if err := q.remove(t.ID); err != nil {
				return fmt.Errorf("remove task %s: %w", t.ID, err)
			}
		}

		report.Remaining = kept
		if kept > 0 {
			return retry.RetryableError(fmt.Errorf("%d tasks pending for %s", kept, tag))
		}
		return nil
	})

	if report.Attempts > 0 {
		slog.Info("background sync finished",
			"component", "httpcache",
			"tag", tag,
			"attempts", report.Attempts,
			"sent", report.Sent,
			"dropped", report.Dropped,
			"remaining", report.Remaining,
		)
	}
	return report, err
}

func (q *BackgroundQueue) send(ctx context.Context, t BackgroundTask) sendOutcome {
	target, err := q.origin.Parse(t.URL)
	if err != nil {
		slog.Warn("dropping background task with bad url",
			"component", "httpcache",
			"task_id", t.ID,
			"url", t.URL,
		)
		return outcomeDropped
	}

	var body io.Reader
	if len(t.Data) > 0 {
		body = bytes.NewReader(t.Data)
	}
	req, err := http.NewRequestWithContext(ctx, t.Method, target.String(), body)
	if err != nil {
		return outcomeDropped
	}
	for k, vv := range t.Header {
		req.Header[k] = append([]string(nil), vv...)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return outcomeKept
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return outcomeSent
	case resp.StatusCode >= 400 && resp.StatusCode <= 499:
		slog.Warn("background task rejected, dropping",
			"component", "httpcache",
			"task_id", t.ID,
			"tag", t.Tag,
			"status", resp.StatusCode,
		)
		return outcomeDropped
	default:
		return outcomeKept
	}
}

// RegisterSync defers a request through the background-sync capability.
// Without one, the request is sent once immediately.
func (m *Manager) RegisterSync(ctx context.Context, task BackgroundTask) (BackgroundTask, error) {
	if m.bgsync != nil {
		return m.bgsync.Register(ctx, task)
	}
	if task.Method == "" {
		task.Method = http.MethodPost
	}
	direct := &BackgroundQueue{origin: m.origin, client: m.client}
	if direct.send(ctx, task) == outcomeKept {
		return task, fmt.Errorf("send %s %s: network unavailable", task.Method, task.URL)
	}
	return task, nil
}

// BackgroundSync returns the configured capability, or nil.
func (m *Manager) BackgroundSync() BackgroundSync {
	return m.bgsync
}
