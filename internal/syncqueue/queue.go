// Package syncqueue is the ordered log of local mutations that have not yet
// been confirmed by the server.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	gosync "sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/shopsmart/shopsync/internal/store"
	offlinesync "github.com/shopsmart/shopsync/internal/sync"
)

// Sentinel errors returned by the queue.
var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrEmptyModel       = errors.New("model name is required")
)

// maxConcurrentGroups bounds how many model groups are submitted at once.
const maxConcurrentGroups = 4

// DefaultTokenTimeout bounds the credential lookup made while enqueuing.
const DefaultTokenTimeout = 2 * time.Second

// Backend is the durable storage the queue is persisted in.
type Backend interface {
	store.Store
	store.MetaStore
}

// GroupSyncer submits one model group. *sync.Synchronizer implements it.
type GroupSyncer interface {
	SyncGroup(ctx context.Context, model string, entries []offlinesync.SyncLogEntry) error
}

// TokenSource supplies the credential token captured at enqueue time.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// OnlineChecker reports the current connectivity state.
type OnlineChecker interface {
	IsOnline() bool
}

// Observer is notified of queue changes. All methods must be non-blocking.
type Observer interface {
	QueueChanged(pending, deadLetters int)
	DrainFinished(result DrainResult, err error)
}

// Options configures a Queue. Zero values disable the optional collaborators.
type Options struct {
	Tokens   TokenSource
	Online   OnlineChecker
	Observer Observer

	// DeadLetterAfter moves a group to the dead-letter partition after this
	// many consecutive permanent failures. Zero disables the policy.
	DeadLetterAfter int

	// TokenTimeout bounds Tokens.Token during Enqueue. Defaults to
	// DefaultTokenTimeout.
	TokenTimeout time.Duration

	Now func() time.Time
}

// GroupOutcome is the result of submitting one model group.
type GroupOutcome struct {
	Model        string `json:"model"`
	Entries      int    `json:"entries"`
	Error        string `json:"error,omitempty"`
	DeadLettered int    `json:"dead_lettered,omitempty"`

	err error
}

// Err returns the group's failure, if any.
func (o GroupOutcome) Err() error {
	return o.err
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Synced       int            `json:"synced"`
	Remaining    int            `json:"remaining"`
	DeadLettered int            `json:"dead_lettered"`
	Groups       []GroupOutcome `json:"groups"`
}

// Queue is the durable FIFO of pending mutations.
type Queue struct {
	backend Backend
	syncer  GroupSyncer
	opts    Options

	mu     gosync.Mutex
	lastTS int64
	// gen counts writes to the sync log. A drain that started before the
	// latest write may have missed it.
	gen int64

	drains     singleflight.Group
	background gosync.WaitGroup
}

// New creates a Queue over backend. The timestamp clock is seeded from the
// newest entry already queued so restarts never reuse a key.
func New(ctx context.Context, backend Backend, syncer GroupSyncer, opts Options) (*Queue, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = DefaultTokenTimeout
	}
	q := &Queue{backend: backend, syncer: syncer, opts: opts}

	for _, partition := range []string{store.PartitionSyncLog, store.PartitionDeadLetter} {
		items, err := backend.GetAll(ctx, partition)
		if err != nil {
			return nil, fmt.Errorf("seed queue clock: %w", err)
		}
		for _, raw := range items {
			if ts := gjson.GetBytes(raw, "timestamp").Int(); ts > q.lastTS {
				q.lastTS = ts
			}
		}
	}
	return q, nil
}

// nextTimestamp returns a unique, strictly increasing millisecond stamp.
func (q *Queue) nextTimestamp() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ts := q.opts.Now().UnixMilli()
	if ts <= q.lastTS {
		ts = q.lastTS + 1
	}
	q.lastTS = ts
	return ts
}

// generation returns the number of sync log writes so far.
func (q *Queue) generation() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// logWritten records a sync log write. It must follow the write itself.
func (q *Queue) logWritten() {
	q.mu.Lock()
	q.gen++
	q.mu.Unlock()
}

// Enqueue records a mutation. The returned error reports only whether the
// entry was persisted; replay happens asynchronously when online.
func (q *Queue) Enqueue(ctx context.Context, model string, op offlinesync.Operation, recordID, payload json.RawMessage) (offlinesync.SyncLogEntry, error) {
	if model == "" {
		return offlinesync.SyncLogEntry{}, ErrEmptyModel
	}
	if !op.Valid() {
		return offlinesync.SyncLogEntry{}, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}

	data, err := q.withToken(ctx, payload)
	if err != nil {
		return offlinesync.SyncLogEntry{}, err
	}
	if len(recordID) == 0 {
		recordID = json.RawMessage(`null`)
	}

	entry := offlinesync.SyncLogEntry{
		Timestamp: q.nextTimestamp(),
		ModelName: model,
		Operation: op,
		RecordID:  recordID,
		Payload:   data,
		Synced:    false,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return offlinesync.SyncLogEntry{}, fmt.Errorf("encode entry: %w", err)
	}
	if err := q.backend.Save(ctx, store.PartitionSyncLog, raw); err != nil {
		slog.Error("failed to persist sync log entry",
			"component", "syncqueue",
			"model", model,
			"operation", op,
			"error", err,
		)
		return offlinesync.SyncLogEntry{}, err
	}
	q.logWritten()

	slog.Debug("mutation queued",
		"component", "syncqueue",
		"model", model,
		"operation", op,
		"timestamp", entry.Timestamp,
	)
	q.notifyChanged(ctx)

	if q.opts.Online != nil && q.opts.Online.IsOnline() {
		q.RequestDrain(context.WithoutCancel(ctx))
	}
	return entry, nil
}

// withToken injects a freshly fetched credential token as csrf_token.
func (q *Queue) withToken(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	data := []byte(payload)
	switch {
	case len(data) == 0 || string(data) == "null":
		data = []byte(`{}`)
	case !gjson.ValidBytes(data):
		return nil, fmt.Errorf("payload is not valid JSON")
	case !gjson.ParseBytes(data).IsObject():
		wrapped, err := sjson.SetRawBytes([]byte(`{}`), "value", data)
		if err != nil {
			return nil, fmt.Errorf("wrap payload: %w", err)
		}
		data = wrapped
	}

	if q.opts.Tokens == nil {
		return data, nil
	}
	tctx, cancel := context.WithTimeout(ctx, q.opts.TokenTimeout)
	defer cancel()
	token, err := q.opts.Tokens.Token(tctx)
	if err != nil {
		slog.Warn("credential token unavailable, queuing without it",
			"component", "syncqueue",
			"error", err,
		)
		return data, nil
	}
	out, err := sjson.SetBytes(data, "csrf_token", token)
	if err != nil {
		return nil, fmt.Errorf("inject csrf token: %w", err)
	}
	return out, nil
}

// RequestDrain starts a drain in the background. It coalesces with any
// drain already running.
func (q *Queue) RequestDrain(ctx context.Context) {
	q.background.Add(1)
	go func() {
		defer q.background.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background drain panicked",
					"component", "syncqueue",
					"panic", r,
				)
			}
		}()
		if _, err := q.Drain(ctx); err != nil {
			slog.Warn("background drain incomplete",
				"component", "syncqueue",
				"error", err,
			)
		}
	}()
}

// Wait blocks until every background drain has returned.
func (q *Queue) Wait() {
	q.background.Wait()
}

// drainPass is the outcome of one shared drain together with the sync log
// generation it started from.
type drainPass struct {
	startGen int64
	result   DrainResult
	err      error
}

// Drain submits every queued entry, one batch per model. Concurrent calls
// share the in-flight drain. A caller that joins a drain which started
// before the caller's latest enqueue waits for it and then runs another
// pass, so every entry written before Drain was called is attempted.
//
// The shared pass ignores cancellation of ctx; cancelling ctx only stops
// this caller from waiting.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	for {
		want := q.generation()
		ch := q.drains.DoChan("drain", func() (any, error) {
			return q.runPass(context.WithoutCancel(ctx)), nil
		})

		select {
		case <-ctx.Done():
			return DrainResult{}, ctx.Err()
		case res := <-ch:
			pass, _ := res.Val.(drainPass)
			if pass.startGen >= want {
				return pass.result, pass.err
			}
		}
	}
}

// runPass drains once. A panic in a syncer becomes the pass error; DoChan
// would rethrow it on its own goroutine.
func (q *Queue) runPass(ctx context.Context) (pass drainPass) {
	pass.startGen = q.generation()
	defer func() {
		if r := recover(); r != nil {
			pass.err = fmt.Errorf("drain panicked: %v", r)
		}
	}()
	pass.result, pass.err = q.drain(ctx)
	return pass
}

func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult

	entries, err := q.Entries(ctx)
	if err != nil {
		q.finish(ctx, result, err)
		return result, err
	}

	groups, order := groupByModel(entries)
	result.Groups = make([]GroupOutcome, len(order))

	var g errgroup.Group
	g.SetLimit(maxConcurrentGroups)
	for i, model := range order {
		i, model := i, model
		batch := groups[model]
		g.Go(func() error {
			outcome := GroupOutcome{Model: model, Entries: len(batch)}
			outcome.err = q.syncer.SyncGroup(ctx, model, batch)
			result.Groups[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for i := range result.Groups {
		outcome := &result.Groups[i]
		if outcome.err == nil {
			result.Synced += outcome.Entries
			q.resetFailures(ctx, outcome.Model)
			continue
		}
		outcome.Error = outcome.err.Error()
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", outcome.Model, outcome.err))
		outcome.DeadLettered = q.applyDeadLetterPolicy(ctx, outcome.Model, groups[outcome.Model], outcome.err)
		result.DeadLettered += outcome.DeadLettered
	}

	remaining, err := q.Len(ctx)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	result.Remaining = remaining

	if len(order) > 0 {
		slog.Info("sync queue drained",
			"component", "syncqueue",
			"groups", len(order),
			"synced", result.Synced,
			"remaining", result.Remaining,
			"dead_lettered", result.DeadLettered,
			"failed", len(multierr.Errors(errs)),
		)
	}
	q.finish(ctx, result, errs)
	return result, errs
}

// groupByModel buckets entries by model, keeping timestamp order within
// each bucket. Models are returned sorted.
func groupByModel(entries []offlinesync.SyncLogEntry) (map[string][]offlinesync.SyncLogEntry, []string) {
	groups := make(map[string][]offlinesync.SyncLogEntry)
	for _, e := range entries {
		groups[e.ModelName] = append(groups[e.ModelName], e)
	}
	order := make([]string, 0, len(groups))
	for model, batch := range groups {
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].Timestamp < batch[j].Timestamp })
		order = append(order, model)
	}
	sort.Strings(order)
	return groups, order
}

// Entries returns all queued entries in FIFO order. Rows that cannot be
// decoded are logged and skipped.
func (q *Queue) Entries(ctx context.Context) ([]offlinesync.SyncLogEntry, error) {
	rows, err := q.backend.GetAll(ctx, store.PartitionSyncLog)
	if err != nil {
		return nil, err
	}
	entries := make([]offlinesync.SyncLogEntry, 0, len(rows))
	for _, raw := range rows {
		var e offlinesync.SyncLogEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			slog.Warn("skipping undecodable sync log entry",
				"component", "syncqueue",
				"error", err,
			)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.backend.Count(ctx, store.PartitionSyncLog)
}

func (q *Queue) finish(ctx context.Context, result DrainResult, err error) {
	if q.opts.Observer == nil {
		return
	}
	q.opts.Observer.DrainFinished(result, err)
	q.notifyChanged(ctx)
}

func (q *Queue) notifyChanged(ctx context.Context) {
	if q.opts.Observer == nil {
		return
	}
	pending, err := q.Len(ctx)
	if err != nil {
		return
	}
	dead, err := q.backend.Count(ctx, store.PartitionDeadLetter)
	if err != nil {
		return
	}
	q.opts.Observer.QueueChanged(pending, dead)
}

func timestampKey(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
