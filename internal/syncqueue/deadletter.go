package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopsmart/shopsync/internal/store"
	offlinesync "github.com/shopsmart/shopsync/internal/sync"
)

const failuresMetaPrefix = "group_failures:"

// DeadLetter moves the queued entry with timestamp ts out of the sync log.
// It is the explicit escape hatch for an entry that blocks its group.
func (q *Queue) DeadLetter(ctx context.Context, ts int64, reason string) error {
	raw, err := q.backend.Get(ctx, store.PartitionSyncLog, timestampKey(ts))
	if err != nil {
		return err
	}
	var e offlinesync.SyncLogEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("decode entry %d: %w", ts, err)
	}
	if err := q.deadLetter(ctx, e, reason); err != nil {
		return err
	}
	q.notifyChanged(ctx)
	return nil
}

// deadLetter writes the dead-letter record before removing the queued one,
// so a crash in between leaves a duplicate rather than a loss.
func (q *Queue) deadLetter(ctx context.Context, e offlinesync.SyncLogEntry, reason string) error {
	record := offlinesync.DeadLetterEntry{
		SyncLogEntry:   e,
		Reason:         reason,
		DeadLetteredAt: q.opts.Now().UTC(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := q.backend.Save(ctx, store.PartitionDeadLetter, raw); err != nil {
		return err
	}
	if err := q.backend.Delete(ctx, store.PartitionSyncLog, timestampKey(e.Timestamp)); err != nil {
		return err
	}

	slog.Warn("sync log entry dead-lettered",
		"component", "syncqueue",
		"model", e.ModelName,
		"operation", e.Operation,
		"timestamp", e.Timestamp,
		"reason", reason,
	)
	return nil
}

// Requeue moves a dead-lettered entry back to the tail of the queue under
// a fresh timestamp.
func (q *Queue) Requeue(ctx context.Context, ts int64) (offlinesync.SyncLogEntry, error) {
	raw, err := q.backend.Get(ctx, store.PartitionDeadLetter, timestampKey(ts))
	if err != nil {
		return offlinesync.SyncLogEntry{}, err
	}
	var record offlinesync.DeadLetterEntry
	if err := json.Unmarshal(raw, &record); err != nil {
		return offlinesync.SyncLogEntry{}, fmt.Errorf("decode dead letter %d: %w", ts, err)
	}

	entry := record.SyncLogEntry
	entry.Timestamp = q.nextTimestamp()
	entry.Synced = false
	encoded, err := json.Marshal(entry)
	if err != nil {
		return offlinesync.SyncLogEntry{}, fmt.Errorf("encode entry: %w", err)
	}
	if err := q.backend.Save(ctx, store.PartitionSyncLog, encoded); err != nil {
		return offlinesync.SyncLogEntry{}, err
	}
	q.logWritten()
	if err := q.backend.Delete(ctx, store.PartitionDeadLetter, timestampKey(ts)); err != nil {
		return offlinesync.SyncLogEntry{}, err
	}

	slog.Info("dead letter requeued",
		"component", "syncqueue",
		"model", entry.ModelName,
		"old_timestamp", ts,
		"timestamp", entry.Timestamp,
	)
	q.notifyChanged(ctx)
	return entry, nil
}

// DeadLetters lists dead-lettered entries, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]offlinesync.DeadLetterEntry, error) {
	rows, err := q.backend.GetAll(ctx, store.PartitionDeadLetter)
	if err != nil {
		return nil, err
	}
	out := make([]offlinesync.DeadLetterEntry, 0, len(rows))
	for _, raw := range rows {
		var record offlinesync.DeadLetterEntry
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

// applyDeadLetterPolicy counts consecutive permanent failures of a group
// and dead-letters the group's entries once the threshold is reached.
// Transient failures leave the counter untouched.
func (q *Queue) applyDeadLetterPolicy(ctx context.Context, model string, batch []offlinesync.SyncLogEntry, cause error) int {
	if q.opts.DeadLetterAfter <= 0 || offlinesync.IsTransient(cause) {
		return 0
	}

	key := failuresMetaPrefix + model
	failures := 0
	if v, err := q.backend.GetMeta(ctx, key); err == nil {
		failures, _ = strconv.Atoi(v)
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0
	}
	failures++

	if failures < q.opts.DeadLetterAfter {
		if err := q.backend.SetMeta(ctx, key, strconv.Itoa(failures)); err != nil {
			slog.Warn("failed to record group failure",
				"component", "syncqueue",
				"model", model,
				"error", err,
			)
		}
		return 0
	}

	moved := 0
	reason := fmt.Sprintf("%d consecutive failures: %v", failures, cause)
	for _, e := range batch {
		if err := q.deadLetter(ctx, e, reason); err != nil {
			slog.Error("failed to dead-letter entry",
				"component", "syncqueue",
				"model", model,
				"timestamp", e.Timestamp,
				"error", err,
			)
			continue
		}
		moved++
	}
	q.resetFailures(ctx, model)
	return moved
}

func (q *Queue) resetFailures(ctx context.Context, model string) {
	if q.opts.DeadLetterAfter <= 0 {
		return
	}
	_ = q.backend.DeleteMeta(ctx, failuresMetaPrefix+model)
}
