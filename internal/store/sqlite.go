package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed durable store.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu        sync.RWMutex
	keyFields map[string]string
}

// Open opens (creating if needed) the store at dbPath.
// It applies pragmas, runs pending migrations and loads the declared
// partitions. Opening an already initialized store is idempotent.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, newStorageError("open", "", fmt.Errorf("create database directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, newStorageError("open", "", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, newStorageError("open", "", fmt.Errorf("enable pragmas: %w", err))
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, newStorageError("open", "", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.loadPartitions(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// enablePragmas sets SQLite pragmas for durability and concurrent access.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (s *SQLiteStore) loadPartitions(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, key_field FROM partitions`)
	if err != nil {
		return newStorageError("open", "", fmt.Errorf("load partitions: %w", err))
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var name, field string
		if err := rows.Scan(&name, &field); err != nil {
			return newStorageError("open", "", fmt.Errorf("scan partition: %w", err))
		}
		fields[name] = field
	}
	if err := rows.Err(); err != nil {
		return newStorageError("open", "", err)
	}

	s.mu.Lock()
	s.keyFields = fields
	s.mu.Unlock()
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// DB exposes the underlying handle for migrations tooling and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Partitions returns the declared partition names, sorted.
func (s *SQLiteStore) Partitions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.keyFields))
	for name := range s.keyFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KeyField returns the key field declared for partition.
func (s *SQLiteStore) KeyField(partition string) (string, error) {
	s.mu.RLock()
	field, ok := s.keyFields[partition]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPartition, partition)
	}
	return field, nil
}

// Save upserts item into partition, keyed by the partition's key field.
func (s *SQLiteStore) Save(ctx context.Context, partition string, item json.RawMessage) error {
	field, err := s.KeyField(partition)
	if err != nil {
		return newStorageError("save", partition, err)
	}

	if !gjson.ValidBytes(item) || !gjson.ParseBytes(item).IsObject() {
		return newStorageError("save", partition, ErrInvalidItem)
	}

	key, numKey, err := extractKey(item, field)
	if err != nil {
		return newStorageError("save", partition, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (partition, record_key, num_key, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(partition, record_key) DO UPDATE SET
			num_key = excluded.num_key,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, partition, key, numKey, string(item), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return newStorageError("save", partition, err)
	}
	return nil
}

// extractKey reads the key field of item. Integer keys also yield a numeric
// sort key so that GetAll returns them in ascending numeric order.
func extractKey(item json.RawMessage, field string) (string, any, error) {
	res := gjson.GetBytes(item, field)
	if !res.Exists() || res.Type == gjson.Null {
		return "", nil, fmt.Errorf("%w: field %q", ErrMissingKey, field)
	}

	switch res.Type {
	case gjson.Number:
		if n, err := strconv.ParseInt(res.Raw, 10, 64); err == nil {
			return res.Raw, n, nil
		}
		return res.Raw, nil, nil
	case gjson.String:
		if res.Str == "" {
			return "", nil, fmt.Errorf("%w: field %q is empty", ErrMissingKey, field)
		}
		return res.Str, nil, nil
	default:
		return "", nil, fmt.Errorf("%w: field %q must be a string or number", ErrMissingKey, field)
	}
}

// Get returns the item stored under key.
func (s *SQLiteStore) Get(ctx context.Context, partition, key string) (json.RawMessage, error) {
	if _, err := s.KeyField(partition); err != nil {
		return nil, newStorageError("get", partition, err)
	}

	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM records WHERE partition = ? AND record_key = ?
	`, partition, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", partition, key, ErrNotFound)
	}
	if err != nil {
		return nil, newStorageError("get", partition, err)
	}
	return json.RawMessage(body), nil
}

// GetAll returns every item of partition ordered by key: numeric keys
// ascending first, then text keys.
func (s *SQLiteStore) GetAll(ctx context.Context, partition string) ([]json.RawMessage, error) {
	if _, err := s.KeyField(partition); err != nil {
		return nil, newStorageError("get_all", partition, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM records
		WHERE partition = ?
		ORDER BY num_key IS NULL, num_key ASC, record_key ASC
	`, partition)
	if err != nil {
		return nil, newStorageError("get_all", partition, err)
	}
	defer rows.Close()

	items := make([]json.RawMessage, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, newStorageError("get_all", partition, err)
		}
		items = append(items, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError("get_all", partition, err)
	}
	return items, nil
}

// Delete removes key from partition. Deleting a missing key succeeds.
func (s *SQLiteStore) Delete(ctx context.Context, partition, key string) error {
	if _, err := s.KeyField(partition); err != nil {
		return newStorageError("delete", partition, err)
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE partition = ? AND record_key = ?
	`, partition, key)
	if err != nil {
		return newStorageError("delete", partition, err)
	}
	return nil
}

// Clear removes every item of partition.
func (s *SQLiteStore) Clear(ctx context.Context, partition string) error {
	if _, err := s.KeyField(partition); err != nil {
		return newStorageError("clear", partition, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE partition = ?`, partition); err != nil {
		return newStorageError("clear", partition, err)
	}
	return nil
}

// Count returns the number of items in partition.
func (s *SQLiteStore) Count(ctx context.Context, partition string) (int, error) {
	if _, err := s.KeyField(partition); err != nil {
		return 0, newStorageError("count", partition, err)
	}

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE partition = ?
	`, partition).Scan(&n)
	if err != nil {
		return 0, newStorageError("count", partition, err)
	}
	return n, nil
}

// Stats returns the item count of every partition.
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)
	for _, name := range s.Partitions() {
		stats[name] = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT partition, COUNT(*) FROM records GROUP BY partition
	`)
	if err != nil {
		return nil, newStorageError("stats", "", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, newStorageError("stats", "", err)
		}
		stats[name] = n
	}
	return stats, rows.Err()
}

// GetMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", newStorageError("get_meta", "", err)
	}
	return value, nil
}

// SetMeta sets a sync metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return newStorageError("set_meta", "", err)
	}
	return nil
}

// DeleteMeta removes a sync metadata value.
func (s *SQLiteStore) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, key); err != nil {
		return newStorageError("delete_meta", "", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to dest.
func (s *SQLiteStore) Snapshot(ctx context.Context, dest string) error {
	if dir := filepath.Dir(dest); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return newStorageError("snapshot", "", fmt.Errorf("create snapshot directory: %w", err))
		}
	}
	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return newStorageError("snapshot", "", fmt.Errorf("remove previous snapshot: %w", err))
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return newStorageError("snapshot", "", err)
	}
	return nil
}
