// Package store is the durable, transactional key-value store backing the
// offline layer. Items are opaque JSON objects grouped into named partitions,
// each keyed by a declared field of the item.
package store

import (
	"context"
	"encoding/json"
)

// Partition names created by the migrations.
const (
	PartitionLists           = "lists"
	PartitionItems           = "items"
	PartitionProducts        = "products"
	PartitionSyncLog         = "syncLog"
	PartitionUserPreferences = "userPreferences"
	PartitionDeadLetter      = "deadLetter"
)

// UserPreferencesKey is the fixed key of the single preferences record.
const UserPreferencesKey = "userPreferences"

// Store defines the contract for every durable-store operation.
// Each call is applied atomically or not at all.
type Store interface {
	Save(ctx context.Context, partition string, item json.RawMessage) error
	Get(ctx context.Context, partition, key string) (json.RawMessage, error)
	GetAll(ctx context.Context, partition string) ([]json.RawMessage, error)
	Delete(ctx context.Context, partition, key string) error
	Clear(ctx context.Context, partition string) error
	Count(ctx context.Context, partition string) (int, error)
	Close() error
}

// MetaStore holds small string values used for sync bookkeeping.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error
}
