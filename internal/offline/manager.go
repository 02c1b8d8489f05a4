// Package offline mirrors shopping lists, items and preferences locally
// and records the mutations made against them for later replay.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/shopsmart/shopsync/internal/store"
	offlinesync "github.com/shopsmart/shopsync/internal/sync"
)

// ErrInvalidData is returned for payloads that are not JSON objects.
var ErrInvalidData = errors.New("data must be a JSON object")

// Enqueuer records a mutation for replay. *syncqueue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, model string, op offlinesync.Operation, recordID, payload json.RawMessage) (offlinesync.SyncLogEntry, error)
}

// CachedList is a list together with its cached items.
type CachedList struct {
	List  json.RawMessage   `json:"list"`
	Items []json.RawMessage `json:"items"`
}

// Manager reads and writes cached entities.
type Manager struct {
	store store.Store
	queue Enqueuer
	now   func() time.Time

	mu       sync.Mutex
	lastTemp int64
}

// NewManager creates a Manager.
func NewManager(st store.Store, queue Enqueuer) *Manager {
	return &Manager{store: st, queue: queue, now: time.Now}
}

// tempID returns a unique negative id derived from the clock.
func (m *Manager) tempID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := -m.now().UnixMilli()
	if m.lastTemp != 0 && id >= m.lastTemp {
		id = m.lastTemp - 1
	}
	m.lastTemp = id
	return id
}

func requireObject(data json.RawMessage) error {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return ErrInvalidData
	}
	return nil
}

// CacheShoppingList stores a server-fetched list and its items.
func (m *Manager) CacheShoppingList(ctx context.Context, list json.RawMessage, items []json.RawMessage) error {
	if err := m.store.Save(ctx, store.PartitionLists, list); err != nil {
		return err
	}
	for _, item := range items {
		if err := m.store.Save(ctx, store.PartitionItems, item); err != nil {
			return err
		}
	}
	return nil
}

// CachedShoppingList returns a cached list and the items referencing it.
func (m *Manager) CachedShoppingList(ctx context.Context, listID int64) (*CachedList, error) {
	key := strconv.FormatInt(listID, 10)
	list, err := m.store.Get(ctx, store.PartitionLists, key)
	if err != nil {
		return nil, err
	}

	all, err := m.store.GetAll(ctx, store.PartitionItems)
	if err != nil {
		return nil, err
	}
	items := make([]json.RawMessage, 0)
	for _, item := range all {
		if ref := gjson.GetBytes(item, "shopping_list_id"); ref.Exists() && ref.String() == key {
			items = append(items, item)
		}
	}
	return &CachedList{List: list, Items: items}, nil
}

// CreateOfflineList stores a new list under a temporary id and queues its
// creation.
func (m *Manager) CreateOfflineList(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	if err := requireObject(data); err != nil {
		return nil, err
	}
	tempID := m.tempID()
	now := m.now().UTC().Format(time.RFC3339Nano)

	list, err := setFields(data, map[string]any{
		"id":         tempID,
		"created_at": now,
		"updated_at": now,
		"is_temp_id": true,
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, store.PartitionLists, list); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{"list_data": list, "temp_id": tempID})
	if err != nil {
		return nil, err
	}
	if _, err := m.queue.Enqueue(ctx, offlinesync.ModelShoppingList, offlinesync.OperationCreate, nil, payload); err != nil {
		return nil, err
	}
	return list, nil
}

// UpdateList merges changes into a cached list and queues the update.
func (m *Manager) UpdateList(ctx context.Context, listID int64, changes json.RawMessage) (json.RawMessage, error) {
	if err := requireObject(changes); err != nil {
		return nil, err
	}
	key := strconv.FormatInt(listID, 10)
	list, err := m.store.Get(ctx, store.PartitionLists, key)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"updated_at": m.now().UTC().Format(time.RFC3339Nano)}
	gjson.ParseBytes(changes).ForEach(func(k, v gjson.Result) bool {
		if k.String() != "id" {
			fields[k.String()] = json.RawMessage(v.Raw)
		}
		return true
	})
	updated, err := setFields(list, fields)
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, store.PartitionLists, updated); err != nil {
		return nil, err
	}

	if _, err := m.queue.Enqueue(ctx, offlinesync.ModelShoppingList, offlinesync.OperationUpdate,
		json.RawMessage(key), changes); err != nil {
		return nil, err
	}
	return updated, nil
}

// AddOfflineListItem stores a new item under a temporary id and queues its
// creation.
func (m *Manager) AddOfflineListItem(ctx context.Context, listID int64, data json.RawMessage) (json.RawMessage, error) {
	if err := requireObject(data); err != nil {
		return nil, err
	}
	tempID := m.tempID()

	item, err := setFields(data, map[string]any{
		"id":               tempID,
		"shopping_list_id": listID,
		"is_temp_id":       true,
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, store.PartitionItems, item); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{"item_data": item, "list_id": listID, "temp_id": tempID})
	if err != nil {
		return nil, err
	}
	if _, err := m.queue.Enqueue(ctx, offlinesync.ModelShoppingListItem, offlinesync.OperationCreate, nil, payload); err != nil {
		return nil, err
	}
	return item, nil
}

// SaveUserPreferences stores preferences under the fixed key and queues a
// profile update.
func (m *Manager) SaveUserPreferences(ctx context.Context, prefs json.RawMessage) error {
	if err := requireObject(prefs); err != nil {
		return err
	}
	record, err := json.Marshal(map[string]any{"key": store.UserPreferencesKey, "data": prefs})
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, store.PartitionUserPreferences, record); err != nil {
		return err
	}
	_, err = m.queue.Enqueue(ctx, offlinesync.ModelUserProfile, offlinesync.OperationUpdate, nil, prefs)
	return err
}

// UserPreferences returns the stored preferences, or nil when none exist.
func (m *Manager) UserPreferences(ctx context.Context) (json.RawMessage, error) {
	record, err := m.store.Get(ctx, store.PartitionUserPreferences, store.UserPreferencesKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(record, "data")
	if !data.Exists() {
		return nil, nil
	}
	return json.RawMessage(data.Raw), nil
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

func setFields(doc json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	out := []byte(doc)
	for name, v := range fields {
		k := pathEscaper.Replace(name)
		var err error
		if raw, ok := v.(json.RawMessage); ok {
			out, err = sjson.SetRawBytes(out, k, raw)
		} else {
			out, err = sjson.SetBytes(out, k, v)
		}
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}
	return out, nil
}
