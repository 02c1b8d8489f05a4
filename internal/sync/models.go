package sync

import (
	"sort"

	"github.com/shopsmart/shopsync/internal/store"
)

// endpoints maps each model to its fixed server sync endpoint.
var endpoints = map[string]string{
	ModelShoppingList:     "/api/lists/sync/",
	ModelShoppingListItem: "/api/lists/items/sync/",
	ModelUserProfile:      "/api/profile/sync/",
	ModelProduct:          "/api/products/sync/",
}

// partitions maps each model to the durable-store partition mirroring it.
var partitions = map[string]string{
	ModelShoppingList:     store.PartitionLists,
	ModelShoppingListItem: store.PartitionItems,
	ModelProduct:          store.PartitionProducts,
	ModelUserProfile:      store.PartitionUserPreferences,
}

// Endpoint returns the sync endpoint path for model.
func Endpoint(model string) (string, bool) {
	ep, ok := endpoints[model]
	return ep, ok
}

// PartitionFor returns the cached-entity partition for model.
func PartitionFor(model string) (string, bool) {
	p, ok := partitions[model]
	return p, ok
}

// Models returns every model with a registered endpoint, sorted.
func Models() []string {
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	syncLogPartition = store.PartitionSyncLog
	preferencesKey   = store.UserPreferencesKey
)
