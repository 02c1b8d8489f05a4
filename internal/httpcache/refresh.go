package httpcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.uber.org/multierr"
)

// listsPathMarker selects the cached API entries refreshed periodically.
const listsPathMarker = "/app/lists/"

// RefreshLists re-fetches every cached shopping-list response in the API
// partition so offline reads stay current. It returns how many entries
// were updated.
func (m *Manager) RefreshLists(ctx context.Context) (int, error) {
	if m.State() != StateActivated {
		return 0, nil
	}

	partition := m.PartitionName(KindAPI)
	keys, err := m.storage.Keys(partition)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	var errs error
	for _, key := range keys {
		if ctx.Err() != nil {
			return refreshed, multierr.Append(errs, ctx.Err())
		}
		target, ok := strings.CutPrefix(key, http.MethodGet+" ")
		if !ok || !strings.Contains(target, listsPathMarker) {
			continue
		}

		e, err := m.fetchComplete(ctx, target, http.Header{"Accept": []string{"application/json"}})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("refresh %s: %w", target, err))
			continue
		}
		if !isOK(e.Status) {
			continue
		}
		if err := m.storage.Put(partition, cacheable(e)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("store %s: %w", target, err))
			continue
		}
		refreshed++
	}

	if refreshed > 0 || errs != nil {
		slog.Info("cached lists refreshed",
			"component", "httpcache",
			"refreshed", refreshed,
			"failed", len(multierr.Errors(errs)),
		)
	}
	return refreshed, errs
}
