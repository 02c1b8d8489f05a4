package httpcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundQueue_ClassifiesReplies(t *testing.T) {
	// Given: an origin that accepts /ok, rejects /bad and is down for /down
	var mu sync.Mutex
	calls := map[string]int{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls[r.URL.Path]++
		mu.Unlock()
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer origin.Close()

	s := openTestStorage(t)
	q, err := NewBackgroundQueue(s, origin.URL, BackgroundOptions{BackoffUnit: time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	for _, path := range []string{"/ok", "/bad", "/down"} {
		_, err := q.Register(ctx, BackgroundTask{Tag: TagListItems, URL: path, Data: json.RawMessage(`{"name":"Milk"}`)})
		require.NoError(t, err)
	}

	// When
	report, err := q.HandleSync(ctx, TagListItems)

	// Then: success and 4xx leave the queue, the transient failure stays
	require.Error(t, err)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 1, report.Remaining)
	assert.Equal(t, 1, calls["/ok"])
	assert.Equal(t, 1, calls["/bad"])
	assert.Equal(t, 3, calls["/down"])

	left, err := q.Tasks(ctx, TagListItems)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "/down", left[0].URL)
}

func TestBackgroundQueue_StopsWhenEmpty(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()

	q, err := NewBackgroundQueue(openTestStorage(t), origin.URL, BackgroundOptions{BackoffUnit: time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = q.Register(ctx, BackgroundTask{Tag: TagShoppingLists, URL: "/api/lists/sync/"})
	require.NoError(t, err)
	_, err = q.Register(ctx, BackgroundTask{Tag: TagListItems, URL: "/api/lists/items/sync/"})
	require.NoError(t, err)

	report, err := q.HandleSync(ctx, TagShoppingLists)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, 1, report.Sent)

	tags, err := q.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{TagListItems}, tags, "other tags are untouched")
}

func TestBackgroundQueue_NetworkErrorIsTransient(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := origin.URL
	origin.Close()

	q, err := NewBackgroundQueue(openTestStorage(t), url, BackgroundOptions{BackoffUnit: time.Millisecond, MaxAttempts: 2})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = q.Register(ctx, BackgroundTask{Tag: TagShoppingLists, URL: "/api/lists/sync/"})
	require.NoError(t, err)

	report, err := q.HandleSync(ctx, TagShoppingLists)
	require.Error(t, err)
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, 1, report.Remaining)
}

func TestBackgroundQueue_RegisterValidates(t *testing.T) {
	q, err := NewBackgroundQueue(openTestStorage(t), "http://origin.test", BackgroundOptions{})
	require.NoError(t, err)

	_, err = q.Register(context.Background(), BackgroundTask{URL: "/x"})
	assert.ErrorIs(t, err, ErrInvalidTask)

	task, err := q.Register(context.Background(), BackgroundTask{Tag: "sync-products", URL: "/x"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, http.MethodPost, task.Method)
}

func TestManager_RegisterSyncWithoutCapabilitySendsDirectly(t *testing.T) {
	var got string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Method + " " + r.URL.Path
	}))
	defer origin.Close()

	m, err := NewManager(openTestStorage(t), Options{Origin: origin.URL})
	require.NoError(t, err)
	assert.Nil(t, m.BackgroundSync())

	_, err = m.RegisterSync(context.Background(), BackgroundTask{Tag: TagShoppingLists, URL: "/api/lists/sync/"})
	require.NoError(t, err)
	assert.Equal(t, "POST /api/lists/sync/", got)
}
