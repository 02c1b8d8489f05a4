// Package e2e drives a fully wired agent over HTTP against a fake origin.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopsmart/shopsync/internal/api"
	"github.com/shopsmart/shopsync/internal/appstate"
	"github.com/shopsmart/shopsync/internal/connectivity"
	"github.com/shopsmart/shopsync/internal/credentials"
	"github.com/shopsmart/shopsync/internal/httpcache"
	"github.com/shopsmart/shopsync/internal/messaging"
	"github.com/shopsmart/shopsync/internal/offline"
	"github.com/shopsmart/shopsync/internal/store"
	offlinesync "github.com/shopsmart/shopsync/internal/sync"
	"github.com/shopsmart/shopsync/internal/syncqueue"
)

const testVersion = "v4"

// --- Fake Origin ---

type receivedBatch struct {
	Path  string
	Token string
	Body  offlinesync.BatchRequest
}

// fakeOrigin plays the ShopSmart server. Pages and API responses are
// served from a fixed table; sync endpoints record each batch.
type fakeOrigin struct {
	srv *httptest.Server

	mu      sync.Mutex
	down    bool
	pages   map[string]string
	batches []receivedBatch
	// reply is returned from every sync endpoint
	reply string
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{
		pages: map[string]string{
			"/app/":                         "<html>home</html>",
			"/app/offline/":                 "<html>offline</html>",
			"/app/lists/":                   "<html>lists</html>",
			"/static/css/main.css":          "body{}",
			"/static/js/app.js":             "app()",
			"/static/js/offline-manager.js": "offline()",
			"/static/manifest.json":         `{"name":"ShopSmart"}`,
			"/api/lists/":                   `[{"id":1,"name":"Groceries"}]`,
		},
		reply: `{"success":true}`,
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *fakeOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	down := o.down
	o.mu.Unlock()
	if down {
		panic(http.ErrAbortHandler)
	}

	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sync/") {
		var body offlinesync.BatchRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		o.mu.Lock()
		o.batches = append(o.batches, receivedBatch{
			Path:  r.URL.Path,
			Token: r.Header.Get("X-CSRF-Token"),
			Body:  body,
		})
		reply := o.reply
		o.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, reply)
		return
	}

	o.mu.Lock()
	page, ok := o.pages[r.URL.Path]
	o.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "origin-token", Path: "/"})
	switch {
	case strings.HasSuffix(r.URL.Path, ".css"):
		w.Header().Set("Content-Type", "text/css")
	case strings.HasSuffix(r.URL.Path, ".js"):
		w.Header().Set("Content-Type", "application/javascript")
	case strings.HasPrefix(r.URL.Path, "/api/"), strings.HasSuffix(r.URL.Path, ".json"):
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "text/html")
	}
	io.WriteString(w, page)
}

func (o *fakeOrigin) setDown(down bool) {
	o.mu.Lock()
	o.down = down
	o.mu.Unlock()
}

func (o *fakeOrigin) setPage(path, body string) {
	o.mu.Lock()
	o.pages[path] = body
	o.mu.Unlock()
}

func (o *fakeOrigin) setReply(reply string) {
	o.mu.Lock()
	o.reply = reply
	o.mu.Unlock()
}

func (o *fakeOrigin) received() []receivedBatch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]receivedBatch(nil), o.batches...)
}

// --- Agent Setup ---

type testAgent struct {
	origin  *fakeOrigin
	srv     *httptest.Server
	store   *store.SQLiteStore
	cache   *httpcache.Manager
	queue   *syncqueue.Queue
	monitor *connectivity.Monitor
	state   *appstate.Store
	hub     *messaging.Hub
}

type hubPublisher struct{ hub *messaging.Hub }

func (p hubPublisher) PublishState(s appstate.State) {
	p.hub.Broadcast(messaging.NewMessage(messaging.TypeState, s))
}

type stateObserver struct{ state *appstate.Store }

func (o stateObserver) QueueChanged(pending, deadLetters int) {
	o.state.QueueChanged(pending, deadLetters)
}

func (o stateObserver) DrainFinished(_ syncqueue.DrainResult, err error) {
	o.state.RecordDrain(err)
}

// setupAgent wires every component the way the shopsync binary does and
// installs the cache worker.
func setupAgent(t *testing.T) *testAgent {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	a := &testAgent{origin: newFakeOrigin(t)}

	var err error
	a.store, err = store.Open(ctx, filepath.Join(dir, "shopsync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cacheStorage, err := httpcache.OpenStorage(filepath.Join(dir, "httpcache.db"))
	if err != nil {
		t.Fatalf("open cache storage: %v", err)
	}

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}
	tokens, err := credentials.NewCookieSupplier(client, a.origin.srv.URL, "csrftoken", "/app/", 2*time.Second)
	if err != nil {
		t.Fatalf("cookie supplier: %v", err)
	}

	a.hub = messaging.NewHub()
	a.state = appstate.New(testVersion, hubPublisher{hub: a.hub})

	a.monitor = connectivity.NewMonitor(true, func(ctx context.Context) error {
		_, err := a.queue.Drain(ctx)
		return err
	}, a.state)

	synchronizer := offlinesync.NewSynchronizer(a.origin.srv.URL, client, a.store, tokens, 2*time.Second)
	a.queue, err = syncqueue.New(ctx, a.store, synchronizer, syncqueue.Options{
		Tokens:   tokens,
		Online:   a.monitor,
		Observer: stateObserver{state: a.state},
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	bgsync, err := httpcache.NewBackgroundQueue(cacheStorage, a.origin.srv.URL, httpcache.BackgroundOptions{
		MaxAttempts: 3,
		BackoffUnit: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("background queue: %v", err)
	}

	cfgPrecache := []string{
		"/app/",
		"/app/offline/",
		"/static/css/main.css",
		"/static/js/app.js",
		"/static/js/offline-manager.js",
		"/static/manifest.json",
	}
	a.cache, err = httpcache.NewManager(cacheStorage, httpcache.Options{
		Origin:         a.origin.srv.URL,
		Version:        testVersion,
		NetworkTimeout: 2 * time.Second,
		Precache:       cfgPrecache,
		OfflinePage:    "/app/offline/",
		SkipWaiting:    true,
		Client:         client,
		Hub:            a.hub,
		State:          a.state,
		BackgroundSync: bgsync,
	})
	if err != nil {
		t.Fatalf("new cache manager: %v", err)
	}

	a.hub.SetHandler(func(ctx context.Context, msg messaging.Message) {
		switch msg.Type {
		case messaging.TypeOnline:
			a.monitor.Report(ctx, true)
		case messaging.TypeOffline:
			a.monitor.Report(ctx, false)
		default:
			a.cache.HandleMessage(ctx, msg)
		}
	})

	h := api.NewHandler(api.Options{
		Queue:        a.queue,
		Offline:      offline.NewManager(a.store, a.queue),
		Cache:        a.cache,
		Connectivity: a.monitor,
		State:        a.state,
		Events:       a.hub,
		Version:      "e2e",
	})
	a.srv = httptest.NewServer(api.NewRouter(h))

	t.Cleanup(func() {
		a.srv.Close()
		a.monitor.Wait()
		a.queue.Wait()
		a.cache.Retire()
		a.cache.Wait()
		cacheStorage.Close()
		a.store.Close()
	})

	if err := a.cache.Install(ctx); err != nil {
		t.Fatalf("install cache: %v", err)
	}
	return a
}

// --- HTTP Helpers ---

func (a *testAgent) do(t *testing.T, method, path, accept string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status = %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}

// goOffline and goOnline report connectivity the way a page does.
func (a *testAgent) goOffline(t *testing.T) {
	t.Helper()
	a.origin.setDown(true)
	expectStatus(t, a.do(t, http.MethodPost, "/local/v1/connectivity", "", map[string]bool{"online": false}), http.StatusOK)
}

func (a *testAgent) goOnline(t *testing.T) {
	t.Helper()
	a.origin.setDown(false)
	expectStatus(t, a.do(t, http.MethodPost, "/local/v1/connectivity", "", map[string]bool{"online": true}), http.StatusOK)
	a.monitor.Wait()
}

func (a *testAgent) pending(t *testing.T) int {
	t.Helper()
	n, err := a.queue.Len(context.Background())
	if err != nil {
		t.Fatalf("queue length: %v", err)
	}
	return n
}
