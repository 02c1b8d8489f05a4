// Package httpcache is the caching layer between pages and the origin.
// It intercepts GET traffic, serves it from version-stamped cache
// partitions according to a per-request strategy, and synthesizes
// offline fallbacks when neither the network nor the cache can answer.
package httpcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/shopsmart/shopsync/internal/messaging"
)

// Defaults for Options.
const (
	DefaultVersion        = "v4"
	DefaultNetworkTimeout = 5 * time.Second
	DefaultOfflinePage    = "/app/offline/"
	partitionPrefix       = "shopsmart-"
	precacheConcurrency   = 6
)

// DefaultLimits are the per-partition entry ceilings.
var DefaultLimits = map[Kind]int{
	KindStatic:  200,
	KindDynamic: 100,
	KindAPI:     30,
	KindImages:  50,
}

// DefaultPrecache is the manifest of critical assets cached on install.
var DefaultPrecache = []string{
	"/",
	"/app/",
	"/app/offline/",
	"/static/css/main.css",
	"/static/css/mobile.css",
	"/static/js/app.js",
	"/static/js/offline-data-manager.js",
	"/static/manifest.json",
	"/static/icons/icon-192x192.png",
	"/static/icons/icon-512x512.png",
}

// ErrRedundant is returned when a retired manager is asked to activate.
var ErrRedundant = errors.New("cache manager is redundant")

// LifecycleState is the installable-worker lifecycle.
type LifecycleState int32

// Lifecycle states.
const (
	StateInstalling LifecycleState = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s LifecycleState) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

// Broadcaster reaches connected page clients. *messaging.Hub satisfies it.
type Broadcaster interface {
	Broadcast(msg messaging.Message)
	ClientCount() int
}

// StateSink records lifecycle changes. *appstate.Store satisfies it.
type StateSink interface {
	SetWorkerState(state string)
	SetCacheVersion(version string)
}

// Options configures a Manager.
type Options struct {
	Origin         string
	TrustedOrigins []string
	Version        string
	Limits         map[Kind]int
	NetworkTimeout time.Duration
	Precache       []string
	OfflinePage    string
	SkipWaiting    bool
	Rules          *Rules

	// Client fetches from the network. Redirects are always returned to
	// the page rather than followed.
	Client *http.Client

	Hub            Broadcaster
	State          StateSink
	BackgroundSync BackgroundSync
}

// Manager is the request-intercepting cache.
type Manager struct {
	storage  *Storage
	origin   *url.URL
	trusted  map[string]bool
	version  string
	limits   map[Kind]int
	timeout  time.Duration
	maxBody  int64
	precache []string
	offline  string
	skip     bool
	rules    Rules
	client   *http.Client
	hub      Broadcaster
	sink     StateSink
	bgsync   BackgroundSync
	proxy    *httputil.ReverseProxy

	state atomic.Int32
	mu    sync.Mutex

	background sync.WaitGroup
}

// NewManager creates a Manager over storage.
func NewManager(storage *Storage, opts Options) (*Manager, error) {
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", opts.Origin)
	}

	m := &Manager{
		storage:  storage,
		origin:   origin,
		trusted:  make(map[string]bool),
		version:  opts.Version,
		limits:   make(map[Kind]int),
		timeout:  opts.NetworkTimeout,
		maxBody:  maxBodySize,
		precache: opts.Precache,
		offline:  opts.OfflinePage,
		skip:     opts.SkipWaiting,
		hub:      opts.Hub,
		sink:     opts.State,
		bgsync:   opts.BackgroundSync,
	}
	if m.version == "" {
		m.version = DefaultVersion
	}
	if m.timeout <= 0 {
		m.timeout = DefaultNetworkTimeout
	}
	if m.precache == nil {
		m.precache = DefaultPrecache
	}
	if m.offline == "" {
		m.offline = DefaultOfflinePage
	}
	m.rules = DefaultRules()
	if opts.Rules != nil {
		m.rules = *opts.Rules
	}
	for k, v := range DefaultLimits {
		m.limits[k] = v
	}
	for k, v := range opts.Limits {
		m.limits[k] = v
	}
	for _, raw := range opts.TrustedOrigins {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			m.trusted[u.Host] = true
		}
	}

	client := &http.Client{}
	if opts.Client != nil {
		c := *opts.Client
		client = &c
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	m.client = client

	m.proxy = &httputil.ReverseProxy{
		Rewrite:        m.rewrite,
		Transport:      client.Transport,
		ModifyResponse: m.captureResponseCookies,
		ErrorHandler:   m.proxyError,
	}

	m.setState(StateInstalling)
	if m.sink != nil {
		m.sink.SetCacheVersion(m.version)
	}
	return m, nil
}

// Version returns the cache version stamp.
func (m *Manager) Version() string {
	return m.version
}

// PartitionName returns the version-stamped name of a partition kind.
func (m *Manager) PartitionName(kind Kind) string {
	return partitionPrefix + string(kind) + "-" + m.version
}

// CurrentPartitions returns the partition names of the active version.
func (m *Manager) CurrentPartitions() []string {
	names := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		names = append(names, m.PartitionName(k))
	}
	return names
}

// State returns the lifecycle state.
func (m *Manager) State() LifecycleState {
	return LifecycleState(m.state.Load())
}

func (m *Manager) setState(s LifecycleState) {
	m.state.Store(int32(s))
	if m.sink != nil {
		m.sink.SetWorkerState(s.String())
	}
	slog.Debug("cache worker state changed",
		"component", "httpcache",
		"state", s.String(),
		"version", m.version,
	)
}

func (m *Manager) broadcast(msg messaging.Message) {
	if m.hub != nil {
		m.hub.Broadcast(msg)
	}
}

func (m *Manager) clientCount() int {
	if m.hub == nil {
		return 0
	}
	return m.hub.ClientCount()
}

// Install precaches the asset manifest into the static partition. Asset
// failures are logged and tolerated. The worker then activates right away
// when skip-waiting is set or no page is connected; otherwise it waits
// for SkipWaiting.
func (m *Manager) Install(ctx context.Context) error {
	m.mu.Lock()
	if m.State() == StateRedundant {
		m.mu.Unlock()
		return ErrRedundant
	}
	m.setState(StateInstalling)
	m.mu.Unlock()

	cached, failed := m.precacheAssets(ctx)
	slog.Info("cache worker installed",
		"component", "httpcache",
		"version", m.version,
		"precached", cached,
		"failed", failed,
	)

	m.mu.Lock()
	m.setState(StateInstalled)
	m.mu.Unlock()

	if m.skip || m.clientCount() == 0 {
		return m.Activate(ctx)
	}
	return nil
}

func (m *Manager) precacheAssets(ctx context.Context) (int, int) {
	var cached, failed atomic.Int32
	partition := m.PartitionName(KindStatic)

	var g errgroup.Group
	g.SetLimit(precacheConcurrency)
	for _, asset := range m.precache {
		g.Go(func() error {
			target := m.resolve(asset)
			e, err := m.fetchComplete(ctx, target, nil)
			if err == nil && !isOK(e.Status) {
				err = fmt.Errorf("status %d", e.Status)
			}
			if err != nil {
				failed.Add(1)
				slog.Warn("precache failed",
					"component", "httpcache",
					"asset", asset,
					"error", err,
				)
				return nil
			}
			if err := m.storage.Put(partition, cacheable(e)); err != nil {
				failed.Add(1)
				slog.Warn("precache store failed",
					"component", "httpcache",
					"asset", asset,
					"error", err,
				)
				return nil
			}
			cached.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(cached.Load()), int(failed.Load())
}

// SkipWaiting activates a worker waiting in the installed state.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	if m.State() != StateInstalled {
		return nil
	}
	return m.Activate(ctx)
}

// Activate deletes every partition outside the current version set and
// claims connected pages.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateRedundant:
		return ErrRedundant
	case StateActivated:
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.setState(StateActivating)

	current := make(map[string]bool)
	for _, name := range m.CurrentPartitions() {
		current[name] = true
	}

	existing, err := m.storage.Partitions()
	var errs error
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("list partitions: %w", err))
	}
	deleted := 0
	for _, name := range existing {
		if current[name] {
			continue
		}
		if err := m.storage.DeletePartition(name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete partition %s: %w", name, err))
			continue
		}
		deleted++
		slog.Info("deleted stale cache partition",
			"component", "httpcache",
			"partition", name,
		)
	}

	m.setState(StateActivated)
	m.broadcast(messaging.NewMessage(messaging.TypeControllerChange, map[string]string{"version": m.version}))
	slog.Info("cache worker activated",
		"component", "httpcache",
		"version", m.version,
		"deleted_partitions", deleted,
	)
	return errs
}

// Retire marks the manager redundant. It stops intercepting requests.
func (m *Manager) Retire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setState(StateRedundant)
}

// ClearAll deletes every cache partition.
func (m *Manager) ClearAll(ctx context.Context) error {
	names, err := m.storage.Partitions()
	if err != nil {
		return err
	}
	var errs error
	for _, name := range names {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		if err := m.storage.DeletePartition(name); err != nil && !errors.Is(err, ErrNoPartition) {
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil {
		m.broadcast(messaging.NewMessage(messaging.TypeCacheCleared, nil))
		slog.Info("all cache partitions cleared", "component", "httpcache", "partitions", len(names))
	}
	return errs
}

// Stats reports per-partition usage.
func (m *Manager) Stats() ([]PartitionStats, error) {
	return m.storage.Stats()
}

// HandleMessage applies a control message sent by a page.
func (m *Manager) HandleMessage(ctx context.Context, msg messaging.Message) {
	var err error
	switch msg.Type {
	case messaging.TypeSkipWaiting:
		err = m.SkipWaiting(ctx)
	case messaging.TypeClearCache:
		err = m.ClearAll(ctx)
	default:
		return
	}
	if err != nil {
		slog.Warn("page message failed",
			"component", "httpcache",
			"type", msg.Type,
			"error", err,
		)
	}
}

// Wait blocks until background refreshes and trims have finished.
func (m *Manager) Wait() {
	m.background.Wait()
}

// goBackground runs fn detached from the request that triggered it.
func (m *Manager) goBackground(fn func(ctx context.Context)) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background cache task panicked",
					"component", "httpcache",
					"panic", r,
				)
			}
		}()
		fn(context.Background())
	}()
}

// trimAsync enforces the ceiling of kind's partition after a write.
func (m *Manager) trimAsync(kind Kind) {
	limit := m.limits[kind]
	if limit <= 0 {
		return
	}
	partition := m.PartitionName(kind)
	m.goBackground(func(context.Context) {
		n, err := m.storage.Trim(partition, limit)
		if err != nil {
			slog.Warn("cache trim failed",
				"component", "httpcache",
				"partition", partition,
				"error", err,
			)
			return
		}
		if n > 0 {
			slog.Debug("cache trimmed",
				"component", "httpcache",
				"partition", partition,
				"evicted", n,
			)
		}
	})
}
