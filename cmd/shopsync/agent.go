package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"go.uber.org/multierr"

	"github.com/shopsmart/shopsync/internal/api"
	"github.com/shopsmart/shopsync/internal/appstate"
	"github.com/shopsmart/shopsync/internal/config"
	"github.com/shopsmart/shopsync/internal/connectivity"
	"github.com/shopsmart/shopsync/internal/credentials"
	"github.com/shopsmart/shopsync/internal/httpcache"
	"github.com/shopsmart/shopsync/internal/messaging"
	"github.com/shopsmart/shopsync/internal/offline"
	"github.com/shopsmart/shopsync/internal/store"
	offlinesync "github.com/shopsmart/shopsync/internal/sync"
	"github.com/shopsmart/shopsync/internal/syncqueue"
)

// agent holds every long-lived component of a running ShopSync process.
type agent struct {
	cfg *config.Config

	store        *store.SQLiteStore
	cacheStorage *httpcache.Storage

	client  *http.Client
	tokens  credentials.Supplier
	hub     *messaging.Hub
	state   *appstate.Store
	monitor *connectivity.Monitor
	queue   *syncqueue.Queue
	offline *offline.Manager
	cache   *httpcache.Manager
	bgsync  *httpcache.BackgroundQueue
}

// newAgent opens both stores and wires the components together. The agent
// starts online; a connectivity probe or the page corrects that.
func newAgent(ctx context.Context, cfg *config.Config) (_ *agent, err error) {
	a := &agent{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	slog.Info("store initialized", "component", "main", "path", cfg.Database.Path)

	a.cacheStorage, err = httpcache.OpenStorage(cfg.Cache.Path)
	if err != nil {
		return nil, err
	}
	slog.Info("cache storage initialized", "component", "main", "path", cfg.Cache.Path)

	a.client, a.tokens, err = newOriginClient(cfg)
	if err != nil {
		return nil, err
	}

	a.hub = messaging.NewHub(originPatterns(cfg.Origin)...)
	a.state = appstate.New(cfg.Cache.Version, statePublisher{hub: a.hub})

	a.monitor = connectivity.NewMonitor(true, a.drain, a.state)

	synchronizer := offlinesync.NewSynchronizer(cfg.Origin.BaseURL, a.client, a.store, a.tokens,
		time.Duration(cfg.Sync.RequestTimeout))
	a.queue, err = syncqueue.New(ctx, a.store, synchronizer, syncqueue.Options{
		Tokens:          a.tokens,
		Online:          a.monitor,
		Observer:        queueObserver{state: a.state},
		DeadLetterAfter: cfg.Sync.DeadLetterAfter,
	})
	if err != nil {
		return nil, err
	}

	a.offline = offline.NewManager(a.store, a.queue)

	a.bgsync, err = httpcache.NewBackgroundQueue(a.cacheStorage, cfg.Origin.BaseURL, httpcache.BackgroundOptions{
		MaxAttempts: cfg.BackgroundSync.MaxAttempts,
		BackoffUnit: time.Duration(cfg.BackgroundSync.BackoffUnit),
	})
	if err != nil {
		return nil, err
	}

	a.cache, err = newCacheManager(cfg, a.cacheStorage, a.client, a.hub, a.state, a.bgsync)
	if err != nil {
		return nil, err
	}

	a.hub.SetHandler(a.handleMessage)
	return a, nil
}

// newOriginClient returns the client used for every origin request. Its
// cookie jar is shared by the cache proxy and the CSRF token supplier.
// Waiting for response headers is bounded by sync.request_timeout; bodies
// may stream for longer.
func newOriginClient(cfg *config.Config) (*http.Client, credentials.Supplier, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create cookie jar: %w", err)
	}
	timeout := time.Duration(cfg.Sync.RequestTimeout)
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	client := &http.Client{Jar: jar, Transport: transport}
	tokens, err := credentials.NewCookieSupplier(client, cfg.Origin.BaseURL, cfg.Origin.CSRFCookie, cfg.Origin.TokenPath, timeout)
	if err != nil {
		return nil, nil, err
	}
	return client, tokens, nil
}

// newCacheManager builds the HTTP cache manager from configuration.
// hub, state and bgsync may be nil for one-shot maintenance commands.
func newCacheManager(cfg *config.Config, storage *httpcache.Storage, client *http.Client,
	hub httpcache.Broadcaster, state httpcache.StateSink, bgsync httpcache.BackgroundSync) (*httpcache.Manager, error) {
	rules := httpcache.DefaultRules()
	if len(cfg.Cache.StaticPrefixes) > 0 {
		rules.StaticPrefixes = cfg.Cache.StaticPrefixes
	}
	if len(cfg.Cache.APIPrefixes) > 0 {
		rules.APIPrefixes = cfg.Cache.APIPrefixes
	}
	if len(cfg.Cache.ImagePrefixes) > 0 {
		rules.ImagePrefixes = cfg.Cache.ImagePrefixes
	}

	return httpcache.NewManager(storage, httpcache.Options{
		Origin:         cfg.Origin.BaseURL,
		TrustedOrigins: cfg.Origin.TrustedOrigins,
		Version:        cfg.Cache.Version,
		Limits: map[httpcache.Kind]int{
			httpcache.KindStatic:  cfg.Cache.Limits.Static,
			httpcache.KindDynamic: cfg.Cache.Limits.Dynamic,
			httpcache.KindAPI:     cfg.Cache.Limits.API,
			httpcache.KindImages:  cfg.Cache.Limits.Images,
		},
		NetworkTimeout: time.Duration(cfg.Cache.NetworkTimeout),
		Precache:       cfg.Cache.Precache,
		OfflinePage:    cfg.Cache.OfflinePage,
		SkipWaiting:    cfg.Cache.SkipWaiting,
		Rules:          &rules,
		Client:         client,
		Hub:            hub,
		State:          state,
		BackgroundSync: bgsync,
	})
}

// originPatterns returns the hosts allowed to open the message channel.
func originPatterns(cfg config.OriginConfig) []string {
	var patterns []string
	for _, raw := range append([]string{cfg.BaseURL}, cfg.TrustedOrigins...) {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

// handler returns the local API and cache router.
func (a *agent) handler() http.Handler {
	h := api.NewHandler(api.Options{
		Queue:        a.queue,
		Offline:      a.offline,
		Cache:        a.cache,
		Connectivity: a.monitor,
		State:        a.state,
		Events:       a.hub,
		APIKey:       a.cfg.Auth.APIKey,
		Version:      Version,
	})
	return api.NewRouter(h)
}

// drain is the connectivity monitor's reconnect action.
func (a *agent) drain(ctx context.Context) error {
	_, err := a.queue.Drain(ctx)
	return err
}

// handleMessage dispatches a message received from a page.
func (a *agent) handleMessage(ctx context.Context, msg messaging.Message) {
	switch msg.Type {
	case messaging.TypeOnline:
		a.monitor.Report(ctx, true)
	case messaging.TypeOffline:
		a.monitor.Report(ctx, false)
	default:
		a.cache.HandleMessage(ctx, msg)
	}
}

// Close waits for background work and closes both stores.
func (a *agent) Close() error {
	if a.monitor != nil {
		a.monitor.Wait()
	}
	if a.queue != nil {
		a.queue.Wait()
	}
	if a.cache != nil {
		a.cache.Retire()
		a.cache.Wait()
	}

	var err error
	if a.cacheStorage != nil {
		err = multierr.Append(err, a.cacheStorage.Close())
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}

// statePublisher broadcasts every state change to connected pages.
type statePublisher struct {
	hub *messaging.Hub
}

func (p statePublisher) PublishState(s appstate.State) {
	p.hub.Broadcast(messaging.NewMessage(messaging.TypeState, s))
}

// queueObserver feeds queue changes into the application state.
type queueObserver struct {
	state *appstate.Store
}

func (o queueObserver) QueueChanged(pending, deadLetters int) {
	o.state.QueueChanged(pending, deadLetters)
}

func (o queueObserver) DrainFinished(_ syncqueue.DrainResult, err error) {
	o.state.RecordDrain(err)
}
