package httpcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxBodySize caps how much of a response is buffered for caching. Larger
// responses are passed through uncached.
const maxBodySize = 32 << 20

// errTooLarge is returned where a response must be stored whole.
var errTooLarge = errors.New("response exceeds cache size limit")

// CacheHeader tells the page where a response came from.
const CacheHeader = "X-Shopsync-Cache"

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request headers not forwarded on intercepted fetches, so the network
// always answers with a full, cacheable body.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Range",
	"Range",
}

// ServeHTTP intercepts GET requests to the origin or a trusted origin.
// Everything else is passed through untouched.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		m.rememberCookies(m.origin, r.Cookies())
	}
	if m.State() != StateActivated || r.Method != http.MethodGet {
		m.proxy.ServeHTTP(w, r)
		return
	}

	target, ok := m.interceptTarget(r)
	if !ok {
		// cross-origin: network only
		m.proxy.ServeHTTP(w, r)
		return
	}

	d := m.rules.Classify(r)
	switch d.Strategy {
	case CacheFirst:
		m.cacheFirst(w, r, target, d.Kind)
	case StaleWhileRevalidate:
		m.staleWhileRevalidate(w, r, target, d.Kind)
	default:
		m.networkFirst(w, r, target, d.Kind)
	}
}

// interceptTarget resolves the absolute URL of an interceptable request.
func (m *Manager) interceptTarget(r *http.Request) (string, bool) {
	if !r.URL.IsAbs() {
		return m.origin.Scheme + "://" + m.origin.Host + r.URL.RequestURI(), true
	}
	if r.URL.Scheme != m.origin.Scheme {
		return "", false
	}
	if r.URL.Host != m.origin.Host && !m.trusted[r.URL.Host] {
		return "", false
	}
	return r.URL.String(), true
}

func (m *Manager) resolve(path string) string {
	return m.origin.Scheme + "://" + m.origin.Host + path
}

func (m *Manager) offlinePageKey() string {
	return cacheKey(http.MethodGet, m.resolve(m.offline))
}

func cacheKey(method, target string) string {
	return method + " " + target
}

func (m *Manager) rewrite(pr *httputil.ProxyRequest) {
	if pr.In.URL.IsAbs() {
		out := *pr.In.URL
		pr.Out.URL = &out
		pr.Out.Host = out.Host
		return
	}
	pr.SetURL(m.origin)
	pr.Out.Host = m.origin.Host
	pr.SetXForwarded()
}

// rememberCookies records origin cookies in the client jar, so that
// credential lookups sharing the jar see what the page sees.
func (m *Manager) rememberCookies(u *url.URL, cookies []*http.Cookie) {
	if m.client.Jar == nil || len(cookies) == 0 {
		return
	}
	m.client.Jar.SetCookies(u, cookies)
}

func (m *Manager) captureResponseCookies(resp *http.Response) error {
	if resp.Request != nil {
		m.rememberCookies(resp.Request.URL, resp.Cookies())
	}
	return nil
}

// proxyError answers a failed passthrough with the offline fallback.
func (m *Manager) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Warn("passthrough request failed",
		"component", "httpcache",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	e := m.fallback(r)
	if e.Status < http.StatusInternalServerError {
		e = textEntry(http.StatusBadGateway, "text/plain; charset=utf-8", "Offline")
	}
	writeEntry(w, e, "fallback")
}

// fetch performs a time-boxed GET and buffers the whole response. Only
// transport failures are errors; any HTTP status is a response.
//
// A body over the buffer limit is returned with its unread remainder in
// overflow. The deadline stops applying once that remainder is handed off;
// the caller must write or discard the entry.
func (m *Manager) fetch(ctx context.Context, target string, header http.Header) (*Entry, error) {
	ctx, cancel := context.WithCancel(ctx)
	deadline := time.AfterFunc(m.timeout, cancel)
	handedOff := false
	defer func() {
		if !handedOff {
			deadline.Stop()
			cancel()
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for k, vv := range header {
		req.Header[k] = append([]string(nil), vv...)
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	for _, h := range conditionalHeaders {
		req.Header.Del(h)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBody+1))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	h := resp.Header.Clone()
	for _, name := range hopHeaders {
		h.Del(name)
	}
	h.Del("Content-Length")

	e := &Entry{
		Key:      cacheKey(http.MethodGet, target),
		Method:   http.MethodGet,
		URL:      target,
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	if int64(len(body)) <= m.maxBody {
		resp.Body.Close()
		return e, nil
	}

	if !deadline.Stop() {
		resp.Body.Close()
		return nil, context.DeadlineExceeded
	}
	e.overflow = &overflowBody{ReadCloser: resp.Body, cancel: cancel}
	handedOff = true
	slog.Debug("response too large to cache, passing through",
		"component", "httpcache",
		"url", target,
		"limit", m.maxBody,
	)
	return e, nil
}

// fetchComplete is fetch for callers that store the result directly.
func (m *Manager) fetchComplete(ctx context.Context, target string, header http.Header) (*Entry, error) {
	e, err := m.fetch(ctx, target, header)
	if err != nil {
		return nil, err
	}
	if e.overflow != nil {
		e.discard()
		return nil, errTooLarge
	}
	return e, nil
}

// overflowBody is the unread remainder of an oversized response. Closing
// it ends the request.
type overflowBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *overflowBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// discard releases the unread remainder of an oversized response.
func (e *Entry) discard() {
	if e.overflow != nil {
		e.overflow.Close()
		e.overflow = nil
	}
}

// cacheable returns the copy of e that is safe to store.
func cacheable(e *Entry) *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Header.Del("Set-Cookie")
	return &c
}

func isOK(status int) bool {
	return status >= 200 && status <= 299
}

// put stores a successful response and schedules a trim of its partition.
func (m *Manager) put(kind Kind, e *Entry) {
	if !isOK(e.Status) || e.overflow != nil {
		return
	}
	partition := m.PartitionName(kind)
	if err := m.storage.Put(partition, cacheable(e)); err != nil {
		slog.Warn("cache write failed",
			"component", "httpcache",
			"partition", partition,
			"url", e.URL,
			"error", err,
		)
		return
	}
	m.trimAsync(kind)
}

func (m *Manager) match(kind Kind, target string) *Entry {
	e, err := m.storage.Match(m.PartitionName(kind), cacheKey(http.MethodGet, target))
	if err != nil {
		slog.Warn("cache read failed",
			"component", "httpcache",
			"url", target,
			"error", err,
		)
		return nil
	}
	return e
}

func (m *Manager) cacheFirst(w http.ResponseWriter, r *http.Request, target string, kind Kind) {
	if cached := m.match(kind, target); cached != nil {
		writeEntry(w, cached, "hit")
		return
	}

	e, err := m.fetch(r.Context(), target, r.Header)
	if err != nil {
		m.logNetworkFailure(target, CacheFirst, err)
		writeEntry(w, m.fallback(r), "fallback")
		return
	}
	m.put(kind, e)
	writeEntry(w, e, "network")
}

func (m *Manager) networkFirst(w http.ResponseWriter, r *http.Request, target string, kind Kind) {
	e, err := m.fetch(r.Context(), target, r.Header)
	if err == nil {
		m.put(kind, e)
		writeEntry(w, e, "network")
		return
	}
	m.logNetworkFailure(target, NetworkFirst, err)

	if cached := m.match(kind, target); cached != nil {
		writeEntry(w, cached, "hit")
		return
	}
	writeEntry(w, m.fallback(r), "fallback")
}

func (m *Manager) staleWhileRevalidate(w http.ResponseWriter, r *http.Request, target string, kind Kind) {
	if cached := m.match(kind, target); cached != nil {
		header := r.Header.Clone()
		m.goBackground(func(ctx context.Context) {
			e, err := m.fetch(ctx, target, header)
			if err != nil {
				m.logNetworkFailure(target, StaleWhileRevalidate, err)
				return
			}
			m.put(kind, e)
			e.discard()
		})
		writeEntry(w, cached, "hit")
		return
	}

	e, err := m.fetch(r.Context(), target, r.Header)
	if err != nil {
		m.logNetworkFailure(target, StaleWhileRevalidate, err)
		writeEntry(w, m.fallback(r), "fallback")
		return
	}
	m.put(kind, e)
	writeEntry(w, e, "network")
}

func (m *Manager) logNetworkFailure(target string, s Strategy, err error) {
	slog.Debug("network fetch failed",
		"component", "httpcache",
		"strategy", s.String(),
		"url", target,
		"error", err,
	)
}

func writeEntry(w http.ResponseWriter, e *Entry, source string) {
	h := w.Header()
	for k, vv := range e.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		h[k] = append([]string(nil), vv...)
	}
	if e.overflow == nil {
		h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	}
	h.Set(CacheHeader, source)
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
	if e.overflow != nil {
		_, _ = io.Copy(w, e.overflow)
		e.discard()
	}
}
