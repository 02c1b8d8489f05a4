package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ProbeSource turns periodic reachability checks of an origin URL into
// connectivity events. Only transitions are emitted.
type ProbeSource struct {
	client   *http.Client
	url      string
	interval time.Duration
	events   chan Event
}

// NewProbeSource creates a probe of url every interval.
func NewProbeSource(client *http.Client, url string, interval time.Duration) *ProbeSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ProbeSource{
		client:   client,
		url:      url,
		interval: interval,
		events:   make(chan Event, 1),
	}
}

// Events implements Source.
func (p *ProbeSource) Events() <-chan Event {
	return p.events
}

// Run probes until ctx is done, then closes the event channel.
func (p *ProbeSource) Run(ctx context.Context) {
	defer close(p.events)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last *bool
	check := func() {
		online := p.reachable(ctx)
		if last != nil && *last == online {
			return
		}
		last = &online
		select {
		case p.events <- Event{Online: online, At: time.Now(), Source: "probe"}:
		case <-ctx.Done():
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// reachable treats any HTTP response as reachable; only transport
// failures mean offline.
func (p *ProbeSource) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("connectivity probe failed",
				"component", "connectivity",
				"url", p.url,
				"error", err,
			)
		}
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}
