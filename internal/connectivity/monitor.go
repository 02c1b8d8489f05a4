// Package connectivity tracks the online/offline state and triggers a queue
// drain when connectivity returns.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var errPanicked = errors.New("drain panicked")

// Event is a platform connectivity signal.
type Event struct {
	Online bool
	At     time.Time
	Source string
}

// Source delivers connectivity events.
type Source interface {
	Events() <-chan Event
}

// DrainFunc replays the sync queue. A nil error means every group synced.
type DrainFunc func(ctx context.Context) error

// StateSink receives the visible connectivity state. *appstate.Store
// satisfies it.
type StateSink interface {
	SetOnline(online bool)
	SetIndicator(visible bool)
	SetDraining(draining bool)
}

// Monitor is the binary connectivity state machine.
type Monitor struct {
	drain DrainFunc
	sink  StateSink

	mu        sync.Mutex
	online    bool
	indicator bool

	drains sync.WaitGroup
}

// NewMonitor creates a Monitor in the given initial state. Starting
// offline shows the indicator immediately.
func NewMonitor(online bool, drain DrainFunc, sink StateSink) *Monitor {
	m := &Monitor{drain: drain, sink: sink, online: online}
	if sink != nil {
		sink.SetOnline(online)
	}
	if !online {
		m.showIndicator()
	}
	return m
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// IndicatorVisible reports whether the offline indicator is shown.
func (m *Monitor) IndicatorVisible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indicator
}

// Report applies a connectivity signal. It returns true when the signal
// changed the state; repeated signals are no-ops.
func (m *Monitor) Report(ctx context.Context, online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.SetOnline(online)
	}

	if !online {
		slog.Info("connectivity lost", "component", "connectivity")
		m.showIndicator()
		return true
	}

	slog.Info("connectivity restored", "component", "connectivity")
	m.drains.Add(1)
	go m.runDrain(context.WithoutCancel(ctx))
	return true
}

// runDrain hides the indicator only once a drain has succeeded while still
// online; a failed drain re-shows it.
func (m *Monitor) runDrain(ctx context.Context) {
	defer m.drains.Done()
	if m.drain == nil {
		m.hideIndicatorIfOnline()
		return
	}

	if m.sink != nil {
		m.sink.SetDraining(true)
		defer m.sink.SetDraining(false)
	}

	err := m.safeDrain(ctx)
	if err != nil {
		slog.Warn("drain after reconnect failed",
			"component", "connectivity",
			"error", err,
		)
		m.showIndicator()
		return
	}
	m.hideIndicatorIfOnline()
}

func (m *Monitor) safeDrain(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("drain panicked", "component", "connectivity", "panic", r)
			err = errPanicked
		}
	}()
	return m.drain(ctx)
}

// Wait blocks until drains started by Report have finished.
func (m *Monitor) Wait() {
	m.drains.Wait()
}

// Run consumes events from src until ctx is done or the source closes.
func (m *Monitor) Run(ctx context.Context, src Source) {
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Report(ctx, ev.Online)
		}
	}
}

func (m *Monitor) showIndicator() {
	m.mu.Lock()
	already := m.indicator
	m.indicator = true
	m.mu.Unlock()
	if !already && m.sink != nil {
		m.sink.SetIndicator(true)
	}
}

func (m *Monitor) hideIndicatorIfOnline() {
	m.mu.Lock()
	if !m.online || !m.indicator {
		m.mu.Unlock()
		return
	}
	m.indicator = false
	m.mu.Unlock()
	if m.sink != nil {
		m.sink.SetIndicator(false)
	}
}
