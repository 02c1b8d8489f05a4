// Package appstate holds the typed application state shared by the local
// API, the sync layer and connected pages.
package appstate

import (
	"sync"
	"time"
)

// State is a point-in-time copy of the application state.
type State struct {
	Online           bool       `json:"online"`
	IndicatorVisible bool       `json:"indicator_visible"`
	PendingMutations int        `json:"pending_mutations"`
	DeadLetters      int        `json:"dead_letters"`
	Draining         bool       `json:"draining"`
	LastDrainAt      *time.Time `json:"last_drain_at,omitempty"`
	LastDrainError   string     `json:"last_drain_error,omitempty"`
	WorkerState      string     `json:"worker_state"`
	CacheVersion     string     `json:"cache_version"`
}

// Publisher receives every state change.
type Publisher interface {
	PublishState(State)
}

// Store guards the application state. The zero value is not usable; use New.
type Store struct {
	mu        sync.RWMutex
	state     State
	publisher Publisher
	now       func() time.Time
}

// New creates a state store. Agents start online with the indicator hidden.
func New(cacheVersion string, publisher Publisher) *Store {
	return &Store{
		state:     State{Online: true, CacheVersion: cacheVersion},
		publisher: publisher,
		now:       time.Now,
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// update applies fn and publishes the result when it changed anything.
func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	before := s.state
	fn(&s.state)
	after := s.state
	s.mu.Unlock()

	if s.publisher != nil && !equal(before, after) {
		s.publisher.PublishState(after)
	}
}

func equal(a, b State) bool {
	if (a.LastDrainAt == nil) != (b.LastDrainAt == nil) {
		return false
	}
	if a.LastDrainAt != nil && !a.LastDrainAt.Equal(*b.LastDrainAt) {
		return false
	}
	a.LastDrainAt, b.LastDrainAt = nil, nil
	return a == b
}

// SetOnline records the connectivity state.
func (s *Store) SetOnline(online bool) {
	s.update(func(st *State) { st.Online = online })
}

// SetIndicator shows or hides the offline indicator.
func (s *Store) SetIndicator(visible bool) {
	s.update(func(st *State) { st.IndicatorVisible = visible })
}

// SetDraining marks a drain as in progress.
func (s *Store) SetDraining(draining bool) {
	s.update(func(st *State) { st.Draining = draining })
}

// QueueChanged records queue sizes.
func (s *Store) QueueChanged(pending, deadLetters int) {
	s.update(func(st *State) {
		st.PendingMutations = pending
		st.DeadLetters = deadLetters
	})
}

// RecordDrain records the outcome of a drain pass.
func (s *Store) RecordDrain(err error) {
	at := s.now().UTC()
	s.update(func(st *State) {
		st.LastDrainAt = &at
		st.LastDrainError = ""
		if err != nil {
			st.LastDrainError = err.Error()
		}
	})
}

// SetWorkerState records the cache worker lifecycle state.
func (s *Store) SetWorkerState(state string) {
	s.update(func(st *State) { st.WorkerState = state })
}

// SetCacheVersion records the active cache version.
func (s *Store) SetCacheVersion(version string) {
	s.update(func(st *State) { st.CacheVersion = version })
}
