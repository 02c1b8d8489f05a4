package appstate

import (
	"errors"
	"sync"
	"testing"
)

type capturePublisher struct {
	mu     sync.Mutex
	states []State
}

func (c *capturePublisher) PublishState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, s)
}

func TestStore_PublishesOnlyChanges(t *testing.T) {
	pub := &capturePublisher{}
	s := New("v4", pub)

	s.SetOnline(true) // already online
	s.SetOnline(false)
	s.SetIndicator(true)
	s.SetIndicator(true)

	if len(pub.states) != 2 {
		t.Fatalf("published %d states, want 2", len(pub.states))
	}
	last := pub.states[1]
	if last.Online || !last.IndicatorVisible {
		t.Errorf("last state = %+v", last)
	}
}

func TestStore_RecordDrain(t *testing.T) {
	s := New("v4", nil)

	s.RecordDrain(errors.New("product: server returned 500"))
	snap := s.Snapshot()
	if snap.LastDrainAt == nil || snap.LastDrainError == "" {
		t.Errorf("snapshot = %+v, want drain time and error", snap)
	}

	s.RecordDrain(nil)
	if s.Snapshot().LastDrainError != "" {
		t.Error("successful drain should clear the error")
	}
}

func TestStore_QueueChanged(t *testing.T) {
	s := New("v4", nil)
	s.QueueChanged(3, 1)

	snap := s.Snapshot()
	if snap.PendingMutations != 3 || snap.DeadLetters != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.CacheVersion != "v4" {
		t.Errorf("CacheVersion = %q", snap.CacheVersion)
	}
}
