package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/shopsmart/shopsync/internal/appstate"
	"github.com/shopsmart/shopsync/internal/messaging"
)

func dialEvents(t *testing.T, a *testAgent) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/local/v1/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	// Registration happens after the handshake completes.
	deadline := time.Now().Add(2 * time.Second)
	for a.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("page client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

// nextMessage reads until a message of msgType arrives.
func nextMessage(t *testing.T, conn *websocket.Conn, msgType string) messaging.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		var msg messaging.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestEvents_StateBroadcastOnConnectivityChange(t *testing.T) {
	a := setupAgent(t)
	conn := dialEvents(t, a)

	a.goOffline(t)

	msg := nextMessage(t, conn, messaging.TypeState)
	var state appstate.State
	if err := json.Unmarshal(msg.Payload, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Online {
		t.Errorf("state = %+v, want offline", state)
	}
}

func TestEvents_PageReportsConnectivity(t *testing.T) {
	a := setupAgent(t)
	conn := dialEvents(t, a)
	ctx := context.Background()

	// Given the page reports it lost its connection
	if err := wsjson.Write(ctx, conn, messaging.Message{Type: messaging.TypeOffline}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Then the agent goes offline
	deadline := time.Now().Add(2 * time.Second)
	for a.monitor.IsOnline() {
		if time.Now().After(deadline) {
			t.Fatal("agent never went offline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var state appstate.State
	decodeBody(t, a.do(t, http.MethodGet, "/local/v1/state", "", nil), &state)
	if state.Online || !state.IndicatorVisible {
		t.Errorf("state = %+v, want offline with the indicator shown", state)
	}
}

func TestEvents_CacheClearedBroadcast(t *testing.T) {
	a := setupAgent(t)
	conn := dialEvents(t, a)

	if err := wsjson.Write(context.Background(), conn, messaging.Message{Type: messaging.TypeClearCache}); err != nil {
		t.Fatalf("write: %v", err)
	}

	nextMessage(t, conn, messaging.TypeCacheCleared)

	stats, err := a.cache.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("partitions = %+v, want none after CLEAR_CACHE", stats)
	}
}
