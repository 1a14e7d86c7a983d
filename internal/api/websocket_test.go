package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"crypto-backtest-engine/internal/events"

	"github.com/rs/zerolog"
)

func collectMessages(t *testing.T, ch <-chan []byte, n int) []map[string]interface{} {
	t.Helper()
	out := make([]map[string]interface{}, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case msg := <-ch:
			var event map[string]interface{}
			if err := json.Unmarshal(msg, &event); err != nil {
				t.Fatalf("Failed to unmarshal event: %v", err)
			}
			out = append(out, event)
		case <-deadline:
			t.Fatalf("Timed out after receiving %d of %d messages", len(out), n)
		}
	}
	return out
}

func eventRunID(event map[string]interface{}) string {
	data, _ := event["data"].(map[string]interface{})
	runID, _ := data["run_id"].(string)
	return runID
}

func TestHubFiltersEventsByRun(t *testing.T) {
	hub := NewWSHub(zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	all := &WSClient{send: make(chan []byte, 16), hub: hub, closeChan: make(chan struct{})}
	filtered := &WSClient{send: make(chan []byte, 16), hub: hub, runID: "run-a", closeChan: make(chan struct{})}
	hub.register <- all
	hub.register <- filtered

	hub.BroadcastEvent(events.Event{
		Type:      events.EventRunProgress,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"run_id": "run-a"},
	})
	hub.BroadcastEvent(events.Event{
		Type:      events.EventRunProgress,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"run_id": "run-b"},
	})
	hub.BroadcastEvent(events.Event{
		Type:      events.EventError,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"message": "provider offline"},
	})

	// The unfiltered client sees all three events in order.
	allMsgs := collectMessages(t, all.send, 3)
	if got := eventRunID(allMsgs[0]); got != "run-a" {
		t.Errorf("Expected first event for run-a, got %q", got)
	}
	if got := eventRunID(allMsgs[1]); got != "run-b" {
		t.Errorf("Expected second event for run-b, got %q", got)
	}

	// The filtered client sees its run plus run-less events, nothing else.
	filteredMsgs := collectMessages(t, filtered.send, 2)
	if got := eventRunID(filteredMsgs[0]); got != "run-a" {
		t.Errorf("Expected filtered client to receive run-a, got %q", got)
	}
	if got := filteredMsgs[1]["type"]; got != string(events.EventError) {
		t.Errorf("Expected filtered client to receive the error event, got %v", got)
	}
	select {
	case msg := <-filtered.send:
		t.Errorf("Expected no further messages for filtered client, got %s", msg)
	default:
	}
}

func TestHubUnregistersSlowClients(t *testing.T) {
	hub := NewWSHub(zerolog.Nop())
	go hub.Run()
	defer hub.Stop()

	slow := &WSClient{send: make(chan []byte, 1), hub: hub, closeChan: make(chan struct{})}
	hub.register <- slow

	// The buffer holds one message; the next overflows and evicts the client.
	for i := 0; i < 3; i++ {
		hub.BroadcastEvent(events.Event{
			Type:      events.EventRunProgress,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"run_id": "run-a"},
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.GetClientCount(); got != 0 {
		t.Errorf("Expected slow client to be unregistered, got %d clients", got)
	}
}

func TestStopClosesConnectedClients(t *testing.T) {
	hub := NewWSHub(zerolog.Nop())
	go hub.Run()

	client := &WSClient{send: make(chan []byte, 16), hub: hub, closeChan: make(chan struct{})}
	hub.register <- client

	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("Expected the send channel to be closed, got a message")
		}
	case <-time.After(2 * time.Second):
		t.Error("Timed out waiting for the send channel to close")
	}
	if got := hub.GetClientCount(); got != 0 {
		t.Errorf("Expected 0 clients after stop, got %d", got)
	}

	// Stop is idempotent
	hub.Stop()
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	// No Run goroutine, so the buffer never drains.
	hub := NewWSHub(zerolog.Nop())

	for i := 0; i < cap(hub.broadcast)+10; i++ {
		hub.BroadcastEvent(events.Event{
			Type:      events.EventRunProgress,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"run_id": "run-a"},
		})
	}

	if got := len(hub.broadcast); got != cap(hub.broadcast) {
		t.Errorf("Expected buffer to cap at %d, got %d", cap(hub.broadcast), got)
	}
}

func TestWebSocketRequiresTokenWhenAuthEnabled(t *testing.T) {
	s := newTestServer(t, enabledAuthConfig(t), &fakeController{}, newFakeQueries(), &fakeStatus{})

	w := doRequest(s, http.MethodGet, "/ws", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d without token, got %d", http.StatusUnauthorized, w.Code)
	}

	w = doRequest(s, http.MethodGet, "/ws?token=garbage", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d for a bad token, got %d", http.StatusUnauthorized, w.Code)
	}
}
