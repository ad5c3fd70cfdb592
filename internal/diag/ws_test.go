package diag

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"nikobus-gateway/internal/events"
)

func newTestTap() (*Tap, *events.Bus) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewBus(logger)
	return NewTap(bus, logger), bus
}

func TestTapBroadcastsBusEvents(t *testing.T) {
	tap, bus := newTestTap()
	go tap.Run()
	defer tap.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	tap.register <- client
	time.Sleep(10 * time.Millisecond)

	bus.Emit(events.Event{Name: events.ButtonPressed, Payload: map[string]any{"address": "4ECB1A"}})
	time.Sleep(10 * time.Millisecond)

	select {
	case msg := <-client.send:
		var evt wireEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Event != events.ButtonPressed {
			t.Errorf("event = %q, want %q", evt.Event, events.ButtonPressed)
		}
	default:
		t.Error("client did not receive broadcast")
	}
}

func TestTapSlowClientEviction(t *testing.T) {
	tap, bus := newTestTap()
	go tap.Run()
	defer tap.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	tap.register <- slow
	tap.register <- fast
	time.Sleep(10 * time.Millisecond)

	bus.Emit(events.Event{Name: events.Refreshed, Payload: "4707"})
	time.Sleep(10 * time.Millisecond)
	bus.Emit(events.Event{Name: events.Refreshed, Payload: "4707"})
	time.Sleep(10 * time.Millisecond)

	tap.mu.Lock()
	_, slowPresent := tap.clients[slow]
	_, fastPresent := tap.clients[fast]
	tap.mu.Unlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestTapStopIdempotentAndClosesClients(t *testing.T) {
	tap, bus := newTestTap()
	go tap.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	tap.register <- client
	time.Sleep(10 * time.Millisecond)

	tap.Stop()
	tap.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after tap stop")
	}

	// Events after Stop must not reach the broadcast channel.
	bus.Emit(events.Event{Name: events.Refreshed, Payload: "4707"})
	select {
	case evt := <-tap.broadcast:
		t.Errorf("broadcast received %q after Stop", evt.Name)
	default:
	}
}
