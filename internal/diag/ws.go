// Package diag exposes a diagnostic WebSocket tap that streams every
// engine event as JSON to connected clients. It exists for observing bus
// activity during integration work; it registers no host entities.
package diag

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"nikobus-gateway/internal/events"
)

// Tap manages WebSocket connections and broadcasts engine events.
type Tap struct {
	clients map[*wsClient]struct{}
	mu      sync.Mutex
	logger  *slog.Logger

	register    chan *wsClient
	unregister  chan *wsClient
	broadcast   chan events.Event
	unsubscribe func()

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// wireEvent is the JSON shape written to diagnostic clients.
type wireEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	TS      string `json:"ts"`
}

// NewTap subscribes to every event on bus and prepares the hub. Call Run
// to start dispatching and Stop to tear down.
func NewTap(bus *events.Bus, logger *slog.Logger) *Tap {
	t := &Tap{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan events.Event, 256),
		done:       make(chan struct{}),
	}
	t.unsubscribe = bus.OnAll(func(evt events.Event) {
		select {
		case t.broadcast <- evt:
		default:
			t.logger.Warn("diag broadcast channel full, dropping event", "event", evt.Name)
		}
	})
	return t
}

// Run starts the hub event loop. Blocks until Stop is called.
func (t *Tap) Run() {
	for {
		select {
		case <-t.done:
			t.mu.Lock()
			for client := range t.clients {
				close(client.send)
				delete(t.clients, client)
			}
			t.mu.Unlock()
			return

		case client := <-t.register:
			t.mu.Lock()
			t.clients[client] = struct{}{}
			total := len(t.clients)
			t.mu.Unlock()
			t.logger.Debug("diag client connected", "total", total)

		case client := <-t.unregister:
			t.mu.Lock()
			if _, ok := t.clients[client]; ok {
				delete(t.clients, client)
				close(client.send)
			}
			total := len(t.clients)
			t.mu.Unlock()
			t.logger.Debug("diag client disconnected", "total", total)

		case evt := <-t.broadcast:
			data, err := json.Marshal(wireEvent{
				Event:   evt.Name,
				Payload: evt.Payload,
				TS:      time.Now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				t.logger.Error("diag marshal", "event", evt.Name, "err", err)
				continue
			}
			t.mu.Lock()
			var slow []*wsClient
			for client := range t.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(t.clients, client)
				close(client.send)
				t.logger.Warn("diag client evicted (too slow)")
			}
			t.mu.Unlock()
		}
	}
}

// Stop unsubscribes from the bus and shuts the hub down. Safe to call
// multiple times.
func (t *Tap) Stop() {
	t.stopOnce.Do(func() {
		t.unsubscribe()
		close(t.done)
	})
}

// ServeHTTP upgrades the request to a WebSocket and streams events until
// the client disconnects or the tap stops.
func (t *Tap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.logger.Error("diag ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case t.register <- client:
	case <-t.done:
		conn.Close(websocket.StatusGoingAway, "shutdown")
		return
	}

	go t.writePump(client)
	t.readPump(client)
}

func (t *Tap) writePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (t *Tap) readPump(client *wsClient) {
	defer func() {
		select {
		case t.unregister <- client:
		case <-t.done:
			client.conn.Close(websocket.StatusGoingAway, "shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		// Clients don't send anything meaningful; reads only detect close.
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
