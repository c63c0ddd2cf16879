// Package events fans typed game events out to live observer connections
// over WebSocket. Delivery is best-effort, at-most-once: a slow observer's
// message is dropped, never queued beyond its send buffer, and there is no
// history replay on reconnect.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event names emitted over the channel.
const (
	EventConnected            = "connected"
	EventGameStarted          = "game_started"
	EventGameStopped          = "game_stopped"
	EventRoundStarted         = "round_started"
	EventPhaseChanged         = "phase_changed"
	EventServiceStatusUpdated = "service_status_updated"
	EventScoreboardUpdated    = "scoreboard_updated"
	EventFlagCaptured         = "flag_captured"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observers are dashboards on arbitrary origins; events are public data.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope is the wire shape of every event.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Broadcaster maintains the set of live observer connections.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*client)}
}

// Broadcast publishes one typed event to every live observer. Publishing is
// synchronous from the emitting goroutine; per-observer delivery is
// non-blocking and drops when the observer's buffer is full.
func (b *Broadcaster) Broadcast(event string, data any) {
	payload, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		slog.Error("Failed to encode event", "event", event, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		select {
		case c.send <- payload:
		default:
			slog.Warn("Observer send buffer full, dropping event", "client", c.id, "event", event)
		}
	}
}

// ObserverCount returns the number of live connections.
func (b *Broadcaster) ObserverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleWebSocket upgrades the request and registers the observer.
func (b *Broadcaster) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	slog.Info("Observer connected", "client", c.id)

	// writePump owns all writes, readPump owns all reads.
	go c.writePump(b)
	go c.readPump(b)

	welcome, _ := json.Marshal(envelope{
		Event: EventConnected,
		Data:  map[string]string{"message": "Connected to A&D CTF server"},
	})
	select {
	case c.send <- welcome:
	default:
	}
}

func (b *Broadcaster) remove(c *client) {
	c.once.Do(func() {
		b.mu.Lock()
		delete(b.clients, c.id)
		b.mu.Unlock()
		close(c.done)
		c.conn.Close()
		slog.Info("Observer disconnected", "client", c.id)
	})
}

func (c *client) writePump(b *Broadcaster) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.remove(c)
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump discards inbound frames; the channel is one-way. It exists to
// process control frames and detect disconnects.
func (c *client) readPump(b *Broadcaster) {
	defer b.remove(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("Observer read error", "client", c.id, "error", err)
			}
			return
		}
	}
}
