package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// EventConnected is sent once when a connection is registered.
	EventConnected = "connected"

	sendBuffer    = 32
	publishBuffer = 256
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	maxReadBytes  = 4096
)

// Event is the envelope written to clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type client struct {
	id     string
	userID int64
	conn   *websocket.Conn
	send   chan []byte
}

type message struct {
	userID int64
	data   []byte
	event  string
}

// Hub tracks open WebSocket connections per user and fans events out to them.
type Hub struct {
	clients    map[int64]map[*client]struct{}
	register   chan *client
	unregister chan *client
	publish    chan message
	done       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	count      int

	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// NewHub starts a hub that pings clients every pingInterval.
func NewHub(pingInterval time.Duration) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	h := &Hub{
		clients:    make(map[int64]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		publish:    make(chan message, publishBuffer),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Mobile clients send no Origin; requests are authenticated by token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pingInterval: pingInterval,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[int64]map[*client]struct{})
			h.count = 0
			h.mu.Unlock()
			log.Debug().Msg("Realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			set := h.clients[c.userID]
			if set == nil {
				set = make(map[*client]struct{})
				h.clients[c.userID] = set
			}
			set[c] = struct{}{}
			h.count++
			total := h.count
			h.mu.Unlock()
			log.Debug().Str("client_id", c.id).Int64("user_id", c.userID).Int("total_clients", total).Msg("Realtime client connected")

			hello, _ := json.Marshal(Event{Type: EventConnected, Data: map[string]any{"client_id": c.id, "time": time.Now().Unix()}})
			c.send <- hello

		case c := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[c.userID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.send)
					h.count--
				}
				if len(set) == 0 {
					delete(h.clients, c.userID)
				}
			}
			total := h.count
			h.mu.Unlock()
			log.Debug().Str("client_id", c.id).Int64("user_id", c.userID).Int("total_clients", total).Msg("Realtime client disconnected")

		case m := <-h.publish:
			h.mu.RLock()
			for c := range h.clients[m.userID] {
				select {
				case c.send <- m.data:
				default:
					log.Warn().Str("client_id", c.id).Int64("user_id", m.userID).Str("event", m.event).Msg("Realtime client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues an event for every connection of userID. Events for users
// without connections are discarded.
func (h *Hub) Publish(userID int64, event string, payload any) {
	data, err := json.Marshal(Event{Type: event, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal realtime event")
		return
	}
	select {
	case h.publish <- message{userID: userID, data: data, event: event}:
	case <-h.done:
	default:
		log.Warn().Str("event", event).Int64("user_id", userID).Msg("Realtime publish channel full, dropping event")
	}
}

// Stop disconnects every client and waits for the hub loop to exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	<-h.stopped
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Connected reports whether userID has at least one open connection.
func (h *Hub) Connected(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// Serve upgrades the request and streams events for userID until the
// connection closes. The caller must have authenticated the request.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		log.Debug().Err(err).Int64("user_id", userID).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:     fmt.Sprintf("%d-%d", userID, time.Now().UnixNano()),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages; it exists to process control frames
// and notice disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", c.id).Msg("Realtime connection closed unexpectedly")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
