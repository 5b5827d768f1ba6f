package console

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	sendBuffer   = 64
)

// conn is one browser attached to the console.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
}

// Hub fans console events out to every attached browser.
type Hub struct {
	register   chan *conn
	unregister chan *conn
	broadcast  chan []byte
	done       chan struct{}
	logger     zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewHub creates a new Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *conn),
		unregister: make(chan *conn),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		conns:      make(map[string]*conn),
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for id, c := range h.conns {
				close(c.send)
				delete(h.conns, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.conns[c.id] = c
			h.mu.Unlock()
			h.logger.Debug().Str("conn", c.id).Msg("console attached")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.conns[c.id]; ok {
				delete(h.conns, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug().Str("conn", c.id).Msg("console detached")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.conns {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn().Str("conn", id).Msg("console buffer full, dropping connection")
					delete(h.conns, id)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// attach registers ws and starts its pumps. Messages read from the browser
// are passed to handle. first is queued before any broadcast.
func (h *Hub) attach(ws *websocket.Conn, first []byte, handle func([]byte)) bool {
	c := &conn{id: uuid.NewString(), ws: ws, send: make(chan []byte, sendBuffer)}
	if first != nil {
		c.send <- first
	}
	select {
	case h.register <- c:
	case <-h.done:
		ws.Close()
		return false
	}
	go h.writePump(c)
	go h.readPump(c, handle)
	return true
}

// BroadcastJSON sends v to every attached browser. Messages are dropped
// when the hub is saturated.
func (h *Hub) BroadcastJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("console broadcast queue full")
	}
	return nil
}

// Count returns the number of attached browsers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// readPump reads operator messages until the connection fails.
func (h *Hub) readPump(c *conn, handle func([]byte)) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("conn", c.id).Msg("websocket error")
			}
			return
		}
		handle(msg)
	}
}

// writePump writes queued messages and keeps the connection alive.
func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
