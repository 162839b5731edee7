package session

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 16
)

type wsMessage struct {
	Type string   `json:"type"`
	Data Snapshot `json:"data"`
}

type hubMessage struct {
	id      ID
	payload []byte
	final   bool
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	id   ID
	send chan []byte
}

// Hub fans snapshot updates out to websocket subscribers of one session
// each. Run must be running for Serve to accept clients.
type Hub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan hubMessage
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	count      atomic.Int32
	log        *slog.Logger
	upgrader   websocket.Upgrader
}

// NewHub returns a hub that is not yet running.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan hubMessage, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run dispatches until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				_ = c.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second),
				)
				h.drop(c)
			}
			h.log.Debug("ws hub stopped, all clients disconnected")
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			h.log.Debug("ws client connected",
				slog.String("session_id", string(c.id)),
				slog.Int("total", len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.log.Debug("ws client disconnected", slog.Int("total", len(h.clients)))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				if c.id != msg.id {
					continue
				}
				select {
				case c.send <- msg.payload:
					if msg.final {
						h.drop(c)
					}
				default:
					// Too slow to keep up; it can reconnect for a fresh snapshot.
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	h.count.Add(-1)
}

// Close stops the hub and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Publish sends snap to the subscribers of its session. Updates are dropped
// when nobody listens or the hub is backed up. A final snapshot disconnects
// its subscribers once queued.
func (h *Hub) Publish(snap Snapshot) {
	if h.count.Load() == 0 {
		return
	}
	payload, err := encodeSnapshot(snap)
	if err != nil {
		h.log.Error("ws marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- hubMessage{id: snap.ID, payload: payload, final: !snap.Active()}:
	default:
	}
}

func encodeSnapshot(snap Snapshot) ([]byte, error) {
	return json.Marshal(wsMessage{Type: "snapshot", Data: snap})
}

// Serve upgrades the request and streams updates for initial.ID, starting
// with initial itself. It returns when the client goes away. A finished
// session gets its final snapshot followed by a normal close.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, initial Snapshot) {
	first, err := encodeSnapshot(initial)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Debug("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	if !initial.Active() {
		// No further updates will be published for a finished session.
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, first); err == nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
		}
		conn.Close()
		return
	}

	c := &wsClient{hub: h, conn: conn, id: initial.ID, send: make(chan []byte, wsSendBuffer)}
	c.send <- first
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; it exists to process control frames and
// notice disconnects.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
