// Package wsrelay fans the in-process notification bus out to connected
// websocket observers (e.g. a status dashboard watching command progress
// across sessions). This is the optional "secondary surface" A7 of this
// expansion -- nothing in the core pipeline depends on it, and a process
// with no observers connected pays only the cost of one idle hub
// goroutine.
//
// Grounded on the hub's register/unregister/broadcast channel loop
// (internal/gateway/websocket/hub.go), narrowed from per-task client
// subscriptions to a single global broadcast: every connected client
// receives every notification published on the bus, since the core has no
// per-client authorization model of its own to key a narrower fan-out on.
package wsrelay

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/notify"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wireMessage is what's actually sent down the socket: a notification
// envelope matching the method/params shape §6 documents.
type wireMessage struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type client struct {
	conn *websocket.Conn
	send chan wireMessage
}

// Hub manages every connected relay client and broadcasts notifications to
// all of them.
type Hub struct {
	log *logger.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan wireMessage

	mu      sync.RWMutex
	clients map[*client]bool

	upgrader websocket.Upgrader
}

// NewHub creates a Hub. Call Run in its own goroutine before accepting any
// connections.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:        log.WithFields(zap.String("component", "ws-relay-hub")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan wireMessage, 256),
		clients:    make(map[*client]bool),
		upgrader: websocket.Upgrader{
			// Container/loopback-local dashboard traffic only; this relay
			// carries no credentials of its own.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run is the hub's single-goroutine event loop: it owns the clients map so
// no other goroutine ever touches it directly.
func (h *Hub) Run(done <-chan struct{}) {
	h.log.Info("websocket relay hub started")
	defer h.log.Info("websocket relay hub stopped")
	for {
		select {
		case <-done:
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*client]bool)
}

func (h *Hub) fanOut(msg wireMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("relay client send buffer full, dropping message")
		}
	}
}

// Subscribe wires the hub up to each of the given topics on bus, so any
// command-status, heartbeat, session-event, or recovery notification
// published on those topics is relayed to every connected client. Topics
// not passed here are not relayed.
func (h *Hub) Subscribe(bus *notify.Bus, topics ...string) {
	handler := func(n notify.Notification) {
		h.broadcast <- wireMessage{Method: n.Method, Params: n.Params}
	}
	for _, topic := range topics {
		bus.Subscribe(topic, handler)
	}
}

// ServeHTTP upgrades the connection and registers a new client, then pumps
// broadcast messages to it until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan wireMessage, 32)}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

// writePump is the sole writer to c.conn; gorilla/websocket connections
// are not safe for concurrent writes.
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister <- c
			return
		}
	}
}

// readPump discards any client-sent frames (this relay is broadcast-only)
// but must still read to notice the connection closing.
func (h *Hub) readPump(c *client) {
	defer func() { h.unregister <- c }()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
