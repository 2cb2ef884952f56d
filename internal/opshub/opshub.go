// Package opshub fans out lifecycle events to internal operator
// dashboards over a websocket connection, distinct from the public
// per-deployment SSE stream served to callers.
package opshub

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// EventType names the taxonomy of lifecycle events the engine broadcasts.
// A connection that filters by deployment id still receives every type;
// there is no per-type subscription, only per-deployment.
type EventType string

const (
	EventDeploymentStatus  EventType = "deployment.status"
	EventDeploymentLog     EventType = "deployment.log"
	EventDeploymentWebhook EventType = "deployment.webhook"
)

// Event is one lifecycle transition broadcast to connected operators.
type Event struct {
	Type         EventType `json:"type"`
	DeploymentID string    `json:"deployment_id"`
	Payload      any       `json:"payload"`
}

// client is one connected dashboard. A non-empty deploymentFilter narrows
// the firehose to a single deployment's events, which is how a dashboard's
// detail view for one deployment avoids being flooded by every other
// deployment's status and log traffic on the same connection pool.
type client struct {
	conn             *websocket.Conn
	send             chan []byte
	deploymentFilter string
}

func (c *client) accepts(evt Event) bool {
	return c.deploymentFilter == "" || c.deploymentFilter == evt.DeploymentID
}

// Hub fans out Events to every connected operator dashboard, optionally
// scoped per client to a single deployment.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
}

// New builds a Hub whose websocket upgrader accepts connections from the
// given origins (plus localhost, plus non-browser clients with no Origin
// header at all).
func New(allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

// Run drives the Hub's register/unregister/broadcast loop. Call it once
// in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case evt := <-h.broadcast:
			h.mu.RLock()
			var data []byte
			for c := range h.clients {
				if !c.accepts(evt) {
					continue
				}
				if data == nil {
					var err error
					data, err = json.Marshal(evt)
					if err != nil {
						log.Printf("opshub: marshal error: %v", err)
						break
					}
				}
				select {
				case c.send <- data:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast fans out evt to every connected operator dashboard whose
// filter admits it.
func (h *Hub) Broadcast(evt Event) {
	h.broadcast <- evt
}

// HandleConnect upgrades an HTTP request to a websocket connection and
// registers it with the Hub. A deployment_id query parameter scopes the
// connection to that deployment's events only; omitted, it gets every
// deployment's traffic.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("opshub: ws upgrade: %v", err)
		return
	}

	c := &client{
		conn:             conn,
		send:             make(chan []byte, 64),
		deploymentFilter: r.URL.Query().Get("deployment_id"),
	}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
