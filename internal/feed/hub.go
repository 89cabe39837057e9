package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Client is one connected websocket dashboard, scoped to a tenant.
type Client struct {
	TenantID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

// Hub fans record-change events out to connected dashboard clients,
// grouped by tenant.
type Hub struct {
	mu            sync.RWMutex
	tenantClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event

	log *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		tenantClients: make(map[string]map[*Client]struct{}),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		broadcast:     make(chan Event, 256),
		log:           log,
	}
}

// Run owns the client set. Start it once per process.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			set := h.tenantClients[c.TenantID]
			if set == nil {
				set = make(map[*Client]struct{})
				h.tenantClients[c.TenantID] = set
			}
			set[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.tenantClients[c.TenantID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.send)
					if len(set) == 0 {
						delete(h.tenantClients, c.TenantID)
					}
				}
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.tenantClients[ev.TenantID] {
				select {
				case c.send <- raw:
				default:
					// Slow consumer: drop the event rather than stall the hub.
					h.log.Warn("feed client lagging, dropping event", "tenant_id", ev.TenantID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues an event for fan-out to the tenant's clients.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("feed hub saturated, dropping event", "tenant_id", ev.TenantID)
	}
}

// Publish implements Publisher for single-process deployments where the hub
// is wired directly without a redis relay.
func (h *Hub) Publish(_ context.Context, tenantID string, et EventType, payload any) {
	h.Broadcast(NewEvent(tenantID, et, payload, time.Now().UTC()))
}

// ClientCount reports connected clients for a tenant.
func (h *Hub) ClientCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenantClients[tenantID])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the edge proxy in this deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and streams the tenant's feed until the
// client goes away. tenantID must already be authenticated by middleware.
func (h *Hub) ServeWS(c *gin.Context, tenantID string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("feed upgrade failed", "err", err)
		return
	}

	client := &Client{
		TenantID: tenantID,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		hub:      h,
	}
	h.register <- client

	go client.writeLoop()
	go client.readLoop()
}

func (c *Client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

// readLoop discards inbound frames; the feed is one-way. It exists to
// detect disconnects and unregister the client.
func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
