package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"switchdesk/internal/feed"
)

// ConnectionConfig carries the knobs for one agent's client runtime.
type ConnectionConfig struct {
	// FeedURL is the ws(s):// endpoint of the dashboard feed.
	FeedURL string

	// AccessToken is sent as a bearer token on the upgrade request.
	AccessToken string

	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffCeiling int

	HeartbeatInterval time.Duration

	// OnLost fires when the supervisor exhausts its attempt ceiling.
	OnLost func()

	Log *slog.Logger
}

// Connection bundles the long-lived loops of one agent's client runtime:
// the feed websocket kept alive by the reconnection supervisor, the
// heartbeat probing that socket, and the optimistic projection reconciled
// from feed events. One Connection per signed-in agent.
type Connection struct {
	cfg        ConnectionConfig
	supervisor *Supervisor
	heartbeat  *Heartbeat
	projection *Projection
	log        *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewConnection(cfg ConnectionConfig) *Connection {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Connection{
		cfg:        cfg,
		projection: NewProjection(),
		log:        log,
	}
	c.supervisor = NewSupervisor(c.dial, cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffCeiling, cfg.OnLost, log)
	c.heartbeat = NewHeartbeat(c.beat, cfg.HeartbeatInterval, c.supervisor, log)
	return c
}

// Projection exposes the reconciled view for rendering.
func (c *Connection) Projection() *Projection { return c.projection }

// Attempts reports the supervisor's current failure count.
func (c *Connection) Attempts() int { return c.supervisor.Attempts() }

// Kick nudges the supervisor, e.g. when the app regains visibility.
func (c *Connection) Kick() { c.supervisor.Kick() }

// Run connects and blocks until ctx is cancelled, reconnecting as needed.
func (c *Connection) Run(ctx context.Context) error {
	go func() { _ = c.heartbeat.Run(ctx) }()

	c.supervisor.Kick()
	err := c.supervisor.Run(ctx)

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	return err
}

// dial establishes the feed socket and hands it to a fresh read loop.
// Called only from the supervisor, so dials never overlap.
func (c *Connection) dial(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.FeedURL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// beat pings the live socket. A missing or dead socket is a failed beat,
// which the heartbeat turns into a supervisor kick.
func (c *Connection) beat(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("feed socket not connected")
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	return conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			c.log.Warn("feed read failed", "err", err)
			c.supervisor.Kick()
			return
		}
		c.apply(raw)
	}
}

// apply reconciles one feed event into the optimistic projection.
func (c *Connection) apply(raw []byte) {
	var ev feed.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.log.Warn("feed event decode failed", "err", err)
		return
	}

	var ref struct {
		ID        string `json:"id"`
		SessionID string `json:"session_id"`
		Number    int    `json:"number"`
	}
	_ = json.Unmarshal(ev.Payload, &ref)

	switch ev.EventType {
	case feed.SessionUpdated:
		if ref.ID != "" {
			c.projection.Reconcile("session/"+ref.ID, ev.Payload)
		}
	case feed.SessionFinalized:
		// The live entry is gone; history is the store's concern.
		if ref.SessionID != "" {
			c.projection.Discard("session/" + ref.SessionID)
		}
	case feed.SlotUpdated:
		c.projection.Reconcile("slot/"+strconv.Itoa(ref.Number), ev.Payload)
	case feed.TransferUpdated:
		if ref.ID != "" {
			c.projection.Reconcile("transfer/"+ref.ID, ev.Payload)
		}
	case feed.RingingUpdated:
		if ref.ID != "" {
			c.projection.Reconcile("ringing/"+ref.ID, ev.Payload)
		}
	}
}
