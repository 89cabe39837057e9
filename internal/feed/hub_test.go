package feed

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func dialFeed(t *testing.T, srv *httptest.Server, tenantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed?tenant=" + tenantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	return conn
}

func TestHubFansOutToTenantClientsOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil)
	go hub.Run()

	r := gin.New()
	r.GET("/feed", func(c *gin.Context) {
		hub.ServeWS(c, c.Query("tenant"))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialFeed(t, srv, "t1")
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount("t1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// An event for another tenant must not reach this client.
	hub.Publish(context.Background(), "t2", SessionUpdated, map[string]string{"id": "other"})
	hub.Publish(context.Background(), "t1", SlotUpdated, map[string]string{"id": "mine"})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.TenantID != "t1" || ev.EventType != SlotUpdated {
		t.Fatalf("got event %s for tenant %s, want slot.updated for t1", ev.EventType, ev.TenantID)
	}
	if ev.EventID == "" || ev.Subject() != "feed.tenant.t1" {
		t.Fatalf("event not addressable: %+v", ev)
	}
}

func TestMemoryBusRecordsByType(t *testing.T) {
	bus := NewMemoryBus()
	bus.Publish(context.Background(), "t1", SessionUpdated, map[string]string{"id": "a"})
	bus.Publish(context.Background(), "t1", TransferUpdated, map[string]string{"id": "b"})
	bus.Publish(context.Background(), "t1", SessionUpdated, map[string]string{"id": "c"})

	if got := len(bus.ByType(SessionUpdated)); got != 2 {
		t.Fatalf("session.updated events = %d, want 2", got)
	}
	if got := len(bus.Events()); got != 3 {
		t.Fatalf("total events = %d, want 3", got)
	}
}
