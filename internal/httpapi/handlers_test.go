package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"switchdesk/internal/agentclient"
	"switchdesk/internal/feed"
	"switchdesk/internal/identity"
	"switchdesk/internal/parking"
	"switchdesk/internal/presence"
	"switchdesk/internal/session"
	"switchdesk/internal/telephony"
	"switchdesk/internal/transfer"
)

type fixture struct {
	router   *gin.Engine
	sessions *session.Service
	provider *telephony.MemoryProvider
	agentID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := feed.NewMemoryBus()
	sessions := session.NewService(session.NewMemoryRepo(), presence.NewMemoryRecorder(), bus, nil, 30*time.Second)
	provider := telephony.NewMemoryProvider()
	park := parking.NewCoordinator(sessions, parking.NewMemoryRepo(), provider, bus, nil, 5)
	transfers := transfer.NewCoordinator(sessions, transfer.NewMemoryRepo(), park, provider, bus, nil, 30*time.Second)
	agents := agentclient.NewRegistry(sessions, provider, nil, 2)

	f := &fixture{sessions: sessions, provider: provider, agentID: "agent-1"}

	h := Handlers{
		Sessions:  sessions,
		Park:      park,
		Transfers: transfers,
		Agents:    agents,
		Provider:  provider,
		CallerID:  "+15550009999",
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx := identity.WithIdentity(c.Request.Context(), f.agentID, "t1", identity.RoleAgent)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	v1 := r.Group("/v1")
	{
		v1.GET("/sessions", h.ListSessions)
		v1.GET("/sessions/:session_id", h.GetSession)
		v1.POST("/sessions/dial", h.Dial)
		v1.POST("/sessions/:session_id/answer", h.Answer)
		v1.POST("/sessions/:session_id/hold", h.Hold)
		v1.POST("/sessions/:session_id/focus", h.Focus)
		v1.POST("/sessions/:session_id/mute", h.ToggleMute)
		v1.POST("/sessions/:session_id/record", h.StartRecording)
		v1.POST("/sessions/:session_id/hangup", h.HangUp)
		v1.POST("/sessions/:session_id/reject", h.Reject)
		v1.GET("/history", h.ListHistory)
		v1.GET("/slots", h.ListSlots)
		v1.POST("/slots/:number/park", h.ParkSession)
		v1.POST("/slots/:number/unpark", h.UnparkSession)
		v1.POST("/transfers", h.CreateTransfer)
		v1.GET("/transfers", h.ListTransfers)
		v1.POST("/transfers/:transfer_id/accept", h.AcceptTransfer)
		v1.POST("/transfers/:transfer_id/decline", h.DeclineTransfer)
	}
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) ringing(t *testing.T, legID string) session.Session {
	t.Helper()
	s, err := f.sessions.CreateInbound(context.Background(), "t1", legID, "+15550001111", "Caller")
	if err != nil {
		t.Fatalf("create inbound: %v", err)
	}
	return s
}

func TestAnswerAttachesAndConnects(t *testing.T) {
	f := newFixture(t)
	s := f.ringing(t, "CA1")

	w := f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/answer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	got, _ := f.sessions.Get(context.Background(), "t1", s.ID)
	if got.State != session.StateConnected || got.AssignedAgentID != "agent-1" {
		t.Fatalf("session not connected: %+v", got)
	}
}

func TestAnswerPastBoundIs429(t *testing.T) {
	f := newFixture(t) // bound is 2
	for _, leg := range []string{"CA1", "CA2"} {
		s := f.ringing(t, leg)
		if w := f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/answer", nil); w.Code != http.StatusOK {
			t.Fatalf("answer %s: %d", leg, w.Code)
		}
	}

	s := f.ringing(t, "CA3")
	w := f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/answer", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestAnswerUnknownSessionIs404(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/sessions/nope/answer", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestParkConflictIs409(t *testing.T) {
	f := newFixture(t)
	a := f.ringing(t, "CA1")
	b := f.ringing(t, "CA2")
	if w := f.do(t, http.MethodPost, "/v1/sessions/"+a.ID+"/answer", nil); w.Code != http.StatusOK {
		t.Fatalf("answer a: %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/sessions/"+b.ID+"/answer", nil); w.Code != http.StatusOK {
		t.Fatalf("answer b: %d", w.Code)
	}

	if w := f.do(t, http.MethodPost, "/v1/slots/1/park", parkRequest{SessionID: a.ID}); w.Code != http.StatusOK {
		t.Fatalf("park: %d, body %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodPost, "/v1/slots/1/park", parkRequest{SessionID: b.ID}); w.Code != http.StatusConflict {
		t.Fatalf("second park: %d, want 409", w.Code)
	}
}

func TestParkUnparkRoundTripOverHTTP(t *testing.T) {
	f := newFixture(t)
	s := f.ringing(t, "CA1")
	f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/answer", nil)

	if w := f.do(t, http.MethodPost, "/v1/slots/3/park", parkRequest{SessionID: s.ID}); w.Code != http.StatusOK {
		t.Fatalf("park: %d", w.Code)
	}
	w := f.do(t, http.MethodPost, "/v1/slots/3/unpark", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unpark: %d, body %s", w.Code, w.Body.String())
	}

	var out session.Session
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.State != session.StateConnected || out.AssignedAgentID != "agent-1" {
		t.Fatalf("unexpected session: %+v", out)
	}
}

func TestTransferLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	s := f.ringing(t, "CA1")
	f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/answer", nil)

	w := f.do(t, http.MethodPost, "/v1/transfers", transferRequest{SessionID: s.ID, TargetAgentID: "agent-2"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create transfer: %d, body %s", w.Code, w.Body.String())
	}
	var tr transfer.PendingTransfer
	if err := json.Unmarshal(w.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = f.do(t, http.MethodPost, "/v1/transfers/"+tr.ID+"/accept", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: %d", w.Code)
	}

	// Settled records reject a second resolution.
	if w := f.do(t, http.MethodPost, "/v1/transfers/"+tr.ID+"/decline", nil); w.Code != http.StatusConflict {
		t.Fatalf("decline after accept: %d, want 409", w.Code)
	}
}

func TestHistoryRangeValidation(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/v1/history?from=bogus&to=2026-01-02T00:00:00Z", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestStartRecordingRequiresConnected(t *testing.T) {
	f := newFixture(t)
	s := f.ringing(t, "CA1")

	if w := f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/record", nil); w.Code != http.StatusConflict {
		t.Fatalf("record while ringing = %d, want 409", w.Code)
	}

	if w := f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/answer", nil); w.Code != http.StatusOK {
		t.Fatalf("answer: %d", w.Code)
	}
	w := f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/record", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("record = %d, body %s", w.Code, w.Body.String())
	}

	got, _ := f.sessions.Get(context.Background(), "t1", s.ID)
	if !got.Recording || got.RecordingURL == "" {
		t.Fatalf("recording not marked: %+v", got)
	}
	if f.provider.OpCount("start_recording") != 1 {
		t.Fatalf("start_recording ops = %d", f.provider.OpCount("start_recording"))
	}
}

func TestHangUpProducesHistory(t *testing.T) {
	f := newFixture(t)
	s := f.ringing(t, "CA1")
	f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/answer", nil)

	if w := f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/hangup", nil); w.Code != http.StatusNoContent {
		t.Fatalf("hangup: %d", w.Code)
	}

	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w := f.do(t, http.MethodGet, "/v1/history?from="+from+"&to="+to, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: %d", w.Code)
	}
	var resp struct {
		History []session.CallHistoryRecord `json:"history"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.History) != 1 || resp.History[0].Outcome != session.OutcomeCompleted {
		t.Fatalf("unexpected history: %+v", resp.History)
	}
}

func TestDialCreatesOutboundSession(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/sessions/dial", dialRequest{To: "+15550002222"})
	if w.Code != http.StatusCreated {
		t.Fatalf("dial: %d, body %s", w.Code, w.Body.String())
	}
	var out session.Session
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Direction != session.DirectionOutbound || out.State != session.StateConnecting {
		t.Fatalf("unexpected session: %+v", out)
	}
	if f.provider.OpCount("ring") != 1 {
		t.Fatalf("ring ops = %d", f.provider.OpCount("ring"))
	}
}
