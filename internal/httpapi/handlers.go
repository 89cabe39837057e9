// Package httpapi holds the thin HTTP layer. Handlers bind and validate
// request shapes, resolve identity from context, and delegate to the
// coordination services; no business rules live here.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"switchdesk/internal/agentclient"
	"switchdesk/internal/feed"
	"switchdesk/internal/identity"
	"switchdesk/internal/parking"
	"switchdesk/internal/session"
	"switchdesk/internal/telephony"
	"switchdesk/internal/transfer"
	"switchdesk/pkg/logger"
)

type Handlers struct {
	Sessions  *session.Service
	Park      *parking.Coordinator
	Transfers *transfer.Coordinator
	Agents    *agentclient.Registry
	Provider  telephony.Provider
	Hub       *feed.Hub

	// CallerID is the number presented on outbound dials.
	CallerID string
}

// statusFor maps the coordination sentinels onto HTTP statuses. Slot and
// state conflicts are both 409: the caller raced someone and should
// refresh, not retry blindly.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrStateConflict), errors.Is(err, session.ErrSlotConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func caller(c *gin.Context) (tenantID, agentID string, ok bool) {
	tenantID, err := identity.TenantID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return "", "", false
	}
	agentID, err = identity.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent_id required"})
		return "", "", false
	}
	return tenantID, agentID, true
}

/* ===================== sessions ===================== */

func (h Handlers) ListSessions(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}

	var (
		out []session.Session
		err error
	)
	switch {
	case c.Query("state") != "":
		var st session.State
		st, err = session.ParseState(c.Query("state"))
		if err == nil {
			out, err = h.Sessions.ListByState(c.Request.Context(), tenantID, st)
		}
	case c.Query("mine") == "true":
		out, err = h.Sessions.ListByAgent(c.Request.Context(), tenantID, agentID)
	default:
		out, err = h.Sessions.ListByTenant(c.Request.Context(), tenantID)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h Handlers) GetSession(c *gin.Context) {
	tenantID, _, ok := caller(c)
	if !ok {
		return
	}
	s, err := h.Sessions.Get(c.Request.Context(), tenantID, c.Param("session_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) ListHistory(c *gin.Context) {
	tenantID, _, ok := caller(c)
	if !ok {
		return
	}
	from, err1 := time.Parse(time.RFC3339, c.Query("from"))
	to, err2 := time.Parse(time.RFC3339, c.Query("to"))
	if err1 != nil || err2 != nil {
		fail(c, errors.Join(session.ErrInvalidArgument, errors.New("from and to must be RFC3339")))
		return
	}
	records, err := h.Sessions.ListHistory(c.Request.Context(), tenantID, from, to)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": records})
}

type dialRequest struct {
	To string `json:"to" binding:"required"`
}

// Dial starts an outbound call and attaches it to the caller's handle set.
func (h Handlers) Dial(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to is required"})
		return
	}

	legID, err := h.Provider.Ring(c.Request.Context(), telephony.RingRequest{
		TenantID: tenantID,
		To:       req.To,
		From:     h.CallerID,
	})
	if err != nil {
		fail(c, err)
		return
	}

	s, err := h.Sessions.CreateOutbound(c.Request.Context(), tenantID, agentID, legID, req.To)
	if err != nil {
		fail(c, err)
		return
	}
	if _, err := h.Agents.Manager(tenantID, agentID).AddSession(c.Request.Context(), s.ID, legID, session.DirectionOutbound); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

/* ===================== per-agent handle operations ===================== */

type answerRequest struct {
	HoldOthers *bool `json:"hold_others"`
}

func (h Handlers) Answer(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	var req answerRequest
	_ = c.ShouldBindJSON(&req)
	holdOthers := req.HoldOthers == nil || *req.HoldOthers

	m := h.Agents.Manager(tenantID, agentID)

	// Attach on first touch so the bound rejection fires at ring time.
	if !m.Attached(sessionID) {
		s, err := h.Sessions.Get(c.Request.Context(), tenantID, sessionID)
		if err != nil {
			fail(c, err)
			return
		}
		if _, err := m.AddSession(c.Request.Context(), s.ID, s.ProviderCallID, s.Direction); err != nil {
			fail(c, err)
			return
		}
	}

	handle, err := m.Answer(c.Request.Context(), sessionID, holdOthers)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (h Handlers) Hold(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	handle, err := h.Agents.Manager(tenantID, agentID).Hold(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (h Handlers) Focus(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	handle, err := h.Agents.Manager(tenantID, agentID).Focus(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (h Handlers) ToggleMute(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	handle, err := h.Agents.Manager(tenantID, agentID).ToggleMute(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (h Handlers) StartRecording(c *gin.Context) {
	tenantID, _, ok := caller(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	s, err := h.Sessions.Get(c.Request.Context(), tenantID, sessionID)
	if err != nil {
		fail(c, err)
		return
	}
	// Fast-fail before touching the provider; MarkRecording re-checks.
	if s.State != session.StateConnected {
		fail(c, fmt.Errorf("%w: recording requires a connected session", session.ErrStateConflict))
		return
	}
	recordingID, err := h.Provider.StartRecording(c.Request.Context(), s.ProviderCallID)
	if err != nil {
		fail(c, err)
		return
	}
	updated, err := h.Sessions.MarkRecording(c.Request.Context(), tenantID, sessionID, recordingID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h Handlers) HangUp(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	if err := h.Agents.Manager(tenantID, agentID).HangUp(c.Request.Context(), c.Param("session_id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) Reject(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	if err := h.Agents.Manager(tenantID, agentID).Reject(c.Request.Context(), c.Param("session_id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) ListHandles(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"handles": h.Agents.Manager(tenantID, agentID).Sessions()})
}

func (h Handlers) ListMyRinging(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	rings, err := h.Transfers.RingingForAgent(c.Request.Context(), tenantID, agentID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ringing": rings})
}

/* ===================== parking ===================== */

type parkRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (h Handlers) ListSlots(c *gin.Context) {
	tenantID, _, ok := caller(c)
	if !ok {
		return
	}
	slots, err := h.Park.List(c.Request.Context(), tenantID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slots": slots})
}

func (h Handlers) ParkSession(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "slot number must be an integer"})
		return
	}
	var req parkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	slot, err := h.Park.Park(c.Request.Context(), tenantID, req.SessionID, number, agentID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

func (h Handlers) UnparkSession(c *gin.Context) {
	tenantID, agentID, ok := caller(c)
	if !ok {
		return
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "slot number must be an integer"})
		return
	}
	s, err := h.Park.Unpark(c.Request.Context(), tenantID, number, agentID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

/* ===================== transfers ===================== */

type transferRequest struct {
	SessionID     string `json:"session_id"`
	SlotNumber    int    `json:"slot_number"`
	TargetAgentID string `json:"target_agent_id" binding:"required"`
}

func (h Handlers) CreateTransfer(c *gin.Context) {
	tenantID, _, ok := caller(c)
	if !ok {
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "target_agent_id is required"})
		return
	}

	var (
		t   transfer.PendingTransfer
		err error
	)
	switch {
	case req.SessionID != "":
		t, err = h.Transfers.TransferDirect(c.Request.Context(), tenantID, req.SessionID, req.TargetAgentID)
	case req.SlotNumber > 0:
		t, err = h.Transfers.TransferFromPark(c.Request.Context(), tenantID, req.SlotNumber, req.TargetAgentID)
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id or slot_number is required"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h Handlers) ListTransfers(c *gin.Context) {
	tenantID, _, ok := caller(c)
	if !ok {
		return
	}
	transfers, err := h.Transfers.ListRinging(c.Request.Context(), tenantID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": transfers})
}

func (h Handlers) AcceptTransfer(c *gin.Context) {
	tenantID, _, ok := caller(c)
	if !ok {
		return
	}
	s, err := h.Transfers.Accept(c.Request.Context(), tenantID, c.Param("transfer_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) DeclineTransfer(c *gin.Context) {
	tenantID, _, ok := caller(c)
	if !ok {
		return
	}
	t, err := h.Transfers.Decline(c.Request.Context(), tenantID, c.Param("transfer_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

/* ===================== dashboard feed ===================== */

// Feed upgrades to a websocket scoped to the caller's tenant.
func (h Handlers) Feed(c *gin.Context) {
	tenantID, _, ok := caller(c)
	if !ok {
		return
	}
	h.Hub.ServeWS(c, tenantID)
}
