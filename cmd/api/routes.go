package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"switchdesk/internal/httpapi"
	"switchdesk/internal/identity"
	"switchdesk/internal/session"
	"switchdesk/internal/telephony"
	"switchdesk/pkg/utils"

	"github.com/gin-gonic/gin"
)

// tenantCapTTL is the backstop expiry on a tenant's live-call counter.
// Units are released on terminal call events; the TTL only covers
// process crashes between acquire and release.
const tenantCapTTL = 4 * time.Hour

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), deps.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		if err := deps.rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		if err := deps.provider.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "provider": deps.provider.Name(), "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks (public).
	// NOTE: protect with Twilio signature validation before exposing in production.
	{
		wh := telephony.TwilioWebhookHandler{
			Dispatcher: &telephony.Dispatcher{
				Sessions: deps.sessions,
				Log:      deps.log,
				ReleaseTenantCap: func(ctx context.Context, tenantID string) error {
					return utils.ReleaseSessionCap(ctx, deps.rdb, utils.SessionCapKey(tenantID))
				},
			},
			TenantIDResolver: tenantByNumber(deps.db),
			AcquireTenantCap: func(c *gin.Context, tenantID string) (bool, error) {
				return utils.AcquireSessionCap(c.Request.Context(), deps.rdb,
					utils.SessionCapKey(tenantID), deps.cfg.Session.TenantCallCap, tenantCapTTL)
			},
		}
		r.POST("/webhooks/twilio/voice", wh.HandleInboundCall)
		r.POST("/webhooks/twilio/status", wh.HandleStatusCallback)
	}

	h := httpapi.Handlers{
		Sessions:  deps.sessions,
		Park:      deps.park,
		Transfers: deps.transfers,
		Agents:    deps.agents,
		Provider:  deps.provider,
		Hub:       deps.hub,
		CallerID:  deps.cfg.Twilio.CallerID,
	}

	v1 := r.Group("/v1")
	v1.Use(identity.RequireAccessToken(deps.identity))
	v1.Use(identity.RequireAnyRole(identity.RoleAgent, identity.RoleSupervisor))
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

		v1.GET("/agent/handles", h.ListHandles)
		v1.GET("/agent/ringing", h.ListMyRinging)

		v1.GET("/slots", h.ListSlots)
		v1.POST("/slots/:number/park", h.ParkSession)
		v1.POST("/slots/:number/unpark", h.UnparkSession)

		v1.POST("/transfers", h.CreateTransfer)
		v1.GET("/transfers", h.ListTransfers)
		v1.POST("/transfers/:transfer_id/accept", h.AcceptTransfer)
		v1.POST("/transfers/:transfer_id/decline", h.DeclineTransfer)

		v1.GET("/feed", h.Feed)
	}
}

// tenantByNumber resolves the dialed number to its owning tenant.
func tenantByNumber(db *sql.DB) func(c *gin.Context, toNumber string) (string, error) {
	return func(c *gin.Context, toNumber string) (string, error) {
		var tenantID string
		err := db.QueryRowContext(c.Request.Context(),
			`SELECT tenant_id FROM tenant_numbers WHERE number = $1`, toNumber,
		).Scan(&tenantID)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: no tenant for number %s", session.ErrNotFound, toNumber)
		}
		if err != nil {
			return "", err
		}
		return tenantID, nil
	}
}
