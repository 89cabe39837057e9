package telephony

import (
	"net/http"
	"strings"
	"time"

	"switchdesk/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/twiml"
)

// TwilioVoiceForm captures the subset of voice webhook fields we care
// about. Twilio sends application/x-www-form-urlencoded by default.
type TwilioVoiceForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	CallerName string
}

func ParseTwilioVoiceForm(r *http.Request) (TwilioVoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioVoiceForm{}, err
	}
	return TwilioVoiceForm{
		CallSid:    r.PostFormValue("CallSid"),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       strings.TrimSpace(r.PostFormValue("From")),
		To:         strings.TrimSpace(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
		CallerName: r.PostFormValue("CallerName"),
	}, nil
}

// statusEventTypes maps Twilio CallStatus values onto internal event types.
// Statuses that do not change our records ("initiated", "ringing") map to "".
var statusEventTypes = map[string]EventType{
	"in-progress": EventAccepted,
	"completed":   EventDisconnected,
	"busy":        EventRejected,
	"failed":      EventDisconnected,
	"no-answer":   EventCancelled,
	"canceled":    EventCancelled,
}

// TwilioWebhookHandler converts Twilio webhooks into internal events and
// feeds them to the dispatcher. No business logic lives here.
//
// Tenant scoping: the dialed number resolves to a tenant via the injected
// resolver, keeping persistence assumptions out of the adapter.
type TwilioWebhookHandler struct {
	Dispatcher *Dispatcher

	// TenantIDResolver resolves which tenant owns the dialed number.
	TenantIDResolver func(c *gin.Context, toNumber string) (string, error)

	// AcquireTenantCap enforces the per-tenant concurrent-session cap at
	// ring time. Nil means no cap.
	AcquireTenantCap func(c *gin.Context, tenantID string) (bool, error)

	Now func() time.Time
}

// HandleInboundCall answers the voice webhook for a new inbound call.
// The caller is put on hold TwiML until an agent answers; rejection happens
// here, at ring time, when the tenant cap is exhausted.
func (h TwilioWebhookHandler) HandleInboundCall(c *gin.Context) {
	log := logger.FromGin(c)
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	form, err := ParseTwilioVoiceForm(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	tenantID, err := h.TenantIDResolver(c, form.To)
	if err != nil {
		log.Warn("tenant resolution failed", "to", form.To, "err", err)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown destination"})
		return
	}

	if h.AcquireTenantCap != nil {
		ok, err := h.AcquireTenantCap(c, tenantID)
		if err != nil {
			log.Error("tenant cap check failed", "tenant_id", tenantID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "cap check failed"})
			return
		}
		if !ok {
			writeTwiML(c, mustTwiML(&twiml.VoiceReject{Reason: "busy"}))
			return
		}
	}

	err = h.Dispatcher.Dispatch(c.Request.Context(), Event{
		Type:        EventIncoming,
		TenantID:    tenantID,
		LegID:       form.CallSid,
		From:        form.From,
		To:          form.To,
		DisplayName: form.CallerName,
		OccurredAt:  now().UTC(),
	})
	if err != nil {
		log.Error("inbound dispatch failed", "leg_id", form.CallSid, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}

	// Ringback until an agent-side answer redirects the leg.
	writeTwiML(c, mustTwiML(&twiml.VoicePause{Length: "60"}))
}

// HandleStatusCallback reconciles out-of-band lifecycle callbacks against
// our records. Unknown call ids are swallowed by the dispatcher: the remote
// party has already hung up regardless.
func (h TwilioWebhookHandler) HandleStatusCallback(c *gin.Context) {
	log := logger.FromGin(c)
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	form, err := ParseTwilioVoiceForm(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("twilio status callback parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	et, tracked := statusEventTypes[form.CallStatus]
	if !tracked || et == "" {
		c.Status(http.StatusNoContent)
		return
	}

	tenantID, err := h.TenantIDResolver(c, form.To)
	if err != nil {
		log.Warn("status callback for unknown destination", "to", form.To)
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.Dispatcher.Dispatch(c.Request.Context(), Event{
		Type:       et,
		TenantID:   tenantID,
		LegID:      form.CallSid,
		From:       form.From,
		To:         form.To,
		OccurredAt: now().UTC(),
	}); err != nil {
		// Callback-driven errors are logged and swallowed.
		log.Warn("status callback dispatch failed", "leg_id", form.CallSid, "status", form.CallStatus, "err", err)
	}
	c.Status(http.StatusNoContent)
}

func mustTwiML(elements ...twiml.Element) string {
	out, err := twiml.Voice(elements)
	if err != nil {
		return "<Response></Response>"
	}
	return out
}

func writeTwiML(c *gin.Context, body string) {
	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, body)
}
