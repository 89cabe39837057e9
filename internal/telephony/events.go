package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"switchdesk/internal/session"
)

// EventType names a provider lifecycle event.
type EventType string

const (
	EventIncoming     EventType = "incoming"
	EventAccepted     EventType = "accepted"
	EventDisconnected EventType = "disconnected"
	EventCancelled    EventType = "cancelled"
	EventRejected     EventType = "rejected"
)

// Event is one asynchronous provider lifecycle notification, already
// resolved to a tenant by the webhook layer.
type Event struct {
	Type     EventType `json:"type"`
	TenantID string    `json:"tenant_id"`

	// LegID is the provider's call id; sessions are reconciled against it.
	LegID string `json:"leg_id"`

	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`

	// Raw keeps the provider payload for audit/debugging.
	Raw string `json:"raw,omitempty"`
}

// Dispatcher is the single place provider events enter the session core.
// Keeping dispatch in one table-shaped function (instead of per-leg handler
// closures) makes the transition behavior testable without a transport.
type Dispatcher struct {
	Sessions *session.Service
	Log      *slog.Logger

	// ReleaseTenantCap returns one unit of the tenant's live-call cap
	// after a terminal event. Nil means no cap is enforced.
	ReleaseTenantCap func(ctx context.Context, tenantID string) error
}

// Dispatch routes ev into the session store.
//
// Events for unknown call ids are logged and swallowed: the remote party
// has already hung up (or was never tracked), so there is nothing to
// propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	if d.Sessions == nil {
		return fmt.Errorf("telephony: dispatcher has no session service")
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	if ev.TenantID == "" || ev.LegID == "" {
		return fmt.Errorf("%w: event requires tenant_id and leg_id", session.ErrInvalidArgument)
	}

	switch ev.Type {
	case EventIncoming:
		// Providers redeliver webhooks on slow responses; a call id that
		// is already tracked is a duplicate delivery, not a new session.
		if _, err := d.Sessions.GetByProviderCallID(ctx, ev.TenantID, ev.LegID); err == nil {
			log.Info("duplicate incoming event", "leg_id", ev.LegID)
			return nil
		} else if !errors.Is(err, session.ErrNotFound) {
			return err
		}
		_, err := d.Sessions.CreateInbound(ctx, ev.TenantID, ev.LegID, ev.From, ev.DisplayName)
		return err

	case EventAccepted:
		sess, err := d.Sessions.GetByProviderCallID(ctx, ev.TenantID, ev.LegID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				log.Warn("accepted event for unknown call", "leg_id", ev.LegID)
				return nil
			}
			return err
		}
		if sess.State != session.StateConnecting {
			// Agent-side answer already drove the transition.
			return nil
		}
		_, err = d.Sessions.ApplyTransition(ctx, ev.TenantID, sess.ID, session.Transition{Verb: session.VerbConnect})
		return err

	case EventDisconnected, EventCancelled, EventRejected:
		sess, err := d.Sessions.GetByProviderCallID(ctx, ev.TenantID, ev.LegID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				log.Warn("termination event for unknown call", "type", ev.Type, "leg_id", ev.LegID)
				return nil
			}
			return err
		}
		if _, err := d.Sessions.Finalize(ctx, ev.TenantID, sess.ID, outcomeForEvent(ev.Type, sess)); err != nil {
			return err
		}
		if d.ReleaseTenantCap != nil {
			if err := d.ReleaseTenantCap(ctx, ev.TenantID); err != nil {
				log.Warn("tenant cap release failed", "tenant_id", ev.TenantID, "err", err)
			}
		}
		return nil

	default:
		log.Warn("unknown provider event type", "type", ev.Type, "leg_id", ev.LegID)
		return nil
	}
}

func outcomeForEvent(et EventType, sess session.Session) session.Outcome {
	switch et {
	case EventCancelled:
		return session.OutcomeCanceled
	case EventRejected:
		return session.OutcomeDeclined
	default:
		if sess.AnsweredAt == nil {
			return session.OutcomeNoAnswer
		}
		return session.OutcomeCompleted
	}
}
