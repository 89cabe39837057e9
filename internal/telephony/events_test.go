package telephony

import (
	"context"
	"testing"
	"time"

	"switchdesk/internal/session"
)

func newDispatcher(t *testing.T) (*Dispatcher, *session.Service) {
	t.Helper()
	svc := session.NewService(session.NewMemoryRepo(), nil, nil, nil, 30*time.Second)
	return &Dispatcher{Sessions: svc}, svc
}

func TestDispatch_IncomingCreatesRingingSession(t *testing.T) {
	d, svc := newDispatcher(t)
	ctx := context.Background()

	err := d.Dispatch(ctx, Event{
		Type:        EventIncoming,
		TenantID:    "t1",
		LegID:       "CA100",
		From:        "+15551234567",
		DisplayName: "Jamie Doe",
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	sess, err := svc.GetByProviderCallID(ctx, "t1", "CA100")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sess.State != session.StateRinging || sess.Counterparty != "+15551234567" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestDispatch_DuplicateIncomingIsIdempotent(t *testing.T) {
	d, svc := newDispatcher(t)
	ctx := context.Background()

	ev := Event{Type: EventIncoming, TenantID: "t1", LegID: "CA110", From: "+15551234567"}
	if err := d.Dispatch(ctx, ev); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	first, err := svc.GetByProviderCallID(ctx, "t1", "CA110")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// Provider redelivery of the same webhook must not error or fork a
	// second session.
	if err := d.Dispatch(ctx, ev); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	again, err := svc.GetByProviderCallID(ctx, "t1", "CA110")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("session forked on redelivery: %s vs %s", again.ID, first.ID)
	}
	live, err := svc.ListByTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("live sessions = %d, want 1", len(live))
	}
}

func TestDispatch_AcceptedSettlesOutboundDial(t *testing.T) {
	d, svc := newDispatcher(t)
	ctx := context.Background()

	out, err := svc.CreateOutbound(ctx, "t1", "agent-a", "CA101", "+15559998888")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if err := d.Dispatch(ctx, Event{Type: EventAccepted, TenantID: "t1", LegID: "CA101"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	sess, _ := svc.Get(ctx, "t1", out.ID)
	if sess.State != session.StateConnected || sess.AnsweredAt == nil {
		t.Fatalf("expected connected with answered_at, got %+v", sess)
	}
}

func TestDispatch_DisconnectedFinalizes(t *testing.T) {
	d, svc := newDispatcher(t)
	ctx := context.Background()

	if err := d.Dispatch(ctx, Event{Type: EventIncoming, TenantID: "t1", LegID: "CA102", From: "+15550001111"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := d.Dispatch(ctx, Event{Type: EventDisconnected, TenantID: "t1", LegID: "CA102"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if _, err := svc.GetByProviderCallID(ctx, "t1", "CA102"); err == nil {
		t.Fatalf("expected session gone after termination")
	}
}

func TestDispatch_UnknownCallIDIsSwallowed(t *testing.T) {
	d, _ := newDispatcher(t)

	// The remote party already hung up; nothing to propagate.
	if err := d.Dispatch(context.Background(), Event{Type: EventDisconnected, TenantID: "t1", LegID: "CA-unknown"}); err != nil {
		t.Fatalf("expected termination for unknown call swallowed, got %v", err)
	}
}

func TestDispatch_RacingTerminationSignalsFinalizeOnce(t *testing.T) {
	d, svc := newDispatcher(t)
	ctx := context.Background()

	if err := d.Dispatch(ctx, Event{Type: EventIncoming, TenantID: "t1", LegID: "CA103", From: "+15550002222"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	sess, _ := svc.GetByProviderCallID(ctx, "t1", "CA103")

	// Agent hangup and provider callback race; both must succeed and only
	// one history record may exist.
	if _, err := svc.Finalize(ctx, "t1", sess.ID, session.OutcomeCompleted); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := d.Dispatch(ctx, Event{Type: EventDisconnected, TenantID: "t1", LegID: "CA103"}); err != nil {
		t.Fatalf("expected duplicate termination swallowed, got %v", err)
	}
}
