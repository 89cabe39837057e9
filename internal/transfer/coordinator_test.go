package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"switchdesk/internal/feed"
	"switchdesk/internal/parking"
	"switchdesk/internal/presence"
	"switchdesk/internal/session"
	"switchdesk/internal/telephony"
)

type fixture struct {
	sessions *session.Service
	park     *parking.Coordinator
	coord    *Coordinator
	repo     *MemoryRepo
	provider *telephony.MemoryProvider
	bus      *feed.MemoryBus
	now      time.Time
}

func newFixture(t *testing.T, maxSlots int) *fixture {
	t.Helper()
	bus := feed.NewMemoryBus()
	sessions := session.NewService(session.NewMemoryRepo(), presence.NewMemoryRecorder(), bus, nil, 30*time.Second)
	provider := telephony.NewMemoryProvider()
	park := parking.NewCoordinator(sessions, parking.NewMemoryRepo(), provider, bus, nil, maxSlots)
	repo := NewMemoryRepo()

	f := &fixture{
		sessions: sessions,
		park:     park,
		coord:    NewCoordinator(sessions, repo, park, provider, bus, nil, 30*time.Second),
		repo:     repo,
		provider: provider,
		bus:      bus,
		now:      time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
	}
	f.coord.clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) connectedSession(t *testing.T, tenantID, agentID, legID string) session.Session {
	t.Helper()
	ctx := context.Background()
	s, err := f.sessions.CreateInbound(ctx, tenantID, legID, "+15550001111", "Caller")
	if err != nil {
		t.Fatalf("create inbound: %v", err)
	}
	s, err = f.sessions.ApplyTransition(ctx, tenantID, s.ID, session.Transition{Verb: session.VerbAnswer, AgentID: agentID})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	return s
}

func TestTransferDirectAccept(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA100")

	tr, err := f.coord.TransferDirect(ctx, "t1", s.ID, "agent-2")
	if err != nil {
		t.Fatalf("transfer direct: %v", err)
	}
	if tr.Kind != KindDirect || tr.Status != StatusRinging || tr.FromAgentID != "agent-1" {
		t.Fatalf("unexpected transfer: %+v", tr)
	}
	if !tr.ExpiresAt.After(tr.CreatedAt) {
		t.Fatalf("expiry %v not after creation %v", tr.ExpiresAt, tr.CreatedAt)
	}

	mid, _ := f.sessions.Get(ctx, "t1", s.ID)
	if mid.State != session.StateTransferring || mid.AssignedAgentID != "agent-2" || mid.PreviousAgentID != "agent-1" {
		t.Fatalf("unexpected transferring session: %+v", mid)
	}

	rings, err := f.coord.RingingForAgent(ctx, "t1", "agent-2")
	if err != nil || len(rings) != 1 {
		t.Fatalf("rings = %v, err = %v", rings, err)
	}

	out, err := f.coord.Accept(ctx, "t1", tr.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if out.State != session.StateConnected || out.AssignedAgentID != "agent-2" || out.PreviousAgentID != "" {
		t.Fatalf("unexpected session after accept: %+v", out)
	}

	got, _ := f.repo.Get(ctx, "t1", tr.ID)
	if got.Status != StatusAccepted || got.ResolvedAt == nil {
		t.Fatalf("transfer not settled: %+v", got)
	}
	ring, _ := f.repo.GetRinging(ctx, "t1", rings[0].ID)
	if ring.Status != RingStatusAccepted {
		t.Fatalf("ring status = %s", ring.Status)
	}
	if f.provider.OpCount("connect_to_agent") != 1 {
		t.Fatalf("connect_to_agent ops = %d", f.provider.OpCount("connect_to_agent"))
	}
}

func TestTransferDirectDeclineRestoresPreviousAgent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA200")

	tr, err := f.coord.TransferDirect(ctx, "t1", s.ID, "agent-2")
	if err != nil {
		t.Fatalf("transfer direct: %v", err)
	}

	tr, err = f.coord.Decline(ctx, "t1", tr.ID)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if tr.Status != StatusDeclined {
		t.Fatalf("status = %s", tr.Status)
	}

	got, _ := f.sessions.Get(ctx, "t1", s.ID)
	if got.State != session.StateConnected || got.AssignedAgentID != "agent-1" || got.PreviousAgentID != "" {
		t.Fatalf("session not reverted: %+v", got)
	}

	// A settled transfer cannot be settled again.
	if _, err := f.coord.Accept(ctx, "t1", tr.ID); !errors.Is(err, session.ErrStateConflict) {
		t.Fatalf("accept after decline: err = %v", err)
	}
}

func TestTransferDirectTimesOutOnLazyRead(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA300")

	tr, err := f.coord.TransferDirect(ctx, "t1", s.ID, "agent-2")
	if err != nil {
		t.Fatalf("transfer direct: %v", err)
	}

	f.now = f.now.Add(31 * time.Second)
	if _, err := f.coord.Accept(ctx, "t1", tr.ID); !errors.Is(err, session.ErrStateConflict) {
		t.Fatalf("accept past deadline: err = %v", err)
	}

	got, _ := f.repo.Get(ctx, "t1", tr.ID)
	if got.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", got.Status)
	}
	sess, _ := f.sessions.Get(ctx, "t1", s.ID)
	if sess.State != session.StateConnected || sess.AssignedAgentID != "agent-1" {
		t.Fatalf("session not reverted: %+v", sess)
	}
}

func TestTransferToCurrentAssigneeRejected(t *testing.T) {
	f := newFixture(t, 3)
	s := f.connectedSession(t, "t1", "agent-1", "CA350")
	if _, err := f.coord.TransferDirect(context.Background(), "t1", s.ID, "agent-1"); !errors.Is(err, session.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestTransferFromParkAcceptFreesSlot(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA400")
	if _, err := f.park.Park(ctx, "t1", s.ID, 2, "agent-1"); err != nil {
		t.Fatalf("park: %v", err)
	}

	tr, err := f.coord.TransferFromPark(ctx, "t1", 2, "agent-2")
	if err != nil {
		t.Fatalf("transfer from park: %v", err)
	}
	if tr.Kind != KindFromPark || tr.ReturnToSlot != 2 || tr.FromAgentID != "agent-1" {
		t.Fatalf("unexpected transfer: %+v", tr)
	}

	slot, err := f.park.Slot(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	if slot.Occupied {
		t.Fatalf("slot still occupied at transfer start: %+v", slot)
	}

	out, err := f.coord.Accept(ctx, "t1", tr.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if out.State != session.StateConnected || out.AssignedAgentID != "agent-2" || out.ParkingSlot != 0 {
		t.Fatalf("unexpected session after accept: %+v", out)
	}
}

func TestTransferFromParkDeclineReturnsToOriginalSlot(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA500")
	if _, err := f.park.Park(ctx, "t1", s.ID, 2, "agent-1"); err != nil {
		t.Fatalf("park: %v", err)
	}

	tr, err := f.coord.TransferFromPark(ctx, "t1", 2, "agent-2")
	if err != nil {
		t.Fatalf("transfer from park: %v", err)
	}
	if _, err := f.coord.Decline(ctx, "t1", tr.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}

	got, _ := f.sessions.Get(ctx, "t1", s.ID)
	if got.State != session.StateParked || got.ParkingSlot != 2 || got.AssignedAgentID != "" {
		t.Fatalf("session not re-parked: %+v", got)
	}
	slot, _ := f.park.Slot(ctx, "t1", 2)
	if !slot.Occupied || slot.SessionID != s.ID {
		t.Fatalf("slot not re-occupied: %+v", slot)
	}
	if slot.ParkedByAgentID != "agent-1" {
		t.Fatalf("slot parked_by = %q, want the original parking agent", slot.ParkedByAgentID)
	}
}

func TestTransferFromParkDeclinePicksLowestFreeSlot(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA600")
	if _, err := f.park.Park(ctx, "t1", s.ID, 2, "agent-1"); err != nil {
		t.Fatalf("park: %v", err)
	}

	tr, err := f.coord.TransferFromPark(ctx, "t1", 2, "agent-2")
	if err != nil {
		t.Fatalf("transfer from park: %v", err)
	}

	// Slot 2 gets taken while the target is ringing.
	other := f.connectedSession(t, "t1", "agent-3", "CA601")
	if _, err := f.park.Park(ctx, "t1", other.ID, 2, "agent-3"); err != nil {
		t.Fatalf("park other: %v", err)
	}

	if _, err := f.coord.Decline(ctx, "t1", tr.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}

	got, _ := f.sessions.Get(ctx, "t1", s.ID)
	if got.State != session.StateParked || got.ParkingSlot != 1 {
		t.Fatalf("session not re-parked in lowest free slot: %+v", got)
	}
}

func TestTransferFromParkDeclineAllSlotsTakenRestoresParkingAgent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA700")
	if _, err := f.park.Park(ctx, "t1", s.ID, 1, "agent-1"); err != nil {
		t.Fatalf("park: %v", err)
	}

	tr, err := f.coord.TransferFromPark(ctx, "t1", 1, "agent-2")
	if err != nil {
		t.Fatalf("transfer from park: %v", err)
	}

	for i, leg := range []string{"CA701", "CA702"} {
		other := f.connectedSession(t, "t1", "agent-3", leg)
		if _, err := f.park.Park(ctx, "t1", other.ID, i+1, "agent-3"); err != nil {
			t.Fatalf("fill slot %d: %v", i+1, err)
		}
	}

	if _, err := f.coord.Decline(ctx, "t1", tr.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}

	got, _ := f.sessions.Get(ctx, "t1", s.ID)
	if got.State != session.StateConnected || got.AssignedAgentID != "agent-1" {
		t.Fatalf("session not restored to parking agent: %+v", got)
	}
	if got.ParkingSlot != 0 {
		t.Fatalf("residual slot binding: %+v", got)
	}
}

func TestDeclineRecoveryFailureKeepsTransferRetryable(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA900")
	if _, err := f.park.Park(ctx, "t1", s.ID, 1, "agent-1"); err != nil {
		t.Fatalf("park: %v", err)
	}

	tr, err := f.coord.TransferFromPark(ctx, "t1", 1, "agent-2")
	if err != nil {
		t.Fatalf("transfer from park: %v", err)
	}

	// Re-parking fails at the provider: the record must stay ringing so
	// a later settlement retries recovery instead of stranding the
	// session in transferring forever.
	f.provider.FailOn["join_conference"] = true
	if _, err := f.coord.Decline(ctx, "t1", tr.ID); !errors.Is(err, session.ErrTransport) {
		t.Fatalf("decline with failing provider: err = %v, want ErrTransport", err)
	}

	got, _ := f.repo.Get(ctx, "t1", tr.ID)
	if got.Status != StatusRinging {
		t.Fatalf("status = %s, want still ringing", got.Status)
	}

	f.provider.FailOn["join_conference"] = false
	tr, err = f.coord.Decline(ctx, "t1", tr.ID)
	if err != nil {
		t.Fatalf("decline retry: %v", err)
	}
	if tr.Status != StatusDeclined {
		t.Fatalf("status = %s, want declined", tr.Status)
	}
	sess, _ := f.sessions.Get(ctx, "t1", s.ID)
	if sess.State != session.StateParked || sess.ParkingSlot != 1 {
		t.Fatalf("session not re-parked after retry: %+v", sess)
	}
}

func TestSweepTimesOutExpiredTransfers(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA800")

	tr, err := f.coord.TransferDirect(ctx, "t1", s.ID, "agent-2")
	if err != nil {
		t.Fatalf("transfer direct: %v", err)
	}

	f.coord.Sweep(ctx) // before the deadline: nothing to do
	if got, _ := f.repo.Get(ctx, "t1", tr.ID); got.Status != StatusRinging {
		t.Fatalf("premature settlement: %+v", got)
	}

	f.now = f.now.Add(time.Minute)
	f.coord.Sweep(ctx)

	got, _ := f.repo.Get(ctx, "t1", tr.ID)
	if got.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", got.Status)
	}
	sess, _ := f.sessions.Get(ctx, "t1", s.ID)
	if sess.AssignedAgentID != "agent-1" || sess.State != session.StateConnected {
		t.Fatalf("session not reverted: %+v", sess)
	}
	rings, _ := f.repo.ListRingingByAgent(ctx, "t1", "agent-2")
	if len(rings) != 0 {
		t.Fatalf("stale rings after sweep: %v", rings)
	}

	// Sweeping again settles nothing twice.
	f.coord.Sweep(ctx)
	events := f.bus.ByType(feed.TransferUpdated)
	if len(events) != 2 {
		t.Fatalf("transfer.updated events = %d, want 2 (start + timeout)", len(events))
	}
}
