package parking

import (
	"context"
	"errors"
	"testing"
	"time"

	"switchdesk/internal/feed"
	"switchdesk/internal/presence"
	"switchdesk/internal/session"
	"switchdesk/internal/telephony"
)

type fixture struct {
	sessions *session.Service
	coord    *Coordinator
	provider *telephony.MemoryProvider
	bus      *feed.MemoryBus
	slots    *MemoryRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := feed.NewMemoryBus()
	sessions := session.NewService(session.NewMemoryRepo(), presence.NewMemoryRecorder(), bus, nil, 30*time.Second)
	provider := telephony.NewMemoryProvider()
	slots := NewMemoryRepo()
	return &fixture{
		sessions: sessions,
		coord:    NewCoordinator(sessions, slots, provider, bus, nil, 5),
		provider: provider,
		bus:      bus,
		slots:    slots,
	}
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

func TestParkAndUnparkRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA100")

	slot, err := f.coord.Park(ctx, "t1", s.ID, 3, "agent-1")
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	if slot.Number != 3 || !slot.Occupied || slot.SessionID != s.ID {
		t.Fatalf("unexpected slot after park: %+v", slot)
	}
	if got := f.provider.LegConference("CA100"); got != ConferenceName("t1", 3) {
		t.Fatalf("leg conference = %q", got)
	}

	parked, err := f.sessions.Get(ctx, "t1", s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if parked.State != session.StateParked || parked.AssignedAgentID != "" || parked.ParkingSlot != 3 {
		t.Fatalf("unexpected parked session: %+v", parked)
	}

	out, err := f.coord.Unpark(ctx, "t1", 3, "agent-2")
	if err != nil {
		t.Fatalf("unpark: %v", err)
	}
	if out.State != session.StateConnected || out.AssignedAgentID != "agent-2" {
		t.Fatalf("unexpected session after unpark: %+v", out)
	}
	if out.ParkingSlot != 0 || out.HoldStartedAt != nil {
		t.Fatalf("residual parking state after unpark: %+v", out)
	}

	freed, err := f.slots.Get(ctx, "t1", 3)
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	if freed.Occupied || freed.SessionID != "" {
		t.Fatalf("slot not freed: %+v", freed)
	}
	if n := len(f.bus.ByType(feed.SlotUpdated)); n != 2 {
		t.Fatalf("slot.updated events = %d, want 2", n)
	}
}

func TestParkOccupiedSlotConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.connectedSession(t, "t1", "agent-1", "CA200")
	second := f.connectedSession(t, "t1", "agent-2", "CA201")

	if _, err := f.coord.Park(ctx, "t1", first.ID, 1, "agent-1"); err != nil {
		t.Fatalf("park first: %v", err)
	}

	_, err := f.coord.Park(ctx, "t1", second.ID, 1, "agent-2")
	if !errors.Is(err, session.ErrSlotConflict) {
		t.Fatalf("err = %v, want ErrSlotConflict", err)
	}

	got, err := f.sessions.Get(ctx, "t1", second.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != session.StateConnected || got.AssignedAgentID != "agent-2" {
		t.Fatalf("loser session mutated: %+v", got)
	}
}

func TestParkProviderFailureLeavesNoDurableState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA300")

	f.provider.FailOn["join_conference"] = true
	_, err := f.coord.Park(ctx, "t1", s.ID, 2, "agent-1")
	if !errors.Is(err, session.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}

	if slot, err := f.slots.Get(ctx, "t1", 2); err == nil && slot.Occupied {
		t.Fatalf("slot occupied after provider failure: %+v", slot)
	}
	got, _ := f.sessions.Get(ctx, "t1", s.ID)
	if got.State != session.StateConnected {
		t.Fatalf("session state = %s, want connected", got.State)
	}
	if n := len(f.bus.ByType(feed.SlotUpdated)); n != 0 {
		t.Fatalf("slot.updated events = %d, want 0", n)
	}
}

func TestUnparkEmptySlotIsStateConflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Unpark(context.Background(), "t1", 4, "agent-1")
	if !errors.Is(err, session.ErrStateConflict) && !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want state conflict or not found", err)
	}
}

func TestParkInvalidSlotNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA400")

	for _, n := range []int{0, -1, 6} {
		if _, err := f.coord.Park(ctx, "t1", s.ID, n, "agent-1"); !errors.Is(err, session.ErrInvalidArgument) {
			t.Fatalf("slot %d: err = %v, want ErrInvalidArgument", n, err)
		}
	}
}

func TestParkFromRingingRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.sessions.CreateInbound(ctx, "t1", "CA500", "+15550002222", "")
	if err != nil {
		t.Fatalf("create inbound: %v", err)
	}
	if _, err := f.coord.Park(ctx, "t1", s.ID, 1, "agent-1"); !errors.Is(err, session.ErrStateConflict) {
		t.Fatalf("err = %v, want ErrStateConflict", err)
	}
}

func TestReturnToParkPrefersOriginalThenLowestFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A transferring session that came out of slot 2.
	s := f.connectedSession(t, "t1", "agent-1", "CA600")
	if _, err := f.coord.Park(ctx, "t1", s.ID, 2, "agent-1"); err != nil {
		t.Fatalf("park: %v", err)
	}
	if _, err := f.sessions.ApplyTransition(ctx, "t1", s.ID, session.Transition{Verb: session.VerbTransferStart, AgentID: "agent-2"}); err != nil {
		t.Fatalf("transfer start: %v", err)
	}
	if _, err := f.slots.Release(ctx, "t1", 2, s.ID, time.Now()); err != nil {
		t.Fatalf("release: %v", err)
	}

	slot, err := f.coord.ReturnToPark(ctx, "t1", s.ID, 2, "agent-1")
	if err != nil {
		t.Fatalf("return to park: %v", err)
	}
	if slot.Number != 2 {
		t.Fatalf("slot = %d, want original 2", slot.Number)
	}
	if slot.ParkedByAgentID != "agent-1" {
		t.Fatalf("parked_by = %q, want the parking agent", slot.ParkedByAgentID)
	}

	// Same again, but slot 2 taken in the meantime: lowest free wins.
	if _, err := f.sessions.ApplyTransition(ctx, "t1", s.ID, session.Transition{Verb: session.VerbTransferStart, AgentID: "agent-2"}); err != nil {
		t.Fatalf("second transfer start: %v", err)
	}
	if _, err := f.slots.Release(ctx, "t1", 2, s.ID, time.Now()); err != nil {
		t.Fatalf("second release: %v", err)
	}
	other := f.connectedSession(t, "t1", "agent-3", "CA601")
	if _, err := f.coord.Park(ctx, "t1", other.ID, 2, "agent-3"); err != nil {
		t.Fatalf("park other: %v", err)
	}

	slot, err = f.coord.ReturnToPark(ctx, "t1", s.ID, 2, "agent-1")
	if err != nil {
		t.Fatalf("return to park with conflict: %v", err)
	}
	if slot.Number != 1 {
		t.Fatalf("slot = %d, want lowest free 1", slot.Number)
	}
	if slot.ParkedByAgentID != "agent-1" {
		t.Fatalf("parked_by = %q, want the parking agent", slot.ParkedByAgentID)
	}
}

func TestUnparkTransitionFailureReoccupiesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.connectedSession(t, "t1", "agent-1", "CA700")

	if _, err := f.coord.Park(ctx, "t1", s.ID, 1, "agent-1"); err != nil {
		t.Fatalf("park: %v", err)
	}

	// End the session underneath the slot so the unpark transition
	// conflicts after the slot has already been released.
	if _, err := f.sessions.ApplyTransition(ctx, "t1", s.ID, session.Transition{Verb: session.VerbEnd}); err != nil {
		t.Fatalf("end: %v", err)
	}

	_, err := f.coord.Unpark(ctx, "t1", 1, "agent-2")
	if !errors.Is(err, session.ErrStateConflict) {
		t.Fatalf("err = %v, want ErrStateConflict", err)
	}

	slot, err := f.slots.Get(ctx, "t1", 1)
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	if !slot.Occupied || slot.SessionID != s.ID || slot.ParkedByAgentID != "agent-1" {
		t.Fatalf("slot binding lost after failed unpark: %+v", slot)
	}
}
