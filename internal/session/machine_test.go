package session

import (
	"errors"
	"testing"
	"time"
)

func TestState_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateRinging, StateConnected, true},
		{StateRinging, StateEnded, true},
		{StateRinging, StateParked, false},
		// Connecting is entered only at outbound creation, never from ringing.
		{StateRinging, StateConnecting, false},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateParked, true},
		{StateConnected, StateTransferring, true},
		{StateOnHold, StateConnected, true},
		{StateParked, StateConnected, true},
		{StateParked, StateTransferring, true},
		{StateTransferring, StateParked, true},
		{StateEnded, StateConnected, false},
		{StateEnded, StateEnded, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", c.from, c.to, c.ok, got)
		}
	}
}

func TestParseState_RejectsUnknownStrings(t *testing.T) {
	if _, err := ParseState("parked"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := ParseState("on-hold"); err == nil {
		t.Fatalf("expected rejection of free-form state string")
	}
	if _, err := ParseState(""); err == nil {
		t.Fatalf("expected rejection of empty state")
	}
}

func TestApply_AnswerAssignsAgentAndStampsAnsweredAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := Session{State: StateRinging}

	out, err := Apply(s, Transition{Verb: VerbAnswer, AgentID: "agent-a", At: now})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.State != StateConnected {
		t.Fatalf("expected connected, got %s", out.State)
	}
	if out.AssignedAgentID != "agent-a" {
		t.Fatalf("expected assignment")
	}
	if out.AnsweredAt == nil || !out.AnsweredAt.Equal(now) {
		t.Fatalf("expected answered_at stamped")
	}
}

func TestApply_AnswerRequiresAgent(t *testing.T) {
	_, err := Apply(Session{State: StateRinging}, Transition{Verb: VerbAnswer, At: time.Now()})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestApply_ParkClearsAssignmentAndSetsSlot(t *testing.T) {
	now := time.Now().UTC()
	s := Session{State: StateConnected, AssignedAgentID: "agent-a"}

	out, err := Apply(s, Transition{Verb: VerbPark, SlotNumber: 3, At: now})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.AssignedAgentID != "" {
		t.Fatalf("parking and assignment must be mutually exclusive")
	}
	if out.ParkingSlot != 3 {
		t.Fatalf("expected slot 3, got %d", out.ParkingSlot)
	}
	if out.HoldStartedAt == nil {
		t.Fatalf("expected hold_started_at stamped")
	}
}

func TestApply_UnparkRestoresAssignmentAndClearsSlot(t *testing.T) {
	now := time.Now().UTC()
	hold := now.Add(-time.Minute)
	s := Session{State: StateParked, ParkingSlot: 3, HoldStartedAt: &hold}

	out, err := Apply(s, Transition{Verb: VerbUnpark, AgentID: "agent-b", At: now})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.State != StateConnected || out.AssignedAgentID != "agent-b" {
		t.Fatalf("expected connected under agent-b")
	}
	if out.ParkingSlot != 0 || out.HoldStartedAt != nil {
		t.Fatalf("expected residual slot/hold state cleared")
	}
}

func TestApply_TransferStartRecordsPreviousAgent(t *testing.T) {
	s := Session{State: StateConnected, AssignedAgentID: "agent-a"}

	out, err := Apply(s, Transition{Verb: VerbTransferStart, AgentID: "agent-c", At: time.Now()})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.State != StateTransferring {
		t.Fatalf("expected transferring, got %s", out.State)
	}
	if out.PreviousAgentID != "agent-a" || out.AssignedAgentID != "agent-c" {
		t.Fatalf("expected provisional reassignment, got prev=%q assigned=%q", out.PreviousAgentID, out.AssignedAgentID)
	}
}

func TestApply_TransferRevertRestoresPreviousAgent(t *testing.T) {
	s := Session{State: StateTransferring, AssignedAgentID: "agent-c", PreviousAgentID: "agent-a"}

	out, err := Apply(s, Transition{Verb: VerbTransferRevert, At: time.Now()})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.AssignedAgentID != "agent-a" || out.PreviousAgentID != "" {
		t.Fatalf("expected pre-transfer assignee restored")
	}
}

func TestApply_InvalidTransitionMakesNoChanges(t *testing.T) {
	s := Session{State: StateEnded, AssignedAgentID: "agent-a"}

	out, err := Apply(s, Transition{Verb: VerbAnswer, AgentID: "agent-b", At: time.Now()})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if out != s {
		t.Fatalf("failed transition must not mutate the session")
	}
}

// Parking and assignment stay mutually exclusive across arbitrary legal
// transition sequences.
func TestApply_ParkAssignmentExclusionHolds(t *testing.T) {
	now := time.Now().UTC()
	s := Session{State: StateRinging}

	steps := []Transition{
		{Verb: VerbAnswer, AgentID: "a", At: now},
		{Verb: VerbHold, At: now},
		{Verb: VerbResume, At: now},
		{Verb: VerbPark, SlotNumber: 2, At: now},
		{Verb: VerbUnpark, AgentID: "b", At: now},
		{Verb: VerbTransferStart, AgentID: "c", At: now},
		{Verb: VerbTransferAccept, At: now},
	}
	for i, tr := range steps {
		var err error
		s, err = Apply(s, tr)
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, tr.Verb, err)
		}
		if s.State == StateParked && (s.AssignedAgentID != "" || s.ParkingSlot == 0) {
			t.Fatalf("step %d: parked session must have a slot and no agent", i)
		}
		if s.State != StateParked && s.ParkingSlot != 0 {
			t.Fatalf("step %d: non-parked session must not hold a slot", i)
		}
	}
}
