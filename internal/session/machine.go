package session

import (
	"fmt"
	"time"
)

// Verb names a state-machine transition.
type Verb string

const (
	// VerbAnswer moves ringing → connected under an assigning agent.
	VerbAnswer Verb = "answer"
	// VerbConnect moves connecting → connected (outbound leg accepted).
	VerbConnect Verb = "connect"
	// VerbHold moves connected → on_hold.
	VerbHold Verb = "hold"
	// VerbResume moves on_hold → connected.
	VerbResume Verb = "resume"
	// VerbPark moves connected|on_hold → parked, swapping the agent
	// assignment for a slot binding.
	VerbPark Verb = "park"
	// VerbUnpark moves parked → connected under the retrieving agent.
	VerbUnpark Verb = "unpark"
	// VerbTransferStart moves connected|parked → transferring, provisionally
	// assigning the target agent.
	VerbTransferStart Verb = "transfer_start"
	// VerbTransferAccept settles transferring → connected under the target.
	VerbTransferAccept Verb = "transfer_accept"
	// VerbTransferRevert restores the pre-transfer assignee on decline/timeout.
	// Transition.AgentID, when set, overrides the restored assignee.
	VerbTransferRevert Verb = "transfer_revert"
	// VerbEnd moves any live state → ended. Only Finalize issues it.
	VerbEnd Verb = "end"
)

// Transition is one validated state change request.
//
// AgentID carries the answering/retrieving/target agent where the verb needs
// one. SlotNumber carries the parking slot for park. At is stamped by the
// service clock.
type Transition struct {
	Verb       Verb
	AgentID    string
	SlotNumber int
	At         time.Time
}

// target maps a verb to the state it lands in.
func (t Transition) target() (State, error) {
	switch t.Verb {
	case VerbAnswer, VerbConnect, VerbResume, VerbUnpark, VerbTransferAccept, VerbTransferRevert:
		return StateConnected, nil
	case VerbHold:
		return StateOnHold, nil
	case VerbPark:
		return StateParked, nil
	case VerbTransferStart:
		return StateTransferring, nil
	case VerbEnd:
		return StateEnded, nil
	default:
		return "", fmt.Errorf("%w: unknown verb %q", ErrInvalidArgument, t.Verb)
	}
}

// Apply validates tr against s and returns the mutated copy. It is pure:
// on error the input session is returned unchanged and nothing is persisted.
func Apply(s Session, tr Transition) (Session, error) {
	next, err := tr.target()
	if err != nil {
		return s, err
	}
	if !s.State.CanTransitionTo(next) {
		return s, fmt.Errorf("%w: %s not allowed from %s", ErrStateConflict, tr.Verb, s.State)
	}

	switch tr.Verb {
	case VerbAnswer:
		if tr.AgentID == "" {
			return s, fmt.Errorf("%w: answer requires an agent", ErrInvalidArgument)
		}
		if s.State != StateRinging {
			return s, fmt.Errorf("%w: answer only from ringing, got %s", ErrStateConflict, s.State)
		}
		s.AssignedAgentID = tr.AgentID
		if s.AnsweredAt == nil {
			at := tr.At
			s.AnsweredAt = &at
		}

	case VerbConnect:
		if s.AnsweredAt == nil {
			at := tr.At
			s.AnsweredAt = &at
		}

	case VerbHold:
		at := tr.At
		s.HoldStartedAt = &at

	case VerbResume:
		s.HoldStartedAt = nil

	case VerbPark:
		if tr.SlotNumber <= 0 {
			return s, fmt.Errorf("%w: park requires a slot number", ErrInvalidArgument)
		}
		s.AssignedAgentID = ""
		s.ParkingSlot = tr.SlotNumber
		at := tr.At
		s.HoldStartedAt = &at

	case VerbUnpark:
		if tr.AgentID == "" {
			return s, fmt.Errorf("%w: unpark requires an agent", ErrInvalidArgument)
		}
		s.ParkingSlot = 0
		s.HoldStartedAt = nil
		s.AssignedAgentID = tr.AgentID

	case VerbTransferStart:
		if tr.AgentID == "" {
			return s, fmt.Errorf("%w: transfer requires a target agent", ErrInvalidArgument)
		}
		s.PreviousAgentID = s.AssignedAgentID
		s.AssignedAgentID = tr.AgentID
		s.ParkingSlot = 0
		s.HoldStartedAt = nil

	case VerbTransferAccept:
		s.PreviousAgentID = ""

	case VerbTransferRevert:
		restored := s.PreviousAgentID
		if tr.AgentID != "" {
			restored = tr.AgentID
		}
		s.AssignedAgentID = restored
		s.PreviousAgentID = ""

	case VerbEnd:
		// Field cleanup happens in Finalize when building the history record.
	}

	s.State = next
	s.UpdatedAt = tr.At
	return s, nil
}
