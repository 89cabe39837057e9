package session

import "fmt"

// State represents the lifecycle state of a session.
//
// This is a closed enumeration: free-form strings are rejected at the store
// boundary via ParseState, and every mutation goes through the transition
// table below.
type State string

const (
	// StateRinging is an inbound call awaiting an answer.
	StateRinging State = "ringing"
	// StateConnecting is an outbound dial awaiting provider acceptance.
	StateConnecting State = "connecting"
	// StateConnected has live audio with the assigned agent.
	StateConnected State = "connected"
	// StateOnHold is held by its assigned agent (agent keeps the assignment).
	StateOnHold State = "on_hold"
	// StateParked is bound to a tenant parking slot with no assigned agent.
	StateParked State = "parked"
	// StateTransferring is provisionally assigned to a transfer target.
	StateTransferring State = "transferring"
	// StateEnded is terminal. Reaching it converts the session to history.
	StateEnded State = "ended"
)

// validTransitions defines which state transitions are allowed.
// Every state may reach ended: provider-side termination can arrive at any
// point in the lifecycle.
var validTransitions = map[State][]State{
	StateRinging:      {StateConnected, StateEnded},
	StateConnecting:   {StateConnected, StateEnded},
	StateConnected:    {StateOnHold, StateParked, StateTransferring, StateEnded},
	StateOnHold:       {StateConnected, StateParked, StateEnded},
	StateParked:       {StateConnected, StateTransferring, StateEnded},
	StateTransferring: {StateConnected, StateParked, StateEnded},
	StateEnded:        {},
}

// CanTransitionTo checks whether moving from s to next is legal.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a terminal state.
func (s State) IsTerminal() bool { return s == StateEnded }

// ParseState validates a raw state string at the store boundary.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if _, ok := validTransitions[s]; !ok {
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidArgument, raw)
	}
	return s, nil
}

// ParseDirection validates a raw direction string.
func ParseDirection(raw string) (Direction, error) {
	switch d := Direction(raw); d {
	case DirectionInbound, DirectionOutbound:
		return d, nil
	default:
		return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidArgument, raw)
	}
}
