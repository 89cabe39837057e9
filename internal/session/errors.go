package session

import "errors"

// Error taxonomy shared by the coordination core. Callers branch with
// errors.Is; none of these are retried automatically except ErrTransport,
// which the reconnection supervisor owns.
var (
	// ErrStateConflict means the requested transition is not legal from the
	// session's current state. No changes were made.
	ErrStateConflict = errors.New("state conflict")

	// ErrSlotConflict means the target parking slot is already occupied.
	ErrSlotConflict = errors.New("parking slot occupied")

	// ErrResourceExhausted means an agent's concurrent-session bound was hit.
	ErrResourceExhausted = errors.New("concurrent session limit reached")

	// ErrTransport wraps provider or network failures.
	ErrTransport = errors.New("transport failure")

	// ErrNotFound means the referenced session, slot, or transfer does not exist.
	ErrNotFound = errors.New("not found")

	ErrInvalidArgument = errors.New("invalid argument")
)
