// Package agentclient holds the client-local half of the coordination
// layer: the per-connection session handles an agent juggles, the focus
// arbitration between them, and the supervision of the signaling
// transport. Nothing here is shared across agents.
package agentclient

import (
	"time"

	"switchdesk/internal/session"
)

// HandleStatus tracks a leg from the agent device's point of view.
type HandleStatus string

const (
	HandleRinging HandleStatus = "ringing"
	HandleActive  HandleStatus = "active"
)

// Handle is one call leg as the agent's client sees it. Focus means live
// audio: at most one handle per manager is focused, and a focused handle
// is never held.
type Handle struct {
	SessionID string
	LegID     string
	Direction session.Direction

	Status  HandleStatus
	Held    bool
	Muted   bool
	Focused bool

	AddedAt    time.Time
	AnsweredAt *time.Time
}
