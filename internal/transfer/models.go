package transfer

import "time"

// Kind distinguishes agent-to-agent handoffs from retrievals out of a
// parking slot.
type Kind string

const (
	KindDirect   Kind = "direct"
	KindFromPark Kind = "from_park"
)

// Status tracks a pending transfer. A transfer starts ringing and resolves
// exactly once to accepted, declined, or timeout; resolved records are
// terminal and never reused.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusTimeout  Status = "timeout"
)

func (s Status) IsTerminal() bool { return s != StatusRinging }

// PendingTransfer is a handoff in flight. FromAgentID is the initiating
// agent for direct transfers and the parking agent for from-park transfers.
// ReturnToSlot is non-zero only for from-park transfers and names the slot
// a decline or timeout should return the session to.
type PendingTransfer struct {
	ID            string     `json:"id" db:"id"`
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	SessionID     string     `json:"session_id" db:"session_id"`
	Kind          Kind       `json:"kind" db:"kind"`
	FromAgentID   string     `json:"from_agent_id,omitempty" db:"from_agent_id"`
	TargetAgentID string     `json:"target_agent_id" db:"target_agent_id"`
	TargetLegID   string     `json:"target_leg_id,omitempty" db:"target_leg_id"`
	ReturnToSlot  int        `json:"return_to_slot,omitempty" db:"return_to_slot"`
	Status        Status     `json:"status" db:"status"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Expired reports whether a still-ringing transfer has passed its deadline.
func (t PendingTransfer) Expired(now time.Time) bool {
	return t.Status == StatusRinging && now.After(t.ExpiresAt)
}

// RingStatus tracks a targeted ring on one agent's device.
type RingStatus string

const (
	RingStatusRinging  RingStatus = "ringing"
	RingStatusAccepted RingStatus = "accepted"
	RingStatusDeclined RingStatus = "declined"
	RingStatusExpired  RingStatus = "expired"
)

// TargetedRinging asks a specific agent's device to ring for a specific
// caller, instead of a broadcast ring. Used by transfer and unpark flows.
type TargetedRinging struct {
	ID          string     `json:"id" db:"id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	SessionID   string     `json:"session_id" db:"session_id"`
	AgentID     string     `json:"agent_id" db:"agent_id"`
	From        string     `json:"from" db:"from_number"`
	DisplayName string     `json:"display_name,omitempty" db:"display_name"`
	Status      RingStatus `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

func (r TargetedRinging) Expired(now time.Time) bool {
	return r.Status == RingStatusRinging && now.After(r.ExpiresAt)
}
