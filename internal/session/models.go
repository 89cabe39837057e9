package session

import "time"

// Session represents one live tenant-scoped telephone call.
//
// Multi-tenant invariant: TenantID is required on every row.
//
// Assignment invariant: a session has at most one assigned agent at any
// instant, and AssignedAgentID and ParkingSlot are mutually exclusive while
// the state is parked.
//
// Lifecycle: created on inbound ring or outbound dial, mutated through state
// transitions only (see machine.go), and converted into an immutable
// CallHistoryRecord by Finalize. A session never reappears after finalize.
type Session struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	// ProviderCallID is the telephony provider's globally unique identifier
	// for this call. Status callbacks are reconciled against it.
	ProviderCallID string `json:"provider_call_id" db:"provider_call_id"`

	Direction Direction `json:"direction" db:"direction"`

	// Counterparty is the remote address (E.164 where possible).
	Counterparty string `json:"counterparty" db:"counterparty"`
	DisplayName  string `json:"display_name,omitempty" db:"display_name"`

	State State `json:"state" db:"state"`

	AssignedAgentID string `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`

	// PreviousAgentID holds the pre-transfer assignee while the session is
	// transferring, so a decline or timeout can restore it.
	PreviousAgentID string `json:"previous_agent_id,omitempty" db:"previous_agent_id"`

	// ParkingSlot is the tenant-scoped slot number the session is parked in.
	// Zero means not parked.
	ParkingSlot int `json:"parking_slot,omitempty" db:"parking_slot"`

	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	HoldStartedAt *time.Time `json:"hold_started_at,omitempty" db:"hold_started_at"`

	// ExpiresAt is the ring deadline for sessions still in the ringing state.
	ExpiresAt time.Time `json:"expires_at,omitempty" db:"expires_at"`

	Recording    bool   `json:"recording" db:"recording"`
	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CallHistoryRecord is the immutable, append-only record a live session is
// converted into on finalize. No update or delete path exists for it.
type CallHistoryRecord struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	SessionID      string `json:"session_id" db:"session_id"`
	ProviderCallID string `json:"provider_call_id" db:"provider_call_id"`

	Direction    Direction `json:"direction" db:"direction"`
	Counterparty string    `json:"counterparty" db:"counterparty"`
	DisplayName  string    `json:"display_name,omitempty" db:"display_name"`

	// AgentID is the last assigned agent, empty for never-answered calls.
	AgentID string `json:"agent_id,omitempty" db:"agent_id"`

	Outcome Outcome `json:"outcome" db:"outcome"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    time.Time  `json:"ended_at" db:"ended_at"`

	// TalkTimeSeconds is answered-to-ended, zero for unanswered calls.
	TalkTimeSeconds int `json:"talk_time_seconds" db:"talk_time_seconds"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeFailed    Outcome = "failed"
)
