package parking

import "time"

// Slot is a tenant-scoped numbered parking resource.
//
// Invariants:
// - (tenant_id, number) is unique.
// - A slot is occupied iff it holds a session reference.
//
// Slots are lazily created on first use and reused forever; there is no
// delete path.
type Slot struct {
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Number   int    `json:"number" db:"number"`

	Occupied  bool   `json:"occupied" db:"occupied"`
	SessionID string `json:"session_id,omitempty" db:"session_id"`

	// ParkedByAgentID is the agent who parked the bound session.
	ParkedByAgentID string `json:"parked_by_agent_id,omitempty" db:"parked_by_agent_id"`

	ParkedAt *time.Time `json:"parked_at,omitempty" db:"parked_at"`

	// ConferenceName is the provider bridge the parked leg is joined to.
	ConferenceName string `json:"conference_name,omitempty" db:"conference_name"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
