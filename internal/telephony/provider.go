package telephony

import (
	"context"
	"time"
)

// Provider is the provider-agnostic signaling interface the coordination
// core calls. Call legs, conference bridges, and webhooks are the
// provider's problem; this interface only names the primitives the core
// needs.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Every call is a cancellable await: pass the request context through.
// - Failures are wrapped in session.ErrTransport by adapters.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// Ring dials a destination and returns the provider's leg id.
	Ring(ctx context.Context, req RingRequest) (legID string, err error)

	Accept(ctx context.Context, legID string) error
	Reject(ctx context.Context, legID string) error
	Mute(ctx context.Context, legID string, muted bool) error
	Disconnect(ctx context.Context, legID string) error

	// CreateConference provisions a named bridge; JoinConference and
	// LeaveConference move a leg onto and off it.
	CreateConference(ctx context.Context, name string) error
	JoinConference(ctx context.Context, legID, name string) error
	LeaveConference(ctx context.Context, legID string) error

	// ConnectToAgent moves a leg to direct audio with an agent's device,
	// the counterpart of JoinConference for unpark and transfer handoff.
	ConnectToAgent(ctx context.Context, legID, agentID string) error

	// StartRecording begins call recording for a leg.
	StartRecording(ctx context.Context, legID string) (recordingID string, err error)
}

// RingRequest describes an outbound dial or a targeted agent-device ring.
type RingRequest struct {
	TenantID string `json:"tenant_id"`

	// To is the destination: an E.164 number or an agent client address.
	To string `json:"to"`

	// From is the caller id presented to the destination.
	From string `json:"from"`

	// Timeout bounds how long the destination rings.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Record starts call recording at answer.
	Record bool `json:"record,omitempty"`
}
