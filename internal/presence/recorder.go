// Package presence projects agent availability for dashboards and accrues
// talk time on call finalize.
//
// Every method is a fire-and-forget side effect: implementations log
// failures and the calling state transition proceeds regardless.
package presence

import (
	"context"
	"sync"
)

// Status is an agent's projected availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusOnCall    Status = "on_call"
)

// Recorder receives assignment-change and finalize notifications.
type Recorder interface {
	// SetStatus records an agent's availability within a tenant.
	SetStatus(ctx context.Context, tenantID, agentID string, status Status)

	// AccrueTalkTime adds answered-call seconds to the agent's running total.
	AccrueTalkTime(ctx context.Context, tenantID, agentID string, seconds int)
}

// NopRecorder drops everything.
type NopRecorder struct{}

func (NopRecorder) SetStatus(context.Context, string, string, Status)    {}
func (NopRecorder) AccrueTalkTime(context.Context, string, string, int) {}

// MemoryRecorder is an in-process recorder useful for tests.
type MemoryRecorder struct {
	mu       sync.Mutex
	statuses map[string]Status
	talkTime map[string]int
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		statuses: make(map[string]Status),
		talkTime: make(map[string]int),
	}
}

func key(tenantID, agentID string) string { return tenantID + "/" + agentID }

func (r *MemoryRecorder) SetStatus(_ context.Context, tenantID, agentID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[key(tenantID, agentID)] = status
}

func (r *MemoryRecorder) AccrueTalkTime(_ context.Context, tenantID, agentID string, seconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.talkTime[key(tenantID, agentID)] += seconds
}

// Status returns the last recorded status, defaulting to available.
func (r *MemoryRecorder) Status(tenantID, agentID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[key(tenantID, agentID)]; ok {
		return s
	}
	return StatusAvailable
}

// TalkTime returns the accrued seconds for an agent.
func (r *MemoryRecorder) TalkTime(tenantID, agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.talkTime[key(tenantID, agentID)]
}
