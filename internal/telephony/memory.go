package telephony

import (
	"context"
	"fmt"
	"sync"

	"switchdesk/internal/session"

	"github.com/google/uuid"
)

// MemoryProvider is an in-process Provider for tests and local development.
// It records every operation and can be told to fail specific ones to
// exercise no-partial-effect guarantees.
type MemoryProvider struct {
	mu sync.Mutex

	// Ops is the ordered operation log, entries like "join:LEG:conf".
	Ops []string

	// FailOn marks operation names ("join_conference", "ring", ...) that
	// should return a transport error.
	FailOn map[string]bool

	conferences map[string]bool
	legs        map[string]string // legID -> conference ("" = direct audio)
	muted       map[string]bool
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		FailOn:      make(map[string]bool),
		conferences: make(map[string]bool),
		legs:        make(map[string]string),
		muted:       make(map[string]bool),
	}
}

func (p *MemoryProvider) Name() string                           { return "memory" }
func (p *MemoryProvider) HealthCheck(ctx context.Context) error { return p.do("health_check", "") }

func (p *MemoryProvider) Ring(ctx context.Context, req RingRequest) (string, error) {
	if err := p.do("ring", req.To); err != nil {
		return "", err
	}
	legID := "LEG-" + uuid.NewString()
	p.mu.Lock()
	p.legs[legID] = ""
	p.mu.Unlock()
	return legID, nil
}

func (p *MemoryProvider) Accept(ctx context.Context, legID string) error {
	return p.do("accept", legID)
}

func (p *MemoryProvider) Reject(ctx context.Context, legID string) error {
	return p.do("reject", legID)
}

func (p *MemoryProvider) Mute(ctx context.Context, legID string, muted bool) error {
	if err := p.do("mute", fmt.Sprintf("%s:%v", legID, muted)); err != nil {
		return err
	}
	p.mu.Lock()
	p.muted[legID] = muted
	p.mu.Unlock()
	return nil
}

func (p *MemoryProvider) Disconnect(ctx context.Context, legID string) error {
	if err := p.do("disconnect", legID); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.legs, legID)
	p.mu.Unlock()
	return nil
}

func (p *MemoryProvider) CreateConference(ctx context.Context, name string) error {
	if err := p.do("create_conference", name); err != nil {
		return err
	}
	p.mu.Lock()
	p.conferences[name] = true
	p.mu.Unlock()
	return nil
}

func (p *MemoryProvider) JoinConference(ctx context.Context, legID, name string) error {
	if err := p.do("join_conference", legID+":"+name); err != nil {
		return err
	}
	p.mu.Lock()
	p.legs[legID] = name
	p.mu.Unlock()
	return nil
}

func (p *MemoryProvider) LeaveConference(ctx context.Context, legID string) error {
	if err := p.do("leave_conference", legID); err != nil {
		return err
	}
	p.mu.Lock()
	p.legs[legID] = ""
	p.mu.Unlock()
	return nil
}

func (p *MemoryProvider) ConnectToAgent(ctx context.Context, legID, agentID string) error {
	if err := p.do("connect_to_agent", legID+":"+agentID); err != nil {
		return err
	}
	p.mu.Lock()
	p.legs[legID] = ""
	p.mu.Unlock()
	return nil
}

func (p *MemoryProvider) StartRecording(ctx context.Context, legID string) (string, error) {
	if err := p.do("start_recording", legID); err != nil {
		return "", err
	}
	return "REC-" + uuid.NewString(), nil
}

// LegConference reports which conference a leg is joined to.
func (p *MemoryProvider) LegConference(legID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.legs[legID]
}

// Muted reports a leg's mute flag.
func (p *MemoryProvider) Muted(legID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted[legID]
}

// OpCount counts logged operations with the given name.
func (p *MemoryProvider) OpCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, op := range p.Ops {
		if len(op) >= len(name) && op[:len(name)] == name {
			n++
		}
	}
	return n
}

func (p *MemoryProvider) do(name, detail string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailOn[name] {
		return fmt.Errorf("%w: memory provider forced failure on %s", session.ErrTransport, name)
	}
	p.Ops = append(p.Ops, name+":"+detail)
	return nil
}
