package agentclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"switchdesk/internal/session"
	"switchdesk/internal/telephony"
)

// Manager owns one agent connection's bounded set of session handles and
// serializes every focus-changing operation under a single mutex, so two
// racing answers cannot both end up focused.
type Manager struct {
	tenantID string
	agentID  string
	sessions *session.Service
	provider telephony.Provider
	log      *slog.Logger

	// bound caps simultaneous handles; additions at the bound are rejected
	// at ring time and the leg is terminated.
	bound int

	clock func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
	order   []string
}

const defaultSessionBound = 3

func NewManager(tenantID, agentID string, sessions *session.Service, provider telephony.Provider, log *slog.Logger, bound int) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if bound <= 0 {
		bound = defaultSessionBound
	}
	return &Manager{
		tenantID: tenantID,
		agentID:  agentID,
		sessions: sessions,
		provider: provider,
		log:      log,
		bound:    bound,
		clock:    time.Now,
		handles:  make(map[string]*Handle),
	}
}

// AddSession registers an incoming leg. At the bound the leg is terminated
// immediately so the caller hears the rejection at ring time, not after
// accept.
func (m *Manager) AddSession(ctx context.Context, sessionID, legID string, direction session.Direction) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.handles) >= m.bound {
		if err := m.provider.Reject(ctx, legID); err != nil {
			m.log.Error("leg termination on bound rejection failed", "leg_id", legID, "err", err)
		}
		return Handle{}, fmt.Errorf("%w: agent %s at %d sessions", session.ErrResourceExhausted, m.agentID, m.bound)
	}
	if _, ok := m.handles[sessionID]; ok {
		return Handle{}, fmt.Errorf("%w: session %s already attached", session.ErrStateConflict, sessionID)
	}

	h := &Handle{
		SessionID: sessionID,
		LegID:     legID,
		Direction: direction,
		Status:    HandleRinging,
		Focused:   len(m.handles) == 0,
		AddedAt:   m.clock().UTC(),
	}
	m.handles[sessionID] = h
	m.order = append(m.order, sessionID)
	return *h, nil
}

// Answer accepts a ringing leg (or resumes a held one) and moves focus to
// it. With holdOthers, a focused unheld handle is held before the switch;
// without it, the previous handle keeps live audio flags but never focus.
func (m *Manager) Answer(ctx context.Context, sessionID string, holdOthers bool) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[sessionID]
	if !ok {
		return Handle{}, fmt.Errorf("%w: session %s", session.ErrNotFound, sessionID)
	}

	if holdOthers {
		if err := m.holdFocusedLocked(ctx, sessionID); err != nil {
			return Handle{}, err
		}
	}

	if h.Status == HandleRinging {
		if err := m.provider.Accept(ctx, h.LegID); err != nil {
			return Handle{}, err
		}
		if _, err := m.sessions.ApplyTransition(ctx, m.tenantID, sessionID, session.Transition{
			Verb:    session.VerbAnswer,
			AgentID: m.agentID,
		}); err != nil {
			return Handle{}, err
		}
		at := m.clock().UTC()
		h.AnsweredAt = &at
		h.Status = HandleActive
	} else if h.Held {
		if _, err := m.sessions.ApplyTransition(ctx, m.tenantID, sessionID, session.Transition{Verb: session.VerbResume}); err != nil {
			return Handle{}, err
		}
	}

	// Focus is exclusive regardless of holdOthers; only the hold
	// side effect above is optional.
	for _, other := range m.handles {
		if other.SessionID != sessionID {
			other.Focused = false
		}
	}
	h.Held = false
	h.Focused = true
	return *h, nil
}

// Focus switches live audio to an already-active handle, holding the
// previously focused one and unholding the target if needed.
func (m *Manager) Focus(ctx context.Context, sessionID string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[sessionID]
	if !ok {
		return Handle{}, fmt.Errorf("%w: session %s", session.ErrNotFound, sessionID)
	}
	if h.Status != HandleActive {
		return Handle{}, fmt.Errorf("%w: session %s is not active", session.ErrStateConflict, sessionID)
	}
	if h.Focused {
		return *h, nil
	}

	if err := m.holdFocusedLocked(ctx, sessionID); err != nil {
		return Handle{}, err
	}
	if h.Held {
		if _, err := m.sessions.ApplyTransition(ctx, m.tenantID, sessionID, session.Transition{Verb: session.VerbResume}); err != nil {
			return Handle{}, err
		}
		h.Held = false
	}
	h.Focused = true
	return *h, nil
}

// Hold parks a handle's audio locally without switching focus elsewhere.
func (m *Manager) Hold(ctx context.Context, sessionID string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[sessionID]
	if !ok {
		return Handle{}, fmt.Errorf("%w: session %s", session.ErrNotFound, sessionID)
	}
	if h.Held {
		return *h, nil
	}
	if _, err := m.sessions.ApplyTransition(ctx, m.tenantID, sessionID, session.Transition{Verb: session.VerbHold}); err != nil {
		return Handle{}, err
	}
	h.Held = true
	h.Focused = false
	return *h, nil
}

// HangUp disconnects the leg, finalizes the session, and re-focuses the
// next-best remaining handle: a non-held handle first, else the first
// remaining one (unheld as part of the switch), else nothing.
func (m *Manager) HangUp(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", session.ErrNotFound, sessionID)
	}
	if err := m.provider.Disconnect(ctx, h.LegID); err != nil {
		return err
	}
	if _, err := m.sessions.Finalize(ctx, m.tenantID, sessionID, session.OutcomeCompleted); err != nil {
		return err
	}
	m.removeLocked(ctx, sessionID)
	return nil
}

// Reject declines a ringing leg. No cross-handle effects beyond refocus
// when the rejected handle happened to hold focus.
func (m *Manager) Reject(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", session.ErrNotFound, sessionID)
	}
	if h.Status != HandleRinging {
		return fmt.Errorf("%w: session %s already answered", session.ErrStateConflict, sessionID)
	}
	if err := m.provider.Reject(ctx, h.LegID); err != nil {
		return err
	}
	if _, err := m.sessions.Finalize(ctx, m.tenantID, sessionID, session.OutcomeDeclined); err != nil {
		return err
	}
	m.removeLocked(ctx, sessionID)
	return nil
}

// ToggleMute flips the local mute flag and the provider-side gain.
func (m *Manager) ToggleMute(ctx context.Context, sessionID string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[sessionID]
	if !ok {
		return Handle{}, fmt.Errorf("%w: session %s", session.ErrNotFound, sessionID)
	}
	if err := m.provider.Mute(ctx, h.LegID, !h.Muted); err != nil {
		return Handle{}, err
	}
	h.Muted = !h.Muted
	return *h, nil
}

// Sessions returns the handles in attachment order.
func (m *Manager) Sessions() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.handles[id])
	}
	return out
}

// Focused returns the handle with live audio, if any.
func (m *Manager) Focused() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		if h.Focused {
			return *h, true
		}
	}
	return Handle{}, false
}

// Attached reports whether a session already has a handle.
func (m *Manager) Attached(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[sessionID]
	return ok
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// holdFocusedLocked holds whichever other handle currently has focus.
// Ringing handles just lose the focus flag; active ones get a real hold
// transition so the hold-before-switch invariant reaches the record store.
func (m *Manager) holdFocusedLocked(ctx context.Context, exceptID string) error {
	for _, other := range m.handles {
		if other.SessionID == exceptID || !other.Focused {
			continue
		}
		if other.Status == HandleActive && !other.Held {
			if _, err := m.sessions.ApplyTransition(ctx, m.tenantID, other.SessionID, session.Transition{Verb: session.VerbHold}); err != nil {
				return err
			}
			other.Held = true
		}
		other.Focused = false
	}
	return nil
}

func (m *Manager) removeLocked(ctx context.Context, sessionID string) {
	h := m.handles[sessionID]
	delete(m.handles, sessionID)
	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if h == nil || !h.Focused {
		return
	}
	m.refocusLocked(ctx)
}

// refocusLocked applies the tie-break after the focused handle went away:
// prefer a non-held handle, else take (and unhold) the first remaining.
func (m *Manager) refocusLocked(ctx context.Context) {
	var next *Handle
	for _, id := range m.order {
		if h := m.handles[id]; !h.Held {
			next = h
			break
		}
	}
	if next == nil && len(m.order) > 0 {
		next = m.handles[m.order[0]]
	}
	if next == nil {
		return
	}
	if next.Held {
		if _, err := m.sessions.ApplyTransition(ctx, m.tenantID, next.SessionID, session.Transition{Verb: session.VerbResume}); err != nil {
			m.log.Warn("refocus resume failed", "session_id", next.SessionID, "err", err)
			return
		}
		next.Held = false
	}
	next.Focused = true
}
