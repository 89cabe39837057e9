package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"switchdesk/internal/feed"
	"switchdesk/internal/parking"
	"switchdesk/internal/session"
	"switchdesk/internal/telephony"
)

// Coordinator owns the handoff of a session between agents: it creates the
// pending-transfer record, rings the target, and settles the record to
// exactly one of accepted, declined, or timeout. Expiry is enforced both
// lazily on read and by the background sweep; both paths are idempotent.
type Coordinator struct {
	sessions *session.Service
	repo     Repository
	park     *parking.Coordinator
	provider telephony.Provider
	feed     feed.Publisher
	log      *slog.Logger

	ringTimeout time.Duration
	clock       func() time.Time
}

func NewCoordinator(sessions *session.Service, repo Repository, park *parking.Coordinator, provider telephony.Provider, pub feed.Publisher, log *slog.Logger, ringTimeout time.Duration) *Coordinator {
	if pub == nil {
		pub = feed.NopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	return &Coordinator{
		sessions:    sessions,
		repo:        repo,
		park:        park,
		provider:    provider,
		feed:        pub,
		log:         log,
		ringTimeout: ringTimeout,
		clock:       time.Now,
	}
}

// TransferDirect hands a connected session from its current agent to
// targetAgentID. The session moves to transferring immediately; the target
// device rings until accept, decline, or the ring deadline.
func (c *Coordinator) TransferDirect(ctx context.Context, tenantID, sessionID, targetAgentID string) (PendingTransfer, error) {
	if targetAgentID == "" {
		return PendingTransfer{}, fmt.Errorf("%w: transfer requires a target agent", session.ErrInvalidArgument)
	}

	sess, err := c.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return PendingTransfer{}, err
	}
	if sess.AssignedAgentID == targetAgentID {
		return PendingTransfer{}, fmt.Errorf("%w: session already assigned to %s", session.ErrInvalidArgument, targetAgentID)
	}

	sess, err = c.sessions.ApplyTransition(ctx, tenantID, sessionID, session.Transition{
		Verb:    session.VerbTransferStart,
		AgentID: targetAgentID,
	})
	if err != nil {
		return PendingTransfer{}, err
	}

	t := c.newTransfer(tenantID, sessionID, KindDirect, sess.PreviousAgentID, targetAgentID, 0)
	if err := c.repo.Insert(ctx, t); err != nil {
		c.revertSession(ctx, tenantID, sessionID, "")
		return PendingTransfer{}, err
	}

	c.ringTarget(ctx, sess, targetAgentID, t.ExpiresAt)
	c.feed.Publish(ctx, tenantID, feed.TransferUpdated, t)
	return t, nil
}

// TransferFromPark rings targetAgentID for the session parked in
// slotNumber. The slot is freed at transfer start; ReturnToSlot remembers
// it so a decline or timeout can re-park instead of dropping the call.
func (c *Coordinator) TransferFromPark(ctx context.Context, tenantID string, slotNumber int, targetAgentID string) (PendingTransfer, error) {
	if targetAgentID == "" {
		return PendingTransfer{}, fmt.Errorf("%w: transfer requires a target agent", session.ErrInvalidArgument)
	}

	slot, err := c.park.Slot(ctx, tenantID, slotNumber)
	if err != nil {
		return PendingTransfer{}, err
	}
	if !slot.Occupied {
		return PendingTransfer{}, fmt.Errorf("%w: slot %d is not occupied", session.ErrStateConflict, slotNumber)
	}

	sess, err := c.sessions.ApplyTransition(ctx, tenantID, slot.SessionID, session.Transition{
		Verb:    session.VerbTransferStart,
		AgentID: targetAgentID,
	})
	if err != nil {
		return PendingTransfer{}, err
	}
	if err := c.park.ReleaseForHandoff(ctx, tenantID, slotNumber, slot.SessionID); err != nil {
		// The slot binding moved underneath us; the transfer proceeds off
		// whatever binding remains.
		c.log.Warn("slot release on transfer start failed", "tenant_id", tenantID, "slot", slotNumber, "err", err)
	}

	t := c.newTransfer(tenantID, slot.SessionID, KindFromPark, slot.ParkedByAgentID, targetAgentID, slotNumber)
	if err := c.repo.Insert(ctx, t); err != nil {
		c.revertSession(ctx, tenantID, slot.SessionID, slot.ParkedByAgentID)
		return PendingTransfer{}, err
	}

	c.ringTarget(ctx, sess, targetAgentID, t.ExpiresAt)
	c.feed.Publish(ctx, tenantID, feed.TransferUpdated, t)
	return t, nil
}

// Accept settles the transfer under the target agent and connects the
// caller's leg to them.
func (c *Coordinator) Accept(ctx context.Context, tenantID, transferID string) (session.Session, error) {
	t, err := c.get(ctx, tenantID, transferID)
	if err != nil {
		return session.Session{}, err
	}

	sess, err := c.sessions.Get(ctx, tenantID, t.SessionID)
	if err != nil {
		return session.Session{}, err
	}
	if err := c.provider.ConnectToAgent(ctx, sess.ProviderCallID, t.TargetAgentID); err != nil {
		return session.Session{}, err
	}

	now := c.clock().UTC()
	t, err = c.repo.Resolve(ctx, tenantID, transferID, StatusAccepted, now)
	if err != nil {
		return session.Session{}, err
	}

	out, err := c.sessions.ApplyTransition(ctx, tenantID, t.SessionID, session.Transition{Verb: session.VerbTransferAccept})
	if err != nil {
		return session.Session{}, err
	}

	c.settleRinging(ctx, t, RingStatusAccepted)
	c.feed.Publish(ctx, tenantID, feed.TransferUpdated, t)
	return out, nil
}

// Decline settles the transfer against the target agent and recovers the
// session: re-park for from-park transfers, previous agent otherwise.
func (c *Coordinator) Decline(ctx context.Context, tenantID, transferID string) (PendingTransfer, error) {
	t, err := c.get(ctx, tenantID, transferID)
	if err != nil {
		return PendingTransfer{}, err
	}
	return c.settleFailure(ctx, t, StatusDeclined)
}

// Sweep times out every still-ringing record past its deadline. Safe to
// run concurrently with lazy expiry: only one settlement wins the
// compare-and-set, the rest are no-ops.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.clock().UTC()

	expired, err := c.repo.ListExpired(ctx, now)
	if err != nil {
		c.log.Error("transfer sweep list failed", "err", err)
	}
	for _, t := range expired {
		if _, err := c.settleFailure(ctx, t, StatusTimeout); err != nil && !errors.Is(err, session.ErrStateConflict) {
			c.log.Error("transfer timeout failed", "tenant_id", t.TenantID, "transfer_id", t.ID, "err", err)
		}
	}

	rings, err := c.repo.ListExpiredRinging(ctx, now)
	if err != nil {
		c.log.Error("ringing sweep list failed", "err", err)
	}
	for _, ring := range rings {
		if _, err := c.repo.ResolveRinging(ctx, ring.TenantID, ring.ID, RingStatusExpired, now); err != nil && !errors.Is(err, session.ErrStateConflict) {
			c.log.Error("ringing expiry failed", "tenant_id", ring.TenantID, "ringing_id", ring.ID, "err", err)
		}
	}
}

// ListRinging returns the tenant's unresolved transfers.
func (c *Coordinator) ListRinging(ctx context.Context, tenantID string) ([]PendingTransfer, error) {
	return c.repo.ListRinging(ctx, tenantID)
}

// RingingForAgent returns the targeted rings an agent's device should show.
func (c *Coordinator) RingingForAgent(ctx context.Context, tenantID, agentID string) ([]TargetedRinging, error) {
	return c.repo.ListRingingByAgent(ctx, tenantID, agentID)
}

// get loads a transfer and applies lazy expiry: a ringing record past its
// deadline is timed out on the spot and reported as a state conflict.
func (c *Coordinator) get(ctx context.Context, tenantID, transferID string) (PendingTransfer, error) {
	t, err := c.repo.Get(ctx, tenantID, transferID)
	if err != nil {
		return PendingTransfer{}, err
	}
	if t.Status.IsTerminal() {
		return PendingTransfer{}, fmt.Errorf("%w: transfer %s already %s", session.ErrStateConflict, transferID, t.Status)
	}
	if t.Expired(c.clock().UTC()) {
		if _, err := c.settleFailure(ctx, t, StatusTimeout); err != nil && !errors.Is(err, session.ErrStateConflict) {
			return PendingTransfer{}, err
		}
		return PendingTransfer{}, fmt.Errorf("%w: transfer %s timed out", session.ErrStateConflict, transferID)
	}
	return t, nil
}

// settleFailure resolves a transfer as declined or timed out and recovers
// the session. Recovery runs before the record turns terminal: a transfer
// resolved with the session stuck in transferring would never be retried
// by the sweep. From-park transfers return to their origin slot; if that
// slot has been taken since, the lowest free slot is used, and with every
// slot occupied the parking agent gets the session back directly.
func (c *Coordinator) settleFailure(ctx context.Context, t PendingTransfer, status Status) (PendingTransfer, error) {
	if err := c.recoverSession(ctx, t); err != nil {
		return PendingTransfer{}, err
	}

	now := c.clock().UTC()
	t, err := c.repo.Resolve(ctx, t.TenantID, t.ID, status, now)
	if err != nil {
		return PendingTransfer{}, err
	}

	ringStatus := RingStatusDeclined
	if status == StatusTimeout {
		ringStatus = RingStatusExpired
	}
	c.settleRinging(ctx, t, ringStatus)

	c.feed.Publish(ctx, t.TenantID, feed.TransferUpdated, t)
	return t, nil
}

// recoverSession returns the session to park or its previous agent. A
// state conflict means a concurrent settlement already recovered it and
// is not an error; the compare-and-set on the record decides the winner.
func (c *Coordinator) recoverSession(ctx context.Context, t PendingTransfer) error {
	switch t.Kind {
	case KindFromPark:
		_, err := c.park.ReturnToPark(ctx, t.TenantID, t.SessionID, t.ReturnToSlot, t.FromAgentID)
		if err == nil || errors.Is(err, session.ErrStateConflict) {
			return nil
		}
		if !errors.Is(err, session.ErrSlotConflict) {
			return err
		}
		// Every slot taken: hand the session back to the parking agent.
		if err := c.revertSession(ctx, t.TenantID, t.SessionID, t.FromAgentID); err != nil {
			if errors.Is(err, session.ErrStateConflict) {
				return nil
			}
			return err
		}
		c.reconnectAgent(ctx, t.TenantID, t.SessionID, t.FromAgentID)
		return nil
	default:
		if err := c.revertSession(ctx, t.TenantID, t.SessionID, ""); err != nil {
			if errors.Is(err, session.ErrStateConflict) {
				return nil
			}
			return err
		}
		c.reconnectAgent(ctx, t.TenantID, t.SessionID, t.FromAgentID)
		return nil
	}
}

func (c *Coordinator) newTransfer(tenantID, sessionID string, kind Kind, fromAgentID, targetAgentID string, returnToSlot int) PendingTransfer {
	now := c.clock().UTC()
	return PendingTransfer{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		SessionID:     sessionID,
		Kind:          kind,
		FromAgentID:   fromAgentID,
		TargetAgentID: targetAgentID,
		ReturnToSlot:  returnToSlot,
		Status:        StatusRinging,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.ringTimeout),
	}
}

// ringTarget records the targeted ring and pushes it to the agent's feed.
// The device itself rings through the dashboard push channel, not through
// a provider broadcast.
func (c *Coordinator) ringTarget(ctx context.Context, sess session.Session, agentID string, expiresAt time.Time) {
	ring := TargetedRinging{
		ID:          uuid.NewString(),
		TenantID:    sess.TenantID,
		SessionID:   sess.ID,
		AgentID:     agentID,
		From:        sess.Counterparty,
		DisplayName: sess.DisplayName,
		Status:      RingStatusRinging,
		CreatedAt:   c.clock().UTC(),
		ExpiresAt:   expiresAt,
	}
	if err := c.repo.InsertRinging(ctx, ring); err != nil {
		c.log.Error("targeted ringing insert failed", "tenant_id", sess.TenantID, "agent_id", agentID, "err", err)
		return
	}
	c.feed.Publish(ctx, sess.TenantID, feed.RingingUpdated, ring)
}

// settleRinging resolves the targeted ring belonging to a settled
// transfer. Best effort: a missing or already-settled ring is not an error.
func (c *Coordinator) settleRinging(ctx context.Context, t PendingTransfer, status RingStatus) {
	rings, err := c.repo.ListRingingByAgent(ctx, t.TenantID, t.TargetAgentID)
	if err != nil {
		c.log.Warn("targeted ringing lookup failed", "tenant_id", t.TenantID, "err", err)
		return
	}
	now := c.clock().UTC()
	for _, ring := range rings {
		if ring.SessionID != t.SessionID {
			continue
		}
		if resolved, err := c.repo.ResolveRinging(ctx, t.TenantID, ring.ID, status, now); err == nil {
			c.feed.Publish(ctx, t.TenantID, feed.RingingUpdated, resolved)
		}
	}
}

func (c *Coordinator) revertSession(ctx context.Context, tenantID, sessionID, agentID string) error {
	_, err := c.sessions.ApplyTransition(ctx, tenantID, sessionID, session.Transition{
		Verb:    session.VerbTransferRevert,
		AgentID: agentID,
	})
	return err
}

// reconnectAgent points the caller's leg back at an agent after a failed
// handoff. Audio recovery is best effort once the durable state is settled.
func (c *Coordinator) reconnectAgent(ctx context.Context, tenantID, sessionID, agentID string) {
	if agentID == "" {
		return
	}
	sess, err := c.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		c.log.Error("reconnect lookup failed", "tenant_id", tenantID, "session_id", sessionID, "err", err)
		return
	}
	if err := c.provider.ConnectToAgent(ctx, sess.ProviderCallID, agentID); err != nil {
		c.log.Error("reconnect failed", "tenant_id", tenantID, "session_id", sessionID, "agent_id", agentID, "err", err)
	}
}
