package parking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"switchdesk/internal/feed"
	"switchdesk/internal/session"
	"switchdesk/internal/telephony"
)

// Coordinator exposes park and unpark as operations that are atomic from
// the caller's point of view: the provider-side conference move happens
// first, and if it fails no durable state is committed; if the durable
// compare-and-set loses a race instead, the conference move is rolled back
// best-effort.
type Coordinator struct {
	sessions *session.Service
	repo     Repository
	provider telephony.Provider
	feed     feed.Publisher
	log      *slog.Logger

	// maxSlots bounds slot numbers to 1..maxSlots per tenant.
	maxSlots int

	clock func() time.Time
}

func NewCoordinator(sessions *session.Service, repo Repository, provider telephony.Provider, pub feed.Publisher, log *slog.Logger, maxSlots int) *Coordinator {
	if pub == nil {
		pub = feed.NopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	if maxSlots <= 0 {
		maxSlots = 10
	}
	return &Coordinator{
		sessions: sessions,
		repo:     repo,
		provider: provider,
		feed:     pub,
		log:      log,
		maxSlots: maxSlots,
		clock:    time.Now,
	}
}

// ConferenceName returns the provider bridge name for a tenant slot.
func ConferenceName(tenantID string, number int) string {
	return fmt.Sprintf("park-%s-%d", tenantID, number)
}

// Park moves a connected session into a parking slot.
func (c *Coordinator) Park(ctx context.Context, tenantID, sessionID string, slotNumber int, actorAgentID string) (Slot, error) {
	if err := c.checkSlotNumber(slotNumber); err != nil {
		return Slot{}, err
	}

	sess, err := c.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return Slot{}, err
	}
	if !sess.State.CanTransitionTo(session.StateParked) {
		return Slot{}, fmt.Errorf("%w: cannot park from %s", session.ErrStateConflict, sess.State)
	}

	// Fast-fail on an occupied slot before touching the provider.
	if cur, err := c.repo.Get(ctx, tenantID, slotNumber); err == nil && cur.Occupied {
		return Slot{}, fmt.Errorf("%w: slot %d", session.ErrSlotConflict, slotNumber)
	} else if err != nil && !errors.Is(err, session.ErrNotFound) {
		return Slot{}, err
	}

	conference := ConferenceName(tenantID, slotNumber)
	if err := c.provider.CreateConference(ctx, conference); err != nil {
		return Slot{}, err
	}
	if err := c.provider.JoinConference(ctx, sess.ProviderCallID, conference); err != nil {
		return Slot{}, err
	}

	now := c.clock().UTC()
	slot, err := c.repo.Occupy(ctx, tenantID, slotNumber, sessionID, actorAgentID, conference, now)
	if err != nil {
		// Lost the slot race after the conference move: undo the move.
		c.rollbackConference(ctx, sess.ProviderCallID)
		return Slot{}, err
	}

	if _, err := c.sessions.ApplyTransition(ctx, tenantID, sessionID, session.Transition{
		Verb:       session.VerbPark,
		SlotNumber: slotNumber,
	}); err != nil {
		if _, relErr := c.repo.Release(ctx, tenantID, slotNumber, sessionID, c.clock().UTC()); relErr != nil {
			c.log.Error("park rollback failed", "tenant_id", tenantID, "slot", slotNumber, "err", relErr)
		}
		c.rollbackConference(ctx, sess.ProviderCallID)
		return Slot{}, err
	}

	c.feed.Publish(ctx, tenantID, feed.SlotUpdated, slot)
	return slot, nil
}

// Unpark retrieves a parked session into direct audio with the requesting
// agent and frees the slot.
func (c *Coordinator) Unpark(ctx context.Context, tenantID string, slotNumber int, agentID string) (session.Session, error) {
	if err := c.checkSlotNumber(slotNumber); err != nil {
		return session.Session{}, err
	}
	if agentID == "" {
		return session.Session{}, fmt.Errorf("%w: unpark requires an agent", session.ErrInvalidArgument)
	}

	slot, err := c.repo.Get(ctx, tenantID, slotNumber)
	if err != nil {
		return session.Session{}, err
	}
	if !slot.Occupied {
		return session.Session{}, fmt.Errorf("%w: slot %d is not occupied", session.ErrStateConflict, slotNumber)
	}

	sess, err := c.sessions.Get(ctx, tenantID, slot.SessionID)
	if err != nil {
		return session.Session{}, err
	}

	if err := c.provider.ConnectToAgent(ctx, sess.ProviderCallID, agentID); err != nil {
		return session.Session{}, err
	}

	now := c.clock().UTC()
	freed, err := c.repo.Release(ctx, tenantID, slotNumber, slot.SessionID, now)
	if err != nil {
		return session.Session{}, err
	}

	out, err := c.sessions.ApplyTransition(ctx, tenantID, sess.ID, session.Transition{
		Verb:    session.VerbUnpark,
		AgentID: agentID,
	})
	if err != nil {
		// The slot is freed but the session never left parked: re-occupy
		// so the binding is not silently lost.
		if _, occErr := c.repo.Occupy(ctx, tenantID, slotNumber, slot.SessionID, slot.ParkedByAgentID, slot.ConferenceName, c.clock().UTC()); occErr != nil {
			c.log.Error("unpark rollback failed", "tenant_id", tenantID, "slot", slotNumber, "err", occErr)
		}
		return session.Session{}, err
	}

	c.feed.Publish(ctx, tenantID, feed.SlotUpdated, freed)
	return out, nil
}

// ReturnToPark re-parks a transferring session after a declined or timed
// out from-park transfer, attributing the slot to parkedByAgentID, the
// agent who parked it originally. The original slot is preferred; if it
// has been taken since, the lowest free slot is chosen. With every slot
// occupied it returns ErrSlotConflict and the caller falls back to
// reassignment.
func (c *Coordinator) ReturnToPark(ctx context.Context, tenantID, sessionID string, preferredSlot int, parkedByAgentID string) (Slot, error) {
	sess, err := c.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		return Slot{}, err
	}

	numbers := make([]int, 0, c.maxSlots)
	if preferredSlot >= 1 && preferredSlot <= c.maxSlots {
		numbers = append(numbers, preferredSlot)
	}
	for n := 1; n <= c.maxSlots; n++ {
		if n != preferredSlot {
			numbers = append(numbers, n)
		}
	}

	for _, n := range numbers {
		conference := ConferenceName(tenantID, n)
		if err := c.provider.JoinConference(ctx, sess.ProviderCallID, conference); err != nil {
			return Slot{}, err
		}
		now := c.clock().UTC()
		slot, err := c.repo.Occupy(ctx, tenantID, n, sessionID, parkedByAgentID, conference, now)
		if errors.Is(err, session.ErrSlotConflict) {
			continue
		}
		if err != nil {
			c.rollbackConference(ctx, sess.ProviderCallID)
			return Slot{}, err
		}

		if _, err := c.sessions.ApplyTransition(ctx, tenantID, sessionID, session.Transition{
			Verb:       session.VerbPark,
			SlotNumber: n,
		}); err != nil {
			if _, relErr := c.repo.Release(ctx, tenantID, n, sessionID, c.clock().UTC()); relErr != nil {
				c.log.Error("return-to-park rollback failed", "tenant_id", tenantID, "slot", n, "err", relErr)
			}
			c.rollbackConference(ctx, sess.ProviderCallID)
			return Slot{}, err
		}
		c.feed.Publish(ctx, tenantID, feed.SlotUpdated, slot)
		return slot, nil
	}

	return Slot{}, fmt.Errorf("%w: no free slot for return", session.ErrSlotConflict)
}

// Slot returns one slot's current binding.
func (c *Coordinator) Slot(ctx context.Context, tenantID string, number int) (Slot, error) {
	if err := c.checkSlotNumber(number); err != nil {
		return Slot{}, err
	}
	return c.repo.Get(ctx, tenantID, number)
}

// ReleaseForHandoff frees a slot whose session is leaving park through a
// transfer. The provider leg stays in the slot conference until the
// handoff settles, so no conference move happens here.
func (c *Coordinator) ReleaseForHandoff(ctx context.Context, tenantID string, number int, sessionID string) error {
	freed, err := c.repo.Release(ctx, tenantID, number, sessionID, c.clock().UTC())
	if err != nil {
		return err
	}
	c.feed.Publish(ctx, tenantID, feed.SlotUpdated, freed)
	return nil
}

// List exposes the tenant's slot board for dashboards.
func (c *Coordinator) List(ctx context.Context, tenantID string) ([]Slot, error) {
	if tenantID == "" {
		return nil, session.ErrInvalidArgument
	}
	return c.repo.List(ctx, tenantID)
}

func (c *Coordinator) checkSlotNumber(n int) error {
	if n < 1 || n > c.maxSlots {
		return fmt.Errorf("%w: slot number must be 1..%d", session.ErrInvalidArgument, c.maxSlots)
	}
	return nil
}

func (c *Coordinator) rollbackConference(ctx context.Context, legID string) {
	if err := c.provider.LeaveConference(ctx, legID); err != nil {
		c.log.Error("conference rollback failed", "leg_id", legID, "err", err)
	}
}
