package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"switchdesk/internal/feed"
	"switchdesk/internal/presence"

	"github.com/google/uuid"
)

// Service is the durable record store for live sessions.
//
// Invariants enforced here:
// - Every mutation goes through the transition table in machine.go.
// - Finalize is the only live→history path and applies at most once per
//   session, even when termination signals race.
// - Assignment changes update the agent presence projection and every
//   change is published to the dashboard feed; both are fire-and-forget.
type Service struct {
	repo     Repository
	presence presence.Recorder
	feed     feed.Publisher
	log      *slog.Logger

	// ringTimeout bounds how long an unanswered inbound session rings.
	ringTimeout time.Duration

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(repo Repository, rec presence.Recorder, pub feed.Publisher, log *slog.Logger, ringTimeout time.Duration) *Service {
	if rec == nil {
		rec = presence.NopRecorder{}
	}
	if pub == nil {
		pub = feed.NopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	return &Service{
		repo:        repo,
		presence:    rec,
		feed:        pub,
		log:         log,
		ringTimeout: ringTimeout,
		clock:       time.Now,
	}
}

// CreateInbound registers a ringing session for an inbound provider leg.
func (s *Service) CreateInbound(ctx context.Context, tenantID, providerCallID, from, displayName string) (Session, error) {
	if tenantID == "" || providerCallID == "" || from == "" {
		return Session{}, fmt.Errorf("%w: tenant_id, provider_call_id and from are required", ErrInvalidArgument)
	}

	now := s.clock().UTC()
	sess := Session{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ProviderCallID: providerCallID,
		Direction:      DirectionInbound,
		Counterparty:   from,
		DisplayName:    displayName,
		State:          StateRinging,
		StartedAt:      now,
		ExpiresAt:      now.Add(s.ringTimeout),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, sess); err != nil {
		return Session{}, err
	}
	s.feed.Publish(ctx, tenantID, feed.SessionUpdated, sess)
	return sess, nil
}

// CreateOutbound registers a connecting session for an agent-initiated dial.
func (s *Service) CreateOutbound(ctx context.Context, tenantID, agentID, providerCallID, to string) (Session, error) {
	if tenantID == "" || agentID == "" || providerCallID == "" || to == "" {
		return Session{}, fmt.Errorf("%w: tenant_id, agent_id, provider_call_id and to are required", ErrInvalidArgument)
	}

	now := s.clock().UTC()
	sess := Session{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		ProviderCallID:  providerCallID,
		Direction:       DirectionOutbound,
		Counterparty:    to,
		State:           StateConnecting,
		AssignedAgentID: agentID,
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Insert(ctx, sess); err != nil {
		return Session{}, err
	}
	s.presence.SetStatus(ctx, tenantID, agentID, presence.StatusOnCall)
	s.feed.Publish(ctx, tenantID, feed.SessionUpdated, sess)
	return sess, nil
}

// Get returns the live session. A ringing session past its deadline is
// finalized on the way out (lazy expiry) and reported as not found, so a
// reader never acts on a ring nobody can answer anymore.
func (s *Service) Get(ctx context.Context, tenantID, sessionID string) (Session, error) {
	if tenantID == "" || sessionID == "" {
		return Session{}, ErrInvalidArgument
	}
	cur, err := s.repo.GetByID(ctx, tenantID, sessionID)
	if err != nil {
		return Session{}, err
	}
	if cur.State == StateRinging && !cur.ExpiresAt.IsZero() && !s.clock().UTC().Before(cur.ExpiresAt) {
		if err := s.ExpireRinging(ctx, tenantID, sessionID); err != nil {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("%w: session %s ring expired", ErrNotFound, sessionID)
	}
	return cur, nil
}

// GetByProviderCallID reconciles provider status callbacks against our
// records.
func (s *Service) GetByProviderCallID(ctx context.Context, tenantID, providerCallID string) (Session, error) {
	if tenantID == "" || providerCallID == "" {
		return Session{}, ErrInvalidArgument
	}
	return s.repo.GetByProviderCallID(ctx, tenantID, providerCallID)
}

func (s *Service) ListByTenant(ctx context.Context, tenantID string) ([]Session, error) {
	if tenantID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListByTenant(ctx, tenantID)
}

func (s *Service) ListByState(ctx context.Context, tenantID string, state State) ([]Session, error) {
	if tenantID == "" {
		return nil, ErrInvalidArgument
	}
	if _, err := ParseState(string(state)); err != nil {
		return nil, err
	}
	return s.repo.ListByState(ctx, tenantID, state)
}

func (s *Service) ListByAgent(ctx context.Context, tenantID, agentID string) ([]Session, error) {
	if tenantID == "" || agentID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListByAgent(ctx, tenantID, agentID)
}

// ApplyTransition validates tr against the stored session and persists the
// result atomically (compare-and-set on the prior state). On success the
// presence projection and the dashboard feed are updated.
func (s *Service) ApplyTransition(ctx context.Context, tenantID, sessionID string, tr Transition) (Session, error) {
	if tenantID == "" || sessionID == "" {
		return Session{}, ErrInvalidArgument
	}

	cur, err := s.repo.GetByID(ctx, tenantID, sessionID)
	if err != nil {
		return Session{}, err
	}

	tr.At = s.clock().UTC()
	next, err := Apply(cur, tr)
	if err != nil {
		return Session{}, err
	}

	if err := s.repo.Update(ctx, next, cur.State); err != nil {
		return Session{}, err
	}

	s.recordAssignmentChange(ctx, cur, next)
	s.feed.Publish(ctx, tenantID, feed.SessionUpdated, next)
	return next, nil
}

// MarkRecording flags the session as recorded and remembers where the
// provider will publish the media. Only connected sessions can start
// recording.
func (s *Service) MarkRecording(ctx context.Context, tenantID, sessionID, recordingURL string) (Session, error) {
	if tenantID == "" || sessionID == "" {
		return Session{}, ErrInvalidArgument
	}

	cur, err := s.repo.GetByID(ctx, tenantID, sessionID)
	if err != nil {
		return Session{}, err
	}
	if cur.State != StateConnected {
		return Session{}, fmt.Errorf("%w: recording requires a connected session, state is %s", ErrStateConflict, cur.State)
	}

	next := cur
	next.Recording = true
	next.RecordingURL = recordingURL
	next.UpdatedAt = s.clock().UTC()
	if err := s.repo.Update(ctx, next, cur.State); err != nil {
		return Session{}, err
	}

	s.feed.Publish(ctx, tenantID, feed.SessionUpdated, next)
	return next, nil
}

// Finalize converts a live session into its immutable history record.
//
// Idempotent: the first caller wins; later calls (a racing provider
// callback, a duplicate hangup) get the already-written record and no error.
func (s *Service) Finalize(ctx context.Context, tenantID, sessionID string, outcome Outcome) (CallHistoryRecord, error) {
	if tenantID == "" || sessionID == "" {
		return CallHistoryRecord{}, ErrInvalidArgument
	}

	cur, err := s.repo.GetByID(ctx, tenantID, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Already finalized, or never existed. The history lookup decides.
			return s.repo.GetHistoryBySessionID(ctx, tenantID, sessionID)
		}
		return CallHistoryRecord{}, err
	}

	now := s.clock().UTC()
	ended, err := Apply(cur, Transition{Verb: VerbEnd, At: now})
	if err != nil {
		return CallHistoryRecord{}, err
	}

	rec := buildHistoryRecord(ended, outcome, now)
	applied, err := s.repo.Finalize(ctx, tenantID, sessionID, rec)
	if err != nil {
		return CallHistoryRecord{}, err
	}
	if !applied {
		// Lost the race: another termination signal finalized first.
		return s.repo.GetHistoryBySessionID(ctx, tenantID, sessionID)
	}

	if agent := lastAgent(cur); agent != "" {
		s.presence.SetStatus(ctx, tenantID, agent, presence.StatusAvailable)
		s.presence.AccrueTalkTime(ctx, tenantID, agent, rec.TalkTimeSeconds)
	}
	s.feed.Publish(ctx, tenantID, feed.SessionFinalized, rec)
	return rec, nil
}

// ExpireRinging finalizes a ringing session whose deadline has passed.
// Safe to call from a sweeper or a lazy read; a no-op when the session is
// no longer ringing or not yet expired.
func (s *Service) ExpireRinging(ctx context.Context, tenantID, sessionID string) error {
	cur, err := s.repo.GetByID(ctx, tenantID, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if cur.State != StateRinging || cur.ExpiresAt.IsZero() || s.clock().UTC().Before(cur.ExpiresAt) {
		return nil
	}
	_, err = s.Finalize(ctx, tenantID, sessionID, OutcomeNoAnswer)
	return err
}

// SweepExpired finalizes every ringing session past its deadline, across
// tenants. Idempotent with the lazy check in Get: whichever sees the
// expired ring first wins, the other is a no-op.
func (s *Service) SweepExpired(ctx context.Context) error {
	expired, err := s.repo.ListExpiredRinging(ctx, s.clock().UTC())
	if err != nil {
		return err
	}
	for _, sess := range expired {
		if err := s.ExpireRinging(ctx, sess.TenantID, sess.ID); err != nil {
			s.log.Warn("ring expiry failed", "tenant_id", sess.TenantID, "session_id", sess.ID, "err", err)
		}
	}
	return nil
}

// GetHistory returns the immutable record of a finalized session.
func (s *Service) GetHistory(ctx context.Context, tenantID, sessionID string) (CallHistoryRecord, error) {
	return s.repo.GetHistoryBySessionID(ctx, tenantID, sessionID)
}

// ListHistory exposes the immutable call record read model.
func (s *Service) ListHistory(ctx context.Context, tenantID string, from, to time.Time) ([]CallHistoryRecord, error) {
	if tenantID == "" {
		return nil, ErrInvalidArgument
	}
	if from.IsZero() || to.IsZero() || !to.After(from) {
		return nil, fmt.Errorf("%w: invalid time range", ErrInvalidArgument)
	}
	return s.repo.ListHistory(ctx, tenantID, from, to)
}

// recordAssignmentChange flips presence when an agent gains or loses the
// session. Transfer-provisional assignment counts as on_call for the target.
func (s *Service) recordAssignmentChange(ctx context.Context, before, after Session) {
	if before.AssignedAgentID == after.AssignedAgentID {
		return
	}
	if before.AssignedAgentID != "" {
		s.presence.SetStatus(ctx, before.TenantID, before.AssignedAgentID, presence.StatusAvailable)
	}
	if after.AssignedAgentID != "" {
		s.presence.SetStatus(ctx, after.TenantID, after.AssignedAgentID, presence.StatusOnCall)
	}
}

func buildHistoryRecord(ended Session, outcome Outcome, now time.Time) CallHistoryRecord {
	talk := 0
	if ended.AnsweredAt != nil {
		talk = int(now.Sub(*ended.AnsweredAt) / time.Second)
		if talk < 0 {
			talk = 0
		}
	}
	return CallHistoryRecord{
		ID:              uuid.NewString(),
		TenantID:        ended.TenantID,
		SessionID:       ended.ID,
		ProviderCallID:  ended.ProviderCallID,
		Direction:       ended.Direction,
		Counterparty:    ended.Counterparty,
		DisplayName:     ended.DisplayName,
		AgentID:         lastAgent(ended),
		Outcome:         outcome,
		StartedAt:       ended.StartedAt,
		AnsweredAt:      ended.AnsweredAt,
		EndedAt:         now,
		TalkTimeSeconds: talk,
		RecordingURL:    ended.RecordingURL,
		CreatedAt:       now,
	}
}

// lastAgent resolves which agent the call should be attributed to.
func lastAgent(s Session) string {
	if s.AssignedAgentID != "" {
		return s.AssignedAgentID
	}
	return s.PreviousAgentID
}
