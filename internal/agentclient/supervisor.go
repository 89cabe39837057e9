package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConnectFunc re-registers the signaling transport. It must be safe to
// call repeatedly.
type ConnectFunc func(ctx context.Context) error

// ErrConnectionLost is surfaced once the attempt ceiling is exhausted.
var ErrConnectionLost = errors.New("signaling connection lost")

// Supervisor owns reconnection of one agent's signaling transport. Run is
// the only goroutine that attempts connects, so attempts never overlap;
// Kick coalesces visibility and network nudges into at most one pending
// reconnect cycle. Backoff doubles from Base up to Max; after Ceiling
// consecutive failures OnLost fires and the supervisor idles until the
// next kick, which starts a fresh cycle.
type Supervisor struct {
	connect ConnectFunc
	log     *slog.Logger

	base    time.Duration
	max     time.Duration
	ceiling int

	// OnLost is invoked past the ceiling; the UI shows a terminal
	// "connection lost" state until the user nudges again.
	onLost func()

	kick chan struct{}

	mu       sync.Mutex
	running  bool
	attempts int
}

func NewSupervisor(connect ConnectFunc, base, max time.Duration, ceiling int, onLost func(), log *slog.Logger) *Supervisor {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = 30 * time.Second
	}
	if ceiling <= 0 {
		ceiling = 8
	}
	if onLost == nil {
		onLost = func() {}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		connect: connect,
		log:     log,
		base:    base,
		max:     max,
		ceiling: ceiling,
		onLost:  onLost,
		kick:    make(chan struct{}, 1),
	}
}

// Kick requests a reconnect cycle. Duplicate kicks while one is already
// pending or running collapse into it.
func (s *Supervisor) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Attempts reports the failure count of the current cycle.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Run blocks until ctx is cancelled, serving kick requests. A second Run
// on the same supervisor is an error.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
		}
		if err := s.cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.log.Error("reconnect cycle ended", "err", err)
		}
	}
}

// cycle retries connect with doubling backoff until success or the
// ceiling. A kick during the backoff wait short-circuits the delay.
func (s *Supervisor) cycle(ctx context.Context) error {
	for attempt := 0; attempt < s.ceiling; attempt++ {
		s.setAttempts(attempt)

		err := s.connect(ctx)
		if err == nil {
			s.setAttempts(0)
			if attempt > 0 {
				s.log.Info("signaling reconnected", "attempts", attempt+1)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("reconnect attempt failed", "attempt", attempt+1, "err", err)

		timer := time.NewTimer(s.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.kick:
			timer.Stop()
		case <-timer.C:
		}
	}

	s.setAttempts(s.ceiling)
	s.onLost()
	return fmt.Errorf("%w: gave up after %d attempts", ErrConnectionLost, s.ceiling)
}

func (s *Supervisor) delay(attempt int) time.Duration {
	d := s.base << attempt
	if d > s.max || d <= 0 {
		return s.max
	}
	return d
}

func (s *Supervisor) setAttempts(n int) {
	s.mu.Lock()
	s.attempts = n
	s.mu.Unlock()
}
