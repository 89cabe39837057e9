package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper drives Service.SweepExpired on a fixed interval so unanswered
// rings time out even when nothing reads the expired records.
type Sweeper struct {
	svc      *Service
	cron     *cron.Cron
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		svc:      svc,
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		interval: interval,
		log:      log,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		sweepCtx, cancel := context.WithTimeout(ctx, s.interval)
		defer cancel()
		if err := s.svc.SweepExpired(sweepCtx); err != nil {
			s.log.Warn("session sweep failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("session sweeper started", "interval", s.interval.String())
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
