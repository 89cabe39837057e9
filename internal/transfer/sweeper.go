package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper drives Coordinator.Sweep on a fixed interval so ring deadlines
// fire even when nothing reads the expired records.
type Sweeper struct {
	coord    *Coordinator
	cron     *cron.Cron
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(coord *Coordinator, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		coord:    coord,
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		interval: interval,
		log:      log,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		sweepCtx, cancel := context.WithTimeout(ctx, s.interval)
		defer cancel()
		s.coord.Sweep(sweepCtx)
	})
	if err != nil {
		return fmt.Errorf("schedule transfer sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("transfer sweeper started", "interval", s.interval.String())
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
