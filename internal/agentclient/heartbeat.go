package agentclient

import (
	"context"
	"log/slog"
	"time"
)

// Heartbeat is the third long-lived loop of an agent connection: it beats
// the presence projection on an interval and kicks the reconnection
// supervisor when a beat fails, since a failing beat usually means the
// transport is gone.
type Heartbeat struct {
	beat       func(ctx context.Context) error
	interval   time.Duration
	supervisor *Supervisor
	log        *slog.Logger
}

func NewHeartbeat(beat func(ctx context.Context) error, interval time.Duration, supervisor *Supervisor, log *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Heartbeat{beat: beat, interval: interval, supervisor: supervisor, log: log}
}

// Run blocks until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		beatCtx, cancel := context.WithTimeout(ctx, h.interval)
		err := h.beat(beatCtx)
		cancel()
		if err != nil {
			h.log.Warn("presence heartbeat failed", "err", err)
			if h.supervisor != nil {
				h.supervisor.Kick()
			}
		}
	}
}
