package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes record changes to a tenant-keyed redis channel and can
// relay them back into an in-process Hub on subscriber nodes, so dashboards
// connected to any API instance see changes made on any other.
type RedisBus struct {
	rdb   *redis.Client
	log   *slog.Logger
	clock func() time.Time

	// publishTimeout bounds the fire-and-forget publish round-trip.
	publishTimeout time.Duration
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	return &RedisBus{
		rdb:            rdb,
		log:            log,
		clock:          time.Now,
		publishTimeout: 2 * time.Second,
	}
}

func (b *RedisBus) Publish(ctx context.Context, tenantID string, et EventType, payload any) {
	ev := NewEvent(tenantID, et, payload, b.clock().UTC())
	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("feed event marshal failed", "event_type", et, "err", err)
		return
	}

	// Detach from the caller's context: the transition that produced this
	// event must not fail or block because a subscriber is slow.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.publishTimeout)
	defer cancel()

	if err := b.rdb.Publish(pubCtx, ev.Subject(), raw).Err(); err != nil {
		b.log.Warn("feed publish failed", "subject", ev.Subject(), "err", err)
	}
}

// Relay subscribes to every tenant channel and forwards events into hub.
// It blocks until ctx is canceled.
func (b *RedisBus) Relay(ctx context.Context, hub *Hub) {
	sub := b.rdb.PSubscribe(ctx, "feed.tenant.*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("feed relay decode failed", "channel", msg.Channel, "err", err)
				continue
			}
			hub.Broadcast(ev)
		}
	}
}
