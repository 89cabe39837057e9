package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder projects presence into redis so every API node and
// dashboard reads the same view.
//
// Keys:
//   presence:<tenant_id>          hash  agent_id -> status
//   talktime:<tenant_id>:<agent>  int   accrued seconds
type RedisRecorder struct {
	rdb *redis.Client
	log *slog.Logger

	// opTimeout bounds each fire-and-forget round-trip.
	opTimeout time.Duration
}

func NewRedisRecorder(rdb *redis.Client, log *slog.Logger) *RedisRecorder {
	return &RedisRecorder{rdb: rdb, log: log, opTimeout: 2 * time.Second}
}

func (r *RedisRecorder) SetStatus(ctx context.Context, tenantID, agentID string, status Status) {
	opCtx, cancel := r.detach(ctx)
	defer cancel()

	key := fmt.Sprintf("presence:%s", tenantID)
	if err := r.rdb.HSet(opCtx, key, agentID, string(status)).Err(); err != nil {
		r.log.Warn("presence update failed", "tenant_id", tenantID, "agent_id", agentID, "err", err)
	}
}

func (r *RedisRecorder) AccrueTalkTime(ctx context.Context, tenantID, agentID string, seconds int) {
	if seconds <= 0 {
		return
	}
	opCtx, cancel := r.detach(ctx)
	defer cancel()

	key := fmt.Sprintf("talktime:%s:%s", tenantID, agentID)
	if err := r.rdb.IncrBy(opCtx, key, int64(seconds)).Err(); err != nil {
		r.log.Warn("talk time accrual failed", "tenant_id", tenantID, "agent_id", agentID, "err", err)
	}
}

// GetStatus reads an agent's projected status, defaulting to available.
func (r *RedisRecorder) GetStatus(ctx context.Context, tenantID, agentID string) (Status, error) {
	v, err := r.rdb.HGet(ctx, fmt.Sprintf("presence:%s", tenantID), agentID).Result()
	if err == redis.Nil {
		return StatusAvailable, nil
	}
	if err != nil {
		return "", err
	}
	return Status(v), nil
}

// detach unbinds the operation from the caller's cancellation so a finished
// request cannot abort the projection write mid-flight.
func (r *RedisRecorder) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.opTimeout)
}
