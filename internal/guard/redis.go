package guard

import (
	"context"
	"time"

	redisSvc "e2ee_core/internal/service/redis"
)

const replayKeyPrefix = "replay:"

// RedisReplayStore keeps the replay set in Redis so multiple guard instances
// share one working set. SetNX gives check-and-mark atomicity; the TTL is
// Redis's own expiry.
type RedisReplayStore struct {
	redis *redisSvc.RedisService
}

func NewRedisReplayStore(redis *redisSvc.RedisService) *RedisReplayStore {
	return &RedisReplayStore{redis: redis}
}

func (r *RedisReplayStore) CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := r.redis.SetNX(ctx, replayKeyPrefix+key, 1, ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}
