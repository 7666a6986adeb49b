package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisThrottle is the distributed TokenThrottle backend, selected when
// RuntimeSetting rate_limit.backend is set to "redis". It replaces the
// single-process mutex map with a SET NX PX lock per token key so
// multiple worker processes on different hosts still serialize access to
// the same Pixiv credential.
type RedisThrottle struct {
	client     *redis.Client
	keyPrefix  string
	lockTTL    time.Duration
	retryDelay time.Duration
}

// NewRedisThrottle creates a new RedisThrottle against an already-
// configured redis.Client.
func NewRedisThrottle(client *redis.Client) *RedisThrottle {
	return &RedisThrottle{
		client:     client,
		keyPrefix:  "imgserve:token_throttle:",
		lockTTL:    30 * time.Second,
		retryDelay: 50 * time.Millisecond,
	}
}

// Lock blocks (spinning on SET NX PX) until it acquires the distributed
// lock for tokenID, or ctx is canceled. The returned unlock func deletes
// the key if this caller still owns it, so a stale lock from a crashed
// worker still expires via lockTTL even without an explicit unlock.
func (t *RedisThrottle) Lock(ctx context.Context, tokenID int64) (func(), error) {
	key := fmt.Sprintf("%s%d", t.keyPrefix, tokenID)
	token := uuid.NewString()

	ticker := time.NewTicker(t.retryDelay)
	defer ticker.Stop()

	for {
		ok, err := t.client.SetNX(ctx, key, token, t.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis throttle acquire: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	unlock := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if val, err := t.client.Get(releaseCtx, key).Result(); err == nil && val == token {
			t.client.Del(releaseCtx, key)
		}
	}
	return unlock, nil
}
