package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TickLock serializes tick scans across processes. Acquire returns a
// release function together with whether the lock was obtained.
type TickLock interface {
	Acquire(ctx context.Context) (release func(), acquired bool, err error)
}

const defaultLockTTL = 2 * time.Minute

// releaseScript deletes the lock only when it still holds our token, so
// an expired lock taken over by another ticker is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTickLock is an advisory lock on a single Redis key, acquired with
// SET NX PX. The TTL bounds how long a crashed ticker can block others.
type RedisTickLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisTickLock(client *redis.Client, key string, ttl time.Duration) *RedisTickLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	return &RedisTickLock{client: client, key: key, ttl: ttl}
}

func (l *RedisTickLock) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.New().String()

	acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire redis lock: %w", err)
	}

	if !acquired {
		return nil, false, nil
	}

	release := func() {
		// Best effort; the TTL reclaims the lock if this fails.
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{l.key}, token).Err()
	}

	return release, true, nil
}
