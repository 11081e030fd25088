package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrPassLockHeld = errors.New("reconcile pass lock held elsewhere")

// PassLocker serializes reconciliation passes across instances. A second
// instance starting a pass while one runs just skips; the next tick tries
// again.
type PassLocker interface {
	WithPassLock(ctx context.Context, fn func(ctx context.Context) error) error
}

type redisPassLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPassLocker(client *redis.Client, ttl time.Duration) PassLocker {
	return &redisPassLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisPassLocker) WithPassLock(ctx context.Context, fn func(ctx context.Context) error) error {
	const key = "lock:reconcile-pass"
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire pass lock: %w", err)
	}
	if !ok {
		return ErrPassLockHeld
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisPassLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release pass lock: %w", err)
	}
	return nil
}
