package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

// ErrNotAcquired is returned by TryWithLock when another holder owns the key.
var ErrNotAcquired = errors.New("lock: held by another worker")

// unlock deletes the key only while it still carries our token, so a lock
// that expired and was taken over is left alone.
var unlock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker hands out Redis leases. A lease expires after its TTL even if the
// holder dies, so TTL must exceed the guarded work.
type Locker struct {
	R            redis.Cmdable
	RetryBackoff time.Duration
}

// OrderKey is the lock key serialising deferred lookups of one order.
func OrderKey(orderID string) string {
	return "lock:paylink:" + orderID
}

// WithLock waits for key, then runs fn while holding it. It gives up when
// ctx is done.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	return l.run(ctx, key, ttl, fn, true)
}

// TryWithLock runs fn only if key is free right now.
func (l Locker) TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	return l.run(ctx, key, ttl, fn, false)
}

func (l Locker) run(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error, wait bool) error {
	switch {
	case l.R == nil:
		return errors.New("lock: redis client not configured")
	case fn == nil:
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	token := uuid.NewString()

	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if !wait {
			return ErrNotAcquired
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	defer func() { _ = unlock.Run(context.WithoutCancel(ctx), l.R, []string{key}, token).Err() }()
	return fn(ctx)
}
