package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another dispatch invocation already owns the
// order's lock.
var ErrHeld = errors.New("dispatch already in progress for order")

// Locker guards an order against concurrent dispatch invocations.
type Locker interface {
	// Acquire takes the per-order lock and returns a release func, or
	// ErrHeld if the lock is taken.
	Acquire(ctx context.Context, orderID string) (func(), error)
}

// RedisLocker implements Locker with SET NX and a TTL so a crashed
// dispatcher cannot wedge an order forever. The TTL should comfortably
// exceed maxRounds x ttl.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(addr, password string, ttl time.Duration) *RedisLocker {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLocker{client: c, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, orderID string) (func(), error) {
	key := lockKey(orderID)
	ok, err := l.client.SetNX(ctx, key, "1", l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	release := func() {
		// Best-effort; the TTL covers us if this fails.
		_ = l.client.Del(context.Background(), key).Err()
	}
	return release, nil
}

func (l *RedisLocker) Close() error { return l.client.Close() }

func lockKey(orderID string) string { return "dispatch:lock:" + orderID }
