package redis

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Lock is a best-effort per-order lock taken around payment-effect
// application. It shrinks the window in which a webhook and a client poll
// process the same order twice; correctness does not depend on it — the
// idempotency stamps in the store do that.
type Lock struct {
	Client *redis.Client
}

func NewLock(client *redis.Client) *Lock {
	return &Lock{Client: client}
}

func (l *Lock) lockDuration() time.Duration {
	defaultDuration := 30 * time.Second
	ttlStr := os.Getenv("EFFECT_LOCK_TTL_SECONDS")
	if ttlStr == "" {
		return defaultDuration
	}
	ttl, err := strconv.Atoi(ttlStr)
	if err != nil || ttl <= 0 {
		return defaultDuration
	}
	return time.Duration(ttl) * time.Second
}

// Acquire takes the lock for one order. The owner token distinguishes this
// invocation from a concurrent one so Release never drops someone else's
// lock.
func (l *Lock) Acquire(ctx context.Context, orderNumber, owner string) (bool, error) {
	key := "order_effect_lock:" + orderNumber
	return l.Client.SetNX(ctx, key, owner, l.lockDuration()).Result()
}

// Release drops the lock iff this invocation still owns it.
func (l *Lock) Release(ctx context.Context, orderNumber, owner string) error {
	key := "order_effect_lock:" + orderNumber
	val, err := l.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil // TTL already expired
	}
	if err != nil {
		return err
	}
	if val == owner {
		_, err = l.Client.Del(ctx, key).Result()
		return err
	}
	return nil
}
