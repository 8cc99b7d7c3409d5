package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "tablepay:lock:"

// releaseScript deletes the key only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var (
	ErrLockUnavailable = errors.New("lock_unavailable")
	ErrLockHeld        = errors.New("lock_held")
	errInvalidLock     = errors.New("lock key and ttl are required")
)

// Locker hands out single-instance Redis leases. A nil Locker is valid and
// reports itself disabled.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Enabled reports whether a Redis client backs the locker.
func (l *Locker) Enabled() bool {
	return l != nil && l.client != nil
}

// Lease is a held lock. It expires on its own after the TTL it was acquired with.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes key for ttl. It returns ErrLockHeld when someone else holds it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if !l.Enabled() {
		return nil, ErrLockUnavailable
	}
	if key == "" || ttl <= 0 {
		return nil, errInvalidLock
	}

	lease := &Lease{client: l.client, key: keyPrefix + key, token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return lease, nil
}

// Release gives the key back if the lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// WithLock runs fn while holding key. fn is not called when the key is held
// elsewhere or the locker is disabled.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
