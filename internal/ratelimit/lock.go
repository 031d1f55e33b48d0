package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockNotHeld       = errors.New("lock_not_held")
	errLockNotConfigured = errors.New("lock client not configured")
)

const lockKeyPrefix = "arbiter:lock:"

// compareAndDelete and compareAndExpire act only while the key still holds
// the caller's token.
var (
	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then return 0 end
return redis.call("DEL", KEYS[1])`)

	compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then return 0 end
return redis.call("PEXPIRE", KEYS[1], ARGV[2])`)
)

// Locker hands out expiring locks guarded by a random token. The scheduler
// uses one to elect the replica that runs deadline sweeps.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// TryLock returns the holder token when the key was free.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errLockNotConfigured
	}
	if key == "" || ttl <= 0 {
		return "", false, fmt.Errorf("invalid lock request key=%q ttl=%s", key, ttl)
	}
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, lockKeyPrefix+key, token, ttl).Result()
	if err != nil || !acquired {
		return "", false, err
	}
	return token, true, nil
}

// Refresh extends a held lock, or reports ErrLockNotHeld once it expired and
// another replica took it.
func (l *Locker) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	if l == nil || l.client == nil {
		return errLockNotConfigured
	}
	n, err := compareAndExpire.Run(ctx, l.client, []string{lockKeyPrefix + key}, token, ttl.Milliseconds()).Int64()
	switch {
	case err != nil:
		return err
	case n == 0:
		return ErrLockNotHeld
	}
	return nil
}

// Release is a no-op for an unconfigured locker or an empty token.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return compareAndDelete.Run(ctx, l.client, []string{lockKeyPrefix + key}, token).Err()
}
