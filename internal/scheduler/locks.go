package scheduler

import (
	"context"
	"errors"
	"time"

	obsmetrics "github.com/smallbiznis/arbiter/internal/observability/metrics"
	"github.com/smallbiznis/arbiter/internal/ratelimit"
	"go.uber.org/zap"
)

// leaderLock is satisfied by *ratelimit.Locker.
type leaderLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
}

// leadership tracks the token held by this replica between runs.
type leadership struct {
	lock  leaderLock
	key   string
	ttl   time.Duration
	token string
}

func newLeadership(locker *ratelimit.Locker, key string, ttl time.Duration) *leadership {
	l := &leadership{key: key, ttl: ttl}
	if locker != nil {
		l.lock = locker
	}
	return l
}

// acquire reports whether this replica may run sweeps. Without a lock
// backend every replica is its own leader.
func (l *leadership) acquire(ctx context.Context) (bool, error) {
	if l == nil || l.lock == nil {
		return true, nil
	}
	start := time.Now()
	defer func() {
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSchedulerLeader, time.Since(start))
	}()

	if l.token != "" {
		err := l.lock.Refresh(ctx, l.key, l.token, l.ttl)
		if err == nil {
			return true, nil
		}
		l.token = ""
		if !errors.Is(err, ratelimit.ErrLockNotHeld) {
			return false, err
		}
	}

	token, ok, err := l.lock.TryLock(ctx, l.key, l.ttl)
	if err != nil || !ok {
		return false, err
	}
	l.token = token
	return true, nil
}

func (l *leadership) release(ctx context.Context, log *zap.Logger) {
	if l == nil || l.lock == nil || l.token == "" {
		return
	}
	if err := l.lock.Release(ctx, l.key, l.token); err != nil {
		log.Warn("failed to release scheduler leadership", zap.Error(err))
	}
	l.token = ""
}
