package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/arbiter/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Class groups endpoints that share a bucket.
type Class string

const (
	ClassMutation   Class = "mutation"
	ClassGeneration Class = "generation"
)

const keyActorBucket = "arbiter:ratelimit:%s:%s"

type limits struct {
	rate  float64
	burst int
}

// ActorLimiter throttles dispute mutations per caller. With Redis configured
// the buckets are shared by every API replica; otherwise each process keeps
// its own in-memory buckets.
type ActorLimiter struct {
	bucket *TokenBucket
	limits map[Class]limits
	log    *zap.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewActorLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) (*ActorLimiter, error) {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return nil, nil
	}
	if rl.MutationRate <= 0 || rl.MutationBurst <= 0 {
		return nil, errors.New("mutation rate limit must be positive")
	}
	if rl.GenerationRate <= 0 || rl.GenerationBurst <= 0 {
		return nil, errors.New("generation rate limit must be positive")
	}
	return &ActorLimiter{
		bucket: NewTokenBucket(client),
		limits: map[Class]limits{
			ClassMutation:   {rate: rl.MutationRate, burst: rl.MutationBurst},
			ClassGeneration: {rate: rl.GenerationRate, burst: rl.GenerationBurst},
		},
		log:   log.Named("ratelimit"),
		local: make(map[string]*rate.Limiter),
	}, nil
}

func (l *ActorLimiter) Enabled() bool {
	return l != nil
}

// Allow takes one token from the actor's bucket for class.
func (l *ActorLimiter) Allow(ctx context.Context, actor string, class Class) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	lim, ok := l.limits[class]
	if !ok {
		return Result{}, fmt.Errorf("unknown rate limit class %q", class)
	}
	key := fmt.Sprintf(keyActorBucket, class, strings.TrimSpace(actor))
	if l.bucket != nil {
		return l.bucket.Allow(ctx, key, lim.rate, lim.burst)
	}
	return l.allowLocal(key, lim), nil
}

func (l *ActorLimiter) allowLocal(key string, lim limits) Result {
	l.mu.Lock()
	limiter, ok := l.local[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(lim.rate), lim.burst)
		l.local[key] = limiter
	}
	l.mu.Unlock()

	r := limiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return Result{Allowed: false, Limit: lim.burst, RetryAfter: delay}
	}
	return Result{Allowed: true, Limit: lim.burst, Remaining: int(limiter.Tokens())}
}
