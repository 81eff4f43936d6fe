package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrRateLimited is returned by Check when the window is exhausted.
var ErrRateLimited = errors.New("ratelimit: limit exceeded")

// Options tune the sliding-window admission gate.
type Options struct {
	KeyPrefix string
	Limit     int64
	Window    time.Duration
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is a distributed sliding-window rate limiter backed by a Redis
// sorted set per scope:identity key. Entries are scored by request time in
// milliseconds and pruned lazily on each check; the key expires with the
// window so idle identities cost nothing.
type Limiter struct {
	client *redis.Client
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a limiter.
func New(client *redis.Client, opts Options, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "rate_limiter").Logger(),
		now:    time.Now,
	}
}

func (l *Limiter) key(scope, identity string) string {
	return fmt.Sprintf("%sratelimit:%s:%s", l.opts.KeyPrefix, scope, identity)
}

// Allow records one request for scope:identity and reports whether it fits
// in the trailing window. Counting relies on Redis's own atomicity; no
// application-level locking is involved.
func (l *Limiter) Allow(ctx context.Context, scope, identity string) (Decision, error) {
	key := l.key(scope, identity)
	now := l.now()
	nowMillis := now.UnixMilli()
	cutoff := nowMillis - l.opts.Window.Milliseconds()
	member := strconv.FormatInt(nowMillis, 10) + ":" + uuid.NewString()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMillis), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, l.opts.Window)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit check: %w", err)
	}

	count := card.Val()
	if count <= l.opts.Limit {
		return Decision{Allowed: true, Remaining: l.opts.Limit - count}, nil
	}

	// Over the limit: the request we just recorded must not count against
	// future checks.
	if err := l.client.ZRem(ctx, key, member).Err(); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("failed to remove rejected entry")
	}

	retryAfter, err := l.retryAfter(ctx, key, now)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

// Check is Allow with the rejection folded into the error.
func (l *Limiter) Check(ctx context.Context, scope, identity string) error {
	decision, err := l.Allow(ctx, scope, identity)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, decision.RetryAfter)
	}
	return nil
}

// retryAfter derives how long until the oldest in-window entry ages out.
func (l *Limiter) retryAfter(ctx context.Context, key string, now time.Time) (time.Duration, error) {
	oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit oldest entry: %w", err)
	}
	if len(oldest) == 0 {
		return 0, nil
	}

	expiresAt := time.UnixMilli(int64(oldest[0].Score)).Add(l.opts.Window)
	retryAfter := expiresAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	if retryAfter > l.opts.Window {
		retryAfter = l.opts.Window
	}
	return retryAfter, nil
}
