package enroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const resetRequestPrefix = "prl"

var (
	errResetRateLimited        = errors.New("password reset rate limited")
	errResetLimiterUnavailable = errors.New("password reset limiter redis unavailable")
)

// resetRequestLimiter throttles password reset requests per email with a
// sliding window: every request, allowed or not, pushes the window forward,
// so a hammered address stays locked until it goes quiet.
type resetRequestLimiter struct {
	redis *redis.Client
}

func newResetRequestLimiter(redisClient *redis.Client) *resetRequestLimiter {
	return &resetRequestLimiter{redis: redisClient}
}

func (l *resetRequestLimiter) key(email string) string {
	return resetRequestPrefix + ":" + email
}

// Check describes the check operation and its observable behavior.
//
// Check is a read-only probe: it reports whether the email is currently over
// its request budget without consuming any of it.
//
// Check may return an error when input validation, dependency calls, or security checks fail.
// Check does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (l *resetRequestLimiter) Check(ctx context.Context, email string, max int) error {
	count, err := l.redis.Get(ctx, l.key(email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", errResetLimiterUnavailable, err)
	}

	if count >= int64(max) {
		return errResetRateLimited
	}

	return nil
}

// Increment describes the increment operation and its observable behavior.
//
// Increment records one request and refreshes the window expiry on every call.
//
// Increment may return an error when input validation, dependency calls, or security checks fail.
// Increment does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (l *resetRequestLimiter) Increment(ctx context.Context, email string, window time.Duration) error {
	key := l.key(email)

	if err := l.redis.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", errResetLimiterUnavailable, err)
	}
	if err := l.redis.Expire(ctx, key, window).Err(); err != nil {
		return fmt.Errorf("%w: %v", errResetLimiterUnavailable, err)
	}

	return nil
}

// Reset describes the reset operation and its observable behavior.
//
// Reset clears the request counter after a successful password change.
//
// Reset may return an error when input validation, dependency calls, or security checks fail.
// Reset does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (l *resetRequestLimiter) Reset(ctx context.Context, email string) error {
	if err := l.redis.Del(ctx, l.key(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errResetLimiterUnavailable, err)
	}
	return nil
}
