package enroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	registrationEmailThrottlePrefix = "prgb"
	registrationIPThrottlePrefix    = "prgbip"
)

var (
	errRegistrationRateLimited        = errors.New("registration rate limited")
	errRegistrationLimiterUnavailable = errors.New("registration limiter redis unavailable")
)

// registrationLimiter throttles BeginRegistration calls with fixed windows
// keyed by normalized email and, optionally, caller IP.
type registrationLimiter struct {
	redis *redis.Client
}

func newRegistrationLimiter(redisClient *redis.Client) *registrationLimiter {
	return &registrationLimiter{redis: redisClient}
}

// AllowEmail describes the allow email operation and its observable behavior.
//
// AllowEmail may return an error when input validation, dependency calls, or security checks fail.
// AllowEmail does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (l *registrationLimiter) AllowEmail(ctx context.Context, email string, max int, window time.Duration) error {
	return l.enforceFixedWindow(ctx, registrationEmailThrottlePrefix+":"+email, max, window)
}

// AllowIP describes the allow ip operation and its observable behavior.
//
// AllowIP may return an error when input validation, dependency calls, or security checks fail.
// AllowIP does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (l *registrationLimiter) AllowIP(ctx context.Context, ip string, max int, window time.Duration) error {
	if ip == "" {
		return nil
	}
	return l.enforceFixedWindow(ctx, registrationIPThrottlePrefix+":"+ip, max, window)
}

func (l *registrationLimiter) enforceFixedWindow(ctx context.Context, key string, max int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errRegistrationLimiterUnavailable, err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, key, window).Err(); err != nil {
			return fmt.Errorf("%w: %v", errRegistrationLimiterUnavailable, err)
		}
	}

	if count > int64(max) {
		return errRegistrationRateLimited
	}

	return nil
}
