package enroll

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"math/big"
	"time"

	"github.com/eventra/enroll/internal"
)

// BeginPasswordReset describes the beginpasswordreset operation and its observable behavior.
//
// BeginPasswordReset returns nil for unknown emails: the caller cannot tell a
// dispatched token from a swallowed lookup miss, and the miss path burns a
// randomized delay so timing does not leak account existence either.
//
// BeginPasswordReset may return an error when input validation, dependency calls, or security checks fail.
// BeginPasswordReset does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) BeginPasswordReset(ctx context.Context, email string) error {
	if e == nil || e.resetStore == nil || e.resetLimiter == nil || e.directory == nil {
		return ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if err := e.validate.Var(email, "required,email,max=254"); err != nil {
		e.emitAudit(ctx, auditEventPasswordResetRequest, false, "", email, "", ErrSignupInvalid, func() map[string]string {
			return map[string]string{
				"reason": "malformed_email",
			}
		})
		return ErrSignupInvalid
	}

	cfg := e.config.PasswordReset

	if err := e.resetLimiter.Check(ctx, email, cfg.MaxRequests); err != nil {
		if errors.Is(err, errResetRateLimited) {
			e.metricInc(MetricResetRateLimited)
			e.emitAudit(ctx, auditEventPasswordResetRequest, false, "", email, "", ErrResetRateLimited, nil)
			e.emitRateLimit(ctx, "password_reset_request", email, nil)
			return ErrResetRateLimited
		}
		return ErrResetUnavailable
	}

	// Every request, answered or swallowed, pushes the sliding window forward.
	if err := e.resetLimiter.Increment(ctx, email, cfg.RequestWindow); err != nil {
		return ErrResetUnavailable
	}

	user, err := e.directory.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			if delayErr := sleepResetEnumerationDelay(ctx); delayErr != nil {
				return delayErr
			}
			e.metricInc(MetricResetRequest)
			e.emitAudit(ctx, auditEventPasswordResetRequest, true, "", email, "", nil, func() map[string]string {
				return map[string]string{
					"dispatched": "false",
				}
			})
			return nil
		}
		e.emitAudit(ctx, auditEventPasswordResetRequest, false, "", email, "", err, func() map[string]string {
			return map[string]string{
				"reason": "user_lookup_failed",
			}
		})
		return err
	}

	token, tokenHash, err := internal.NewResetToken()
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordResetRequest, false, user.ID, email, "", err, func() map[string]string {
			return map[string]string{
				"reason": "token_generation",
			}
		})
		return err
	}

	record := &passwordResetRecord{
		UserID:    user.ID,
		Email:     email,
		ExpiresAt: time.Now().Add(cfg.ResetTTL).Unix(),
	}

	if err := e.resetStore.Save(ctx, tokenHash, record, cfg.ResetTTL); err != nil {
		mapped := mapResetStoreError(err)
		e.emitAudit(ctx, auditEventPasswordResetRequest, false, user.ID, email, "", mapped, func() map[string]string {
			return map[string]string{
				"reason": "record_save_failed",
			}
		})
		return mapped
	}

	e.dispatchResetToken(ctx, email, token, cfg.ResetTTL)

	e.metricInc(MetricResetRequest)
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, user.ID, email, "", nil, func() map[string]string {
		return map[string]string{
			"dispatched": "true",
		}
	})

	return nil
}

// VerifyResetToken describes the verifyresettoken operation and its observable behavior.
//
// VerifyResetToken is a read-only probe: it does not consume an attempt.
//
// VerifyResetToken may return an error when input validation, dependency calls, or security checks fail.
// VerifyResetToken does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) VerifyResetToken(ctx context.Context, token string) error {
	if e == nil || e.resetStore == nil {
		return ErrEngineNotReady
	}

	tokenHash, err := internal.HashToken(token)
	if err != nil {
		return ErrResetTokenInvalid
	}

	if _, err := e.resetStore.Get(ctx, tokenHash); err != nil {
		return mapResetStoreError(err)
	}

	return nil
}

// ResetPassword describes the resetpassword operation and its observable behavior.
//
// ResetPassword may return an error when input validation, dependency calls, or security checks fail.
// ResetPassword does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	if e == nil || e.resetStore == nil || e.directory == nil || e.passwordHash == nil {
		return ErrEngineNotReady
	}

	if len(newPassword) < 8 || len(newPassword) > 128 {
		e.metricInc(MetricResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "password_length",
			}
		})
		return ErrPasswordPolicy
	}

	tokenHash, err := internal.HashToken(token)
	if err != nil {
		e.metricInc(MetricResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", "", ErrResetTokenInvalid, func() map[string]string {
			return map[string]string{
				"reason": "malformed_token",
			}
		})
		return ErrResetTokenInvalid
	}

	record, err := e.resetStore.Attempt(ctx, tokenHash, e.config.PasswordReset.MaxAttempts)
	if err != nil {
		mapped := mapResetStoreError(err)
		if errors.Is(mapped, ErrResetAttemptsExceeded) {
			e.metricInc(MetricResetAttemptsExceeded)
		} else {
			e.metricInc(MetricResetConfirmFailure)
		}
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", "", mapped, nil)
		return mapped
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		e.metricInc(MetricResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, record.UserID, record.Email, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "hash_policy",
			}
		})
		return ErrPasswordPolicy
	}
	newPassword = ""

	if err := e.directory.UpdatePasswordHash(ctx, record.UserID, newHash); err != nil {
		e.metricInc(MetricResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, record.UserID, record.Email, "", err, func() map[string]string {
			return map[string]string{
				"reason": "update_hash_failed",
			}
		})
		return err
	}

	// Cleanup is best-effort: the record expires on its own if this fails.
	if err := e.resetStore.Delete(ctx, tokenHash); err != nil {
		log.Print("enroll: password reset record cleanup failed")
	}
	if e.resetLimiter != nil {
		if err := e.resetLimiter.Reset(ctx, record.Email); err != nil {
			log.Print("enroll: password reset limiter reset failed")
		}
	}

	e.metricInc(MetricResetConfirmSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, record.UserID, record.Email, "", nil, nil)

	return nil
}

// dispatchResetToken is fire-and-forget: delivery problems are logged and
// counted but never fail the workflow call.
func (e *Engine) dispatchResetToken(ctx context.Context, email, token string, ttl time.Duration) {
	if e.mailer == nil {
		return
	}
	if err := e.mailer.SendPasswordReset(ctx, email, token, ttl); err != nil {
		e.metricInc(MetricMailDispatchFailure)
		log.Print("enroll: password reset dispatch failed")
	}
}

func mapResetStoreError(err error) error {
	switch {
	case errors.Is(err, errResetNotFound):
		return ErrResetTokenInvalid
	case errors.Is(err, errResetAttemptsExceeded):
		return ErrResetAttemptsExceeded
	case errors.Is(err, errResetRedisUnavailable):
		return ErrResetUnavailable
	default:
		return err
	}
}

func sleepResetEnumerationDelay(ctx context.Context) error {
	minMs := int64(20)
	maxMs := int64(40)
	span := maxMs - minMs + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return err
	}

	delay := time.Duration(minMs+n.Int64()) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
