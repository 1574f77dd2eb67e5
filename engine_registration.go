package enroll

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/eventra/enroll/internal"
	"github.com/google/uuid"
)

// BeginRegistration describes the beginregistration operation and its observable behavior.
//
// BeginRegistration may return an error when input validation, dependency calls, or security checks fail.
// BeginRegistration does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) BeginRegistration(ctx context.Context, req SignupRequest) (*BeginRegistrationResult, error) {
	if e == nil || e.registrationStore == nil || e.directory == nil || e.passwordHash == nil {
		return nil, ErrEngineNotReady
	}

	req.Email = normalizeEmail(req.Email)

	if err := e.validate.Struct(req); err != nil {
		e.emitAudit(ctx, auditEventRegistrationBegin, false, "", req.Email, "", ErrSignupInvalid, func() map[string]string {
			return map[string]string{
				"reason": "validation_failed",
			}
		})
		return nil, ErrSignupInvalid
	}

	if err := e.enforceBeginThrottle(ctx, req.Email); err != nil {
		return nil, err
	}

	taken, err := e.directory.EmailExists(ctx, req.Email)
	if err != nil {
		e.emitAudit(ctx, auditEventRegistrationBegin, false, "", req.Email, "", err, func() map[string]string {
			return map[string]string{
				"reason": "email_lookup_failed",
			}
		})
		return nil, err
	}
	if taken {
		e.metricInc(MetricRegistrationConflict)
		e.emitAudit(ctx, auditEventRegistrationBegin, false, "", req.Email, "", ErrEmailTaken, nil)
		return nil, ErrEmailTaken
	}

	taken, err = e.directory.UsernameExists(ctx, req.Username)
	if err != nil {
		e.emitAudit(ctx, auditEventRegistrationBegin, false, "", req.Email, "", err, func() map[string]string {
			return map[string]string{
				"reason": "username_lookup_failed",
			}
		})
		return nil, err
	}
	if taken {
		e.metricInc(MetricRegistrationConflict)
		e.emitAudit(ctx, auditEventRegistrationBegin, false, "", req.Email, "", ErrUsernameTaken, func() map[string]string {
			return map[string]string{
				"username": req.Username,
			}
		})
		return nil, ErrUsernameTaken
	}

	passwordHash, err := e.passwordHash.Hash(req.Password)
	if err != nil {
		e.emitAudit(ctx, auditEventRegistrationBegin, false, "", req.Email, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "hash_policy",
			}
		})
		return nil, ErrPasswordPolicy
	}
	req.Password = ""

	registrationID := uuid.New().String()

	code, err := internal.NewCode(e.config.Registration.CodeDigits)
	if err != nil {
		e.emitAudit(ctx, auditEventRegistrationBegin, false, "", req.Email, registrationID, err, func() map[string]string {
			return map[string]string{
				"reason": "code_generation",
			}
		})
		return nil, err
	}

	ttl := e.config.Registration.PendingTTL
	expiresAt := time.Now().Add(ttl)

	record := &pendingRegistration{
		Email:        req.Email,
		Firstname:    req.Firstname,
		Lastname:     req.Lastname,
		Username:     req.Username,
		PasswordHash: passwordHash,
		CodeHash:     internal.HashCode(code, registrationID),
		ExpiresAt:    expiresAt.Unix(),
	}

	if err := e.registrationStore.Save(ctx, registrationID, record, ttl); err != nil {
		mapped := mapRegistrationStoreError(err)
		e.emitAudit(ctx, auditEventRegistrationBegin, false, "", req.Email, registrationID, mapped, func() map[string]string {
			return map[string]string{
				"reason": "record_save_failed",
			}
		})
		return nil, mapped
	}

	e.dispatchVerificationCode(ctx, req.Email, code, ttl, map[string]string{
		"firstname": req.Firstname,
	})

	e.metricInc(MetricRegistrationBegin)
	e.emitAudit(ctx, auditEventRegistrationBegin, true, "", req.Email, registrationID, nil, func() map[string]string {
		return map[string]string{
			"username": req.Username,
		}
	})

	return &BeginRegistrationResult{
		RegistrationID: registrationID,
		ExpiresAt:      expiresAt,
	}, nil
}

// VerifyRegistration describes the verifyregistration operation and its observable behavior.
//
// VerifyRegistration may return an error when input validation, dependency calls, or security checks fail.
// VerifyRegistration does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) VerifyRegistration(ctx context.Context, registrationID, code string) (*VerifyRegistrationResult, error) {
	if e == nil || e.registrationStore == nil || e.directory == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metrics.Observe(MetricVerifyLatency, time.Since(start))
		}()
	}

	if registrationID == "" || len(code) != e.config.Registration.CodeDigits || !isNumericString(code) {
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditEventRegistrationVerify, false, "", "", registrationID, ErrRegistrationInvalid, func() map[string]string {
			return map[string]string{
				"reason": "malformed_input",
			}
		})
		return nil, ErrRegistrationInvalid
	}

	record, err := e.registrationStore.Attempt(
		ctx,
		registrationID,
		internal.HashCode(code, registrationID),
		e.config.Registration.MaxVerifyAttempts,
	)
	if err != nil {
		mapped := mapRegistrationAttemptError(err)
		switch {
		case errors.Is(mapped, ErrVerifyAttemptsExceeded):
			e.metricInc(MetricVerifyAttemptsExceeded)
		default:
			e.metricInc(MetricVerifyFailure)
		}
		e.emitAudit(ctx, auditEventRegistrationVerify, false, "", "", registrationID, mapped, nil)
		return nil, mapped
	}

	// The pre-verify lookups can have gone stale during the pending window.
	taken, err := e.directory.EmailExists(ctx, record.Email)
	if err == nil && taken {
		_ = e.registrationStore.Delete(ctx, registrationID)
		e.metricInc(MetricRegistrationConflict)
		e.emitAudit(ctx, auditEventRegistrationVerify, false, "", record.Email, registrationID, ErrEmailTaken, nil)
		return nil, ErrEmailTaken
	}
	taken, err = e.directory.UsernameExists(ctx, record.Username)
	if err == nil && taken {
		_ = e.registrationStore.Delete(ctx, registrationID)
		e.metricInc(MetricRegistrationConflict)
		e.emitAudit(ctx, auditEventRegistrationVerify, false, "", record.Email, registrationID, ErrUsernameTaken, nil)
		return nil, ErrUsernameTaken
	}

	user, err := e.directory.CreateUser(ctx, CreateUserInput{
		Email:        record.Email,
		Firstname:    record.Firstname,
		Lastname:     record.Lastname,
		Username:     record.Username,
		PasswordHash: record.PasswordHash,
	})
	if err != nil {
		if errors.Is(err, ErrDirectoryDuplicate) {
			_ = e.registrationStore.Delete(ctx, registrationID)
			e.metricInc(MetricRegistrationConflict)
			e.emitAudit(ctx, auditEventRegistrationVerify, false, "", record.Email, registrationID, ErrEmailTaken, func() map[string]string {
				return map[string]string{
					"reason": "directory_duplicate",
				}
			})
			return nil, ErrEmailTaken
		}
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditEventRegistrationVerify, false, "", record.Email, registrationID, err, func() map[string]string {
			return map[string]string{
				"reason": "create_user_failed",
			}
		})
		return nil, err
	}

	// Cleanup is best-effort: the record expires on its own if this fails.
	if err := e.registrationStore.Delete(ctx, registrationID); err != nil {
		log.Print("enroll: pending registration cleanup failed")
	}

	access, err := e.jwtManager.CreateAccess(user.ID, user.Email)
	if err != nil {
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditEventRegistrationVerify, false, user.ID, user.Email, registrationID, err, func() map[string]string {
			return map[string]string{
				"reason": "issue_access_failed",
			}
		})
		return nil, err
	}

	e.metricInc(MetricVerifySuccess)
	e.emitAudit(ctx, auditEventRegistrationVerify, true, user.ID, user.Email, registrationID, nil, nil)

	return &VerifyRegistrationResult{
		AccessToken: access,
		User:        user,
	}, nil
}

// ResendCode describes the resendcode operation and its observable behavior.
//
// ResendCode may return an error when input validation, dependency calls, or security checks fail.
// ResendCode does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ResendCode(ctx context.Context, registrationID string) error {
	if e == nil || e.registrationStore == nil {
		return ErrEngineNotReady
	}
	if registrationID == "" {
		e.emitAudit(ctx, auditEventRegistrationResend, false, "", "", registrationID, ErrRegistrationInvalid, nil)
		return ErrRegistrationInvalid
	}

	code, err := internal.NewCode(e.config.Registration.CodeDigits)
	if err != nil {
		return err
	}

	ttl := e.config.Registration.PendingTTL

	record, err := e.registrationStore.Rotate(
		ctx,
		registrationID,
		internal.HashCode(code, registrationID),
		e.config.Registration.MaxResends,
		ttl,
	)
	if err != nil {
		mapped := mapRegistrationRotateError(err)
		if errors.Is(mapped, ErrResendLimitExceeded) {
			e.metricInc(MetricResendLimitExceeded)
		}
		e.emitAudit(ctx, auditEventRegistrationResend, false, "", "", registrationID, mapped, nil)
		return mapped
	}

	e.dispatchVerificationCode(ctx, record.Email, code, ttl, map[string]string{
		"firstname": record.Firstname,
	})

	e.metricInc(MetricResend)
	e.emitAudit(ctx, auditEventRegistrationResend, true, "", record.Email, registrationID, nil, func() map[string]string {
		return map[string]string{
			"resends": strconv.Itoa(int(record.Resends)),
		}
	})

	return nil
}

// CheckEmailAvailability describes the checkemailavailability operation and its observable behavior.
//
// CheckEmailAvailability may return an error when input validation, dependency calls, or security checks fail.
// CheckEmailAvailability does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) CheckEmailAvailability(ctx context.Context, email string) (bool, error) {
	if e == nil || e.directory == nil {
		return false, ErrEngineNotReady
	}

	taken, err := e.directory.EmailExists(ctx, normalizeEmail(email))
	if err != nil {
		return false, err
	}
	return !taken, nil
}

// CheckUsernameAvailability describes the checkusernameavailability operation and its observable behavior.
//
// CheckUsernameAvailability may return an error when input validation, dependency calls, or security checks fail.
// CheckUsernameAvailability does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) CheckUsernameAvailability(ctx context.Context, username string) (bool, error) {
	if e == nil || e.directory == nil {
		return false, ErrEngineNotReady
	}

	taken, err := e.directory.UsernameExists(ctx, username)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

func (e *Engine) enforceBeginThrottle(ctx context.Context, email string) error {
	if e.registrationLimiter == nil {
		return nil
	}

	cfg := e.config.Registration

	if cfg.EnableEmailThrottle {
		if err := e.registrationLimiter.AllowEmail(ctx, email, cfg.MaxBeginRequests, cfg.BeginWindow); err != nil {
			return e.mapBeginThrottleError(ctx, email, err)
		}
	}
	if cfg.EnableIPThrottle {
		if err := e.registrationLimiter.AllowIP(ctx, clientIPFromContext(ctx), cfg.MaxBeginRequests, cfg.BeginWindow); err != nil {
			return e.mapBeginThrottleError(ctx, email, err)
		}
	}

	return nil
}

func (e *Engine) mapBeginThrottleError(ctx context.Context, email string, err error) error {
	if errors.Is(err, errRegistrationRateLimited) {
		e.metricInc(MetricRegistrationRateLimited)
		e.emitAudit(ctx, auditEventRegistrationBegin, false, "", email, "", ErrRegistrationRateLimited, nil)
		e.emitRateLimit(ctx, "registration_begin", email, nil)
		return ErrRegistrationRateLimited
	}
	return ErrRegistrationUnavailable
}

// dispatchVerificationCode is fire-and-forget: delivery problems are logged and
// counted but never fail the workflow call.
func (e *Engine) dispatchVerificationCode(ctx context.Context, email, code string, ttl time.Duration, meta map[string]string) {
	if e.mailer == nil {
		return
	}
	if err := e.mailer.SendVerificationCode(ctx, email, code, ttl, meta); err != nil {
		e.metricInc(MetricMailDispatchFailure)
		log.Print("enroll: verification code dispatch failed")
	}
}

func mapRegistrationStoreError(err error) error {
	switch {
	case errors.Is(err, errRegistrationNotFound):
		return ErrRegistrationInvalid
	case errors.Is(err, errRegistrationRedisUnavailable):
		return ErrRegistrationUnavailable
	default:
		return err
	}
}

func mapRegistrationAttemptError(err error) error {
	switch {
	case errors.Is(err, errRegistrationNotFound),
		errors.Is(err, errRegistrationCodeMismatch):
		return ErrRegistrationInvalid
	case errors.Is(err, errRegistrationAttemptsExceeded):
		return ErrVerifyAttemptsExceeded
	case errors.Is(err, errRegistrationRedisUnavailable):
		return ErrRegistrationUnavailable
	default:
		return err
	}
}

func mapRegistrationRotateError(err error) error {
	switch {
	case errors.Is(err, errRegistrationNotFound):
		return ErrRegistrationInvalid
	case errors.Is(err, errRegistrationResendsExceeded):
		return ErrResendLimitExceeded
	case errors.Is(err, errRegistrationRedisUnavailable):
		return ErrRegistrationUnavailable
	default:
		return err
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isNumericString(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
