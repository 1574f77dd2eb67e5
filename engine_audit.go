package enroll

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventRegistrationBegin    = "registration_begin"
	auditEventRegistrationVerify   = "registration_verify"
	auditEventRegistrationResend   = "registration_resend"
	auditEventPasswordResetRequest = "password_reset_request"
	auditEventPasswordResetConfirm = "password_reset_confirm"
	auditEventRateLimitTriggered   = "rate_limit_triggered"
)

// AuditErrorCode defines a public type used by enroll APIs.
//
// AuditErrorCode instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditErrorCode string

const (
	auditErrSignupInvalid    AuditErrorCode = "signup_invalid"
	auditErrDuplicate        AuditErrorCode = "duplicate"
	auditErrInvalidCode      AuditErrorCode = "invalid_code"
	auditErrInvalidToken     AuditErrorCode = "invalid_token"
	auditErrAttemptsExceeded AuditErrorCode = "attempts_exceeded"
	auditErrResendsExceeded  AuditErrorCode = "resends_exceeded"
	auditErrRateLimited      AuditErrorCode = "rate_limited"
	auditErrPasswordPolicy   AuditErrorCode = "password_policy"
	auditErrUserNotFound     AuditErrorCode = "user_not_found"
	auditErrUnavailable      AuditErrorCode = "backend_unavailable"
	auditErrInternal         AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	email string,
	registrationID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:      time.Now().UTC(),
		EventType:      eventType,
		UserID:         userID,
		Email:          email,
		RegistrationID: registrationID,
		IP:             clientIPFromContext(ctx),
		Success:        success,
		Metadata:       metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(
	ctx context.Context,
	scope string,
	email string,
	metadataBuilder func() map[string]string,
) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", email, "", nil, func() map[string]string {
		base := map[string]string{
			"scope": scope,
		}
		if metadataBuilder == nil {
			return base
		}
		for k, v := range metadataBuilder() {
			base[k] = v
		}
		return base
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrSignupInvalid):
		return auditErrSignupInvalid
	case errors.Is(err, ErrEmailTaken),
		errors.Is(err, ErrUsernameTaken),
		errors.Is(err, ErrDirectoryDuplicate):
		return auditErrDuplicate
	case errors.Is(err, ErrRegistrationInvalid):
		return auditErrInvalidCode
	case errors.Is(err, ErrResetTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrVerifyAttemptsExceeded),
		errors.Is(err, ErrResetAttemptsExceeded):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrResendLimitExceeded):
		return auditErrResendsExceeded
	case errors.Is(err, ErrRegistrationRateLimited),
		errors.Is(err, ErrResetRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrRegistrationUnavailable),
		errors.Is(err, ErrResetUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
