package enroll

import "errors"

var (
	// ErrEngineNotReady is an exported constant or variable used by the enrollment engine.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrSignupInvalid is an exported constant or variable used by the enrollment engine.
	ErrSignupInvalid = errors.New("invalid signup request")
	// ErrEmailTaken is an exported constant or variable used by the enrollment engine.
	ErrEmailTaken = errors.New("email already taken")
	// ErrUsernameTaken is an exported constant or variable used by the enrollment engine.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrRegistrationInvalid is an exported constant or variable used by the enrollment engine.
	ErrRegistrationInvalid = errors.New("registration invalid or expired")
	// ErrVerifyAttemptsExceeded is an exported constant or variable used by the enrollment engine.
	ErrVerifyAttemptsExceeded = errors.New("verification attempts exceeded")
	// ErrResendLimitExceeded is an exported constant or variable used by the enrollment engine.
	ErrResendLimitExceeded = errors.New("maximum resend attempts exceeded")
	// ErrRegistrationRateLimited is an exported constant or variable used by the enrollment engine.
	ErrRegistrationRateLimited = errors.New("registration rate limited")
	// ErrRegistrationUnavailable is an exported constant or variable used by the enrollment engine.
	ErrRegistrationUnavailable = errors.New("registration backend unavailable")
	// ErrPasswordPolicy is an exported constant or variable used by the enrollment engine.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrResetTokenInvalid is an exported constant or variable used by the enrollment engine.
	ErrResetTokenInvalid = errors.New("reset token invalid or expired")
	// ErrResetAttemptsExceeded is an exported constant or variable used by the enrollment engine.
	ErrResetAttemptsExceeded = errors.New("password reset attempts exceeded")
	// ErrResetRateLimited is an exported constant or variable used by the enrollment engine.
	ErrResetRateLimited = errors.New("password reset rate limited")
	// ErrResetUnavailable is an exported constant or variable used by the enrollment engine.
	ErrResetUnavailable = errors.New("password reset backend unavailable")
	// ErrUserNotFound is an exported constant or variable used by the enrollment engine.
	ErrUserNotFound = errors.New("user not found")
	// ErrDirectoryDuplicate is an exported constant or variable used by the enrollment engine.
	//
	// UserDirectory implementations must return an error wrapping this sentinel when
	// CreateUser hits a uniqueness constraint. It is the authoritative guard against
	// two concurrent verifications finalizing the same email.
	ErrDirectoryDuplicate = errors.New("directory duplicate identity")
)
