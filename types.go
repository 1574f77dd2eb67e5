package enroll

import (
	"context"
	"time"
)

// SignupRequest is the input for [Engine.BeginRegistration]. Field constraints
// are enforced with go-playground/validator tags before any store interaction.
type SignupRequest struct {
	Email     string `validate:"required,email,max=254"`
	Firstname string `validate:"required,max=64"`
	Lastname  string `validate:"omitempty,max=64"`
	Username  string `validate:"required,alphanum,min=3,max=32"`
	Password  string `validate:"required,min=8,max=128"`
}

// User is the durable account representation returned by [UserDirectory].
type User struct {
	ID        string
	Email     string
	Firstname string
	Lastname  string
	Username  string
	CreatedAt time.Time
}

// CreateUserInput is the input for [UserDirectory.CreateUser]. PasswordHash is
// the PHC-encoded argon2id hash captured at signup; the plaintext never reaches
// the directory.
type CreateUserInput struct {
	Email        string
	Firstname    string
	Lastname     string
	Username     string
	PasswordHash string
}

// UserDirectory is the interface callers must implement to connect the engine
// to their durable user store. CreateUser must be transactional and must return
// an error wrapping [ErrDirectoryDuplicate] on a uniqueness violation; the
// existence checks are a fast pre-filter, not the safety boundary. GetUserByEmail
// must return an error wrapping [ErrUserNotFound] for an unknown email.
type UserDirectory interface {
	EmailExists(ctx context.Context, email string) (bool, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	CreateUser(ctx context.Context, input CreateUserInput) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
}

// Mailer delivers one-time codes and reset tokens out of band. Dispatch is
// fire-and-forget from the engine's perspective: a delivery error is logged
// and audited but never fails the workflow call, and the engine does not retry.
type Mailer interface {
	SendVerificationCode(ctx context.Context, email, code string, expiresIn time.Duration, meta map[string]string) error
	SendPasswordReset(ctx context.Context, email, token string, expiresIn time.Duration) error
}

// BeginRegistrationResult is returned by [Engine.BeginRegistration]. It carries
// only the opaque registration ID; the raw code travels exclusively through the
// [Mailer].
type BeginRegistrationResult struct {
	RegistrationID string
	ExpiresAt      time.Time
}

// VerifyRegistrationResult is returned by [Engine.VerifyRegistration] on
// success: the finalized durable user plus a signed access token.
type VerifyRegistrationResult struct {
	AccessToken string
	User        User
}
