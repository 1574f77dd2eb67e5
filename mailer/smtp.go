// Package mailer provides an SMTP delivery backend for verification codes and
// password reset tokens. It satisfies the engine's Mailer interface without
// importing the engine package.
package mailer

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"
)

// Config defines a public type used by enroll APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTP defines a public type used by enroll APIs.
//
// SMTP instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SMTP struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTP describes the newsmtp operation and its observable behavior.
//
// NewSMTP may return an error when input validation, dependency calls, or security checks fail.
// NewSMTP does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewSMTP(cfg Config) *SMTP {
	return &SMTP{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// SendVerificationCode describes the sendverificationcode operation and its observable behavior.
//
// SendVerificationCode may return an error when input validation, dependency calls, or security checks fail.
// SendVerificationCode does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *SMTP) SendVerificationCode(ctx context.Context, email, code string, expiresIn time.Duration, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	greeting := "there"
	if name := meta["firstname"]; name != "" {
		greeting = name
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", email)
	m.SetHeader("Subject", "Confirm your email address")

	body := fmt.Sprintf(`
		<h2>Hi %s,</h2>
		<p>Your verification code is: <strong>%s</strong></p>
		<p>The code expires in %d minutes.</p>
		<p>If you did not sign up, you can ignore this email.</p>
	`, greeting, code, int(expiresIn.Minutes()))

	m.SetBody("text/html", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}

	return nil
}

// SendPasswordReset describes the sendpasswordreset operation and its observable behavior.
//
// SendPasswordReset may return an error when input validation, dependency calls, or security checks fail.
// SendPasswordReset does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *SMTP) SendPasswordReset(ctx context.Context, email, token string, expiresIn time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", email)
	m.SetHeader("Subject", "Password reset request")

	body := fmt.Sprintf(`
		<h3>Password reset requested</h3>
		<p>We received a request to reset the password for your account.</p>
		<p>Use the following token to reset your password: <strong>%s</strong></p>
		<p>The token expires in %d minutes.</p>
		<p>If you did not request this change, you can ignore this email.</p>
	`, token, int(expiresIn.Minutes()))

	m.SetBody("text/html", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send password reset email: %w", err)
	}

	return nil
}
