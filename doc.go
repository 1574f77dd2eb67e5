// Package enroll provides a Redis-backed pending-registration and email-verification
// engine: rate-limited signup with hashed one-time codes, TTL-bound ephemeral records,
// attempt-gated verification that finalizes into a durable user, and an
// enumeration-safe password reset flow.
//
// The package is designed for concurrent server workloads: Engine methods are safe to call
// from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// enroll is the public surface. It exposes [Engine], [Builder], [Config], and value types
// (SignupRequest, VerifyRegistrationResult, MetricsSnapshot, etc.). Pending state lives
// only in Redis under namespaced keys; the durable user store and the outbound mailer are
// injected by the caller through [UserDirectory] and [Mailer].
//
// # What this package must NOT do
//
//   - Expose Redis clients, record encodings, or key layouts in its public API.
//   - Persist a plaintext verification code or reset token anywhere, ever.
//   - Own HTTP routing; consumers mount Engine methods behind their own handlers.
package enroll
