package enroll

import (
	"errors"
	"time"
)

// Config defines a public type used by enroll APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	JWT           JWTConfig
	Registration  RegistrationConfig
	PasswordReset PasswordResetConfig
	Password      PasswordConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig defines a public type used by enroll APIs.
//
// JWTConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
}

/*
====================================
REGISTRATION CONFIG
====================================
*/

// RegistrationConfig defines a public type used by enroll APIs.
//
// RegistrationConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type RegistrationConfig struct {
	CodeDigits          int
	PendingTTL          time.Duration
	MaxVerifyAttempts   int
	MaxResends          int
	EnableEmailThrottle bool
	EnableIPThrottle    bool
	MaxBeginRequests    int
	BeginWindow         time.Duration
}

// PasswordResetConfig defines a public type used by enroll APIs.
//
// PasswordResetConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PasswordResetConfig struct {
	ResetTTL      time.Duration
	MaxAttempts   int
	MaxRequests   int
	RequestWindow time.Duration
}

// PasswordConfig defines a public type used by enroll APIs.
//
// PasswordConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AuditConfig defines a public type used by enroll APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by enroll APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig describes the defaultconfig operation and its observable behavior.
//
// DefaultConfig may return an error when input validation, dependency calls, or security checks fail.
// DefaultConfig does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     48 * time.Hour,
			SigningMethod: "ed25519",
		},
		Registration: RegistrationConfig{
			CodeDigits:          6,
			PendingTTL:          15 * time.Minute,
			MaxVerifyAttempts:   10,
			MaxResends:          3,
			EnableEmailThrottle: true,
			EnableIPThrottle:    false,
			MaxBeginRequests:    5,
			BeginWindow:         15 * time.Minute,
		},
		PasswordReset: PasswordResetConfig{
			ResetTTL:      30 * time.Minute,
			MaxAttempts:   10,
			MaxRequests:   3,
			RequestWindow: 15 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PublicKey) == 0 {
		return errors.New("ed25519 requires PublicKey")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("hs256 requires PrivateKey")
	}

	// Registration
	if c.Registration.CodeDigits < 6 || c.Registration.CodeDigits > 10 {
		return errors.New("Registration CodeDigits must be between 6 and 10")
	}
	if c.Registration.PendingTTL <= 0 {
		return errors.New("Registration PendingTTL must be > 0")
	}
	if c.Registration.MaxVerifyAttempts <= 0 {
		return errors.New("Registration MaxVerifyAttempts must be > 0")
	}
	if c.Registration.MaxResends < 0 {
		return errors.New("Registration MaxResends must be >= 0")
	}
	if c.Registration.EnableEmailThrottle || c.Registration.EnableIPThrottle {
		if c.Registration.MaxBeginRequests <= 0 {
			return errors.New("Registration MaxBeginRequests must be > 0 when a begin throttle is enabled")
		}
		if c.Registration.BeginWindow <= 0 {
			return errors.New("Registration BeginWindow must be > 0 when a begin throttle is enabled")
		}
	}

	// Password Reset
	if c.PasswordReset.ResetTTL <= 0 {
		return errors.New("PasswordReset ResetTTL must be > 0")
	}
	if c.PasswordReset.MaxAttempts <= 0 {
		return errors.New("PasswordReset MaxAttempts must be > 0")
	}
	if c.PasswordReset.MaxRequests <= 0 {
		return errors.New("PasswordReset MaxRequests must be > 0")
	}
	if c.PasswordReset.RequestWindow <= 0 {
		return errors.New("PasswordReset RequestWindow must be > 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	// Audit
	if c.Audit.Enabled {
		if c.Audit.BufferSize <= 0 {
			return errors.New("Audit BufferSize must be > 0 when audit is enabled")
		}
	}

	return nil
}
