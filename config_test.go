package enroll

import (
	"strings"
	"testing"
)

func validTestConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("test-signing-secret")
	return cfg
}

func TestDefaultConfigValidatesWithKeys(t *testing.T) {
	cfg := validTestConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestDefaultConfigRequiresKeyMaterial(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected ed25519 default to fail without key material")
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		keyword string
	}{
		{"zero access ttl", func(c *Config) { c.JWT.AccessTTL = 0 }, "AccessTTL"},
		{"bad signing method", func(c *Config) { c.JWT.SigningMethod = "none" }, "signing method"},
		{"code digits too small", func(c *Config) { c.Registration.CodeDigits = 4 }, "CodeDigits"},
		{"zero pending ttl", func(c *Config) { c.Registration.PendingTTL = 0 }, "PendingTTL"},
		{"zero verify attempts", func(c *Config) { c.Registration.MaxVerifyAttempts = 0 }, "MaxVerifyAttempts"},
		{"negative resends", func(c *Config) { c.Registration.MaxResends = -1 }, "MaxResends"},
		{"throttle without budget", func(c *Config) {
			c.Registration.EnableEmailThrottle = true
			c.Registration.MaxBeginRequests = 0
		}, "MaxBeginRequests"},
		{"zero reset ttl", func(c *Config) { c.PasswordReset.ResetTTL = 0 }, "ResetTTL"},
		{"zero reset requests", func(c *Config) { c.PasswordReset.MaxRequests = 0 }, "MaxRequests"},
		{"weak password memory", func(c *Config) { c.Password.Memory = 1024 }, "Memory"},
		{"audit without buffer", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.BufferSize = 0
		}, "BufferSize"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTestConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.keyword) {
				t.Fatalf("expected error mentioning %q, got %v", tc.keyword, err)
			}
		})
	}
}

func TestCloneConfigCopiesKeyMaterial(t *testing.T) {
	cfg := validTestConfig()
	clone := cloneConfig(cfg)

	clone.JWT.PrivateKey[0] ^= 0xff
	if cfg.JWT.PrivateKey[0] == clone.JWT.PrivateKey[0] {
		t.Fatal("expected cloned key material to be independent")
	}
}
