package enroll

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eventra/enroll/internal"
)

func testPendingRecord(expiresAt time.Time) *pendingRegistration {
	return &pendingRegistration{
		Email:        "alice@example.com",
		Firstname:    "Alice",
		Lastname:     "Smith",
		Username:     "alice1",
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		CodeHash:     internal.HashCode("123456", "reg-1"),
		ExpiresAt:    expiresAt.Unix(),
	}
}

func TestRegistrationStoreRoundTrip(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newRegistrationStore(rdb)
	record := testPendingRecord(time.Now().Add(15 * time.Minute))

	if err := store.Save(ctx, "reg-1", record, 15*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "reg-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Email != record.Email || got.Username != record.Username || got.CodeHash != record.CodeHash {
		t.Fatal("decoded record does not match saved record")
	}
}

func TestRegistrationStoreRawValueHasNoSecrets(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newRegistrationStore(rdb)
	record := testPendingRecord(time.Now().Add(15 * time.Minute))

	if err := store.Save(ctx, "reg-1", record, 15*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	raw, err := mr.Get("prg:reg-1")
	if err != nil {
		t.Fatalf("raw read failed: %v", err)
	}
	if strings.Contains(raw, "123456") {
		t.Fatal("raw record must not contain the plaintext code")
	}
}

func TestRegistrationStoreDeleteIdempotent(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newRegistrationStore(rdb)

	if err := store.Delete(ctx, "reg-1"); err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "reg-1"); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
}

func TestRegistrationStoreExpiry(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newRegistrationStore(rdb)
	record := testPendingRecord(time.Now().Add(15 * time.Minute))

	if err := store.Save(ctx, "reg-1", record, 15*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	mr.FastForward(16 * time.Minute)

	if _, err := store.Get(ctx, "reg-1"); !errors.Is(err, errRegistrationNotFound) {
		t.Fatalf("expected errRegistrationNotFound after expiry, got %v", err)
	}
}

func TestRegistrationStoreAttemptKeepsRemainingTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newRegistrationStore(rdb)
	record := testPendingRecord(time.Now().Add(5 * time.Minute))

	if err := store.Save(ctx, "reg-1", record, 5*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	wrong := internal.HashCode("999999", "reg-1")
	if _, err := store.Attempt(ctx, "reg-1", wrong, 10); !errors.Is(err, errRegistrationCodeMismatch) {
		t.Fatalf("expected errRegistrationCodeMismatch, got %v", err)
	}

	// The wrong guess must not stretch the expiry window.
	ttl := rdb.TTL(ctx, "prg:reg-1").Val()
	if ttl > 5*time.Minute {
		t.Fatalf("expected TTL capped at the original window, got %v", ttl)
	}

	got, err := store.Get(ctx, "reg-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d", got.Attempts)
	}
}

func TestRegistrationStoreRotateRefreshesTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newRegistrationStore(rdb)
	record := testPendingRecord(time.Now().Add(5 * time.Minute))

	if err := store.Save(ctx, "reg-1", record, 5*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	newHash := internal.HashCode("654321", "reg-1")
	rotated, err := store.Rotate(ctx, "reg-1", newHash, 3, 15*time.Minute)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rotated.Resends != 1 {
		t.Fatalf("expected one recorded resend, got %d", rotated.Resends)
	}
	if rotated.CodeHash != newHash {
		t.Fatal("expected rotated code hash to be installed")
	}

	ttl := rdb.TTL(ctx, "prg:reg-1").Val()
	if ttl <= 5*time.Minute {
		t.Fatalf("expected TTL refreshed to the full window, got %v", ttl)
	}
}
