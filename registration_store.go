package enroll

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	registrationKeyPrefix       = "prg"
	registrationRecordVersionV1 = 1
)

var (
	errRegistrationNotFound         = errors.New("pending registration not found")
	errRegistrationCodeMismatch     = errors.New("pending registration code mismatch")
	errRegistrationAttemptsExceeded = errors.New("pending registration attempts exceeded")
	errRegistrationResendsExceeded  = errors.New("pending registration resends exceeded")
	errRegistrationRedisUnavailable = errors.New("pending registration redis unavailable")
)

type pendingRegistration struct {
	Email        string
	Firstname    string
	Lastname     string
	Username     string
	PasswordHash string
	CodeHash     [32]byte
	ExpiresAt    int64
	Attempts     uint16
	Resends      uint16
}

type registrationStore struct {
	redis  *redis.Client
	prefix string
}

func newRegistrationStore(redisClient *redis.Client) *registrationStore {
	return &registrationStore{
		redis:  redisClient,
		prefix: registrationKeyPrefix,
	}
}

func (s *registrationStore) key(registrationID string) string {
	return s.prefix + ":" + registrationID
}

// Save describes the save operation and its observable behavior.
//
// Save may return an error when input validation, dependency calls, or security checks fail.
// Save does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *registrationStore) Save(
	ctx context.Context,
	registrationID string,
	record *pendingRegistration,
	ttl time.Duration,
) error {
	encoded, err := encodePendingRegistration(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(registrationID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errRegistrationRedisUnavailable, err)
	}

	return nil
}

// Get describes the get operation and its observable behavior.
//
// Get may return an error when input validation, dependency calls, or security checks fail.
// Get does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *registrationStore) Get(ctx context.Context, registrationID string) (*pendingRegistration, error) {
	data, err := s.redis.Get(ctx, s.key(registrationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errRegistrationNotFound
		}
		return nil, fmt.Errorf("%w: %v", errRegistrationRedisUnavailable, err)
	}

	record, err := decodePendingRegistration(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		return nil, errRegistrationNotFound
	}

	return record, nil
}

// Delete describes the delete operation and its observable behavior.
//
// Delete is idempotent: deleting an absent registration is not an error.
// Delete may return an error when input validation, dependency calls, or security checks fail.
// Delete does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *registrationStore) Delete(ctx context.Context, registrationID string) error {
	if err := s.redis.Del(ctx, s.key(registrationID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errRegistrationRedisUnavailable, err)
	}
	return nil
}

// Attempt describes the attempt operation and its observable behavior.
//
// The attempts counter is incremented before the hash comparison, so every
// guess erodes the budget. Attempt updates persist under the REMAINING record
// TTL; a wrong guess never extends the expiry window. On a match the record is
// returned still stored: the caller finalizes the durable user first and then
// deletes the record, so a concurrent match surfaces as a directory conflict
// rather than a lost record.
//
// Attempt may return an error when input validation, dependency calls, or security checks fail.
// Attempt does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *registrationStore) Attempt(
	ctx context.Context,
	registrationID string,
	providedHash [32]byte,
	maxAttempts int,
) (*pendingRegistration, error) {
	const maxRetries = 4
	key := s.key(registrationID)

	for i := 0; i < maxRetries; i++ {
		var matched *pendingRegistration

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePendingRegistration(data)
			if err != nil {
				return err
			}

			now := time.Now()
			if now.Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errRegistrationNotFound
			}

			record.Attempts++
			if int(record.Attempts) > maxAttempts {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errRegistrationAttemptsExceeded
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errRegistrationNotFound
			}

			updated, err := encodePendingRegistration(record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			if subtle.ConstantTimeCompare(record.CodeHash[:], providedHash[:]) != 1 {
				return errRegistrationCodeMismatch
			}

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, errRegistrationNotFound
			case errors.Is(err, errRegistrationNotFound),
				errors.Is(err, errRegistrationCodeMismatch),
				errors.Is(err, errRegistrationAttemptsExceeded):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errRegistrationRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errRegistrationNotFound
}

// Rotate describes the rotate operation and its observable behavior.
//
// Rotate installs a freshly hashed code and refreshes the full TTL, bumping
// the record-level resend counter. Exceeding maxResends leaves the record
// untouched so the last issued code stays verifiable.
//
// Rotate may return an error when input validation, dependency calls, or security checks fail.
// Rotate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *registrationStore) Rotate(
	ctx context.Context,
	registrationID string,
	newCodeHash [32]byte,
	maxResends int,
	ttl time.Duration,
) (*pendingRegistration, error) {
	const maxRetries = 4
	key := s.key(registrationID)

	for i := 0; i < maxRetries; i++ {
		var rotated *pendingRegistration

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePendingRegistration(data)
			if err != nil {
				return err
			}
			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errRegistrationNotFound
			}

			if int(record.Resends) >= maxResends {
				return errRegistrationResendsExceeded
			}

			record.Resends++
			record.CodeHash = newCodeHash
			record.ExpiresAt = time.Now().Add(ttl).Unix()

			updated, err := encodePendingRegistration(record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			rotated = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, errRegistrationNotFound
			case errors.Is(err, errRegistrationNotFound),
				errors.Is(err, errRegistrationResendsExceeded):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errRegistrationRedisUnavailable, err)
			}
		}

		return rotated, nil
	}

	return nil, errRegistrationNotFound
}

func encodePendingRegistration(record *pendingRegistration) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(registrationRecordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.Resends); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{
		record.Email,
		record.Firstname,
		record.Lastname,
		record.Username,
		record.PasswordHash,
	} {
		if len(field) > 65535 {
			return nil, errors.New("pending registration field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodePendingRegistration(data []byte) (*pendingRegistration, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != registrationRecordVersionV1 {
		return nil, errors.New("invalid pending registration record version")
	}

	record := &pendingRegistration{}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.Resends); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, target := range []*string{
		&record.Email,
		&record.Firstname,
		&record.Lastname,
		&record.Username,
		&record.PasswordHash,
	} {
		var fieldLen uint16
		if err := binary.Read(reader, binary.BigEndian, &fieldLen); err != nil {
			return nil, err
		}

		field := make([]byte, fieldLen)
		if _, err := io.ReadFull(reader, field); err != nil {
			return nil, err
		}
		*target = string(field)
	}

	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
