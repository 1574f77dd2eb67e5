package enroll

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resetKeyPrefix       = "prt"
	resetRecordVersionV1 = 1
)

var (
	errResetNotFound         = errors.New("password reset record not found")
	errResetAttemptsExceeded = errors.New("password reset attempts exceeded")
	errResetRedisUnavailable = errors.New("password reset redis unavailable")
)

// passwordResetRecord is keyed by the hex of the token hash, so presenting the
// token is itself the proof of knowledge; there is no per-record secret compare.
type passwordResetRecord struct {
	UserID    string
	Email     string
	ExpiresAt int64
	Attempts  uint16
}

type passwordResetStore struct {
	redis  *redis.Client
	prefix string
}

func newPasswordResetStore(redisClient *redis.Client) *passwordResetStore {
	return &passwordResetStore{
		redis:  redisClient,
		prefix: resetKeyPrefix,
	}
}

func (s *passwordResetStore) key(tokenHash [32]byte) string {
	return s.prefix + ":" + hex.EncodeToString(tokenHash[:])
}

// Save describes the save operation and its observable behavior.
//
// Save may return an error when input validation, dependency calls, or security checks fail.
// Save does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *passwordResetStore) Save(
	ctx context.Context,
	tokenHash [32]byte,
	record *passwordResetRecord,
	ttl time.Duration,
) error {
	encoded, err := encodePasswordResetRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(tokenHash), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	return nil
}

// Get describes the get operation and its observable behavior.
//
// Get may return an error when input validation, dependency calls, or security checks fail.
// Get does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *passwordResetStore) Get(ctx context.Context, tokenHash [32]byte) (*passwordResetRecord, error) {
	data, err := s.redis.Get(ctx, s.key(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errResetNotFound
		}
		return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	record, err := decodePasswordResetRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		return nil, errResetNotFound
	}

	return record, nil
}

// Delete describes the delete operation and its observable behavior.
//
// Delete is idempotent: deleting an absent record is not an error.
// Delete may return an error when input validation, dependency calls, or security checks fail.
// Delete does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *passwordResetStore) Delete(ctx context.Context, tokenHash [32]byte) error {
	if err := s.redis.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}
	return nil
}

// Attempt describes the attempt operation and its observable behavior.
//
// Attempt increments the embedded counter under the remaining TTL before
// handing the record back; exceeding maxAttempts purges the record.
//
// Attempt may return an error when input validation, dependency calls, or security checks fail.
// Attempt does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *passwordResetStore) Attempt(
	ctx context.Context,
	tokenHash [32]byte,
	maxAttempts int,
) (*passwordResetRecord, error) {
	const maxRetries = 4
	key := s.key(tokenHash)

	for i := 0; i < maxRetries; i++ {
		var matched *passwordResetRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePasswordResetRecord(data)
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
				return errResetNotFound
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
				return errResetAttemptsExceeded
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
				return errResetNotFound
			}

			updated, err := encodePasswordResetRecord(record)
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

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, errResetNotFound
			case errors.Is(err, errResetNotFound),
				errors.Is(err, errResetAttemptsExceeded):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errResetNotFound
}

func encodePasswordResetRecord(record *passwordResetRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(resetRecordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.UserID, record.Email} {
		if len(field) > 65535 {
			return nil, errors.New("password reset field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodePasswordResetRecord(data []byte) (*passwordResetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersionV1 {
		return nil, errors.New("invalid password reset record version")
	}

	record := &passwordResetRecord{}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, target := range []*string{&record.UserID, &record.Email} {
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

	return record, nil
}
