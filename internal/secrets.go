package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const resetTokenSize = 32

// NewCode generates a fixed-length decimal one-time code using crypto/rand,
// one digit at a time so the distribution is uniform per position.
func NewCode(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid code digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	code := b.String()
	if len(code) != digits {
		return "", fmt.Errorf("invalid code generation length")
	}
	return code, nil
}

// HashCode digests a one-time code salted with the owning registration ID.
// The salt makes identical codes issued to different registrations hash
// differently, so a stored digest is useless across records.
func HashCode(code, salt string) [32]byte {
	return sha256.Sum256([]byte(salt + ":" + code))
}

// NewResetToken generates a 256-bit random reset token and its storage hash.
// The token itself is the lookup key's pre-image, so no extra salt is needed.
func NewResetToken() (string, [32]byte, error) {
	var raw [resetTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", [32]byte{}, err
	}

	token := base64.RawURLEncoding.EncodeToString(raw[:])
	return token, sha256.Sum256(raw[:]), nil
}

// HashToken recomputes the storage hash for a presented reset token.
func HashToken(token string) ([32]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return [32]byte{}, err
	}
	if len(raw) != resetTokenSize {
		return [32]byte{}, errors.New("invalid reset token size")
	}

	return sha256.Sum256(raw), nil
}
