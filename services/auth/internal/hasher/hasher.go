// Package hasher derives and verifies bcrypt hashes of passwords and
// refresh-token secrets.
package hasher

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
)

// DefaultCost is the bcrypt work factor used outside tests.
const DefaultCost = 12

// maxPasswordBytes is bcrypt's input limit.
const maxPasswordBytes = 72

var (
	// ErrMalformedHash is returned when a stored hash cannot be parsed.
	ErrMalformedHash = errors.New("malformed credential hash")

	// ErrPasswordTooLong is returned by HashPassword for inputs over 72 bytes.
	ErrPasswordTooLong = errors.New("password exceeds 72 bytes")
)

// Hasher hashes and verifies credentials with a fixed bcrypt cost.
type Hasher struct {
	cost int

	// dummy is compared against when there is no real hash to check, so a
	// failed lookup costs one bcrypt comparison like a failed password.
	dummy []byte
}

// New returns a Hasher using cost. A cost outside bcrypt's accepted range
// is a configuration error.
func New(cost int) (*Hasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("%w: bcrypt cost %d outside [%d, %d]",
			domain.ErrConfiguration, cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), cost)
	if err != nil {
		return nil, fmt.Errorf("build dummy hash: %w", err)
	}
	return &Hasher{cost: cost, dummy: dummy}, nil
}

// Cost returns the configured work factor.
func (h *Hasher) Cost() int {
	return h.cost
}

// HashPassword returns a salted bcrypt hash of plaintext.
func (h *Hasher) HashPassword(plaintext string) (string, error) {
	if len(plaintext) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plaintext matches hash. A mismatch is
// (false, nil); an unparseable hash is (false, ErrMalformedHash). A password
// too long to have been hashed never matches but still pays for one
// comparison.
func (h *Hasher) VerifyPassword(plaintext, hash string) (bool, error) {
	if len(plaintext) > maxPasswordBytes {
		h.DummyVerify(plaintext)
		return false, nil
	}
	return compare([]byte(hash), []byte(plaintext))
}

// HashSecret hashes a high-entropy secret of any length. The secret is first
// reduced to its SHA-256 digest so it fits bcrypt's input limit.
func (h *Hasher) HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(digest(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret is the counterpart of HashSecret.
func (h *Hasher) VerifySecret(secret, hash string) (bool, error) {
	return compare([]byte(hash), digest(secret))
}

// DummyVerify spends the same work as a real verification and always
// fails. It keeps response time independent of whether an account exists.
func (h *Hasher) DummyVerify(plaintext string) {
	if len(plaintext) > maxPasswordBytes {
		plaintext = plaintext[:maxPasswordBytes]
	}
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(plaintext))
}

func compare(hash, plaintext []byte) (bool, error) {
	err := bcrypt.CompareHashAndPassword(hash, plaintext)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
}

func digest(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	out := make([]byte, base64.RawStdEncoding.EncodedLen(len(sum)))
	base64.RawStdEncoding.Encode(out, sum[:])
	return out
}
