package identity

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/model"
)

// Hasher turns credentials into stored form and checks them.
type Hasher interface {
	Hash(credential string) (string, error)
	Compare(stored, credential string) bool
}

type bcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a Hasher using bcrypt at cost. Out-of-range costs
// fall back to bcrypt.DefaultCost.
func NewBcryptHasher(cost int) Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return bcryptHasher{cost: cost}
}

var errCredentialTooLong = fmt.Errorf("%w: password must be at most 72 bytes", model.ErrInvalidFormat)

func (h bcryptHasher) Hash(credential string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), h.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", errCredentialTooLong
	}
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare accepts bcrypt hashes and, for accounts restored from older
// snapshots, plaintext values compared in constant time.
func (h bcryptHasher) Compare(stored, credential string) bool {
	if stored == "" || credential == "" {
		return false
	}
	if isBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(credential)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(credential)) == 1
}

func isBcrypt(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
