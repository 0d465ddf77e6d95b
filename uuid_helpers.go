package identity

import (
	"crypto/rand"
	"encoding/base64"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
)

// randomTokenBytes is the entropy of magic link ids, OAuth states and
// refresh tokens.
const randomTokenBytes = 32

// NewUserID returns a fresh identity id.
func NewUserID() string {
	return uuid.NewString()
}

// IsUUID reports whether id parses as a UUID.
func IsUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// EmailClaimKey derives the deterministic key of an email uniqueness claim.
// Two spellings of the same address (case, surrounding space) share a key.
func EmailClaimKey(email string) (string, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return "", ErrInvalidInput
	}
	id, err := hashid.NewUUID(normalized)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to derive email claim key")
	}
	return id.String(), nil
}

// RandomToken returns 32 random bytes encoded base64url without padding.
func RandomToken() (string, error) {
	buf := make([]byte, randomTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read random bytes")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
