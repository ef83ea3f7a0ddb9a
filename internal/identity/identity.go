// Package identity validates the client identity carried in the handshake
// against the configured token.
package identity

import (
	"crypto/subtle"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidToken means the configured token is not a canonical UUIDv4.
	ErrInvalidToken = errors.New("invalid identity token")
	// ErrRejected means the handshake identity does not match.
	ErrRejected = errors.New("identity rejected")
)

// Identity is the 16-byte binary form of the configured token.
type Identity [16]byte

// Parse validates token (8-4-4-4-12 hex groups, version nibble 4, variant
// nibble 8, 9, a or b; hex digits in either case) and returns its bytes.
func Parse(token string) (Identity, error) {
	lower := strings.ToLower(strings.TrimSpace(token))
	if !govalidator.IsUUIDv4(lower) {
		return Identity{}, errors.Wrapf(ErrInvalidToken, "%q", token)
	}
	u, err := uuid.Parse(lower)
	if err != nil {
		return Identity{}, errors.Wrapf(ErrInvalidToken, "%q: %v", token, err)
	}
	return Identity(u), nil
}

// MustParse is Parse for constants and tests.
func MustParse(token string) Identity {
	id, err := Parse(token)
	if err != nil {
		panic(err)
	}
	return id
}

// Random returns a fresh identity, handy for generating configuration.
func Random() Identity { return Identity(uuid.New()) }

func (id Identity) String() string { return uuid.UUID(id).String() }

// Validate compares the handshake identity in constant time.
func (id Identity) Validate(got [16]byte) error {
	if subtle.ConstantTimeCompare(id[:], got[:]) != 1 {
		return ErrRejected
	}
	return nil
}

// Check parses the configured token and validates got against it in one step.
// The token is re-parsed on every call since it may be swapped per request.
func Check(token string, got [16]byte) error {
	id, err := Parse(token)
	if err != nil {
		return err
	}
	return id.Validate(got)
}
