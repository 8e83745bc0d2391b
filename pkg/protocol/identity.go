package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// IdentityLength is the length of a canonical UUID in text form.
	IdentityLength = 36

	// IdentityFieldSize is the on-wire size of the identity field: the token
	// plus a NUL terminator.
	IdentityFieldSize = IdentityLength + 1
)

// DefaultIdentity marks packets sent before the server assigned an identity.
const DefaultIdentity Identity = "00000000-0000-0000-0000-000000000000"

var ErrInvalidIdentity = errors.New("invalid identity token")

// Identity is a server-issued session token (canonical UUID-v4 text).
type Identity string

// NewIdentity generates a fresh random identity.
func NewIdentity() Identity {
	return Identity(uuid.New().String())
}

// ParseIdentity validates s as a canonical 36-character UUID.
func ParseIdentity(s string) (Identity, error) {
	if len(s) != IdentityLength {
		return "", fmt.Errorf("%w: length %d", ErrInvalidIdentity, len(s))
	}
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return Identity(s), nil
}

// IsDefault reports whether id is the unassigned sentinel (or empty).
func (id Identity) IsDefault() bool {
	return id == "" || id == DefaultIdentity
}

func (id Identity) String() string {
	return string(id)
}
