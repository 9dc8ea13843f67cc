package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidAccountID is returned when a string is not a valid account identifier.
var ErrInvalidAccountID = errors.New("invalid account id")

// AccountID is the stable service identifier (ACI) of a Signal participant.
type AccountID uuid.UUID

// ParseAccountID parses the canonical UUID form of an account identifier.
func ParseAccountID(s string) (AccountID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return AccountID{}, fmt.Errorf("%w %q: %v", ErrInvalidAccountID, s, err)
	}
	return AccountID(u), nil
}

// MustParseAccountID is ParseAccountID for constants and tests.
func MustParseAccountID(s string) AccountID {
	id, err := ParseAccountID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id AccountID) String() string { return uuid.UUID(id).String() }

func (id AccountID) IsZero() bool { return id == AccountID{} }

func (id AccountID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *AccountID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = AccountID{}
		return nil
	}
	parsed, err := ParseAccountID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// GroupKey identifies a group (base64 group id as reported by the gateway).
type GroupKey string
