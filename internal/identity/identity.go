package identity

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
var ErrInvalidUserID = errors.New("identity: invalid user id")

// NewUserID trims raw input and validates it as a chat or account identifier.
func NewUserID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return trimmed, nil
}
