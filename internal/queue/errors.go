package queue

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MaxIDLength bounds participant identifiers and access codes.
const MaxIDLength = 128

var (
	// ErrInvalidArgument marks caller-correctable input errors.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStoreUnavailable marks a failed or timed-out backing store call.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidateID reports whether id is a plausible participant token.
func ValidateID(id string) error {
	return validateToken("id", id)
}

func validateToken(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	if len(v) > MaxIDLength {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidArgument, field, MaxIDLength)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidArgument, field)
	}
	for _, r := range v {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains whitespace or control characters", ErrInvalidArgument, field)
		}
	}
	return nil
}

func storeErr(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, step, err)
}
