package middleware

import (
	"errors"
	"unicode/utf8"
)

// ValidateUserID validates a citizen user ID as used by the channels.
func ValidateUserID(id string) error {
	if len(id) == 0 {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("user ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("user ID must be valid UTF-8")
	}
	return nil
}

// ValidateMessageID validates a message ID. Channel IDs are opaque, so only
// presence and size are checked.
func ValidateMessageID(id string) error {
	if len(id) == 0 {
		return errors.New("message ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("message ID exceeds maximum length")
	}
	return nil
}

// ValidateReason validates a free-text operator reason.
func ValidateReason(reason string) error {
	if len(reason) > 256 {
		return errors.New("reason exceeds maximum length")
	}
	if !utf8.ValidString(reason) {
		return errors.New("reason must be valid UTF-8")
	}
	return nil
}
