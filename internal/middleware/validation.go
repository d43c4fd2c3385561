package middleware

import (
	"errors"
	"unicode/utf8"
)

// ValidateConversationID validates a caller-supplied conversation ID.
// IDs are opaque strings; only shape is checked.
func ValidateConversationID(id string) error {
	if len(id) == 0 {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("conversation ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("conversation ID must be valid UTF-8")
	}
	for _, r := range id {
		if r == ' ' || r == '\n' || r == '\t' {
			return errors.New("conversation ID cannot contain whitespace")
		}
	}
	return nil
}

// ValidateMessageText validates one message's text.
func ValidateMessageText(text string) error {
	if len(text) == 0 {
		return errors.New("text cannot be empty")
	}
	if len(text) > 100000 { // ~100KB limit
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}
