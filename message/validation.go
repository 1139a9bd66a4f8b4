package message

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxBodyLength bounds a message body, counted in runes.
const DefaultMaxBodyLength = 4000

// NormalizeBody trims surrounding whitespace. Clients and the relay both
// normalize so that the reconciliation key matches the stored body.
func NormalizeBody(body string) string {
	return strings.TrimSpace(body)
}

// Validate checks a send request before anything is persisted.
// maxLen <= 0 falls back to DefaultMaxBodyLength.
func Validate(sender, receiver, body string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxBodyLength
	}
	if receiver == "" {
		return fmt.Errorf("%w: receiver is required", ErrInvalidReceiver)
	}
	if receiver == sender {
		return fmt.Errorf("%w: cannot send to yourself", ErrInvalidReceiver)
	}

	body = NormalizeBody(body)
	if body == "" {
		return ErrEmptyBody
	}
	if n := utf8.RuneCountInString(body); n > maxLen {
		return fmt.Errorf("%w: %d characters, limit is %d", ErrBodyTooLong, n, maxLen)
	}
	return nil
}
