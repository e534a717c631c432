package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ErrValidation is wrapped by every join or send precondition failure.
var ErrValidation = errors.New("validation failed")

// ValidateMessage checks that a chat message meets content requirements.
// Username and text must be non-empty after trimming whitespace; the text
// itself is sent untrimmed.
func ValidateMessage(username, text string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: username is empty", ErrValidation)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrValidation)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrValidation, MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrValidation, MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrValidation)
	}
	return nil
}

// ValidateJoin checks the join preconditions: a display name and a room.
func ValidateJoin(username, room string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}
	if strings.TrimSpace(room) == "" {
		return fmt.Errorf("%w: room is required", ErrValidation)
	}
	return nil
}
