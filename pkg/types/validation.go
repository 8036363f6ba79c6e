package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// MaxTextLength bounds a single message body in characters
const MaxTextLength = 4000

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 character limit prevents database issues
// and ensures reasonable display in UI components
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValid reports whether r is one of the two chat roles
func (r Role) IsValid() bool {
	return r == RoleStudent || r == RoleInstructor
}

// Counterpart returns the role on the other side of a conversation
func (r Role) Counterpart() Role {
	if r == RoleInstructor {
		return RoleStudent
	}
	return RoleInstructor
}

// ParseRole converts a string to a Role
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", ErrInvalidRole
	}
	return r, nil
}

// IsBlank reports whether text carries no content once whitespace is trimmed
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// Validate ensures the message body and ownership fields are usable
func (m *Message) Validate() error {
	if m.ChatID == "" {
		return ErrInvalidChatID
	}
	if !IsValidUserID(m.SenderID) {
		return ErrInvalidUserID
	}
	if IsBlank(m.Text) {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(m.Text) > MaxTextLength {
		return ErrTextTooLong
	}
	return nil
}

// Validate ensures the conversation has exactly two distinct valid members
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return ErrInvalidChatID
	}
	if len(c.Members) != 2 {
		return ErrSelfReferential
	}
	for _, m := range c.Members {
		if !IsValidUserID(m) {
			return ErrInvalidUserID
		}
	}
	if c.Members[0] == c.Members[1] {
		return ErrSelfReferential
	}
	return nil
}
