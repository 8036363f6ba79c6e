package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrChatNotFound = errors.New("chat not found")
	ErrUserNotFound = errors.New("user not found")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrNotMember    = errors.New("user is not a member of this chat")
)
