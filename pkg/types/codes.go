package types

// Error codes carried in REST error bodies and error frames
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeValidation   = "VALIDATION_FAILED"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeUserNotFound = "USER_NOT_FOUND"
	CodeChatNotFound = "CHAT_NOT_FOUND"
	CodeNotMember    = "NOT_MEMBER"
	CodeUnknownEvent = "UNKNOWN_EVENT"
	CodeRateLimited  = "RATE_LIMITED"
	CodeUnavailable  = "UNAVAILABLE"
	CodeInternal     = "INTERNAL_ERROR"
)

// NewErrorFrame builds an error frame. The payload always marshals.
func NewErrorFrame(code, message string) Frame {
	f, _ := NewFrame(EventError, ErrorPayload{Code: code, Message: message})
	return f
}
