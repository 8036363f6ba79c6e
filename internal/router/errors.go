package router

import "errors"

// Router-specific error types
var (
	ErrInvalidRelay      = errors.New("relay payload is missing")
	ErrMissingMessageID  = errors.New("relayed message has no server id")
	ErrSenderMismatch    = errors.New("relayed message was not sent by this user")
	ErrReceiverNotMember = errors.New("receiver is not the other member of the chat")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
