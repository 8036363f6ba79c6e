package types

import "errors"

// Chat core failures. Operations wrap the underlying cause so callers can
// match with errors.Is and still read the network error.
var (
	ErrChatInit    = errors.New("chat initialization failed")
	ErrFetch       = errors.New("message fetch failed")
	ErrSend        = errors.New("message send failed")
	ErrStaleResult = errors.New("result superseded by a newer request")
)

var (
	ErrInvalidUserID   = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole     = errors.New("role must be student or instructor")
	ErrEmptyText       = errors.New("message text cannot be empty")
	ErrTextTooLong     = errors.New("message text exceeds 4000 characters")
	ErrInvalidChatID   = errors.New("chat ID cannot be empty")
	ErrUnknownEvent    = errors.New("unknown event")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrSelfReferential = errors.New("conversation members must differ")
)
