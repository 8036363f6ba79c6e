package auth

import "errors"

var (
	ErrAuthDisabled    = errors.New("auth disabled: no signing secret configured")
	ErrInvalidToken    = errors.New("invalid token")
	ErrMissingToken    = errors.New("missing bearer token")
	ErrInvalidIdentity = errors.New("token identity is invalid")
)
