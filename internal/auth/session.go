package auth

import (
	"sync"

	"coursechat/pkg/types"
)

// Session is the signed-in user on the client side. It is built once at
// startup and handed to every component that needs the caller's identity or
// bearer token.
type Session struct {
	UserID string
	Role   types.Role

	mu    sync.RWMutex
	token string
}

// NewSession validates the identity and returns a session holding token.
func NewSession(userID string, role types.Role, token string) (*Session, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}
	if !role.IsValid() {
		return nil, types.ErrInvalidRole
	}
	return &Session{UserID: userID, Role: role, token: token}, nil
}

// Token returns the bearer token, or "" when the session is unauthenticated.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}
