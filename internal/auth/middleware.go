package auth

import (
	"net/http"
	"strings"
)

// ExtractToken returns the bearer token from the Authorization header, falling
// back to the "token" query parameter used by browser WebSocket clients.
func ExtractToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authenticate validates the request's token and returns the caller.
func (s *JWTService) Authenticate(r *http.Request) (*Identity, error) {
	token := ExtractToken(r)
	if token == "" {
		return nil, ErrMissingToken
	}
	return s.Validate(token)
}
