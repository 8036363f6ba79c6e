package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"coursechat/internal/auth"
	"coursechat/pkg/types"
)

const upsertDeadline = 5 * time.Second

type authedHandler func(w http.ResponseWriter, r *http.Request, caller *auth.Identity)

// authed validates the bearer token and records the caller in the user
// directory before running h
func (s *Server) authed(h authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.Authenticate(r)
		if err != nil {
			s.sendError(w, http.StatusUnauthorized, types.CodeUnauthorized, err.Error())
			return
		}
		s.recordCaller(r.Context(), identity)
		h(w, r.WithContext(auth.WithIdentity(r.Context(), identity)), identity)
	})
}

// recordCaller upserts the caller once per distinct set of claims
// FUNCTIONAL DISCOVERY: Users exist in the directory only after they have
// authenticated at least once, so listings fill in as people sign in
func (s *Server) recordCaller(ctx context.Context, id *auth.Identity) {
	s.seenMu.Lock()
	prev, ok := s.seen[id.UserID]
	s.seenMu.Unlock()
	if ok && prev == *id {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, upsertDeadline)
	defer cancel()
	err := s.dbManager.UpsertUser(ctx, &types.UserSummary{
		ID:       id.UserID,
		UserName: id.UserName,
		Role:     id.Role,
	})
	if err != nil {
		s.logger.Warn("failed to record user", "user_id", id.UserID, "error", err)
		return
	}

	s.seenMu.Lock()
	s.seen[id.UserID] = *id
	s.seenMu.Unlock()
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
// Allows all origins in development - would be restricted in production
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument observes request duration labelled by route pattern and status
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveRequest(route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}
