package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coursechat/internal/auth"
	"coursechat/internal/conversations"
	"coursechat/internal/database"
	"coursechat/internal/metrics"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

const maxBodyBytes = 1 << 20

// Presence reports live socket state, implemented by the websocket registry
type Presence interface {
	IsOnline(userID string) bool
	GetStats() map[string]int
}

// Authenticator resolves the caller of a request
type Authenticator interface {
	Authenticate(r *http.Request) (*auth.Identity, error)
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	conversations interfaces.ConversationManager
	dbManager     interfaces.DatabaseManager
	presence      Presence
	auth          Authenticator
	validate      *validator.Validate
	trans         ut.Translator
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
	router        *http.ServeMux

	// identities already written to the user directory
	seenMu sync.Mutex
	seen   map[string]auth.Identity
}

// Option configures a Server
type Option func(*Server)

// WithMetrics records request durations and stored messages
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGatherer exposes the given registry at /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// FUNCTIONAL DISCOVERY: Constructor initializes all dependencies and sets up routing
// Dependency injection pattern maintains architectural boundaries
func NewServer(conv interfaces.ConversationManager, dbManager interfaces.DatabaseManager, presence Presence, authenticator Authenticator, opts ...Option) *Server {
	validate, trans := newValidator()
	s := &Server{
		conversations: conv,
		dbManager:     dbManager,
		presence:      presence,
		auth:          authenticator,
		validate:      validate,
		trans:         trans,
		logger:        slog.Default(),
		router:        http.NewServeMux(),
		seen:          make(map[string]auth.Identity),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")

	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// CORS and JSON middleware applied to all routes for web client compatibility
func (s *Server) setupRoutes() {
	s.handle("POST /api/chat", s.authed(s.createChat))
	s.handle("GET /api/chat", s.authed(s.listChats))
	s.handle("GET /api/message/{chatId}", s.authed(s.getMessages))
	s.handle("POST /api/message", s.authed(s.sendMessage))
	s.handle("GET /api/users/instructors", s.authed(s.listUsers(types.RoleInstructor)))
	s.handle("GET /api/users/students", s.authed(s.listUsers(types.RoleStudent)))
	s.handle("GET /api/users/{id}", s.authed(s.getUser))
	s.handle("GET /health", http.HandlerFunc(s.healthCheck))

	// preflight for every API path
	s.router.Handle("OPTIONS /api/", s.corsMiddleware(http.NotFoundHandler()))

	if s.gatherer != nil {
		s.router.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handle(pattern string, h http.Handler) {
	s.router.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(s.instrument(pattern, h))))
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// FUNCTIONAL DISCOVERY: POST /api/chat - the caller must be one side of the pair
func (s *Server) createChat(w http.ResponseWriter, r *http.Request, caller *auth.Identity) {
	var req types.CreateChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if caller.UserID != req.UserID && caller.UserID != req.InstructorID {
		s.sendError(w, http.StatusForbidden, types.CodeForbidden, "caller is not part of this chat")
		return
	}

	conv, err := s.conversations.FindOrCreate(r.Context(), req.UserID, req.InstructorID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

// FUNCTIONAL DISCOVERY: GET /api/chat?userId= - lists the caller's own chats
func (s *Server) listChats(w http.ResponseWriter, r *http.Request, caller *auth.Identity) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = caller.UserID
	}
	if userID != caller.UserID {
		s.sendError(w, http.StatusForbidden, types.CodeForbidden, "cannot list another user's chats")
		return
	}

	chats, err := s.conversations.ListForUser(r.Context(), userID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	if chats == nil {
		chats = []*types.Conversation{}
	}
	s.writeJSON(w, http.StatusOK, chats)
}

// FUNCTIONAL DISCOVERY: GET /api/message/{chatId} - history for members only
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request, caller *auth.Identity) {
	chatID := r.PathValue("chatId")
	if err := s.conversations.ValidateMembership(r.Context(), chatID, caller.UserID); err != nil {
		s.sendMappedError(w, err)
		return
	}

	msgs, err := s.conversations.History(r.Context(), chatID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

// FUNCTIONAL DISCOVERY: POST /api/message - durable write, the live relay
// happens separately over the socket
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, caller *auth.Identity) {
	var req types.SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SenderID != caller.UserID {
		s.sendError(w, http.StatusForbidden, types.CodeForbidden, "senderId must be the caller")
		return
	}

	msg, err := s.conversations.PostMessage(r.Context(), req.ChatID, req.SenderID, req.Text)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	s.metrics.MessageStored()
	s.writeJSON(w, http.StatusCreated, msg)
}

// FUNCTIONAL DISCOVERY: GET /api/users/{role}s - directory with live presence
func (s *Server) listUsers(role types.Role) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, _ *auth.Identity) {
		users, err := s.dbManager.ListUsersByRole(r.Context(), role)
		if err != nil {
			s.sendMappedError(w, err)
			return
		}
		for _, u := range users {
			u.IsOnline = s.presence.IsOnline(u.ID)
		}
		if users == nil {
			users = []*types.UserSummary{}
		}
		s.writeJSON(w, http.StatusOK, users)
	}
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request, _ *auth.Identity) {
	userID := r.PathValue("id")
	if !types.IsValidUserID(userID) {
		s.sendError(w, http.StatusBadRequest, types.CodeBadRequest, types.ErrInvalidUserID.Error())
		return
	}

	user, err := s.dbManager.GetUser(r.Context(), userID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	user.IsOnline = s.presence.IsOnline(user.ID)
	s.writeJSON(w, http.StatusOK, user)
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	code := http.StatusOK

	if err := s.dbManager.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: s.presence.GetStats(),
	})
}

// decode reads and validates a JSON body, writing the error response itself
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.sendError(w, http.StatusBadRequest, types.CodeBadRequest, "Invalid JSON")
		return false
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   http.StatusText(http.StatusBadRequest),
				Code:    types.CodeValidation,
				Message: "request validation failed",
				Fields:  fieldErrors(verrs, s.trans),
			})
			return false
		}
		s.sendError(w, http.StatusBadRequest, types.CodeBadRequest, err.Error())
		return false
	}
	return true
}

// sendMappedError translates domain errors into status and code
func (s *Server) sendMappedError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		message = "internal error"
	}
	s.sendError(w, status, code, message)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, interfaces.ErrChatNotFound):
		return http.StatusNotFound, types.CodeChatNotFound
	case errors.Is(err, interfaces.ErrUserNotFound):
		return http.StatusNotFound, types.CodeUserNotFound
	case errors.Is(err, interfaces.ErrNotMember):
		return http.StatusForbidden, types.CodeNotMember
	case errors.Is(err, interfaces.ErrUnauthorized):
		return http.StatusForbidden, types.CodeForbidden
	case errors.Is(err, types.ErrInvalidUserID),
		errors.Is(err, types.ErrInvalidChatID),
		errors.Is(err, types.ErrInvalidRole),
		errors.Is(err, types.ErrEmptyText),
		errors.Is(err, types.ErrTextTooLong),
		errors.Is(err, types.ErrSelfReferential),
		errors.Is(err, conversations.ErrInvalidStudentID),
		errors.Is(err, conversations.ErrInvalidInstructorID),
		errors.Is(err, conversations.ErrWrongRole):
		return http.StatusBadRequest, types.CodeBadRequest
	case errors.Is(err, database.ErrClosed):
		return http.StatusServiceUnavailable, types.CodeUnavailable
	default:
		return http.StatusInternalServerError, types.CodeInternal
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
