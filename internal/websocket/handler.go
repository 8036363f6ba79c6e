package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"coursechat/internal/auth"
	"coursechat/internal/metrics"
	"coursechat/pkg/types"
)

const (
	// TECHNICAL DISCOVERY: 60-second read deadline with pings at 9/10 of it
	// keeps idle sockets alive through proxies
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	upsertDeadline = 5 * time.Second
)

// WebSocket upgrader with production-ready settings
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Browser clients are authenticated by token, not origin
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Authenticator resolves the caller of an upgrade request
type Authenticator interface {
	Authenticate(r *http.Request) (*auth.Identity, error)
}

// EventSink receives the room and relay events produced by connections
// ARCHITECTURAL DISCOVERY: The hub implements this so presence and routing
// stay on its single goroutine while the handler only parses frames
type EventSink interface {
	// UserOnline is called for every successful join; first is true when the
	// connection is the first in its room
	UserOnline(conn *Connection, first bool)
	// UserOffline is called when the last connection leaves a room
	UserOffline(userID string)
	// Relay queues a send-message frame for delivery
	Relay(senderID string, req *types.RelayRequest) error
}

// UserDirectory records authenticated users so they appear in listings
type UserDirectory interface {
	UpsertUser(ctx context.Context, user *types.UserSummary) error
}

// Handler manages WebSocket connections and authentication
type Handler struct {
	registry  *Registry
	auth      Authenticator
	sink      EventSink
	directory UserDirectory
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Handler
type Option func(*Handler)

// WithUserDirectory upserts each authenticated caller on connect
func WithUserDirectory(d UserDirectory) Option {
	return func(h *Handler) { h.directory = d }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, authenticator Authenticator, sink EventSink, opts ...Option) *Handler {
	h := &Handler{
		registry: registry,
		auth:     authenticator,
		sink:     sink,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "websocket")
	return h
}

// HandleWebSocket authenticates the caller, upgrades and serves the socket
// ARCHITECTURAL DISCOVERY: Authentication happens before the upgrade so bad
// tokens get a plain HTTP 401 instead of a socket that closes immediately
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if h.directory != nil {
		ctx, cancel := context.WithTimeout(r.Context(), upsertDeadline)
		err := h.directory.UpsertUser(ctx, &types.UserSummary{
			ID:       identity.UserID,
			UserName: identity.UserName,
			Role:     identity.Role,
		})
		cancel()
		if err != nil {
			h.logger.Warn("failed to record user", "user_id", identity.UserID, "error", err)
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	wsConn := NewConnection(conn)
	_ = wsConn.SetCredentials(identity.UserID, string(identity.Role))
	h.metrics.ConnectionOpened()
	h.logger.Debug("connection opened", "user_id", identity.UserID, "role", identity.Role)

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump until the socket fails, then releases
// the connection's room membership
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if h.registry.Leave(conn) {
			h.sink.UserOffline(conn.GetUserID())
		}
		_ = conn.Close()
		h.metrics.ConnectionClosed()
		h.logger.Debug("connection closed", "user_id", conn.GetUserID())
	}()

	conn.conn.SetReadLimit(maxFrameSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", "user_id", conn.GetUserID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn, data)
	}
}

// handleFrame dispatches one inbound frame
// TECHNICAL DISCOVERY: gjson peeks the event name without decoding the payload
// so unknown events cost nothing
func (h *Handler) handleFrame(conn *Connection, data []byte) {
	if !gjson.ValidBytes(data) {
		h.reject(conn, types.CodeBadRequest, "malformed frame")
		return
	}
	event := gjson.GetBytes(data, "event").String()
	payload := gjson.GetBytes(data, "data")

	switch event {
	case types.EventJoin, types.EventJoinRoom:
		room := payload.String()
		first, err := h.registry.Join(conn, room)
		if err != nil {
			if errors.Is(err, ErrForeignRoom) {
				h.reject(conn, types.CodeForbidden, err.Error())
				return
			}
			h.reject(conn, types.CodeBadRequest, err.Error())
			return
		}
		h.sink.UserOnline(conn, first)

	case types.EventSendMessage:
		var req types.RelayRequest
		if err := json.Unmarshal([]byte(payload.Raw), &req); err != nil {
			h.reject(conn, types.CodeBadRequest, "malformed send-message payload")
			return
		}
		if err := h.sink.Relay(conn.GetUserID(), &req); err != nil {
			h.reject(conn, types.CodeUnavailable, err.Error())
		}

	default:
		h.reject(conn, types.CodeUnknownEvent, "unknown event "+event)
	}
}

func (h *Handler) reject(conn *Connection, code, message string) {
	if err := conn.WriteJSON(types.NewErrorFrame(code, message)); err != nil {
		h.logger.Debug("failed to send error frame", "user_id", conn.GetUserID(), "error", err)
	}
}
