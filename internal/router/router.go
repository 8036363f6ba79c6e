package router

import (
	"context"
	"fmt"
	"log/slog"

	"coursechat/internal/metrics"
	"coursechat/internal/websocket"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Router implements the MessageRouter interface
// ARCHITECTURAL DISCOVERY: Messages are persisted over REST before the
// sender relays them, so routing is pure delivery plus authorization
type Router struct {
	registry      *websocket.Registry
	conversations interfaces.ConversationManager
	rateLimiter   *RateLimiter
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// Option configures a Router
type Option func(*Router)

// WithRateLimiter replaces the default 100 per minute limiter
func WithRateLimiter(rl *RateLimiter) Option {
	return func(r *Router) { r.rateLimiter = rl }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a new message router
func NewRouter(registry *websocket.Registry, conversations interfaces.ConversationManager, opts ...Option) *Router {
	r := &Router{
		registry:      registry,
		conversations: conversations,
		rateLimiter:   NewRateLimiter(defaultRateLimit, defaultRateWindow),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Relay delivers a persisted message to every connection in the receiver's
// room. The sender's own room is never targeted; other tabs of the sender
// learn about the message from their own history fetch.
func (r *Router) Relay(ctx context.Context, senderID string, req *types.RelayRequest) error {
	if err := r.ValidateRelay(ctx, senderID, req); err != nil {
		r.metrics.RelayResult("rejected")
		return err
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per user after validation so
	// malformed frames do not consume the sender's budget
	if !r.rateLimiter.Allow(senderID) {
		r.metrics.RelayResult("rejected")
		return ErrRateLimitExceeded
	}

	frame, err := types.NewFrame(types.EventNewMessage, req.Message)
	if err != nil {
		return err
	}

	conns := r.registry.RoomConnections(req.ReceiverID)
	if len(conns) == 0 {
		r.metrics.RelayResult("offline")
		r.logger.Debug("receiver offline", "receiver_id", req.ReceiverID, "message_id", req.Message.ID)
		return nil
	}

	// FUNCTIONAL DISCOVERY: Continue delivery to other tabs even if one fails
	for _, conn := range conns {
		if err := conn.WriteJSON(frame); err != nil {
			r.logger.Warn("failed to deliver message", "receiver_id", req.ReceiverID, "error", err)
		}
	}
	r.metrics.RelayResult("delivered")
	return nil
}

// ValidateRelay checks the payload and the sender's right to relay it
func (r *Router) ValidateRelay(ctx context.Context, senderID string, req *types.RelayRequest) error {
	if req == nil {
		return ErrInvalidRelay
	}
	if !types.IsValidUserID(req.ReceiverID) {
		return fmt.Errorf("receiver: %w", types.ErrInvalidUserID)
	}
	if req.Message.ID == "" {
		return ErrMissingMessageID
	}
	if req.Message.SenderID != senderID {
		return ErrSenderMismatch
	}
	if err := req.Message.Validate(); err != nil {
		return err
	}

	conv, err := r.conversations.GetConversation(ctx, req.Message.ChatID)
	if err != nil {
		return err
	}
	if !conv.HasMember(senderID) {
		return interfaces.ErrNotMember
	}
	if conv.Other(senderID) != req.ReceiverID {
		return ErrReceiverNotMember
	}
	return nil
}

// Cleanup drops idle rate limiter state
func (r *Router) Cleanup() {
	r.rateLimiter.Cleanup()
}
