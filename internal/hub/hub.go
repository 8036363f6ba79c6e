package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"coursechat/internal/metrics"
	"coursechat/internal/router"
	"coursechat/internal/websocket"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

const lastSeenTimeout = 5 * time.Second

// LastSeenStore persists when a user went offline
type LastSeenStore interface {
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Hub coordinates message relays and presence transitions
// ARCHITECTURAL DISCOVERY: Central coordination point for all message flow
// maintains clean separation between WebSocket handling and message routing
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channels prevent blocking during message bursts
	relayChannel    chan *RelayContext
	presenceChannel chan presenceEvent // one channel keeps online/offline ordered
	shutdownChannel chan struct{}
	done            chan struct{}

	registry *websocket.Registry
	router   *router.Router
	lastSeen LastSeenStore
	metrics  *metrics.Metrics
	logger   *slog.Logger

	heartbeat time.Duration
	now       func() time.Time

	running bool
	started bool // a stopped hub cannot be restarted
	mu      sync.RWMutex
}

// RelayContext wraps a relay with its authenticated sender
type RelayContext struct {
	SenderID string
	Request  *types.RelayRequest
}

type presenceEvent struct {
	conn   *websocket.Connection // set for online events
	userID string
	online bool
	first  bool
}

// Option configures a Hub
type Option func(*Hub)

// WithLastSeenStore persists offline timestamps
func WithLastSeenStore(s LastSeenStore) Option {
	return func(h *Hub) { h.lastSeen = s }
}

// WithHeartbeat sets how often online users are re-announced. Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) { h.heartbeat = d }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithClock overrides the source of offline timestamps
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub creates a new hub
func NewHub(registry *websocket.Registry, r *router.Router, opts ...Option) *Hub {
	h := &Hub{
		relayChannel:    make(chan *RelayContext, 1000),
		presenceChannel: make(chan presenceEvent, 100),
		shutdownChannel: make(chan struct{}),
		done:            make(chan struct{}),
		registry:        registry,
		router:          r,
		logger:          slog.Default(),
		heartbeat:       30 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Start begins hub processing
// FUNCTIONAL DISCOVERY: Single hub goroutine prevents race conditions
// while maintaining high throughput message processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	if h.started {
		return ErrHubStopped
	}
	h.running = true
	h.started = true

	h.logger.Info("starting hub", "heartbeat", h.heartbeat)
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down and waits for the loop to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	h.mu.Unlock()

	<-h.done
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Relay queues a send-message frame for routing
// TECHNICAL DISCOVERY: Non-blocking send keeps a slow hub from stalling read pumps
func (h *Hub) Relay(senderID string, req *types.RelayRequest) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.relayChannel <- &RelayContext{SenderID: senderID, Request: req}:
		return nil
	default:
		return ErrRelayChannelFull
	}
}

// UserOnline queues a join. The joining connection always receives the current
// online set; everyone is told when first is true.
func (h *Hub) UserOnline(conn *websocket.Connection, first bool) {
	h.queuePresence(presenceEvent{conn: conn, userID: conn.GetUserID(), online: true, first: first})
}

// UserOffline queues the departure of a user's last connection
func (h *Hub) UserOffline(userID string) {
	h.queuePresence(presenceEvent{userID: userID})
}

func (h *Hub) queuePresence(ev presenceEvent) {
	if !h.isRunning() {
		return
	}
	select {
	case h.presenceChannel <- ev:
	case <-h.shutdownChannel:
	}
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.logger.Info("hub stopped")

	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case rc := <-h.relayChannel:
			h.handleRelay(ctx, rc)

		case ev := <-h.presenceChannel:
			if ev.online {
				h.handleOnline(ev)
			} else {
				h.handleOffline(ctx, ev.userID)
			}

		case <-tick:
			h.announceOnline()
			h.router.Cleanup()

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdownChannel)
			}
			h.mu.Unlock()
			return
		}
	}
}

// handleRelay routes one message and reports failures to the sender's room
func (h *Hub) handleRelay(ctx context.Context, rc *RelayContext) {
	err := h.router.Relay(ctx, rc.SenderID, rc.Request)
	if err == nil {
		return
	}
	h.logger.Warn("relay rejected", "sender_id", rc.SenderID, "error", err)

	frame := types.NewErrorFrame(relayErrorCode(err), err.Error())
	for _, conn := range h.registry.RoomConnections(rc.SenderID) {
		if werr := conn.WriteJSON(frame); werr != nil {
			h.logger.Debug("failed to send error frame", "sender_id", rc.SenderID, "error", werr)
		}
	}
}

func relayErrorCode(err error) string {
	switch {
	case errors.Is(err, router.ErrRateLimitExceeded):
		return types.CodeRateLimited
	case errors.Is(err, interfaces.ErrChatNotFound):
		return types.CodeChatNotFound
	case errors.Is(err, interfaces.ErrNotMember), errors.Is(err, router.ErrReceiverNotMember), errors.Is(err, router.ErrSenderMismatch):
		return types.CodeForbidden
	default:
		return types.CodeBadRequest
	}
}

// handleOnline sends the joiner a snapshot of who is online and, on a
// user's first connection, announces them to everyone
func (h *Hub) handleOnline(ev presenceEvent) {
	for _, userID := range h.registry.OnlineUsers() {
		if userID == ev.userID {
			continue
		}
		h.send(ev.conn, types.StatusUpdate{UserID: userID, IsOnline: true})
	}

	if !ev.first {
		return
	}
	h.metrics.PresenceChanged(true, len(h.registry.OnlineUsers()))
	h.logger.Info("user online", "user_id", ev.userID)
	h.broadcast(types.StatusUpdate{UserID: ev.userID, IsOnline: true})
}

// handleOffline records and announces a departure unless the user has
// reconnected since the event was queued
func (h *Hub) handleOffline(ctx context.Context, userID string) {
	if h.registry.IsOnline(userID) {
		return
	}
	at := h.now().UTC()

	if h.lastSeen != nil {
		wctx, cancel := context.WithTimeout(ctx, lastSeenTimeout)
		err := h.lastSeen.UpdateLastSeen(wctx, userID, at)
		cancel()
		if err != nil && !errors.Is(err, interfaces.ErrUserNotFound) {
			h.logger.Warn("failed to persist last seen", "user_id", userID, "error", err)
		}
	}

	h.metrics.PresenceChanged(false, len(h.registry.OnlineUsers()))
	h.logger.Info("user offline", "user_id", userID)
	h.broadcast(types.StatusUpdate{UserID: userID, IsOnline: false, LastSeen: &at})
}

// announceOnline re-broadcasts every online user so clients can refresh
// presence records that would otherwise go stale
func (h *Hub) announceOnline() {
	for _, userID := range h.registry.OnlineUsers() {
		h.broadcast(types.StatusUpdate{UserID: userID, IsOnline: true})
	}
}

func (h *Hub) broadcast(status types.StatusUpdate) {
	frame, err := types.NewFrame(types.EventUserStatus, status)
	if err != nil {
		return
	}
	for _, conn := range h.registry.AllConnections() {
		if err := conn.WriteJSON(frame); err != nil {
			h.logger.Debug("failed to deliver status", "user_id", conn.GetUserID(), "error", err)
		}
	}
}

func (h *Hub) send(conn *websocket.Connection, status types.StatusUpdate) {
	frame, err := types.NewFrame(types.EventUserStatus, status)
	if err != nil {
		return
	}
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Debug("failed to deliver status", "user_id", conn.GetUserID(), "error", err)
	}
}
