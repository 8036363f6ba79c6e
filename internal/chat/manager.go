// Package chat binds the presence tracker and the conversation store to the
// push transport and the REST API. One Manager serves either role; the role
// only decides which request field holds the caller.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"coursechat/internal/auth"
	"coursechat/internal/conversation"
	"coursechat/internal/presence"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var (
	ErrClosed         = errors.New("chat manager closed")
	ErrNoConversation = errors.New("no active conversation")
)

// Config wires a Manager to its collaborators.
type Config struct {
	Session   *auth.Session
	API       interfaces.ChatAPI
	Transport interfaces.Transport
	Tracker   *presence.Tracker
	Logger    *slog.Logger

	// QueueSize bounds the sends waiting per conversation. Defaults to 64.
	QueueSize int
}

// Manager is the façade UI code talks to. It is safe for concurrent use.
type Manager struct {
	session   *auth.Session
	api       interfaces.ChatAPI
	transport interfaces.Transport
	tracker   *presence.Tracker
	store     *conversation.Store
	logger    *slog.Logger
	queueSize int

	mu      sync.Mutex
	state   State
	lastErr error
	gen     uint64
	queues  map[string]*sendQueue
	subs    []interfaces.SubscriptionID
	started bool

	watchMu   sync.RWMutex
	watchers  map[int]func(Update)
	nextWatch int

	stopPresence func()
	closed       chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// NewManager validates cfg and returns an Idle manager. Call Start to join
// the caller's room and begin receiving pushes.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Session == nil {
		return nil, errors.New("chat: session is required")
	}
	if cfg.API == nil || cfg.Transport == nil {
		return nil, errors.New("chat: api and transport are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = presence.NewTracker(presence.WithLogger(cfg.Logger))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	logger := cfg.Logger.With("component", "chat", "user_id", cfg.Session.UserID, "role", string(cfg.Session.Role))
	m := &Manager{
		session:   cfg.Session,
		api:       cfg.API,
		transport: cfg.Transport,
		tracker:   cfg.Tracker,
		logger:    logger,
		queueSize: cfg.QueueSize,
		state:     Idle,
		queues:    make(map[string]*sendQueue),
		watchers:  make(map[int]func(Update)),
		closed:    make(chan struct{}),
	}
	m.store = conversation.NewStore(m.fetchHistory, logger)
	m.stopPresence = m.tracker.Watch(func(userID string, p types.Presence) {
		m.notify(Update{Kind: PresenceChanged, UserID: userID, Presence: p})
	})
	return m, nil
}

// Start subscribes to inbound pushes and joins the caller's room.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.subs = append(m.subs,
		m.transport.Subscribe(types.EventNewMessage, m.handleEvent),
		m.transport.Subscribe(types.EventUserStatus, m.handleEvent),
		m.transport.Subscribe(types.EventError, m.handleEvent),
	)
	m.mu.Unlock()

	if err := m.transport.Connect(ctx, m.session.UserID); err != nil {
		return fmt.Errorf("join room %s: %w", m.session.UserID, err)
	}
	return nil
}

func (m *Manager) handleEvent(ev types.Event) {
	switch e := ev.(type) {
	case types.NewMessageEvent:
		msg := e.Message
		if m.store.AppendMessage(&msg) {
			m.notify(Update{Kind: MessageReceived, Message: &msg})
		}
	case types.UserStatusEvent:
		m.tracker.OnStatusEvent(e.Status)
	case types.ErrorEvent:
		m.logger.Warn("server rejected frame", "code", e.Error.Code, "message", e.Error.Message)
	case types.CommentEvent:
	}
}

// CreateOrGetChat asks the server for the single conversation between the
// caller and otherID and makes it active. A response that arrives after a
// newer CreateOrGetChat or Reset is discarded with ErrStaleResult.
func (m *Manager) CreateOrGetChat(ctx context.Context, otherID string) (*types.Conversation, error) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.state = Initializing
	m.lastErr = nil
	m.store.SetActive(nil)
	m.mu.Unlock()
	m.notify(Update{Kind: StateChanged, State: Initializing})

	conv, err := m.requestChat(ctx, otherID)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.logger.Debug("discarding superseded chat", "other_id", otherID)
		return nil, fmt.Errorf("%w: %w", types.ErrChatInit, types.ErrStaleResult)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", types.ErrChatInit, err)
		m.state = Error
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Error("failed to create or get chat", "other_id", otherID, "error", err)
		m.notify(Update{Kind: StateChanged, State: Error})
		return nil, err
	}
	m.store.SetActive(conv)
	m.state = Ready
	m.mu.Unlock()

	m.logger.Info("chat ready", "chat_id", conv.ID, "other_id", otherID)
	m.notify(Update{Kind: StateChanged, State: Ready})
	return conv, nil
}

func (m *Manager) requestChat(ctx context.Context, otherID string) (*types.Conversation, error) {
	if !types.IsValidUserID(otherID) {
		return nil, types.ErrInvalidUserID
	}
	if otherID == m.session.UserID {
		return nil, types.ErrSelfReferential
	}

	conv, err := m.api.CreateOrGetChat(ctx, pairFor(m.session.Role, m.session.UserID, otherID))
	if err != nil {
		return nil, err
	}
	if conv == nil || !conv.HasMember(m.session.UserID) || !conv.HasMember(otherID) {
		return nil, fmt.Errorf("server returned a chat without both members")
	}
	return conv, nil
}

// FetchMessages reloads the history of the active conversation chatID.
func (m *Manager) FetchMessages(ctx context.Context, chatID string) error {
	msgs, err := m.store.LoadMessages(ctx, chatID)
	if err != nil {
		return err
	}
	m.logger.Debug("history loaded", "chat_id", chatID, "count", len(msgs))
	m.notify(Update{Kind: HistoryLoaded})
	return nil
}

// OpenChat runs the full setup for a partner: create-or-get, then history.
// A history failure during setup leaves the manager in Error.
func (m *Manager) OpenChat(ctx context.Context, otherID string) (*types.Conversation, error) {
	conv, err := m.CreateOrGetChat(ctx, otherID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	if err := m.FetchMessages(ctx, conv.ID); err != nil {
		if errors.Is(err, types.ErrStaleResult) {
			return nil, err
		}
		m.mu.Lock()
		if gen == m.gen {
			m.state = Error
			m.lastErr = err
		}
		m.mu.Unlock()
		m.notify(Update{Kind: StateChanged, State: m.State()})
		return conv, err
	}
	return conv, nil
}

// SendMessage sends text to the active conversation. Blank text, or no
// active conversation, is a no-op returning (nil, nil). On failure the
// returned outbound is Failed and the error wraps ErrSend; call RetrySend to
// try again.
func (m *Manager) SendMessage(ctx context.Context, text string) (*conversation.Outbound, error) {
	if types.IsBlank(text) {
		return nil, nil
	}

	m.mu.Lock()
	ready := m.state == Ready
	m.mu.Unlock()

	conv := m.store.Active()
	if !ready || conv == nil {
		return nil, nil
	}
	if err := m.isOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSend, err)
	}

	ob := m.store.BeginSend(conv.ID, text)
	return m.submit(ctx, conv, ob)
}

// RetrySend resubmits a Failed outbound through its conversation's queue.
func (m *Manager) RetrySend(ctx context.Context, localID string) (*conversation.Outbound, error) {
	if err := m.isOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSend, err)
	}

	ob, err := m.store.Retry(localID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSend, err)
	}
	conv, ok := m.store.Conversation(ob.ChatID)
	if !ok {
		return m.fail(localID, ErrNoConversation)
	}
	return m.submit(ctx, conv, ob)
}

// DiscardFailed drops a Failed outbound.
func (m *Manager) DiscardFailed(localID string) error {
	return m.store.Discard(localID)
}

// GetUserStatus returns the presence of userID.
func (m *Manager) GetUserStatus(userID string) types.Presence {
	return m.tracker.GetStatus(userID)
}

// ListConversations refreshes and returns the caller's conversations.
func (m *Manager) ListConversations(ctx context.Context) ([]*types.Conversation, error) {
	convs, err := m.api.ListChats(ctx, m.session.UserID)
	if err != nil {
		m.logger.Error("failed to list chats", "error", err)
		return nil, fmt.Errorf("%w: %w", types.ErrFetch, err)
	}
	m.store.SetConversations(convs)
	return m.store.Conversations(), nil
}

// ListContacts returns the directory of users on the other side: instructors
// for a student, students for an instructor.
func (m *Manager) ListContacts(ctx context.Context) ([]*types.UserSummary, error) {
	users, err := m.api.ListUsers(ctx, m.session.Role.Counterpart())
	if err != nil {
		m.logger.Error("failed to list contacts", "error", err)
		return nil, fmt.Errorf("%w: %w", types.ErrFetch, err)
	}
	return users, nil
}

// Reset deselects the partner. In-flight setup results are discarded.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.gen++
	m.state = Idle
	m.lastErr = nil
	m.store.SetActive(nil)
	m.mu.Unlock()
	m.notify(Update{Kind: StateChanged, State: Idle})
}

// State returns the current setup state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error that moved the manager into Error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ActiveConversation returns the active conversation or nil.
func (m *Manager) ActiveConversation() *types.Conversation {
	return m.store.Active()
}

// Messages returns the active conversation's messages in order.
func (m *Manager) Messages() []*types.Message {
	return m.store.Messages()
}

// Outbox returns the unconfirmed sends of the active conversation.
func (m *Manager) Outbox() []conversation.Outbound {
	id := m.store.ActiveID()
	if id == "" {
		return nil
	}
	return m.store.Outbox(id)
}

// Watch registers fn for every update and returns a function removing it.
// fn runs on the goroutine that caused the change and must not block.
func (m *Manager) Watch(fn func(Update)) (cancel func()) {
	m.watchMu.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = fn
	m.watchMu.Unlock()

	return func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
	}
}

// Close unsubscribes from the transport and stops the send queues. It does
// not close the transport, which the caller owns.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		subs := m.subs
		m.subs = nil
		m.mu.Unlock()

		for _, id := range subs {
			m.transport.Unsubscribe(id)
		}
		m.stopPresence()
		close(m.closed)
	})
	m.wg.Wait()
	return nil
}

func (m *Manager) isOpen() error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (m *Manager) fetchHistory(ctx context.Context, chatID string) ([]*types.Message, error) {
	return m.api.GetMessages(ctx, chatID)
}

func (m *Manager) notify(u Update) {
	m.watchMu.RLock()
	fns := make([]func(Update), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.watchMu.RUnlock()

	for _, fn := range fns {
		fn(u)
	}
}
