package conversations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Manager implements the ConversationManager interface
// ARCHITECTURAL DISCOVERY: Chats never change after creation so a read-through
// cache in front of the database is always coherent
type Manager struct {
	dbManager interfaces.DatabaseManager
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	chats map[string]*types.Conversation // chatID -> Conversation
	pairs map[string]string              // student|instructor -> chatID
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the timestamp source for new messages
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new conversation manager
func NewManager(dbManager interfaces.DatabaseManager, opts ...Option) *Manager {
	m := &Manager{
		dbManager: dbManager,
		logger:    slog.Default(),
		now:       time.Now,
		chats:     make(map[string]*types.Conversation),
		pairs:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "conversations")
	return m
}

// FindOrCreate returns the single chat for the student/instructor pair
func (m *Manager) FindOrCreate(ctx context.Context, studentID, instructorID string) (*types.Conversation, error) {
	if !types.IsValidUserID(studentID) {
		return nil, ErrInvalidStudentID
	}
	if !types.IsValidUserID(instructorID) {
		return nil, ErrInvalidInstructorID
	}
	if studentID == instructorID {
		return nil, types.ErrSelfReferential
	}

	key := pairKey(studentID, instructorID)
	m.mu.RLock()
	if id, ok := m.pairs[key]; ok {
		conv := m.chats[id]
		m.mu.RUnlock()
		return conv, nil
	}
	m.mu.RUnlock()

	// FUNCTIONAL DISCOVERY: A user already in the directory must hold the role
	// for the side they are placed on
	if err := m.checkRole(ctx, studentID, types.RoleStudent); err != nil {
		return nil, err
	}
	if err := m.checkRole(ctx, instructorID, types.RoleInstructor); err != nil {
		return nil, err
	}

	conv, err := m.dbManager.FindOrCreateChat(ctx, studentID, instructorID)
	if err != nil {
		return nil, fmt.Errorf("failed to find or create chat: %w", err)
	}
	m.cache(conv)

	m.logger.Debug("chat resolved", "chat_id", conv.ID, "student_id", studentID, "instructor_id", instructorID)
	return conv, nil
}

func (m *Manager) checkRole(ctx context.Context, userID string, want types.Role) error {
	user, err := m.dbManager.GetUser(ctx, userID)
	if errors.Is(err, interfaces.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up user %s: %w", userID, err)
	}
	if user.Role != want {
		return fmt.Errorf("%w: %s is %s", ErrWrongRole, userID, user.Role)
	}
	return nil
}

// GetConversation retrieves a chat by ID, checking the cache first
func (m *Manager) GetConversation(ctx context.Context, chatID string) (*types.Conversation, error) {
	if chatID == "" {
		return nil, types.ErrInvalidChatID
	}

	m.mu.RLock()
	if conv, ok := m.chats[chatID]; ok {
		m.mu.RUnlock()
		return conv, nil
	}
	m.mu.RUnlock()

	conv, err := m.dbManager.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	m.cache(conv)
	return conv, nil
}

// ListForUser returns every chat the user belongs to
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*types.Conversation, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}
	chats, err := m.dbManager.ListChatsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	for _, conv := range chats {
		m.cache(conv)
	}
	return chats, nil
}

// ValidateMembership returns ErrNotMember when userID is not in the chat
func (m *Manager) ValidateMembership(ctx context.Context, chatID, userID string) error {
	conv, err := m.GetConversation(ctx, chatID)
	if err != nil {
		return err
	}
	if !conv.HasMember(userID) {
		return interfaces.ErrNotMember
	}
	return nil
}

// PostMessage persists a message and returns it with server id and timestamp
func (m *Manager) PostMessage(ctx context.Context, chatID, senderID, text string) (*types.Message, error) {
	msg := &types.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: m.now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := m.ValidateMembership(ctx, chatID, senderID); err != nil {
		return nil, err
	}

	if err := m.dbManager.StoreMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	m.logger.Debug("message stored", "chat_id", chatID, "message_id", msg.ID, "sender_id", senderID)
	return msg, nil
}

// History returns the chat's messages oldest first
func (m *Manager) History(ctx context.Context, chatID string) ([]*types.Message, error) {
	if _, err := m.GetConversation(ctx, chatID); err != nil {
		return nil, err
	}
	return m.dbManager.GetChatHistory(ctx, chatID)
}

// GetStats returns conversation manager statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"cached_chats": len(m.chats),
	}
}

func (m *Manager) cache(conv *types.Conversation) {
	if conv == nil || len(conv.Members) != 2 {
		return
	}
	m.mu.Lock()
	m.chats[conv.ID] = conv
	m.pairs[pairKey(conv.Members[0], conv.Members[1])] = conv.ID
	m.mu.Unlock()
}

func pairKey(studentID, instructorID string) string {
	return studentID + "|" + instructorID
}
