package conversations

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Mock DatabaseManager for testing
type mockDatabaseManager struct {
	mu       sync.Mutex
	users    map[string]*types.UserSummary
	chats    map[string]*types.Conversation
	messages map[string][]*types.Message
	getChats int

	failStore  bool
	failCreate bool
}

var _ interfaces.DatabaseManager = (*mockDatabaseManager)(nil)

func newMockDatabaseManager() *mockDatabaseManager {
	return &mockDatabaseManager{
		users:    make(map[string]*types.UserSummary),
		chats:    make(map[string]*types.Conversation),
		messages: make(map[string][]*types.Message),
	}
}

func (m *mockDatabaseManager) UpsertUser(ctx context.Context, user *types.UserSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *mockDatabaseManager) GetUser(ctx context.Context, userID string) (*types.UserSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, interfaces.ErrUserNotFound
}

func (m *mockDatabaseManager) ListUsersByRole(ctx context.Context, role types.Role) ([]*types.UserSummary, error) {
	return nil, nil
}

func (m *mockDatabaseManager) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	return nil
}

func (m *mockDatabaseManager) FindOrCreateChat(ctx context.Context, studentID, instructorID string) (*types.Conversation, error) {
	if m.failCreate {
		return nil, errors.New("database create failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chats {
		if c.Members[0] == studentID && c.Members[1] == instructorID {
			return c, nil
		}
	}
	c := &types.Conversation{ID: "chat-" + studentID + "-" + instructorID, Members: []string{studentID, instructorID}, CreatedAt: time.Now()}
	m.chats[c.ID] = c
	return c, nil
}

func (m *mockDatabaseManager) GetChat(ctx context.Context, chatID string) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getChats++
	if c, ok := m.chats[chatID]; ok {
		return c, nil
	}
	return nil, interfaces.ErrChatNotFound
}

func (m *mockDatabaseManager) ListChatsForUser(ctx context.Context, userID string) ([]*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Conversation
	for _, c := range m.chats {
		if c.HasMember(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockDatabaseManager) StoreMessage(ctx context.Context, message *types.Message) error {
	if m.failStore {
		return errors.New("database store failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[message.ChatID] = append(m.messages[message.ChatID], message)
	return nil
}

func (m *mockDatabaseManager) GetChatHistory(ctx context.Context, chatID string) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[chatID], nil
}

func (m *mockDatabaseManager) HealthCheck(ctx context.Context) error { return nil }
func (m *mockDatabaseManager) Close() error                          { return nil }

func TestManager_FindOrCreate(t *testing.T) {
	db := newMockDatabaseManager()
	m := NewManager(db)
	ctx := context.Background()

	first, err := m.FindOrCreate(ctx, "u1", "i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "i1"}, first.Members)

	second, err := m.FindOrCreate(ctx, "u1", "i1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, db.chats, 1)
}

func TestManager_FindOrCreateValidation(t *testing.T) {
	m := NewManager(newMockDatabaseManager())
	ctx := context.Background()

	_, err := m.FindOrCreate(ctx, "bad id", "i1")
	assert.ErrorIs(t, err, ErrInvalidStudentID)

	_, err = m.FindOrCreate(ctx, "u1", "")
	assert.ErrorIs(t, err, ErrInvalidInstructorID)

	_, err = m.FindOrCreate(ctx, "u1", "u1")
	assert.ErrorIs(t, err, types.ErrSelfReferential)
}

func TestManager_FindOrCreateChecksKnownRoles(t *testing.T) {
	db := newMockDatabaseManager()
	db.users["u1"] = &types.UserSummary{ID: "u1", Role: types.RoleStudent}
	db.users["u2"] = &types.UserSummary{ID: "u2", Role: types.RoleStudent}
	m := NewManager(db)
	ctx := context.Background()

	_, err := m.FindOrCreate(ctx, "u1", "u2")
	assert.ErrorIs(t, err, ErrWrongRole)

	// unknown users are accepted
	_, err = m.FindOrCreate(ctx, "u1", "i9")
	assert.NoError(t, err)
}

func TestManager_FindOrCreateDatabaseError(t *testing.T) {
	db := newMockDatabaseManager()
	db.failCreate = true
	m := NewManager(db)

	_, err := m.FindOrCreate(context.Background(), "u1", "i1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to find or create chat")
}

func TestManager_GetConversationUsesCache(t *testing.T) {
	db := newMockDatabaseManager()
	m := NewManager(db)
	ctx := context.Background()

	conv, err := m.FindOrCreate(ctx, "u1", "i1")
	require.NoError(t, err)

	got, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, 0, db.getChats, "cached chat should not hit the database")

	_, err = m.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrChatNotFound)

	_, err = m.GetConversation(ctx, "")
	assert.ErrorIs(t, err, types.ErrInvalidChatID)
}

func TestManager_ValidateMembership(t *testing.T) {
	m := NewManager(newMockDatabaseManager())
	ctx := context.Background()
	conv, err := m.FindOrCreate(ctx, "u1", "i1")
	require.NoError(t, err)

	assert.NoError(t, m.ValidateMembership(ctx, conv.ID, "u1"))
	assert.NoError(t, m.ValidateMembership(ctx, conv.ID, "i1"))
	assert.ErrorIs(t, m.ValidateMembership(ctx, conv.ID, "u2"), interfaces.ErrNotMember)
	assert.ErrorIs(t, m.ValidateMembership(ctx, "missing", "u1"), interfaces.ErrChatNotFound)
}

func TestManager_PostMessage(t *testing.T) {
	db := newMockDatabaseManager()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	m := NewManager(db, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	conv, err := m.FindOrCreate(ctx, "u1", "i1")
	require.NoError(t, err)

	msg, err := m.PostMessage(ctx, conv.ID, "u1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, time.UTC, msg.CreatedAt.Location())
	assert.True(t, msg.CreatedAt.Equal(fixed))

	history, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestManager_PostMessageRejects(t *testing.T) {
	db := newMockDatabaseManager()
	m := NewManager(db)
	ctx := context.Background()
	conv, err := m.FindOrCreate(ctx, "u1", "i1")
	require.NoError(t, err)

	tests := []struct {
		name    string
		chatID  string
		sender  string
		text    string
		wantErr error
	}{
		{"blank text", conv.ID, "u1", "   ", types.ErrEmptyText},
		{"non member", conv.ID, "u2", "hi", interfaces.ErrNotMember},
		{"unknown chat", "missing", "u1", "hi", interfaces.ErrChatNotFound},
		{"bad sender", conv.ID, "bad id", "hi", types.ErrInvalidUserID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.PostMessage(ctx, tt.chatID, tt.sender, tt.text)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, db.messages[conv.ID])
}

func TestManager_PostMessageStoreFailure(t *testing.T) {
	db := newMockDatabaseManager()
	m := NewManager(db)
	ctx := context.Background()
	conv, err := m.FindOrCreate(ctx, "u1", "i1")
	require.NoError(t, err)

	db.failStore = true
	_, err = m.PostMessage(ctx, conv.ID, "u1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store message")
}

func TestManager_ListForUser(t *testing.T) {
	db := newMockDatabaseManager()
	m := NewManager(db)
	ctx := context.Background()
	_, _ = m.FindOrCreate(ctx, "u1", "i1")
	_, _ = m.FindOrCreate(ctx, "u1", "i2")
	_, _ = m.FindOrCreate(ctx, "u2", "i1")

	chats, err := m.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, chats, 2)

	chats, err = m.ListForUser(ctx, "i1")
	require.NoError(t, err)
	assert.Len(t, chats, 2)

	_, err = m.ListForUser(ctx, "")
	assert.ErrorIs(t, err, types.ErrInvalidUserID)

	assert.Equal(t, 3, m.GetStats()["cached_chats"])
}

func TestManager_ConcurrentFindOrCreate(t *testing.T) {
	m := NewManager(newMockDatabaseManager())
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, err := m.FindOrCreate(ctx, "u1", "i1")
			if assert.NoError(t, err) {
				ids <- conv.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}
