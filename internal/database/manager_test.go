package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coursechat/pkg/database"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var _ interfaces.DatabaseManager = (*Manager)(nil)

// Test database setup helpers
func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	if _, err := manager.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return manager
}

func seedUsers(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	users := []*types.UserSummary{
		{ID: "u1", UserName: "Ada", Role: types.RoleStudent},
		{ID: "u2", UserName: "Bob", Role: types.RoleStudent},
		{ID: "i1", UserName: "Grace", Role: types.RoleInstructor},
	}
	for _, u := range users {
		if err := m.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser(%s) failed: %v", u.ID, err)
		}
	}
}

func TestManager_InvalidConfig(t *testing.T) {
	if _, err := NewManager(&database.Config{}, nil); err == nil {
		t.Error("NewManager should reject an empty config")
	}
}

func TestManager_MigrateIsIdempotent(t *testing.T) {
	manager := setupTestDB(t)

	applied, err := manager.Migrate()
	if err != nil {
		t.Fatalf("Second Migrate failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("Expected no pending migrations, got %v", applied)
	}
}

func TestManager_UpsertAndGetUser(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	seedUsers(t, manager)

	user, err := manager.GetUser(ctx, "i1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.UserName != "Grace" || user.Role != types.RoleInstructor {
		t.Errorf("Unexpected user %+v", user)
	}
	if user.LastSeen != nil {
		t.Errorf("New user should have no last seen, got %v", user.LastSeen)
	}

	// Empty name keeps the stored value
	if err := manager.UpsertUser(ctx, &types.UserSummary{ID: "i1", Role: types.RoleInstructor, Avatar: "g.png"}); err != nil {
		t.Fatalf("UpsertUser refresh failed: %v", err)
	}
	user, _ = manager.GetUser(ctx, "i1")
	if user.UserName != "Grace" || user.Avatar != "g.png" {
		t.Errorf("Refresh should keep the name and set the avatar, got %+v", user)
	}

	if _, err := manager.GetUser(ctx, "nobody"); !errors.Is(err, interfaces.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestManager_UpsertUserValidation(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.UpsertUser(ctx, &types.UserSummary{ID: "bad id", Role: types.RoleStudent}); !errors.Is(err, types.ErrInvalidUserID) {
		t.Errorf("Expected ErrInvalidUserID, got %v", err)
	}
	if err := manager.UpsertUser(ctx, &types.UserSummary{ID: "u1", Role: "admin"}); !errors.Is(err, types.ErrInvalidRole) {
		t.Errorf("Expected ErrInvalidRole, got %v", err)
	}
}

func TestManager_ListUsersByRole(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	seedUsers(t, manager)

	students, err := manager.ListUsersByRole(ctx, types.RoleStudent)
	if err != nil {
		t.Fatalf("ListUsersByRole failed: %v", err)
	}
	if len(students) != 2 || students[0].ID != "u1" || students[1].ID != "u2" {
		t.Errorf("Expected [u1 u2] ordered by name, got %d users", len(students))
	}

	instructors, err := manager.ListUsersByRole(ctx, types.RoleInstructor)
	if err != nil {
		t.Fatalf("ListUsersByRole failed: %v", err)
	}
	if len(instructors) != 1 || instructors[0].ID != "i1" {
		t.Errorf("Expected [i1], got %+v", instructors)
	}
}

func TestManager_UpdateLastSeen(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	seedUsers(t, manager)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := manager.UpdateLastSeen(ctx, "u1", at); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}

	user, err := manager.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.LastSeen == nil || !user.LastSeen.Equal(at) {
		t.Errorf("Expected last seen %v, got %v", at, user.LastSeen)
	}

	if err := manager.UpdateLastSeen(ctx, "ghost", at); !errors.Is(err, interfaces.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound for unknown user, got %v", err)
	}
}

func TestManager_FindOrCreateChat(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	first, err := manager.FindOrCreateChat(ctx, "u1", "i1")
	if err != nil {
		t.Fatalf("FindOrCreateChat failed: %v", err)
	}
	if first.ID == "" {
		t.Fatal("Chat should have an ID")
	}
	if len(first.Members) != 2 || first.Members[0] != "u1" || first.Members[1] != "i1" {
		t.Errorf("Members should be [student instructor], got %v", first.Members)
	}

	second, err := manager.FindOrCreateChat(ctx, "u1", "i1")
	if err != nil {
		t.Fatalf("Second FindOrCreateChat failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected same chat %s, got %s", first.ID, second.ID)
	}

	got, err := manager.GetChat(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("GetChat returned %s", got.ID)
	}

	if _, err := manager.GetChat(ctx, "missing"); !errors.Is(err, interfaces.ErrChatNotFound) {
		t.Errorf("Expected ErrChatNotFound, got %v", err)
	}
}

func TestManager_FindOrCreateChatConcurrent(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	const callers = 10
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := manager.FindOrCreateChat(ctx, "u1", "i1")
			if err != nil {
				t.Errorf("FindOrCreateChat failed: %v", err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("Concurrent callers got different chats: %v", ids)
		}
	}
}

func TestManager_FindOrCreateChatValidation(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if _, err := manager.FindOrCreateChat(ctx, "u1", "u1"); !errors.Is(err, types.ErrSelfReferential) {
		t.Errorf("Expected ErrSelfReferential, got %v", err)
	}
	if _, err := manager.FindOrCreateChat(ctx, "", "i1"); !errors.Is(err, types.ErrInvalidUserID) {
		t.Errorf("Expected ErrInvalidUserID, got %v", err)
	}
}

func TestManager_ListChatsForUser(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	a, _ := manager.FindOrCreateChat(ctx, "u1", "i1")
	b, _ := manager.FindOrCreateChat(ctx, "u1", "i2")
	_, _ = manager.FindOrCreateChat(ctx, "u2", "i2")

	chats, err := manager.ListChatsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListChatsForUser failed: %v", err)
	}
	if len(chats) != 2 || chats[0].ID != a.ID || chats[1].ID != b.ID {
		t.Errorf("Expected u1's two chats oldest first, got %d", len(chats))
	}

	chats, err = manager.ListChatsForUser(ctx, "i2")
	if err != nil {
		t.Fatalf("ListChatsForUser failed: %v", err)
	}
	if len(chats) != 2 {
		t.Errorf("Instructor i2 should see 2 chats, got %d", len(chats))
	}

	chats, err = manager.ListChatsForUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListChatsForUser failed: %v", err)
	}
	if chats == nil || len(chats) != 0 {
		t.Errorf("Expected empty non-nil list, got %v", chats)
	}
}

func TestManager_StoreAndGetHistory(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	conv, err := manager.FindOrCreateChat(ctx, "u1", "i1")
	if err != nil {
		t.Fatalf("FindOrCreateChat failed: %v", err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// m3 shares m2's timestamp and must follow it
	msgs := []*types.Message{
		{ID: "m2", ChatID: conv.ID, SenderID: "i1", Text: "second", CreatedAt: base.Add(time.Second)},
		{ID: "m1", ChatID: conv.ID, SenderID: "u1", Text: "first", CreatedAt: base},
		{ID: "m3", ChatID: conv.ID, SenderID: "u1", Text: "third", CreatedAt: base.Add(time.Second)},
	}
	for _, msg := range msgs {
		if err := manager.StoreMessage(ctx, msg); err != nil {
			t.Fatalf("StoreMessage(%s) failed: %v", msg.ID, err)
		}
	}

	history, err := manager.GetChatHistory(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetChatHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(history))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if history[i].ID != want {
			t.Errorf("history[%d] = %s, want %s", i, history[i].ID, want)
		}
	}
	if !history[0].CreatedAt.Equal(base) {
		t.Errorf("Timestamp not preserved: %v", history[0].CreatedAt)
	}
}

func TestManager_StoreMessageUnknownChat(t *testing.T) {
	manager := setupTestDB(t)

	err := manager.StoreMessage(context.Background(), &types.Message{
		ID: "m1", ChatID: "missing", SenderID: "u1", Text: "hi", CreatedAt: time.Now(),
	})
	if !errors.Is(err, interfaces.ErrChatNotFound) {
		t.Errorf("Expected ErrChatNotFound, got %v", err)
	}
}

func TestManager_ConcurrentWrites(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	conv, err := manager.FindOrCreateChat(ctx, "u1", "i1")
	if err != nil {
		t.Fatalf("FindOrCreateChat failed: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := manager.StoreMessage(ctx, &types.Message{
				ID: fmt.Sprintf("m%02d", i), ChatID: conv.ID, SenderID: "u1", Text: "hi", CreatedAt: time.Now(),
			})
			if err != nil {
				t.Errorf("StoreMessage failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	history, err := manager.GetChatHistory(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetChatHistory failed: %v", err)
	}
	if len(history) != writers {
		t.Errorf("Expected %d messages, got %d", writers, len(history))
	}
}

func TestManager_HealthCheck(t *testing.T) {
	manager := setupTestDB(t)
	if err := manager.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestManager_Close(t *testing.T) {
	manager := setupTestDB(t)

	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	err := manager.UpdateLastSeen(context.Background(), "u1", time.Now())
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}
