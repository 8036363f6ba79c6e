package interfaces

import (
	"context"
	"time"

	"coursechat/pkg/types"
)

// DatabaseManager handles all database operations
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling and connection management
type DatabaseManager interface {
	// UpsertUser inserts or refreshes a directory entry
	UpsertUser(ctx context.Context, user *types.UserSummary) error
	GetUser(ctx context.Context, userID string) (*types.UserSummary, error)
	ListUsersByRole(ctx context.Context, role types.Role) ([]*types.UserSummary, error)

	// UpdateLastSeen records when a user's last connection closed
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error

	// FindOrCreateChat returns the existing chat for the pair or creates one
	// FUNCTIONAL DISCOVERY: Uniqueness is enforced by the schema so concurrent
	// callers converge on a single row
	FindOrCreateChat(ctx context.Context, studentID, instructorID string) (*types.Conversation, error)
	GetChat(ctx context.Context, chatID string) (*types.Conversation, error)
	ListChatsForUser(ctx context.Context, userID string) ([]*types.Conversation, error)

	// StoreMessage persists a message to the database
	StoreMessage(ctx context.Context, message *types.Message) error

	// GetChatHistory returns messages ordered by creation time then insertion order
	GetChatHistory(ctx context.Context, chatID string) ([]*types.Message, error)

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
