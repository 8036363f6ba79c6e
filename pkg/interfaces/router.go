package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// MessageRouter relays live messages between user rooms
// ARCHITECTURAL DISCOVERY: Routing logic abstracted from message delivery
// enables different routing strategies and simplifies testing with mocks
type MessageRouter interface {
	// Relay delivers a persisted message to the receiver's room. The sender's
	// own room is never targeted.
	Relay(ctx context.Context, senderID string, req *types.RelayRequest) error

	// ValidateRelay checks the payload and the sender's right to relay it
	ValidateRelay(ctx context.Context, senderID string, req *types.RelayRequest) error
}

// ConversationManager owns chat lookup-or-create and message persistence
type ConversationManager interface {
	// FindOrCreate returns the single chat for the student/instructor pair
	FindOrCreate(ctx context.Context, studentID, instructorID string) (*types.Conversation, error)

	GetConversation(ctx context.Context, chatID string) (*types.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]*types.Conversation, error)

	// ValidateMembership returns ErrNotMember when userID is not in the chat
	ValidateMembership(ctx context.Context, chatID, userID string) error

	// PostMessage persists a message and returns it with server id and timestamp
	PostMessage(ctx context.Context, chatID, senderID, text string) (*types.Message, error)

	History(ctx context.Context, chatID string) ([]*types.Message, error)
}
