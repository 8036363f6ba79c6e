package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// SubscriptionID identifies one registered handler so it can be removed later
type SubscriptionID uint64

// EventHandler receives inbound events. Handlers run on the transport's read
// goroutine and must not block.
type EventHandler func(types.Event)

// Transport is the client's single persistent push channel
type Transport interface {
	// Connect joins the room keyed by userID. Calling it again with the same
	// id does not create a second registration.
	Connect(ctx context.Context, userID string) error

	// Subscribe registers handler for the named inbound event. Multiple
	// handlers per event are permitted.
	Subscribe(event string, handler EventHandler) SubscriptionID

	// Unsubscribe removes a handler registered by Subscribe
	Unsubscribe(id SubscriptionID)

	// Emit queues an outbound frame. Delivery is not acknowledged.
	Emit(event string, payload any)

	// Close tears the connection down and stops reconnecting
	Close() error
}

// ChatAPI is the REST collaborator used for durable reads and writes
type ChatAPI interface {
	CreateOrGetChat(ctx context.Context, req types.CreateChatRequest) (*types.Conversation, error)
	ListChats(ctx context.Context, userID string) ([]*types.Conversation, error)
	GetMessages(ctx context.Context, chatID string) ([]*types.Message, error)
	SendMessage(ctx context.Context, req types.SendMessageRequest) (*types.Message, error)
	ListUsers(ctx context.Context, role types.Role) ([]*types.UserSummary, error)
	GetUser(ctx context.Context, userID string) (*types.UserSummary, error)
}
