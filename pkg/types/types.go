package types

import (
	"time"
)

// Role identifies which side of a conversation a user sits on
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
)

// Push protocol event names
// ARCHITECTURAL DISCOVERY: Names match the wire protocol exactly; the comment
// events share the socket but are decoded only as opaque payloads
const (
	EventJoin         = "join"
	EventJoinRoom     = "join-room"
	EventSendMessage  = "send-message"
	EventNewMessage   = "new-message"
	EventUserStatus   = "user-status"
	EventAdminReplied = "admin-replied"
	EventNewComment   = "new-comment"
	EventError        = "error"
)

// Conversation is a two-party thread between one student and one instructor.
// Members is always ordered [studentID, instructorID].
type Conversation struct {
	ID        string    `json:"_id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether userID participates in the conversation
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Other returns the member that is not self, or "" when self is not a member
func (c *Conversation) Other(self string) string {
	if !c.HasMember(self) {
		return ""
	}
	for _, m := range c.Members {
		if m != self {
			return m
		}
	}
	return ""
}

// Message is immutable once the server assigns ID and CreatedAt
type Message struct {
	ID        string    `json:"_id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Presence is a user's live status. LastSeen is nil until the user has been
// seen going offline.
type Presence struct {
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

// UserSummary is the directory entry returned by the users endpoints
type UserSummary struct {
	ID       string     `json:"_id"`
	UserName string     `json:"userName"`
	Role     Role       `json:"role"`
	Avatar   string     `json:"avatar,omitempty"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

// CreateChatRequest is the body of POST /api/chat.
// UserID is always the student and InstructorID the instructor.
type CreateChatRequest struct {
	UserID       string `json:"userId" validate:"required,userid"`
	InstructorID string `json:"instructorId" validate:"required,userid,nefield=UserID"`
}

// SendMessageRequest is the body of POST /api/message
type SendMessageRequest struct {
	ChatID   string `json:"chatId" validate:"required"`
	SenderID string `json:"senderId" validate:"required,userid"`
	Text     string `json:"text" validate:"required,notblank,max=4000"`
}

// RelayRequest is the payload of an outbound send-message frame
type RelayRequest struct {
	ReceiverID string  `json:"receiverId"`
	Message    Message `json:"message"`
}

// StatusUpdate is the payload of a user-status frame
type StatusUpdate struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

// ErrorPayload is the payload of an error frame
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
