package chat

import (
	"fmt"

	"coursechat/internal/conversation"
	"coursechat/pkg/types"
)

// State is the manager's position in the conversation setup lifecycle
type State int

const (
	// Idle means no conversation is selected
	Idle State = iota
	// Initializing means a create-or-get request is in flight
	Initializing
	// Ready means a conversation is active and send/receive are enabled
	Ready
	// Error means the last setup attempt failed; selecting a partner again retries
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// UpdateKind tells a watcher what changed
type UpdateKind int

const (
	StateChanged UpdateKind = iota
	HistoryLoaded
	MessageReceived
	OutboundChanged
	PresenceChanged
)

// Update is delivered to watchers after every observable change. Only the
// fields relevant to Kind are set.
type Update struct {
	Kind     UpdateKind
	State    State
	Message  *types.Message
	Outbound *conversation.Outbound
	UserID   string
	Presence types.Presence
}

// pairFor maps the caller and the other party onto the student/instructor
// request fields. Role is the only thing that differs between the two sides.
func pairFor(role types.Role, self, other string) types.CreateChatRequest {
	if role == types.RoleInstructor {
		return types.CreateChatRequest{UserID: other, InstructorID: self}
	}
	return types.CreateChatRequest{UserID: self, InstructorID: other}
}
