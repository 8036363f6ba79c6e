package types

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope for every push protocol message in both directions
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame for the named event
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Event is an inbound push. The set of implementations is closed so a type
// switch over Event covers every kind the server can deliver.
type Event interface {
	EventName() string
	isEvent()
}

// NewMessageEvent carries a persisted message relayed to its recipient
type NewMessageEvent struct {
	Message Message
}

// UserStatusEvent carries a presence change
type UserStatusEvent struct {
	Status StatusUpdate
}

// CommentEvent belongs to the comment subsystem and is passed through undecoded
type CommentEvent struct {
	Name    string
	Payload json.RawMessage
}

// ErrorEvent is a server-side rejection of a previously emitted frame
type ErrorEvent struct {
	Error ErrorPayload
}

func (NewMessageEvent) EventName() string { return EventNewMessage }
func (UserStatusEvent) EventName() string { return EventUserStatus }
func (e CommentEvent) EventName() string  { return e.Name }
func (ErrorEvent) EventName() string      { return EventError }
func (NewMessageEvent) isEvent()          {}
func (UserStatusEvent) isEvent()          {}
func (CommentEvent) isEvent()             {}
func (ErrorEvent) isEvent()               {}

// DecodeEvent turns an inbound frame payload into its typed event
func DecodeEvent(name string, data []byte) (Event, error) {
	switch name {
	case EventNewMessage:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedFrame, name, err)
		}
		return NewMessageEvent{Message: m}, nil
	case EventUserStatus:
		var s StatusUpdate
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedFrame, name, err)
		}
		return UserStatusEvent{Status: s}, nil
	case EventAdminReplied, EventNewComment:
		return CommentEvent{Name: name, Payload: append(json.RawMessage(nil), data...)}, nil
	case EventError:
		var p ErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedFrame, name, err)
		}
		return ErrorEvent{Error: p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

// IsInboundEvent reports whether name is an event the server pushes to clients
func IsInboundEvent(name string) bool {
	switch name {
	case EventNewMessage, EventUserStatus, EventAdminReplied, EventNewComment, EventError:
		return true
	default:
		return false
	}
}
