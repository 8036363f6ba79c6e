package conversation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursechat/pkg/types"
)

// OutboundState is the lifecycle of one locally initiated send
type OutboundState int

const (
	Pending OutboundState = iota
	Confirmed
	Failed
)

func (s OutboundState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("OutboundState(%d)", int(s))
	}
}

var (
	ErrOutboundNotFound = errors.New("outbound message not found")
	ErrNotFailed        = errors.New("outbound message is not in failed state")
)

// Outbound is a snapshot of one send. Message is set once Confirmed; Err once Failed.
type Outbound struct {
	LocalID   string
	ChatID    string
	Text      string
	State     OutboundState
	Message   *types.Message
	Err       error
	CreatedAt time.Time
	Attempts  int
}

// outbox tracks sends that have not been confirmed. Confirmed entries leave
// the outbox because their message is now part of the sequence.
type outbox struct {
	mu      sync.Mutex
	entries map[string]*Outbound
	order   []string
}

func newOutbox() *outbox {
	return &outbox{entries: make(map[string]*Outbound)}
}

// BeginSend records a new Pending send and returns its snapshot.
func (s *Store) BeginSend(chatID, text string) Outbound {
	ob := &Outbound{
		LocalID:   uuid.NewString(),
		ChatID:    chatID,
		Text:      text,
		State:     Pending,
		CreatedAt: time.Now(),
		Attempts:  1,
	}

	s.outbox.mu.Lock()
	s.outbox.entries[ob.LocalID] = ob
	s.outbox.order = append(s.outbox.order, ob.LocalID)
	s.outbox.mu.Unlock()

	return *ob
}

// Confirm marks the send Confirmed with the persisted message and removes it
// from the outbox.
func (s *Store) Confirm(localID string, msg *types.Message) (Outbound, error) {
	s.outbox.mu.Lock()
	defer s.outbox.mu.Unlock()

	ob, ok := s.outbox.entries[localID]
	if !ok {
		return Outbound{}, ErrOutboundNotFound
	}
	ob.State = Confirmed
	ob.Err = nil
	if msg != nil {
		ob.Message = cloneMessage(msg)
	}
	s.outbox.removeLocked(localID)
	return *ob, nil
}

// Fail marks the send Failed. It stays in the outbox until retried or discarded.
func (s *Store) Fail(localID string, cause error) (Outbound, error) {
	s.outbox.mu.Lock()
	defer s.outbox.mu.Unlock()

	ob, ok := s.outbox.entries[localID]
	if !ok {
		return Outbound{}, ErrOutboundNotFound
	}
	ob.State = Failed
	ob.Err = cause
	return *ob, nil
}

// Retry moves a Failed send back to Pending.
func (s *Store) Retry(localID string) (Outbound, error) {
	s.outbox.mu.Lock()
	defer s.outbox.mu.Unlock()

	ob, ok := s.outbox.entries[localID]
	if !ok {
		return Outbound{}, ErrOutboundNotFound
	}
	if ob.State != Failed {
		return Outbound{}, ErrNotFailed
	}
	ob.State = Pending
	ob.Err = nil
	ob.Attempts++
	return *ob, nil
}

// Discard drops a Failed send.
func (s *Store) Discard(localID string) error {
	s.outbox.mu.Lock()
	defer s.outbox.mu.Unlock()

	ob, ok := s.outbox.entries[localID]
	if !ok {
		return ErrOutboundNotFound
	}
	if ob.State != Failed {
		return ErrNotFailed
	}
	s.outbox.removeLocked(localID)
	return nil
}

// Outbox returns the unconfirmed sends for chatID in the order they were begun.
func (s *Store) Outbox(chatID string) []Outbound {
	s.outbox.mu.Lock()
	defer s.outbox.mu.Unlock()

	var out []Outbound
	for _, id := range s.outbox.order {
		if ob := s.outbox.entries[id]; ob.ChatID == chatID {
			out = append(out, *ob)
		}
	}
	return out
}

func (o *outbox) removeLocked(localID string) {
	delete(o.entries, localID)
	for i, id := range o.order {
		if id == localID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			return
		}
	}
}
