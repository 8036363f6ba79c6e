// Package conversation holds the active conversation, its ordered message
// sequence, the set of known conversations and the outbound send queue state.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"coursechat/pkg/types"
)

// Fetcher loads the full message history of a conversation
type Fetcher func(ctx context.Context, chatID string) ([]*types.Message, error)

// Store is safe for concurrent use. Every mutation happens under one lock so
// the message sequence has a single writer at a time.
type Store struct {
	mu       sync.RWMutex
	active   *types.Conversation
	gen      uint64
	messages []*types.Message
	index    map[string]struct{}

	known      map[string]*types.Conversation
	knownOrder []string

	outbox *outbox

	fetch  Fetcher
	logger *slog.Logger
}

// NewStore creates an empty store that loads history through fetch.
func NewStore(fetch Fetcher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		index:  make(map[string]struct{}),
		known:  make(map[string]*types.Conversation),
		outbox: newOutbox(),
		fetch:  fetch,
		logger: logger.With("component", "conversation.store"),
	}
}

// SetActive replaces the active conversation and empties the message
// sequence. It does not fetch. Passing nil clears the handle.
func (s *Store) SetActive(conv *types.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.active = cloneConversation(conv)
	s.messages = nil
	s.index = make(map[string]struct{})
	if conv != nil {
		s.rememberLocked(conv)
	}
}

// Active returns a copy of the active conversation, or nil.
func (s *Store) Active() *types.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConversation(s.active)
}

// ActiveID returns the active conversation id, or "" when none is active.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.ID
}

// LoadMessages fetches the history for chatID and replaces the sequence with
// it, ordered by creation time. The result is applied only if chatID is still
// the active conversation and no SetActive happened while the fetch was in
// flight; otherwise ErrStaleResult is returned. On fetch failure the previous
// sequence is kept and the error wraps ErrFetch.
func (s *Store) LoadMessages(ctx context.Context, chatID string) ([]*types.Message, error) {
	s.mu.RLock()
	gen := s.gen
	matches := s.active != nil && s.active.ID == chatID
	s.mu.RUnlock()

	if !matches {
		return nil, fmt.Errorf("%w: %w: %s is not the active conversation", types.ErrFetch, types.ErrStaleResult, chatID)
	}

	fetched, err := s.fetch(ctx, chatID)
	if err != nil {
		s.logger.Error("failed to fetch messages", "chat_id", chatID, "error", err)
		return nil, fmt.Errorf("%w: %w", types.ErrFetch, err)
	}

	msgs := make([]*types.Message, 0, len(fetched))
	index := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		if m == nil || m.ChatID != chatID {
			continue
		}
		if _, dup := index[m.ID]; dup {
			continue
		}
		index[m.ID] = struct{}{}
		msgs = append(msgs, cloneMessage(m))
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.active == nil || s.active.ID != chatID {
		s.logger.Debug("discarding stale history", "chat_id", chatID)
		return nil, fmt.Errorf("%w: %w", types.ErrFetch, types.ErrStaleResult)
	}

	s.messages = msgs
	s.index = index
	return cloneMessages(s.messages), nil
}

// AppendMessage adds msg to the end of the sequence if it belongs to the
// active conversation and its id is not already present. It reports whether
// the message was appended.
func (s *Store) AppendMessage(msg *types.Message) bool {
	if msg == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || msg.ChatID != s.active.ID {
		return false
	}
	if _, dup := s.index[msg.ID]; dup {
		return false
	}

	s.index[msg.ID] = struct{}{}
	s.messages = append(s.messages, cloneMessage(msg))
	return true
}

// Messages returns a copy of the current sequence.
func (s *Store) Messages() []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages)
}

// Remember adds conv to the known conversations, replacing any entry with the
// same id.
func (s *Store) Remember(conv *types.Conversation) {
	if conv == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rememberLocked(conv)
}

// SetConversations replaces the known conversations. The active conversation
// is kept in the set even if the list omits it.
func (s *Store) SetConversations(convs []*types.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.known = make(map[string]*types.Conversation, len(convs))
	s.knownOrder = s.knownOrder[:0]
	for _, c := range convs {
		if c != nil {
			s.rememberLocked(c)
		}
	}
	if s.active != nil {
		s.rememberLocked(s.active)
	}
}

// Conversations returns the known conversations in the order first seen.
func (s *Store) Conversations() []*types.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Conversation, 0, len(s.knownOrder))
	for _, id := range s.knownOrder {
		out = append(out, cloneConversation(s.known[id]))
	}
	return out
}

// Conversation looks up a known conversation by id.
func (s *Store) Conversation(chatID string) (*types.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.known[chatID]
	return cloneConversation(c), ok
}

func (s *Store) rememberLocked(conv *types.Conversation) {
	if _, ok := s.known[conv.ID]; !ok {
		s.knownOrder = append(s.knownOrder, conv.ID)
	}
	s.known[conv.ID] = cloneConversation(conv)
}

func cloneConversation(c *types.Conversation) *types.Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Members = append([]string(nil), c.Members...)
	return &out
}

func cloneMessage(m *types.Message) *types.Message {
	out := *m
	return &out
}

func cloneMessages(in []*types.Message) []*types.Message {
	out := make([]*types.Message, len(in))
	for i, m := range in {
		out[i] = cloneMessage(m)
	}
	return out
}
