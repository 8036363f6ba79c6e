package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coursechat/internal/auth"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu sync.Mutex

	chats     map[string]*types.Conversation
	history   map[string][]*types.Message
	users     map[types.Role][]*types.UserSummary
	createErr error
	sendErr   error
	fetchErr  error

	// createGate, when set, blocks CreateOrGetChat until a value is received
	createGate chan struct{}
	sendGate   chan struct{}

	createReqs []types.CreateChatRequest
	sent       []types.SendMessageRequest
	listRoles  []types.Role
	inFlight   int32
	maxFlight  int32
	seq        int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		chats:   make(map[string]*types.Conversation),
		history: make(map[string][]*types.Message),
		users:   make(map[types.Role][]*types.UserSummary),
	}
}

func (f *fakeAPI) addChat(id, student, instructor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[student+"|"+instructor] = &types.Conversation{ID: id, Members: []string{student, instructor}, CreatedAt: t0}
}

func (f *fakeAPI) CreateOrGetChat(ctx context.Context, req types.CreateChatRequest) (*types.Conversation, error) {
	f.mu.Lock()
	f.createReqs = append(f.createReqs, req)
	gate := f.createGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	c, ok := f.chats[req.UserID+"|"+req.InstructorID]
	if !ok {
		return nil, fmt.Errorf("404 chat not found")
	}
	out := *c
	return &out, nil
}

func (f *fakeAPI) ListChats(ctx context.Context, userID string) ([]*types.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Conversation
	for _, c := range f.chats {
		if c.HasMember(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeAPI) GetMessages(ctx context.Context, chatID string) ([]*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]*types.Message(nil), f.history[chatID]...), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req types.SendMessageRequest) (*types.Message, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxFlight, max, n) {
			break
		}
	}

	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.seq++
	f.sent = append(f.sent, req)
	msg := &types.Message{
		ID:        fmt.Sprintf("m%d", f.seq),
		ChatID:    req.ChatID,
		SenderID:  req.SenderID,
		Text:      req.Text,
		CreatedAt: t0.Add(time.Duration(f.seq) * time.Second),
	}
	f.history[req.ChatID] = append(f.history[req.ChatID], msg)
	return msg, nil
}

func (f *fakeAPI) ListUsers(ctx context.Context, role types.Role) ([]*types.UserSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listRoles = append(f.listRoles, role)
	return f.users[role], nil
}

func (f *fakeAPI) GetUser(ctx context.Context, userID string) (*types.UserSummary, error) {
	return nil, interfaces.ErrUserNotFound
}

func (f *fakeAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, r := range f.sent {
		out[i] = r.Text
	}
	return out
}

func (f *fakeAPI) callCount() (creates, sends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.createReqs), len(f.sent)
}

type emitted struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[interfaces.SubscriptionID]subscription
	nextID   interfaces.SubscriptionID
	joined   []string
	emits    []emitted
	connErr  error
}

type subscription struct {
	event   string
	handler interfaces.EventHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[interfaces.SubscriptionID]subscription)}
}

func (f *fakeTransport) Connect(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connErr != nil {
		return f.connErr
	}
	f.joined = append(f.joined, userID)
	return nil
}

func (f *fakeTransport) Subscribe(event string, h interfaces.EventHandler) interfaces.SubscriptionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[f.nextID] = subscription{event: event, handler: h}
	return f.nextID
}

func (f *fakeTransport) Unsubscribe(id interfaces.SubscriptionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
}

func (f *fakeTransport) Emit(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: event, payload: payload})
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) deliver(ev types.Event) {
	f.mu.Lock()
	var hs []interfaces.EventHandler
	for _, s := range f.handlers {
		if s.event == ev.EventName() {
			hs = append(hs, s.handler)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeTransport) relays() []types.RelayRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.RelayRequest
	for _, e := range f.emits {
		if e.event == types.EventSendMessage {
			out = append(out, e.payload.(types.RelayRequest))
		}
	}
	return out
}

func (f *fakeTransport) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(userID string, role types.Role, api *fakeAPI, tr *fakeTransport) *Manager {
	session, err := auth.NewSession(userID, role, "token")
	if err != nil {
		panic(err)
	}
	m, err := NewManager(Config{Session: session, API: api, Transport: tr, Logger: quietLogger()})
	if err != nil {
		panic(err)
	}
	return m
}
