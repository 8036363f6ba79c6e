package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"coursechat/internal/chat"
	"coursechat/internal/conversation"
	"coursechat/pkg/types"
)

type fakeChat struct {
	mu       sync.Mutex
	sent     []string
	retried  []string
	sendErr  error
	outbox   []conversation.Outbound
	messages []*types.Message
	status   types.Presence
	watcher  func(chat.Update)
	contacts []*types.UserSummary
	convs    []*types.Conversation
}

func (f *fakeChat) OpenChat(_ context.Context, otherID string) (*types.Conversation, error) {
	return &types.Conversation{ID: "c1", Members: []string{"u1", otherID}}, nil
}

func (f *fakeChat) SendMessage(_ context.Context, text string) (*conversation.Outbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil, f.sendErr
}

func (f *fakeChat) RetrySend(_ context.Context, localID string) (*conversation.Outbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, localID)
	return nil, nil
}

func (f *fakeChat) Outbox() []conversation.Outbound     { return f.outbox }
func (f *fakeChat) Messages() []*types.Message          { return f.messages }
func (f *fakeChat) GetUserStatus(string) types.Presence { return f.status }

func (f *fakeChat) ListContacts(context.Context) ([]*types.UserSummary, error) {
	return f.contacts, nil
}

func (f *fakeChat) ListConversations(context.Context) ([]*types.Conversation, error) {
	return f.convs, nil
}

func (f *fakeChat) Watch(fn func(chat.Update)) func() {
	f.watcher = fn
	return func() {}
}

func TestREPL_SendsLinesAndQuits(t *testing.T) {
	fake := &fakeChat{
		messages: []*types.Message{{ID: "m1", ChatID: "c1", SenderID: "i1", Text: "welcome", CreatedAt: time.Now()}},
	}
	var out bytes.Buffer

	in := strings.NewReader("hello\n\n   \n/quit\nnever sent\n")
	if err := newREPL(fake, "u1", "i1", &out).run(context.Background(), in); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if len(fake.sent) != 1 || fake.sent[0] != "hello" {
		t.Errorf("sent = %q, want [hello]", fake.sent)
	}
	text := out.String()
	if !strings.Contains(text, "chatting with i1 (c1)") {
		t.Errorf("missing header:\n%s", text)
	}
	if !strings.Contains(text, "i1: welcome") {
		t.Errorf("history not printed:\n%s", text)
	}
	if !strings.Contains(text, "i1 is offline") {
		t.Errorf("presence not printed:\n%s", text)
	}
}

func TestREPL_Commands(t *testing.T) {
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeChat{
		sendErr: errors.New("boom"),
		outbox: []conversation.Outbound{
			{LocalID: "l1", Text: "a", State: conversation.Failed},
			{LocalID: "l2", Text: "b", State: conversation.Pending},
		},
		status:   types.Presence{LastSeen: &seen},
		contacts: []*types.UserSummary{{ID: "i1", UserName: "Grace", IsOnline: true}},
		convs:    []*types.Conversation{{ID: "c1", Members: []string{"u1", "i1"}}},
	}
	var out bytes.Buffer
	r := newREPL(fake, "u1", "i1", &out)
	ctx := context.Background()

	r.handleLine(ctx, "/retry")
	if len(fake.retried) != 1 || fake.retried[0] != "l1" {
		t.Errorf("retried = %v, want [l1]", fake.retried)
	}

	r.handleLine(ctx, "/who")
	if !strings.Contains(out.String(), "last seen") {
		t.Errorf("/who output missing last seen:\n%s", out.String())
	}

	r.handleLine(ctx, "/contacts")
	if !strings.Contains(out.String(), "Grace") || !strings.Contains(out.String(), "online") {
		t.Errorf("/contacts output:\n%s", out.String())
	}

	r.handleLine(ctx, "/chats")
	if !strings.Contains(out.String(), "c1 with i1") {
		t.Errorf("/chats output:\n%s", out.String())
	}

	r.handleLine(ctx, "/dance")
	if !strings.Contains(out.String(), "unknown command /dance") {
		t.Errorf("unknown command not reported:\n%s", out.String())
	}

	r.handleLine(ctx, "hi")
	if !strings.Contains(out.String(), "send failed: boom") {
		t.Errorf("send failure not reported:\n%s", out.String())
	}

	if !r.handleLine(ctx, " /quit ") {
		t.Error("/quit should end the loop")
	}
}

func TestREPL_PrintsUpdates(t *testing.T) {
	fake := &fakeChat{}
	var out bytes.Buffer
	r := newREPL(fake, "u1", "i1", &out)

	r.onUpdate(chat.Update{Kind: chat.MessageReceived, Message: &types.Message{SenderID: "u1", Text: "mine"}})
	r.onUpdate(chat.Update{Kind: chat.PresenceChanged, UserID: "i1", Presence: types.Presence{IsOnline: true}})
	r.onUpdate(chat.Update{Kind: chat.PresenceChanged, UserID: "i2", Presence: types.Presence{IsOnline: true}})

	text := out.String()
	if !strings.Contains(text, "you: mine") {
		t.Errorf("own message should be labelled you:\n%s", text)
	}
	if !strings.Contains(text, "i1 is online") || strings.Contains(text, "i2") {
		t.Errorf("only the peer's presence should print:\n%s", text)
	}
}
