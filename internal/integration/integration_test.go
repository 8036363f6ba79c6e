package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursechat/pkg/types"
)

func errorCode(t *testing.T, f types.Frame) string {
	t.Helper()
	var p types.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	return p.Code
}

// TestConcurrentFindOrCreate checks that racing creators converge on one
// conversation through the single writer
func TestConcurrentFindOrCreate(t *testing.T) {
	b := newBackend(t, 100)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := b.conversations.FindOrCreate(ctx, "s1", "i1")
			errs[i] = err
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "worker %d saw a different conversation", i)
	}

	chats, err := b.db.ListChatsForUser(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestConcurrentPostMessage(t *testing.T) {
	b := newBackend(t, 100)
	ctx := context.Background()

	conv, err := b.conversations.FindOrCreate(ctx, "s1", "i1")
	require.NoError(t, err)

	const senders, perSender = 8, 25
	var wg sync.WaitGroup
	errCh := make(chan error, senders*perSender)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := conv.Members[i%2]
			for j := 0; j < perSender; j++ {
				if _, err := b.conversations.PostMessage(ctx, conv.ID, sender, fmt.Sprintf("msg %d-%d", i, j)); err != nil {
					errCh <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("PostMessage failed: %v", err)
	}

	history, err := b.conversations.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, senders*perSender)

	seen := make(map[string]bool, len(history))
	for i, m := range history {
		assert.False(t, seen[m.ID], "duplicate message id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(history[i-1].CreatedAt), "history out of order at %d", i)
		}
	}
}

func TestRelayDeliversToReceiverOnly(t *testing.T) {
	b := newBackend(t, 100)
	ctx := context.Background()

	student := b.dial(t, "s1", types.RoleStudent)
	instructor := b.dial(t, "i1", types.RoleInstructor)
	readUntil(t, student, isStatus("i1", true))

	conv, err := b.conversations.FindOrCreate(ctx, "s1", "i1")
	require.NoError(t, err)
	msg, err := b.conversations.PostMessage(ctx, conv.ID, "s1", "is the quiz open?")
	require.NoError(t, err)

	sendFrame(t, student, types.EventSendMessage, types.RelayRequest{ReceiverID: "i1", Message: *msg})

	frame := readUntil(t, instructor, isEvent(types.EventNewMessage))
	var got types.Message
	require.NoError(t, json.Unmarshal(frame.Data, &got))
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "is the quiz open?", got.Text)
	assert.Equal(t, conv.ID, got.ChatID)

	expectSilence(t, student, 300*time.Millisecond, isEvent(types.EventNewMessage))
}

func TestRelayRejections(t *testing.T) {
	b := newBackend(t, 100)
	ctx := context.Background()

	conv, err := b.conversations.FindOrCreate(ctx, "s1", "i1")
	require.NoError(t, err)

	t.Run("non member", func(t *testing.T) {
		outsider := b.dial(t, "x1", types.RoleStudent)
		sendFrame(t, outsider, types.EventSendMessage, types.RelayRequest{
			ReceiverID: "i1",
			Message:    types.Message{ID: "forged", ChatID: conv.ID, SenderID: "x1", Text: "hi"},
		})
		frame := readUntil(t, outsider, isEvent(types.EventError))
		assert.Equal(t, types.CodeForbidden, errorCode(t, frame))
	})

	t.Run("unknown chat", func(t *testing.T) {
		student := b.dial(t, "s2", types.RoleStudent)
		sendFrame(t, student, types.EventSendMessage, types.RelayRequest{
			ReceiverID: "i1",
			Message:    types.Message{ID: "m1", ChatID: "missing", SenderID: "s2", Text: "hi"},
		})
		frame := readUntil(t, student, isEvent(types.EventError))
		assert.Equal(t, types.CodeChatNotFound, errorCode(t, frame))
	})

	t.Run("foreign room", func(t *testing.T) {
		student := b.dial(t, "s3", types.RoleStudent)
		sendFrame(t, student, types.EventJoinRoom, "i1")
		frame := readUntil(t, student, isEvent(types.EventError))
		assert.Equal(t, types.CodeForbidden, errorCode(t, frame))
	})

	t.Run("unknown event", func(t *testing.T) {
		student := b.dial(t, "s4", types.RoleStudent)
		sendFrame(t, student, "typing", "s4")
		frame := readUntil(t, student, isEvent(types.EventError))
		assert.Equal(t, types.CodeUnknownEvent, errorCode(t, frame))
	})
}

func TestRelayRateLimited(t *testing.T) {
	b := newBackend(t, 2)
	ctx := context.Background()

	student := b.dial(t, "s1", types.RoleStudent)
	conv, err := b.conversations.FindOrCreate(ctx, "s1", "i1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msg, err := b.conversations.PostMessage(ctx, conv.ID, "s1", fmt.Sprintf("burst %d", i))
		require.NoError(t, err)
		sendFrame(t, student, types.EventSendMessage, types.RelayRequest{ReceiverID: "i1", Message: *msg})
	}

	frame := readUntil(t, student, isEvent(types.EventError))
	assert.Equal(t, types.CodeRateLimited, errorCode(t, frame))
}

func TestPresenceLifecycle(t *testing.T) {
	b := newBackend(t, 100)
	ctx := context.Background()

	student := b.dial(t, "s1", types.RoleStudent)
	instructor := b.dial(t, "i1", types.RoleInstructor)

	// the joiner hears its own announcement and the snapshot of the other side
	readUntil(t, student, isStatus("i1", true))
	readUntil(t, instructor, isStatus("s1", true))

	// a second tab does not re-announce
	second := b.dial(t, "i1", types.RoleInstructor)
	require.NoError(t, second.Close())
	expectSilence(t, student, 300*time.Millisecond, isStatus("i1", false))
	assert.True(t, b.registry.IsOnline("i1"))

	require.NoError(t, instructor.Close())
	frame := readUntil(t, student, isStatus("i1", false))

	var status types.StatusUpdate
	require.NoError(t, json.Unmarshal(frame.Data, &status))
	require.NotNil(t, status.LastSeen)

	user, err := b.db.GetUser(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleInstructor, user.Role)
	require.NotNil(t, user.LastSeen)
	assert.WithinDuration(t, *status.LastSeen, *user.LastSeen, time.Second)
}

func TestPerformanceTargets(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance check in short mode")
	}
	b := newBackend(t, 100)
	ctx := context.Background()

	conv, err := b.conversations.FindOrCreate(ctx, "s1", "i1")
	require.NoError(t, err)

	const count = 200
	start := time.Now()
	for i := 0; i < count; i++ {
		_, err := b.conversations.PostMessage(ctx, conv.ID, conv.Members[i%2], fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}
	writeElapsed := time.Since(start)

	start = time.Now()
	history, err := b.conversations.History(ctx, conv.ID)
	require.NoError(t, err)
	readElapsed := time.Since(start)

	assert.Len(t, history, count)
	assert.Less(t, writeElapsed, 10*time.Second, "writes took %v", writeElapsed)
	assert.Less(t, readElapsed, time.Second, "history read took %v", readElapsed)
	t.Logf("%d writes in %v, history read in %v", count, writeElapsed, readElapsed)
}
