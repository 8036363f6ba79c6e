package chat

import (
	"context"
	"fmt"

	"coursechat/internal/conversation"
	"coursechat/pkg/types"
)

type sendJob struct {
	ctx      context.Context
	conv     *types.Conversation
	outbound conversation.Outbound
	done     chan sendResult
}

type sendResult struct {
	outbound conversation.Outbound
	err      error
}

// sendQueue runs the sends of one conversation strictly in submission order.
type sendQueue struct {
	jobs chan *sendJob
}

// queueFor returns the queue for chatID, starting its worker on first use.
func (m *Manager) queueFor(chatID string) *sendQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[chatID]; ok {
		return q
	}
	q := &sendQueue{jobs: make(chan *sendJob, m.queueSize)}
	m.queues[chatID] = q

	m.wg.Add(1)
	go m.runQueue(chatID, q)
	return q
}

func (m *Manager) runQueue(chatID string, q *sendQueue) {
	defer m.wg.Done()
	for {
		select {
		case <-m.closed:
			return
		case job := <-q.jobs:
			ob, err := m.deliver(job)
			job.done <- sendResult{outbound: ob, err: err}
		}
	}
}

// submit enqueues a Pending outbound and waits for its outcome.
func (m *Manager) submit(ctx context.Context, conv *types.Conversation, ob conversation.Outbound) (*conversation.Outbound, error) {
	m.notify(Update{Kind: OutboundChanged, Outbound: &ob})

	job := &sendJob{ctx: ctx, conv: conv, outbound: ob, done: make(chan sendResult, 1)}
	q := m.queueFor(conv.ID)

	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return m.fail(ob.LocalID, ctx.Err())
	case <-m.closed:
		return m.fail(ob.LocalID, ErrClosed)
	}

	select {
	case res := <-job.done:
		return &res.outbound, res.err
	case <-ctx.Done():
		// the worker still resolves the job; it will find ctx cancelled
		return nil, fmt.Errorf("%w: %w", types.ErrSend, ctx.Err())
	case <-m.closed:
		return nil, fmt.Errorf("%w: %w", types.ErrSend, ErrClosed)
	}
}

// deliver persists the message, relays it to the other member's live session
// and appends it locally. The local append only happens after the durable
// write succeeded.
func (m *Manager) deliver(job *sendJob) (conversation.Outbound, error) {
	if err := job.ctx.Err(); err != nil {
		ob, ferr := m.fail(job.outbound.LocalID, err)
		return deref(ob), ferr
	}

	msg, err := m.api.SendMessage(job.ctx, types.SendMessageRequest{
		ChatID:   job.conv.ID,
		SenderID: m.session.UserID,
		Text:     job.outbound.Text,
	})
	if err != nil {
		ob, ferr := m.fail(job.outbound.LocalID, err)
		return deref(ob), ferr
	}

	m.transport.Emit(types.EventSendMessage, types.RelayRequest{
		ReceiverID: job.conv.Other(m.session.UserID),
		Message:    *msg,
	})

	if m.store.AppendMessage(msg) {
		m.notify(Update{Kind: MessageReceived, Message: msg})
	}

	ob, err := m.store.Confirm(job.outbound.LocalID, msg)
	if err != nil {
		// discarded while in flight; the message is persisted regardless
		m.logger.Warn("confirmed send no longer in outbox", "local_id", job.outbound.LocalID)
		ob = job.outbound
		ob.State = conversation.Confirmed
		ob.Message = msg
	}
	m.notify(Update{Kind: OutboundChanged, Outbound: &ob})
	return ob, nil
}

func (m *Manager) fail(localID string, cause error) (*conversation.Outbound, error) {
	m.logger.Error("failed to send message", "local_id", localID, "error", cause)

	ob, err := m.store.Fail(localID, cause)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSend, cause)
	}
	m.notify(Update{Kind: OutboundChanged, Outbound: &ob})
	return &ob, fmt.Errorf("%w: %w", types.ErrSend, cause)
}

func deref(ob *conversation.Outbound) conversation.Outbound {
	if ob == nil {
		return conversation.Outbound{}
	}
	return *ob
}
