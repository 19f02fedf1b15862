package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/go-go-golems/marketchat/pkg/signaling"
)

// SendMessage appends a pending message to the conversation log and sends
// it. The returned handle resolves when the server echoes the temporary id
// with a server id, or with *SendTimeoutError after the ack timeout.
func (c *Coordinator) SendMessage(ctx context.Context, conversationID, content string) (*SendHandle, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	var h *SendHandle
	err := c.do(ctx, func() error {
		conv := c.conversation(conversationID)
		tempID := "tmp-" + uuid.NewString()
		msg := Message{
			ID:             tempID,
			TempID:         tempID,
			ConversationID: conversationID,
			SenderID:       c.opts.UserID,
			Content:        content,
			SentAt:         time.Now().UTC(),
			Status:         StatusPending,
		}
		idx := c.appendMessage(conv, msg)
		conv.typing.Reset()
		h = c.transmit(conv, idx)
		c.messagesChanged(conv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// RetrySend resends a failed message under its original temporary id. No new
// log entry is created.
func (c *Coordinator) RetrySend(ctx context.Context, conversationID, tempID string) (*SendHandle, error) {
	var h *SendHandle
	err := c.do(ctx, func() error {
		conv, ok := c.convs[conversationID]
		if !ok {
			return errors.Wrapf(ErrUnknownMessage, "conversation %s", conversationID)
		}
		idx, ok := conv.byTemp[tempID]
		if !ok {
			return errors.Wrapf(ErrUnknownMessage, "temp id %s", tempID)
		}
		if conv.log[idx].Status != StatusFailed {
			return errors.Wrapf(ErrNotRetryable, "%s is %s", tempID, conv.log[idx].Status)
		}
		conv.log[idx].Status = StatusPending
		h = c.transmit(conv, idx)
		c.messagesChanged(conv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// transmit sends the entry at idx and arms its ack timer.
func (c *Coordinator) transmit(conv *conversation, idx int) *SendHandle {
	msg := conv.log[idx]
	h := newSendHandle(msg.TempID)

	err := c.transport.Send(signaling.ChatFrame{
		ConversationID: conv.id,
		TempID:         msg.TempID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		SentAt:         msg.SentAt,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("conv_id", conv.id).Str("temp_id", msg.TempID).Msg("send failed")
		conv.log[idx].Status = StatusFailed
		c.store(conv, idx)
		h.resolve(conv.log[idx], errors.Wrap(err, "send message"))
		return h
	}

	tempID := msg.TempID
	timeout := c.opts.AckTimeout
	timer := c.loop.AfterFunc(timeout, func() { c.ackTimedOut(conv, tempID, timeout) })
	conv.inflight[tempID] = &inflight{handle: h, timer: timer}
	c.store(conv, idx)
	return h
}

func (c *Coordinator) ackTimedOut(conv *conversation, tempID string, timeout time.Duration) {
	inf, ok := conv.inflight[tempID]
	if !ok {
		return
	}
	delete(conv.inflight, tempID)
	idx := conv.byTemp[tempID]
	conv.log[idx].Status = StatusFailed
	c.store(conv, idx)
	c.log.Warn().Str("conv_id", conv.id).Str("temp_id", tempID).Dur("timeout", timeout).Msg("message not acknowledged")
	inf.handle.resolve(conv.log[idx], &SendTimeoutError{ConversationID: conv.id, TempID: tempID, Timeout: timeout})
	c.messagesChanged(conv)
}

func (c *Coordinator) handleChat(f signaling.ChatFrame) {
	conv := c.conversation(f.ConversationID)
	if f.TempID != "" {
		if idx, ok := conv.byTemp[f.TempID]; ok {
			if conv.log[idx].SenderID == c.opts.UserID {
				c.acknowledge(conv, idx, f.ID)
			}
			return
		}
	}
	if f.ID == "" {
		c.log.Debug().Str("conv_id", f.ConversationID).Msg("dropping chat frame without id")
		return
	}
	if _, ok := conv.byID[f.ID]; ok {
		return
	}
	c.appendMessage(conv, Message{
		ID:             f.ID,
		TempID:         f.TempID,
		ConversationID: f.ConversationID,
		SenderID:       f.SenderID,
		Content:        f.Content,
		SentAt:         f.SentAt,
		Status:         lo.Ternary(f.SenderID == c.opts.UserID, StatusSent, StatusReceived),
	})
	c.store(conv, len(conv.log)-1)
	if conv.remote[f.SenderID] {
		c.setRemoteTyping(conv, f.SenderID, false)
	}
	c.messagesChanged(conv)
}

// acknowledge reconciles the entry at idx with its server id. A late ack
// after a timeout still marks the entry sent; the handle stays rejected.
func (c *Coordinator) acknowledge(conv *conversation, idx int, serverID string) {
	msg := &conv.log[idx]
	if msg.Status == StatusSent && (serverID == "" || msg.ID == serverID) {
		return
	}
	if serverID != "" && msg.ID != serverID {
		if other, ok := conv.byID[serverID]; ok && other != idx {
			c.log.Warn().Str("conv_id", conv.id).Str("id", serverID).Msg("server id already present in log")
		}
		delete(conv.byID, msg.ID)
		msg.ID = serverID
		conv.byID[serverID] = idx
	}
	msg.Status = StatusSent
	if inf, ok := conv.inflight[msg.TempID]; ok {
		inf.timer.Stop()
		delete(conv.inflight, msg.TempID)
		inf.handle.resolve(*msg, nil)
	}
	c.store(conv, idx)
	c.messagesChanged(conv)
}

func (c *Coordinator) appendMessage(conv *conversation, msg Message) int {
	idx := len(conv.log)
	conv.log = append(conv.log, msg)
	if msg.ID != "" {
		conv.byID[msg.ID] = idx
	}
	if msg.TempID != "" {
		conv.byTemp[msg.TempID] = idx
	}
	return idx
}

// Messages returns a snapshot of the conversation log.
func (c *Coordinator) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	err := c.do(ctx, func() error {
		if conv, ok := c.convs[conversationID]; ok {
			out = append([]Message(nil), conv.log...)
		}
		return nil
	})
	return out, err
}

// Conversations lists the ids of every conversation touched so far.
func (c *Coordinator) Conversations(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, func() error {
		out = lo.Keys(c.convs)
		return nil
	})
	return out, err
}

func (c *Coordinator) messagesChanged(conv *conversation) {
	if len(c.observers) == 0 {
		return
	}
	snapshot := append([]Message(nil), conv.log...)
	c.each(func(o Observer) { o.MessagesChanged(conv.id, snapshot) })
}

func (c *Coordinator) store(conv *conversation, idx int) {
	c.persist.enqueue(conv.log[idx].record(idx))
}
