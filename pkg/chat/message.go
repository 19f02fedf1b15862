package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marketchat/pkg/persistence/chatstore"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusReceived Status = "received"
)

// Message is one entry of a conversation log. Content, SenderID and SentAt
// never change after the entry is appended; ID changes once, from the
// temporary id to the server id, when the send is acknowledged.
type Message struct {
	ID             string    `json:"id"`
	TempID         string    `json:"tempId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	Status         Status    `json:"status"`
}

// entryKey is the stable identity of a log entry.
func (m Message) entryKey() string {
	if m.TempID != "" {
		return m.TempID
	}
	return m.ID
}

func (m Message) record(position int) chatstore.MessageRecord {
	return chatstore.MessageRecord{
		ConvID:   m.ConversationID,
		EntryKey: m.entryKey(),
		Position: position,
		ID:       m.ID,
		TempID:   m.TempID,
		SenderID: m.SenderID,
		Content:  m.Content,
		SentAtMs: m.SentAt.UnixMilli(),
		Status:   string(m.Status),
	}
}

func messageFromRecord(rec chatstore.MessageRecord) Message {
	status := Status(rec.Status)
	// nothing can acknowledge a send from a previous run
	if status == StatusPending {
		status = StatusFailed
	}
	return Message{
		ID:             rec.ID,
		TempID:         rec.TempID,
		ConversationID: rec.ConvID,
		SenderID:       rec.SenderID,
		Content:        rec.Content,
		SentAt:         time.UnixMilli(rec.SentAtMs),
		Status:         status,
	}
}

// SendTimeoutError resolves a SendHandle when no acknowledgment arrived in
// time. The message stays in the log with status failed.
type SendTimeoutError struct {
	ConversationID string
	TempID         string
	Timeout        time.Duration
}

func (e *SendTimeoutError) Error() string {
	return fmt.Sprintf("message %s in %s not acknowledged within %s", e.TempID, e.ConversationID, e.Timeout)
}

// SendHandle resolves once a sent message is acknowledged, times out or
// cannot be sent.
type SendHandle struct {
	tempID string
	done   chan struct{}
	once   sync.Once
	msg    Message
	err    error
}

func newSendHandle(tempID string) *SendHandle {
	return &SendHandle{tempID: tempID, done: make(chan struct{})}
}

func (h *SendHandle) TempID() string { return h.tempID }

func (h *SendHandle) Done() <-chan struct{} { return h.done }

// Err is nil until Done is closed.
func (h *SendHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *SendHandle) Wait(ctx context.Context) (Message, error) {
	select {
	case <-h.done:
		return h.msg, h.err
	case <-ctx.Done():
		return Message{}, errors.Wrap(ctx.Err(), "waiting for acknowledgment")
	}
}

func (h *SendHandle) resolve(msg Message, err error) {
	h.once.Do(func() {
		h.msg = msg
		h.err = err
		close(h.done)
	})
}
