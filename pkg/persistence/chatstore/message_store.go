package chatstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// MessageRecord is one entry of a conversation's local message log.
//
// EntryKey is the stable local identity of the entry: the temporary id for
// messages composed locally, the server id for messages received from peers
// or history. It never changes, even when ID is reconciled to the server id.
type MessageRecord struct {
	ConvID   string `json:"conv_id"`
	EntryKey string `json:"entry_key"`
	Position int    `json:"position"`
	ID       string `json:"id"`
	TempID   string `json:"temp_id,omitempty"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	SentAtMs int64  `json:"sent_at_ms"`
	Status   string `json:"status"`
}

// ConversationRecord captures conversation-level metadata for listing.
type ConversationRecord struct {
	ConvID         string `json:"conv_id"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
	MessageCount   int    `json:"message_count"`
}

// MessageStore caches conversation logs between runs.
//
// Upsert inserts a record or, when (ConvID, EntryKey) already exists, updates
// only its ID and Status. Content, sender and timestamp are write-once.
type MessageStore interface {
	Upsert(ctx context.Context, rec MessageRecord) error
	List(ctx context.Context, convID string, limit int) ([]MessageRecord, error)
	ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error)
	Close() error
}

func validateRecord(prefix string, rec MessageRecord) error {
	if strings.TrimSpace(rec.ConvID) == "" {
		return errors.Errorf("%s: convID is empty", prefix)
	}
	if strings.TrimSpace(rec.EntryKey) == "" {
		return errors.Errorf("%s: entry key is empty", prefix)
	}
	if rec.Position < 0 {
		return errors.Errorf("%s: negative position %d", prefix, rec.Position)
	}
	return nil
}
