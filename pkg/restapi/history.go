package restapi

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/go-go-golems/marketchat/pkg/chat"
)

// historyEntry is one element of GET /api/chats/{id}/messages.
type historyEntry struct {
	ID        string `json:"id"`
	TempID    string `json:"tempId,omitempty"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	SentAt    string `json:"sentAt"`
	Read      bool   `json:"read"`
}

// HistoryClient fetches conversation logs for chat.Coordinator.LoadHistory.
type HistoryClient struct {
	client *Client
	userID string
}

var _ chat.HistoryService = (*HistoryClient)(nil)

// NewHistoryClient marks entries sent by userID as sent, everything else as
// received.
func NewHistoryClient(client *Client, userID string) *HistoryClient {
	return &HistoryClient{client: client, userID: userID}
}

func (h *HistoryClient) FetchHistory(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("conversation id is required")
	}
	var raw json.RawMessage
	if err := h.client.GetJSON(ctx, "api/chats/"+url.PathEscape(conversationID)+"/messages", &raw); err != nil {
		return nil, err
	}
	entries, err := decodeHistory(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode history of %s", conversationID)
	}

	entries = lo.Filter(entries, func(e historyEntry, _ int) bool { return e.ID != "" })
	return lo.Map(entries, func(e historyEntry, _ int) chat.Message {
		status := chat.StatusReceived
		if e.SenderID == h.userID {
			status = chat.StatusSent
		}
		return chat.Message{
			ID:             e.ID,
			TempID:         e.TempID,
			ConversationID: conversationID,
			SenderID:       e.SenderID,
			Content:        e.Content,
			SentAt:         parseTimestamp(lo.Ternary(e.SentAt != "", e.SentAt, e.Timestamp)),
			Status:         status,
		}
	}), nil
}

// decodeHistory accepts a bare array or an object with a messages field.
func decodeHistory(raw json.RawMessage) ([]historyEntry, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var entries []historyEntry
		err := json.Unmarshal(raw, &entries)
		return entries, err
	}
	var wrapped struct {
		Messages []historyEntry `json:"messages"`
	}
	err := json.Unmarshal(raw, &wrapped)
	return wrapped.Messages, err
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
