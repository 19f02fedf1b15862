package chat

import (
	"context"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/go-go-golems/marketchat/pkg/persistence/chatstore"
)

// LoadHistory fetches the conversation from the history service and merges
// it into the local log. Entries already present, by server id or by an
// echoed temporary id, are never duplicated; unseen entries are appended in
// history order. It returns the number of appended entries.
func (c *Coordinator) LoadHistory(ctx context.Context, conversationID string) (int, error) {
	if c.opts.History == nil {
		return 0, errors.New("load history: no history service configured")
	}
	msgs, err := c.opts.History.FetchHistory(ctx, conversationID)
	if err != nil {
		return 0, errors.Wrapf(err, "load history for %s", conversationID)
	}
	var added int
	err = c.do(ctx, func() error {
		added = c.merge(c.conversation(conversationID), msgs)
		return nil
	})
	return added, err
}

func (c *Coordinator) merge(conv *conversation, msgs []Message) int {
	added := 0
	for _, m := range msgs {
		if m.ID != "" {
			if _, ok := conv.byID[m.ID]; ok {
				continue
			}
		}
		if m.TempID != "" {
			if idx, ok := conv.byTemp[m.TempID]; ok {
				if conv.log[idx].SenderID == c.opts.UserID && m.ID != "" {
					c.acknowledge(conv, idx, m.ID)
				}
				continue
			}
		}
		if m.ID == "" {
			c.log.Debug().Str("conv_id", conv.id).Msg("skipping history entry without id")
			continue
		}
		if m.TempID == "" && m.SenderID == c.opts.UserID {
			if idx, ok := c.unacknowledged(conv, m.Content); ok {
				c.acknowledge(conv, idx, m.ID)
				continue
			}
		}
		m.ConversationID = conv.id
		m.Status = lo.Ternary(m.SenderID == c.opts.UserID, StatusSent, StatusReceived)
		idx := c.appendMessage(conv, m)
		c.store(conv, idx)
		added++
	}
	if added > 0 {
		c.messagesChanged(conv)
	}
	c.log.Debug().Str("conv_id", conv.id).Int("fetched", len(msgs)).Int("added", added).Msg("history merged")
	return added
}

// unacknowledged finds the oldest own entry with the given content that has
// no server id yet. History rows carry no temporary id, so content is the
// only link back to an optimistic entry whose ack has not arrived.
func (c *Coordinator) unacknowledged(conv *conversation, content string) (int, bool) {
	for i, m := range conv.log {
		if m.SenderID != c.opts.UserID || m.TempID == "" || m.ID != m.TempID {
			continue
		}
		if m.Status == StatusReceived || m.Content != content {
			continue
		}
		return i, true
	}
	return 0, false
}

// Open restores a conversation from the message store the first time it is
// opened. Later calls are no-ops.
func (c *Coordinator) Open(ctx context.Context, conversationID string) ([]Message, error) {
	var needed bool
	if err := c.do(ctx, func() error {
		conv := c.conversation(conversationID)
		needed = !conv.hydrated && c.opts.Store != nil
		conv.hydrated = true
		return nil
	}); err != nil {
		return nil, err
	}

	var recs []chatstore.MessageRecord
	if needed {
		var err error
		recs, err = c.opts.Store.List(ctx, conversationID, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "hydrate %s", conversationID)
		}
	}

	var out []Message
	err := c.do(ctx, func() error {
		conv := c.conversation(conversationID)
		c.restore(conv, recs)
		out = append([]Message(nil), conv.log...)
		return nil
	})
	return out, err
}

// restore appends cached entries in stored order, skipping anything the live
// log already has.
func (c *Coordinator) restore(conv *conversation, recs []chatstore.MessageRecord) {
	added := 0
	for _, rec := range recs {
		m := messageFromRecord(rec)
		if _, ok := conv.byID[m.ID]; ok && m.ID != "" {
			continue
		}
		if _, ok := conv.byTemp[m.TempID]; ok && m.TempID != "" {
			continue
		}
		idx := c.appendMessage(conv, m)
		if m.Status != Status(rec.Status) {
			c.store(conv, idx)
		}
		added++
	}
	if added > 0 {
		c.messagesChanged(conv)
	}
}
