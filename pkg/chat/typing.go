package chat

import (
	"context"

	"github.com/go-go-golems/marketchat/pkg/signaling"
)

// NotifyTyping records a keystroke in the conversation's composer. Only the
// started/stopped edges reach the wire.
func (c *Coordinator) NotifyTyping(ctx context.Context, conversationID string) error {
	return c.do(ctx, func() error {
		c.conversation(conversationID).typing.NotifyActivity()
		return nil
	})
}

// RemoteTyping lists the peers currently typing in the conversation.
func (c *Coordinator) RemoteTyping(ctx context.Context, conversationID string) ([]string, error) {
	var out []string
	err := c.do(ctx, func() error {
		if conv, ok := c.convs[conversationID]; ok {
			for id, typing := range conv.remote {
				if typing {
					out = append(out, id)
				}
			}
		}
		return nil
	})
	return out, err
}

func (c *Coordinator) localTyping(conv *conversation, typing bool) {
	err := c.transport.Send(signaling.TypingFrame{
		ConversationID: conv.id,
		SenderID:       c.opts.UserID,
		Typing:         typing,
	})
	if err != nil {
		c.log.Debug().Err(err).Str("conv_id", conv.id).Bool("typing", typing).Msg("typing frame not sent")
	}
	c.each(func(o Observer) { o.TypingChanged(conv.id, c.opts.UserID, typing) })
}

func (c *Coordinator) handleRemoteTyping(f signaling.TypingFrame) {
	if f.SenderID == c.opts.UserID {
		return
	}
	conv := c.conversation(f.ConversationID)
	if conv.remote[f.SenderID] == f.Typing {
		return
	}
	c.setRemoteTyping(conv, f.SenderID, f.Typing)
}

func (c *Coordinator) setRemoteTyping(conv *conversation, userID string, typing bool) {
	if typing {
		conv.remote[userID] = true
	} else {
		delete(conv.remote, userID)
	}
	c.each(func(o Observer) { o.TypingChanged(conv.id, userID, typing) })
}

func (c *Coordinator) clearRemoteTyping(conv *conversation) {
	for id := range conv.remote {
		c.setRemoteTyping(conv, id, false)
	}
}
