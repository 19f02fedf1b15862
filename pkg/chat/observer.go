package chat

import (
	"github.com/go-go-golems/marketchat/pkg/call"
	"github.com/go-go-golems/marketchat/pkg/signaling"
)

// Observer receives coordinator state changes on the event loop.
// Embed NopObserver to implement only the callbacks you need.
type Observer interface {
	// MessagesChanged carries a snapshot of the full conversation log.
	MessagesChanged(conversationID string, messages []Message)
	// TypingChanged reports local (userID == own id) and remote typing edges.
	TypingChanged(conversationID, userID string, typing bool)
	CallStateChanged(state call.State)
	IncomingCall(conversationID string)
	ConnectionChanged(state signaling.State, err error)
}

type NopObserver struct{}

func (NopObserver) MessagesChanged(string, []Message)        {}
func (NopObserver) TypingChanged(string, string, bool)       {}
func (NopObserver) CallStateChanged(call.State)              {}
func (NopObserver) IncomingCall(string)                      {}
func (NopObserver) ConnectionChanged(signaling.State, error) {}

var _ Observer = NopObserver{}
