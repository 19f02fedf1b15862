package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/marketchat/pkg/call"
	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/escrow"
	"github.com/go-go-golems/marketchat/pkg/notify"
	"github.com/go-go-golems/marketchat/pkg/signaling"
)

// Backend is the part of *chat.Coordinator the UI drives.
type Backend interface {
	UserID() string
	Open(ctx context.Context, conversationID string) ([]chat.Message, error)
	LoadHistory(ctx context.Context, conversationID string) (int, error)
	SendMessage(ctx context.Context, conversationID, content string) (*chat.SendHandle, error)
	RetrySend(ctx context.Context, conversationID, tempID string) (*chat.SendHandle, error)
	NotifyTyping(ctx context.Context, conversationID string) error
	StartCall(ctx context.Context, conversationID string, participants ...string) error
	AcceptCall(ctx context.Context, conversationID string) error
	EndCall(ctx context.Context, conversationID string) error
	ToggleMute(ctx context.Context, conversationID string) (bool, error)
	ToggleCamera(ctx context.Context, conversationID string) (bool, error)
}

var _ Backend = (*chat.Coordinator)(nil)

type messagesMsg struct {
	conversationID string
	messages       []chat.Message
}

type typingMsg struct {
	conversationID string
	userID         string
	typing         bool
}

type connectionMsg struct {
	state signaling.State
	err   error
}

type escrowMsg struct {
	snapshot escrow.Snapshot
	err      error
}

type callStateMsg call.State

type incomingCallMsg string

type notificationMsg notify.Notification

type statusMsg string

type errMsg struct{ err error }

// Bridge forwards coordinator and notification callbacks into the program.
// Callbacks arrive on the event loop; Send only blocks until the program
// picks the message up, and the model never calls the backend from Update.
type Bridge struct {
	send func(tea.Msg)
}

var (
	_ chat.Observer = (*Bridge)(nil)
	_ notify.Sink   = (*Bridge)(nil)
)

func NewBridge(send func(tea.Msg)) *Bridge { return &Bridge{send: send} }

func (b *Bridge) MessagesChanged(conversationID string, messages []chat.Message) {
	b.send(messagesMsg{conversationID: conversationID, messages: messages})
}

func (b *Bridge) TypingChanged(conversationID, userID string, typing bool) {
	b.send(typingMsg{conversationID: conversationID, userID: userID, typing: typing})
}

func (b *Bridge) CallStateChanged(state call.State) { b.send(callStateMsg(state)) }

func (b *Bridge) IncomingCall(conversationID string) { b.send(incomingCallMsg(conversationID)) }

func (b *Bridge) ConnectionChanged(state signaling.State, err error) {
	b.send(connectionMsg{state: state, err: err})
}

func (b *Bridge) Deliver(n notify.Notification) error {
	b.send(notificationMsg(n))
	return nil
}

// EscrowUpdated is an escrow.Dashboard update listener.
func (b *Bridge) EscrowUpdated(s escrow.Snapshot, err error) {
	b.send(escrowMsg{snapshot: s, err: err})
}

// ErrorMsg reports err in the status line.
func ErrorMsg(err error) tea.Msg { return errMsg{err: err} }
