package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marketchat/pkg/call"
	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/signaling"
)

const (
	ConnectionTopic = "chat:connection"

	mirrorQueueSize = 256
)

// ConversationTopic is the stream a conversation's events are published on.
func ConversationTopic(conversationID string) string { return "chat:" + conversationID }

type EventType string

const (
	EventMessages   EventType = "messages"
	EventTyping     EventType = "typing"
	EventCallState  EventType = "call_state"
	EventIncoming   EventType = "incoming_call"
	EventConnection EventType = "connection"
)

type CallSnapshot struct {
	Participants []string `json:"participants,omitempty"`
	Status       string   `json:"status"`
	Muted        bool     `json:"muted"`
	CameraOn     bool     `json:"cameraOn"`
	RemoteTracks int      `json:"remoteTracks"`
	Error        string   `json:"error,omitempty"`
}

// Event is the JSON payload of every mirrored message.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	At             time.Time      `json:"at"`
	Messages       []chat.Message `json:"messages,omitempty"`
	Typing         *bool          `json:"typing,omitempty"`
	Call           *CallSnapshot  `json:"call,omitempty"`
	Connection     string         `json:"connection,omitempty"`
	Error          string         `json:"error,omitempty"`
}

type envelope struct {
	topic string
	event Event
}

// Mirror is a chat.Observer that republishes coordinator changes. Callbacks
// only enqueue; a separate goroutine publishes so the event loop never waits
// on the broker.
type Mirror struct {
	pub    message.Publisher
	userID string
	now    func() time.Time
	log    zerolog.Logger

	queue chan envelope
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ chat.Observer = (*Mirror)(nil)

func NewMirror(pub message.Publisher, userID string) *Mirror {
	m := &Mirror{
		pub:    pub,
		userID: userID,
		now:    time.Now,
		log:    log.With().Str("component", "eventbus").Str("user_id", userID).Logger(),
		queue:  make(chan envelope, mirrorQueueSize),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mirror) run() {
	defer close(m.done)
	for env := range m.queue {
		payload, err := json.Marshal(env.event)
		if err != nil {
			m.log.Warn().Err(err).Str("topic", env.topic).Msg("event not encoded")
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("type", string(env.event.Type))
		if err := m.pub.Publish(env.topic, msg); err != nil {
			m.log.Warn().Err(err).Str("topic", env.topic).Str("type", string(env.event.Type)).Msg("event not published")
		}
	}
}

func (m *Mirror) emit(topic string, e Event) {
	e.At = m.now()
	if e.UserID == "" {
		e.UserID = m.userID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- envelope{topic: topic, event: e}:
	default:
		m.log.Warn().Str("topic", topic).Msg("mirror queue full, dropping event")
	}
}

func (m *Mirror) MessagesChanged(conversationID string, messages []chat.Message) {
	m.emit(ConversationTopic(conversationID), Event{
		Type:           EventMessages,
		ConversationID: conversationID,
		Messages:       append([]chat.Message(nil), messages...),
	})
}

func (m *Mirror) TypingChanged(conversationID, userID string, typing bool) {
	m.emit(ConversationTopic(conversationID), Event{
		Type:           EventTyping,
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         &typing,
	})
}

func (m *Mirror) CallStateChanged(state call.State) {
	snap := &CallSnapshot{
		Participants: state.Participants,
		Status:       state.Status.String(),
		Muted:        state.Muted,
		CameraOn:     state.CameraOn,
		RemoteTracks: state.RemoteTracks,
	}
	if state.Err != nil {
		snap.Error = state.Err.Error()
	}
	m.emit(ConversationTopic(state.ConversationID), Event{
		Type:           EventCallState,
		ConversationID: state.ConversationID,
		Call:           snap,
	})
}

func (m *Mirror) IncomingCall(conversationID string) {
	m.emit(ConversationTopic(conversationID), Event{Type: EventIncoming, ConversationID: conversationID})
}

func (m *Mirror) ConnectionChanged(state signaling.State, err error) {
	e := Event{Type: EventConnection, Connection: state.String()}
	if err != nil {
		e.Error = err.Error()
	}
	m.emit(ConnectionTopic, e)
}

// Close publishes what is queued and stops the mirror.
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
}
