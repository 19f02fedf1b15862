// Package chat coordinates per-conversation chat state on top of the
// signaling channel: the optimistic message log, typing indicators and the
// conversation's call session.
//
// Every exported Coordinator method marshals onto the event loop and may be
// called from any goroutine except the loop's own. Observers run on the loop
// and must not call back into the Coordinator synchronously.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marketchat/pkg/call"
	"github.com/go-go-golems/marketchat/pkg/eventloop"
	"github.com/go-go-golems/marketchat/pkg/notify"
	"github.com/go-go-golems/marketchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/marketchat/pkg/signaling"
	"github.com/go-go-golems/marketchat/pkg/typing"
)

const DefaultAckTimeout = 10 * time.Second

var (
	ErrClosed          = errors.New("chat coordinator closed")
	ErrEmptyMessage    = errors.New("empty message")
	ErrNotRetryable    = errors.New("message is not in failed state")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrNoIncomingCall  = errors.New("no incoming call")
	ErrCallsDisabled   = errors.New("calls are not configured")
	ErrMissingIdentity = errors.New("coordinator needs a user id")
)

// Transport is the part of *signaling.Channel the coordinator uses.
type Transport interface {
	Send(f signaling.Frame) error
	OnFrame(handler func(signaling.Frame))
	OnState(listener signaling.StateListener)
}

// HistoryService fetches the server-side log of a conversation.
type HistoryService interface {
	FetchHistory(ctx context.Context, conversationID string) ([]Message, error)
}

type Options struct {
	UserID      string
	AckTimeout  time.Duration
	TypingQuiet time.Duration
	Call        call.Options

	Media   call.MediaDevices
	Peers   call.PeerConnector
	History HistoryService
	Store   chatstore.MessageStore
	Router  *notify.Router
}

type conversation struct {
	id        string
	log       []Message
	byID      map[string]int
	byTemp    map[string]int
	inflight  map[string]*inflight
	typing    *typing.Debouncer
	remote    map[string]bool
	session   *call.Session
	offer     string
	early     []signaling.ICECandidate
	accepting bool
	hydrated  bool
}

type inflight struct {
	handle *SendHandle
	timer  *eventloop.Timer
}

type Coordinator struct {
	loop      *eventloop.Loop
	transport Transport
	opts      Options
	log       zerolog.Logger

	convs     map[string]*conversation
	observers []Observer
	persist   *persister
	closed    bool
}

// New wires a coordinator to the transport. It must not be called from the
// loop goroutine.
func New(ctx context.Context, loop *eventloop.Loop, transport Transport, opts Options) (*Coordinator, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, ErrMissingIdentity
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.TypingQuiet <= 0 {
		opts.TypingQuiet = typing.DefaultQuietPeriod
	}
	c := &Coordinator{
		loop:      loop,
		transport: transport,
		opts:      opts,
		convs:     map[string]*conversation{},
		log: log.With().
			Str("component", "chat").
			Str("user_id", opts.UserID).
			Logger(),
	}
	if opts.Store != nil {
		c.persist = newPersister(opts.Store, c.log)
	}
	err := loop.Call(ctx, func() {
		transport.OnFrame(c.handleFrame)
		transport.OnState(c.handleConnection)
	})
	if err != nil {
		c.persist.close()
		return nil, errors.Wrap(err, "attach coordinator")
	}
	return c, nil
}

func (c *Coordinator) UserID() string { return c.opts.UserID }

// Subscribe registers an observer. Observers are called in registration order.
func (c *Coordinator) Subscribe(ctx context.Context, o Observer) error {
	return c.do(ctx, func() error {
		c.observers = append(c.observers, o)
		return nil
	})
}

// do runs fn on the loop and returns its error.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	var err error
	if callErr := c.loop.Call(ctx, func() {
		if c.closed {
			err = ErrClosed
			return
		}
		err = fn()
	}); callErr != nil {
		return callErr
	}
	return err
}

func (c *Coordinator) conversation(id string) *conversation {
	conv, ok := c.convs[id]
	if ok {
		return conv
	}
	conv = &conversation{
		id:       id,
		byID:     map[string]int{},
		byTemp:   map[string]int{},
		inflight: map[string]*inflight{},
		remote:   map[string]bool{},
	}
	conv.typing = typing.NewDebouncer(c.loop, c.opts.TypingQuiet, func(e typing.Event) {
		c.localTyping(conv, e == typing.Started)
	})
	c.convs[id] = conv
	return conv
}

func (c *Coordinator) handleFrame(f signaling.Frame) {
	if c.closed {
		return
	}
	switch v := f.(type) {
	case signaling.ChatFrame:
		c.handleChat(v)
	case signaling.TypingFrame:
		c.handleRemoteTyping(v)
	case signaling.NotificationFrame:
		if c.opts.Router != nil {
			c.opts.Router.HandleFrame(v)
		}
	case signaling.SDPFrame:
		c.handleSDP(v)
	case signaling.ICECandidateFrame:
		c.handleCandidate(v)
	default:
		c.log.Warn().Str("kind", string(f.FrameKind())).Msg("unhandled frame")
	}
}

func (c *Coordinator) handleConnection(state signaling.State, err error) {
	if c.closed {
		return
	}
	if state != signaling.StateOpen {
		for _, conv := range c.convs {
			conv.typing.Reset()
			c.clearRemoteTyping(conv)
		}
	}
	c.each(func(o Observer) { o.ConnectionChanged(state, err) })
}

// Close fails every unacknowledged send, ends active calls and flushes the
// message store. The transport is left to its owner.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.do(ctx, func() error {
		for _, conv := range c.convs {
			for tempID, inf := range conv.inflight {
				inf.timer.Stop()
				inf.handle.resolve(Message{}, ErrClosed)
				delete(conv.inflight, tempID)
			}
			conv.typing.Reset()
			if conv.session != nil {
				conv.session.End()
			}
		}
		c.closed = true
		return nil
	})
	c.persist.close()
	return err
}

func (c *Coordinator) each(fn func(o Observer)) {
	for _, o := range c.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Str("panic", fmt.Sprint(r)).Msg("observer panicked")
				}
			}()
			fn(o)
		}()
	}
}
