package signaling

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marketchat/pkg/eventloop"
)

var (
	ErrClosed         = errors.New("signaling channel closed")
	ErrAlreadyStarted = errors.New("signaling channel already connecting or connected")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	BufferSize     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
	// DegradedAfter is the number of consecutive failed reconnect attempts
	// after which a degraded ConnectionError is reported once.
	DegradedAfter int
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	// PingInterval enables websocket keepalive pings when > 0.
	PingInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		BufferSize:     100,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Jitter:         0.2,
		DegradedAfter:  5,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

type StateListener func(state State, err error)

type WarningListener func(w *BackpressureWarning)

// Channel is the single ingress/egress point for real-time frames.
//
// Connect and Close may be called from any goroutine except the loop's own.
// Every other method is loop-confined.
type Channel struct {
	loop   *eventloop.Loop
	dialer Dialer
	opts   Options
	log    zerolog.Logger

	url      string
	state    State
	conn     Conn
	gen      uint64
	closed   bool
	pending  []Frame
	failures int
	degraded bool
	backoff  *backoff.ExponentialBackOff

	handlers       []func(Frame)
	stateListeners []StateListener
	warnListeners  []WarningListener

	reconnectTimer *eventloop.Timer
	pingTimer      *eventloop.Timer
}

func NewChannel(loop *eventloop.Loop, dialer Dialer, opts Options) *Channel {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		opts.Jitter = def.Jitter
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = def.DegradedAfter
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: opts.DialTimeout}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff
	b.RandomizationFactor = opts.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	return &Channel{
		loop:    loop,
		dialer:  dialer,
		opts:    opts,
		backoff: b,
		log:     log.With().Str("component", "signaling").Logger(),
	}
}

// Connect opens the transport. A failed dial is returned as *ConnectionError
// and is not retried; reconnection only follows an unexpected closure of an
// established connection.
func (c *Channel) Connect(ctx context.Context, url string) error {
	var startErr error
	if err := c.loop.Call(ctx, func() {
		switch {
		case c.closed:
			startErr = ErrClosed
		case c.state != StateDisconnected:
			startErr = ErrAlreadyStarted
		default:
			c.url = url
			c.setState(StateConnecting, nil)
		}
	}); err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, dialErr := c.dialer.Dial(dialCtx, url)
	cancel()

	var result error
	err := c.loop.Call(context.Background(), func() {
		if c.closed {
			if conn != nil {
				_ = conn.Close()
			}
			result = ErrClosed
			return
		}
		if dialErr != nil {
			result = &ConnectionError{URL: url, Attempts: 1, Err: dialErr}
			c.setState(StateDisconnected, result)
			return
		}
		c.attach(conn)
	})
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return err
	}
	return result
}

// Close releases the transport. Once it returns, no frame handler runs again
// and no reconnect is attempted.
func (c *Channel) Close(ctx context.Context) error {
	return c.loop.Call(ctx, c.shutdown)
}

func (c *Channel) shutdown() {
	if c.closed {
		return
	}
	c.closed = true
	c.reconnectTimer.Stop()
	c.pingTimer.Stop()
	if c.conn != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.conn = nil
	}
	if n := len(c.pending); n > 0 {
		c.log.Debug().Int("pending", n).Msg("discarding buffered frames on close")
	}
	c.pending = nil
	c.setState(StateClosed, nil)
}

func (c *Channel) OnFrame(handler func(Frame)) {
	if handler != nil {
		c.handlers = append(c.handlers, handler)
	}
}

func (c *Channel) OnState(listener StateListener) {
	if listener != nil {
		c.stateListeners = append(c.stateListeners, listener)
	}
}

func (c *Channel) OnWarning(listener WarningListener) {
	if listener != nil {
		c.warnListeners = append(c.warnListeners, listener)
	}
}

func (c *Channel) State() State { return c.state }

// Buffered returns the number of frames waiting for a connection.
func (c *Channel) Buffered() int { return len(c.pending) }

// Send transmits f, or buffers it while the channel is not open.
func (c *Channel) Send(f Frame) error {
	if c.closed {
		return ErrClosed
	}
	if err := Validate(f); err != nil {
		return err
	}
	c.enqueue(f)
	if c.state == StateOpen {
		c.flush()
	}
	return nil
}

func (c *Channel) enqueue(f Frame) {
	if len(c.pending) >= c.opts.BufferSize {
		dropped := c.pending[0]
		c.pending = c.pending[1:]
		w := &BackpressureWarning{Capacity: c.opts.BufferSize, Dropped: dropped}
		c.log.Warn().Str("dropped_kind", string(dropped.FrameKind())).Int("capacity", c.opts.BufferSize).Msg("send buffer overflow")
		for _, l := range c.warnListeners {
			l(w)
		}
	}
	c.pending = append(c.pending, f)
}

// flush writes buffered frames in order. A frame whose write fails stays at
// the head of the buffer for the next connection.
func (c *Channel) flush() {
	for len(c.pending) > 0 && c.state == StateOpen && c.conn != nil {
		f := c.pending[0]
		data, err := Encode(f)
		if err != nil {
			c.log.Error().Err(err).Str("kind", string(f.FrameKind())).Msg("dropping unencodable frame")
			c.pending = c.pending[1:]
			continue
		}
		if err := c.write(websocket.TextMessage, data); err != nil {
			c.handleDrop(c.gen, err)
			return
		}
		c.pending = c.pending[1:]
	}
}

func (c *Channel) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Channel) attach(conn Conn) {
	c.gen++
	c.conn = conn
	c.failures = 0
	c.degraded = false
	c.backoff.Reset()
	c.setState(StateOpen, nil)
	c.log.Info().Str("url", c.url).Uint64("generation", c.gen).Msg("signaling connected")

	go c.readPump(conn, c.gen)
	c.armPing()
	c.flush()
}

func (c *Channel) readPump(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.loop.Post(func() { c.handleDrop(gen, err) })
			return
		}
		f, err := Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping invalid inbound frame")
			continue
		}
		if !c.loop.Post(func() { c.dispatch(f) }) {
			return
		}
	}
}

func (c *Channel) dispatch(f Frame) {
	if c.closed {
		return
	}
	for _, h := range c.handlers {
		c.invoke(h, f)
	}
}

func (c *Channel) invoke(h func(Frame), f Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("kind", string(f.FrameKind())).Msg("frame handler panicked")
		}
	}()
	h(f)
}

// handleDrop reacts to the loss of connection generation gen.
func (c *Channel) handleDrop(gen uint64, cause error) {
	if c.closed || gen != c.gen || c.conn == nil {
		return
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info().Err(cause).Msg("signaling connection closed by server")
	} else {
		c.log.Warn().Err(cause).Msg("signaling connection lost")
	}
	_ = c.conn.Close()
	c.conn = nil
	c.pingTimer.Stop()
	c.setState(StateReconnecting, nil)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	d := c.backoff.NextBackOff()
	if d == backoff.Stop {
		d = c.opts.MaxBackoff
	}
	c.log.Debug().Dur("delay", d).Int("failures", c.failures).Msg("scheduling reconnect")
	c.reconnectTimer = c.loop.AfterFunc(d, c.attemptReconnect)
}

func (c *Channel) attemptReconnect() {
	if c.closed {
		return
	}
	url := c.url
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		conn, err := c.dialer.Dial(ctx, url)
		cancel()
		if !c.loop.Post(func() { c.reconnectResult(conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Channel) reconnectResult(conn Conn, err error) {
	if c.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.failures++
		c.log.Debug().Err(err).Int("failures", c.failures).Msg("reconnect attempt failed")
		if c.failures >= c.opts.DegradedAfter && !c.degraded {
			c.degraded = true
			cerr := &ConnectionError{URL: c.url, Attempts: c.failures, Degraded: true, Err: err}
			c.log.Error().Err(cerr).Msg("signaling degraded")
			c.setState(StateReconnecting, cerr)
		}
		c.scheduleReconnect()
		return
	}
	c.attach(conn)
}

func (c *Channel) armPing() {
	if c.opts.PingInterval <= 0 {
		return
	}
	gen := c.gen
	c.pingTimer = c.loop.AfterFunc(c.opts.PingInterval, func() {
		if c.closed || gen != c.gen || c.conn == nil {
			return
		}
		if err := c.write(websocket.PingMessage, nil); err != nil {
			c.handleDrop(gen, err)
			return
		}
		c.armPing()
	})
}

func (c *Channel) setState(s State, err error) {
	if c.state == s && err == nil {
		return
	}
	c.state = s
	for _, l := range c.stateListeners {
		l(s, err)
	}
}
