package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marketchat/pkg/eventloop"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	inbound  chan []byte
	closedCh chan struct{}
	closed   bool
	failNext bool
}

func newStubConn() *stubConn {
	return &stubConn{inbound: make(chan []byte, 16), closedCh: make(chan struct{})}
}

func (s *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.inbound:
		return websocket.TextMessage, data, nil
	case <-s.closedCh:
		return 0, nil, errors.New("connection reset")
	}
}

func (s *stubConn) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	if s.failNext {
		s.failNext = false
		return errors.New("broken pipe")
	}
	if messageType == websocket.TextMessage {
		s.writes = append(s.writes, append([]byte(nil), data...))
	}
	return nil
}

func (s *stubConn) SetWriteDeadline(time.Time) error { return nil }

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closedCh)
	}
	return nil
}

func (s *stubConn) chatContents(t *testing.T) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, w := range s.writes {
		var v map[string]any
		require.NoError(t, json.Unmarshal(w, &v))
		if v["kind"] == "chat" {
			out = append(out, v["content"].(string))
		}
	}
	return out
}

// stubDialer hands out queued connections; an empty queue fails the dial.
type stubDialer struct {
	mu    sync.Mutex
	conns []*stubConn
	dials int
}

func (d *stubDialer) push(c *stubConn) {
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
}

func (d *stubDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *stubDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func fastOptions() Options {
	return Options{
		BufferSize:     100,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Jitter:         0.2,
		DegradedAfter:  3,
		DialTimeout:    time.Second,
		WriteTimeout:   time.Second,
	}
}

func newTestChannel(t *testing.T, d Dialer, opts Options) (*eventloop.Loop, *Channel) {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(cancel)
	return loop, NewChannel(loop, d, opts)
}

func on(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	require.NoError(t, loop.Call(context.Background(), fn))
}

func chat(content string) ChatFrame {
	return ChatFrame{ConversationID: "c1", SenderID: "buyer-1", Content: content, TempID: content}
}

func TestChannelConnectFailureReturnsConnectionError(t *testing.T) {
	d := &stubDialer{}
	loop, ch := newTestChannel(t, d, fastOptions())

	err := ch.Connect(context.Background(), "ws://example.invalid/ws")
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	require.False(t, cerr.Degraded)

	on(t, loop, func() { require.Equal(t, StateDisconnected, ch.State()) })
	require.Never(t, func() bool { return d.dialCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestChannelDispatchesInReceiptOrder(t *testing.T) {
	conn := newStubConn()
	d := &stubDialer{}
	d.push(conn)
	loop, ch := newTestChannel(t, d, fastOptions())

	var mu sync.Mutex
	var got []string
	on(t, loop, func() {
		ch.OnFrame(func(f Frame) {
			mu.Lock()
			got = append(got, f.(ChatFrame).Content)
			mu.Unlock()
		})
	})
	require.NoError(t, ch.Connect(context.Background(), "ws://test"))

	for _, c := range []string{"a", "b", "c"} {
		b, err := Encode(chat(c))
		require.NoError(t, err)
		conn.inbound <- b
	}
	conn.inbound <- []byte(`{"kind":"bogus"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestChannelBufferedFramesDeliveredOnceAfterReconnect(t *testing.T) {
	first := newStubConn()
	second := newStubConn()
	d := &stubDialer{}
	d.push(first)
	loop, ch := newTestChannel(t, d, fastOptions())

	var states []State
	on(t, loop, func() {
		ch.OnState(func(s State, _ error) { states = append(states, s) })
	})
	require.NoError(t, ch.Connect(context.Background(), "ws://test"))

	// server drops the connection, nothing available to redial yet
	_ = first.Close()
	require.Eventually(t, func() bool {
		var s State
		_ = loop.Call(context.Background(), func() { s = ch.State() })
		return s == StateReconnecting
	}, time.Second, 5*time.Millisecond)

	on(t, loop, func() {
		require.NoError(t, ch.Send(chat("m1")))
		require.NoError(t, ch.Send(chat("m2")))
		require.Equal(t, 2, ch.Buffered())
	})

	d.push(second)
	require.Eventually(t, func() bool {
		return len(second.chatContents(t)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"m1", "m2"}, second.chatContents(t))
	require.Empty(t, first.chatContents(t))

	on(t, loop, func() {
		require.Equal(t, 0, ch.Buffered())
		require.Contains(t, states, StateReconnecting)
		require.Equal(t, StateOpen, states[len(states)-1])
	})
}

func TestChannelFailedWriteRequeuesFrame(t *testing.T) {
	first := newStubConn()
	second := newStubConn()
	d := &stubDialer{}
	d.push(first)
	loop, ch := newTestChannel(t, d, fastOptions())
	require.NoError(t, ch.Connect(context.Background(), "ws://test"))

	first.mu.Lock()
	first.failNext = true
	first.mu.Unlock()
	d.push(second)

	on(t, loop, func() { require.NoError(t, ch.Send(chat("once"))) })

	require.Eventually(t, func() bool { return len(second.chatContents(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, first.chatContents(t))
	require.Never(t, func() bool { return len(second.chatContents(t)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestChannelBackpressureDropsOldest(t *testing.T) {
	opts := fastOptions()
	opts.BufferSize = 2
	loop, ch := newTestChannel(t, &stubDialer{}, opts)

	var warnings []*BackpressureWarning
	on(t, loop, func() {
		ch.OnWarning(func(w *BackpressureWarning) { warnings = append(warnings, w) })
		require.NoError(t, ch.Send(chat("m1")))
		require.NoError(t, ch.Send(chat("m2")))
		require.NoError(t, ch.Send(chat("m3")))
		require.Equal(t, 2, ch.Buffered())
		require.Len(t, warnings, 1)
		require.Equal(t, "m1", warnings[0].Dropped.(ChatFrame).Content)
		require.Equal(t, 2, warnings[0].Capacity)
	})
}

func TestChannelReportsDegradedOnce(t *testing.T) {
	conn := newStubConn()
	d := &stubDialer{}
	d.push(conn)
	loop, ch := newTestChannel(t, d, fastOptions())

	var mu sync.Mutex
	var degraded []*ConnectionError
	on(t, loop, func() {
		ch.OnState(func(_ State, err error) {
			var cerr *ConnectionError
			if errors.As(err, &cerr) && cerr.Degraded {
				mu.Lock()
				degraded = append(degraded, cerr)
				mu.Unlock()
			}
		})
	})
	require.NoError(t, ch.Connect(context.Background(), "ws://test"))
	_ = conn.Close()

	require.Eventually(t, func() bool { return d.dialCount() >= 7 }, 3*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, degraded, 1)
	require.GreaterOrEqual(t, degraded[0].Attempts, 3)
}

func TestChannelCloseStopsDispatchAndReconnect(t *testing.T) {
	conn := newStubConn()
	d := &stubDialer{}
	d.push(conn)
	loop, ch := newTestChannel(t, d, fastOptions())

	var mu sync.Mutex
	calls := 0
	on(t, loop, func() {
		ch.OnFrame(func(Frame) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
	})
	require.NoError(t, ch.Connect(context.Background(), "ws://test"))
	require.NoError(t, ch.Close(context.Background()))

	b, err := Encode(chat("late"))
	require.NoError(t, err)
	select {
	case conn.inbound <- b:
	default:
	}

	require.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 1, d.dialCount())

	on(t, loop, func() {
		require.Equal(t, StateClosed, ch.State())
		require.ErrorIs(t, ch.Send(chat("after-close")), ErrClosed)
	})
	require.ErrorIs(t, ch.Connect(context.Background(), "ws://test"), ErrClosed)
}

func TestChannelCloseDuringFailingDialStaysClosed(t *testing.T) {
	dialing := make(chan struct{})
	fail := make(chan struct{})
	d := DialerFunc(func(context.Context, string) (Conn, error) {
		close(dialing)
		<-fail
		return nil, errors.New("connection refused")
	})
	loop, ch := newTestChannel(t, d, fastOptions())

	var mu sync.Mutex
	var states []State
	on(t, loop, func() {
		ch.OnState(func(s State, _ error) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})
	})

	errc := make(chan error, 1)
	go func() { errc <- ch.Connect(context.Background(), "ws://test") }()
	<-dialing
	require.NoError(t, ch.Close(context.Background()))
	close(fail)
	require.ErrorIs(t, <-errc, ErrClosed)

	on(t, loop, func() { require.Equal(t, StateClosed, ch.State()) })
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateConnecting, StateClosed}, states)
}
