// Package eventloop provides the single goroutine on which all session state
// is mutated.
//
// Components that own real-time state (signaling channel, typing debouncers,
// call sessions, the notification router and the chat coordinator) are
// confined to one Loop. Blocking work runs elsewhere and posts its result back
// with Post, so no two handlers ever run at the same time.
package eventloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("event loop stopped")

const defaultQueueSize = 256

type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
	log   zerolog.Logger
}

type Option func(*Loop)

func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.tasks = make(chan func(), n)
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) {
		l.log = logger
	}
}

func New(opts ...Option) *Loop {
	l := &Loop{
		tasks: make(chan func(), defaultQueueSize),
		done:  make(chan struct{}),
		log:   log.With().Str("component", "eventloop").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes posted tasks in FIFO order until ctx is cancelled or Stop is
// called. Tasks still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("panic", fmt.Sprint(r)).Msg("recovered panic in loop task")
		}
	}()
	fn()
}

func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the loop stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post enqueues fn. It blocks while the queue is full and returns false when
// the loop stopped before fn was accepted.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from a task running on the same loop.
//
// When ctx ends before fn started, fn never runs and ctx.Err() is returned.
// Once fn started, Call waits for it, so a nil error always means fn ran and
// a non-nil error means it did not.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	const (
		pending int32 = iota
		running
		abandoned
	)
	var state atomic.Int32
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		if !state.CompareAndSwap(pending, running) {
			return
		}
		fn()
	}) {
		return ErrStopped
	}

	wait := func() error {
		select {
		case <-finished:
			return nil
		case <-l.done:
			select {
			case <-finished:
				return nil
			default:
			}
			if state.CompareAndSwap(pending, abandoned) {
				return ErrStopped
			}
			<-finished
			return nil
		}
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return wait()
	case <-ctx.Done():
		if state.CompareAndSwap(pending, abandoned) {
			return ctx.Err()
		}
		return wait()
	}
}

// Timer is a one-shot timer whose callback runs on the loop.
// Stop and the callback are both loop-confined, so a stopped timer never fires.
type Timer struct {
	t       *time.Timer
	stopped bool
	fired   bool
}

// AfterFunc arms a timer that runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped {
				return
			}
			tm.fired = true
			fn()
		})
	})
	return tm
}

// Stop must be called on the loop. It reports whether the timer was still
// pending.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}

func (t *Timer) Pending() bool {
	return t != nil && !t.stopped && !t.fired
}
