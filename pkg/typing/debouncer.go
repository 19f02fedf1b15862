// Package typing turns raw keystroke activity into typing started/stopped edges.
package typing

import (
	"time"

	"github.com/go-go-golems/marketchat/pkg/eventloop"
)

const DefaultQuietPeriod = 2 * time.Second

type Event int

const (
	Started Event = iota + 1
	Stopped
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Debouncer is loop-confined. Exactly one Started is emitted per
// not-typing→typing edge and exactly one Stopped per quiet-period expiry or
// Reset of a typing state.
type Debouncer struct {
	loop     *eventloop.Loop
	quiet    time.Duration
	emit     func(Event)
	typing   bool
	lastSeen time.Time
	timer    *eventloop.Timer
}

func NewDebouncer(loop *eventloop.Loop, quiet time.Duration, emit func(Event)) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &Debouncer{loop: loop, quiet: quiet, emit: emit}
}

func (d *Debouncer) NotifyActivity() {
	d.lastSeen = time.Now()
	d.timer.Stop()
	if !d.typing {
		d.typing = true
		d.emit(Started)
	}
	d.timer = d.loop.AfterFunc(d.quiet, d.expire)
}

func (d *Debouncer) expire() {
	if !d.typing {
		return
	}
	d.typing = false
	d.timer = nil
	d.emit(Stopped)
}

// Reset forces the not-typing state, emitting Stopped only when typing.
func (d *Debouncer) Reset() {
	d.timer.Stop()
	d.timer = nil
	if d.typing {
		d.typing = false
		d.emit(Stopped)
	}
}

func (d *Debouncer) Typing() bool { return d.typing }

// LastActivity is the time of the most recent NotifyActivity call.
func (d *Debouncer) LastActivity() time.Time { return d.lastSeen }
