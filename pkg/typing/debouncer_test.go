package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marketchat/pkg/eventloop"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func setup(t *testing.T, quiet time.Duration) (*eventloop.Loop, *Debouncer, *recorder) {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(cancel)
	rec := &recorder{}
	return loop, NewDebouncer(loop, quiet, rec.emit), rec
}

func on(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	require.NoError(t, loop.Call(context.Background(), fn))
}

func TestBurstEmitsSingleStartedThenSingleStopped(t *testing.T) {
	loop, d, rec := setup(t, 60*time.Millisecond)

	for i := 0; i < 5; i++ {
		on(t, loop, d.NotifyActivity)
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, []Event{Started}, rec.snapshot())

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []Event{Started, Stopped}, rec.snapshot())

	require.Never(t, func() bool { return len(rec.snapshot()) > 2 }, 120*time.Millisecond, 10*time.Millisecond)
	on(t, loop, func() { require.False(t, d.Typing()) })
}

func TestResetBeforeExpirySuppressesTimer(t *testing.T) {
	loop, d, rec := setup(t, 40*time.Millisecond)

	on(t, loop, d.NotifyActivity)
	on(t, loop, d.Reset)
	require.Equal(t, []Event{Started, Stopped}, rec.snapshot())

	require.Never(t, func() bool { return len(rec.snapshot()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestResetWhenIdleEmitsNothing(t *testing.T) {
	loop, d, rec := setup(t, 40*time.Millisecond)

	on(t, loop, d.Reset)
	on(t, loop, d.Reset)
	require.Empty(t, rec.snapshot())
}

func TestNewEdgeAfterStopped(t *testing.T) {
	loop, d, rec := setup(t, 20*time.Millisecond)

	on(t, loop, d.NotifyActivity)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	on(t, loop, d.NotifyActivity)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []Event{Started, Stopped, Started, Stopped}, rec.snapshot())
}
