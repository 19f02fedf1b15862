package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marketchat/pkg/eventloop"
	"github.com/go-go-golems/marketchat/pkg/notify"
	"github.com/go-go-golems/marketchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/marketchat/pkg/signaling"
)

const me = "buyer-1"

type fakeTransport struct {
	mu      sync.Mutex
	sent    []signaling.Frame
	failErr error
	onFrame func(signaling.Frame)
	onState signaling.StateListener
}

func (f *fakeTransport) Send(fr signaling.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeTransport) OnFrame(h func(signaling.Frame))   { f.onFrame = h }
func (f *fakeTransport) OnState(l signaling.StateListener) { f.onState = l }

func (f *fakeTransport) frames(kind signaling.Kind) []signaling.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Frame
	for _, fr := range f.sent {
		if fr.FrameKind() == kind {
			out = append(out, fr)
		}
	}
	return out
}

type typingEvent struct {
	conv, user string
	typing     bool
}

type recorder struct {
	NopObserver
	mu       sync.Mutex
	typing   []typingEvent
	incoming []string
	changes  int
}

func (r *recorder) MessagesChanged(string, []Message) {
	r.mu.Lock()
	r.changes++
	r.mu.Unlock()
}

func (r *recorder) TypingChanged(conv, user string, typing bool) {
	r.mu.Lock()
	r.typing = append(r.typing, typingEvent{conv, user, typing})
	r.mu.Unlock()
}

func (r *recorder) IncomingCall(conv string) {
	r.mu.Lock()
	r.incoming = append(r.incoming, conv)
	r.mu.Unlock()
}

func (r *recorder) typingEvents() []typingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]typingEvent(nil), r.typing...)
}

type fakeHistory struct {
	msgs []Message
	err  error
}

func (h *fakeHistory) FetchHistory(context.Context, string) ([]Message, error) {
	return h.msgs, h.err
}

type harness struct {
	loop *eventloop.Loop
	tr   *fakeTransport
	c    *Coordinator
	rec  *recorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(cancel)

	if opts.UserID == "" {
		opts.UserID = me
	}
	tr := &fakeTransport{}
	c, err := New(context.Background(), loop, tr, opts)
	require.NoError(t, err)
	rec := &recorder{}
	require.NoError(t, c.Subscribe(context.Background(), rec))
	return &harness{loop: loop, tr: tr, c: c, rec: rec}
}

// deliver feeds an inbound frame exactly as the channel would.
func (h *harness) deliver(t *testing.T, f signaling.Frame) {
	t.Helper()
	require.NoError(t, h.loop.Call(context.Background(), func() { h.tr.onFrame(f) }))
}

func (h *harness) messages(t *testing.T, conv string) []Message {
	t.Helper()
	msgs, err := h.c.Messages(context.Background(), conv)
	require.NoError(t, err)
	return msgs
}

func TestNewRequiresUserID(t *testing.T) {
	_, err := New(context.Background(), eventloop.New(), &fakeTransport{}, Options{})
	require.ErrorIs(t, err, ErrMissingIdentity)
}

func TestSendThenAckReconcilesEntry(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	handle, err := h.c.SendMessage(ctx, "c1", "hello")
	require.NoError(t, err)

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, StatusPending, msgs[0].Status)
	require.Equal(t, handle.TempID(), msgs[0].TempID)

	sent := h.tr.frames(signaling.KindChat)
	require.Len(t, sent, 1)
	out := sent[0].(signaling.ChatFrame)
	require.Equal(t, handle.TempID(), out.TempID)
	require.Equal(t, me, out.SenderID)

	h.deliver(t, signaling.ChatFrame{ConversationID: "c1", TempID: out.TempID, ID: "m100", SenderID: me, Content: "hello"})

	msg, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "m100", msg.ID)

	msgs = h.messages(t, "c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m100", msgs[0].ID)
	require.Equal(t, StatusSent, msgs[0].Status)
	require.Equal(t, "hello", msgs[0].Content)
}

func TestSendCancelledWhileQueuedSendsNothing(t *testing.T) {
	h := newHarness(t, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, h.loop.Post(func() {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handle, err := h.c.SendMessage(ctx, "c1", "hello")
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, handle)
	close(release)

	require.Empty(t, h.messages(t, "c1"))
	require.Empty(t, h.tr.frames(signaling.KindChat))

	handle, err = h.c.SendMessage(context.Background(), "c1", "hello")
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.Len(t, h.messages(t, "c1"), 1)
	require.Len(t, h.tr.frames(signaling.KindChat), 1)
}

func TestEmptyMessageRejected(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.c.SendMessage(context.Background(), "c1", "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, h.messages(t, "c1"))
}

func TestSendTimeoutMarksFailedAndRetry(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	handle, err := h.c.SendMessage(ctx, "c1", "anyone there?")
	require.NoError(t, err)

	_, err = handle.Wait(ctx)
	var terr *SendTimeoutError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, handle.TempID(), terr.TempID)

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 1)
	require.Equal(t, StatusFailed, msgs[0].Status)

	_, err = h.c.RetrySend(ctx, "c1", "tmp-unknown")
	require.ErrorIs(t, err, ErrUnknownMessage)

	retry, err := h.c.RetrySend(ctx, "c1", handle.TempID())
	require.NoError(t, err)
	require.Equal(t, StatusPending, h.messages(t, "c1")[0].Status)

	sent := h.tr.frames(signaling.KindChat)
	require.Len(t, sent, 2)
	require.Equal(t, handle.TempID(), sent[1].(signaling.ChatFrame).TempID)

	_, err = h.c.RetrySend(ctx, "c1", handle.TempID())
	require.ErrorIs(t, err, ErrNotRetryable)

	h.deliver(t, signaling.ChatFrame{ConversationID: "c1", TempID: handle.TempID(), ID: "m7", SenderID: me})
	_, err = retry.Wait(ctx)
	require.NoError(t, err)
	msgs = h.messages(t, "c1")
	require.Len(t, msgs, 1)
	require.Equal(t, StatusSent, msgs[0].Status)
}

func TestLateAckAfterTimeoutStillReconciles(t *testing.T) {
	h := newHarness(t, Options{AckTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	handle, err := h.c.SendMessage(ctx, "c1", "slow")
	require.NoError(t, err)
	<-handle.Done()
	require.Error(t, handle.Err())

	h.deliver(t, signaling.ChatFrame{ConversationID: "c1", TempID: handle.TempID(), ID: "m9", SenderID: me})
	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m9", msgs[0].ID)
	require.Equal(t, StatusSent, msgs[0].Status)

	var terr *SendTimeoutError
	require.ErrorAs(t, handle.Err(), &terr)
}

func TestTransportSendFailureFailsImmediately(t *testing.T) {
	h := newHarness(t, Options{})
	h.tr.failErr = signaling.ErrClosed

	handle, err := h.c.SendMessage(context.Background(), "c1", "hi")
	require.NoError(t, err)
	<-handle.Done()
	require.ErrorIs(t, handle.Err(), signaling.ErrClosed)
	require.Equal(t, StatusFailed, h.messages(t, "c1")[0].Status)
}

func TestInboundMessagesAppendOnceInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	for _, id := range []string{"m1", "m2", "m1", "m3"} {
		h.deliver(t, signaling.ChatFrame{ConversationID: "c1", ID: id, SenderID: "seller-9", Content: "msg " + id})
	}
	h.deliver(t, signaling.ChatFrame{ConversationID: "c1", SenderID: "seller-9", Content: "no id"})

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	require.Equal(t, StatusReceived, msgs[0].Status)
}

func TestLoadHistoryMergeIsIdempotent(t *testing.T) {
	hist := &fakeHistory{}
	h := newHarness(t, Options{History: hist})
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		f := signaling.ChatFrame{ConversationID: "c1", ID: id, SenderID: "seller-9", Content: id}
		hist.msgs = append(hist.msgs, Message{ID: id, SenderID: "seller-9", Content: id, SentAt: time.Unix(int64(i), 0)})
		h.deliver(t, f)
	}

	added, err := h.c.LoadHistory(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, added)
	require.Len(t, h.messages(t, "c1"), 5)

	added, err = h.c.LoadHistory(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, added)
	require.Len(t, h.messages(t, "c1"), 5)
}

func TestLoadHistoryReconcilesOptimisticEntries(t *testing.T) {
	hist := &fakeHistory{}
	h := newHarness(t, Options{History: hist})
	ctx := context.Background()

	handle, err := h.c.SendMessage(ctx, "c1", "mine")
	require.NoError(t, err)
	hist.msgs = []Message{
		{ID: "m1", SenderID: "seller-9", Content: "earlier"},
		{ID: "m2", TempID: handle.TempID(), SenderID: me, Content: "mine"},
		{ID: "m3", SenderID: "seller-9", Content: "later"},
	}

	added, err := h.c.LoadHistory(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, added)

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 3)
	require.Equal(t, "m2", msgs[0].ID)
	require.Equal(t, StatusSent, msgs[0].Status)
	require.Equal(t, []string{"m1", "m3"}, []string{msgs[1].ID, msgs[2].ID})

	_, err = handle.Wait(ctx)
	require.NoError(t, err)
}

func TestLoadHistoryBeforeAckKeepsOneEntry(t *testing.T) {
	hist := &fakeHistory{}
	h := newHarness(t, Options{History: hist, AckTimeout: time.Minute})
	ctx := context.Background()

	first, err := h.c.SendMessage(ctx, "c1", "hello")
	require.NoError(t, err)
	second, err := h.c.SendMessage(ctx, "c1", "hello")
	require.NoError(t, err)
	hist.msgs = []Message{
		{ID: "m99", SenderID: "seller-9", Content: "hi"},
		{ID: "m100", SenderID: me, Content: "hello"},
	}

	added, err := h.c.LoadHistory(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, added)

	msg, err := first.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "m100", msg.ID)
	require.NoError(t, second.Err())

	h.deliver(t, signaling.ChatFrame{ConversationID: "c1", TempID: first.TempID(), ID: "m100", SenderID: me})
	h.deliver(t, signaling.ChatFrame{ConversationID: "c1", TempID: second.TempID(), ID: "m101", SenderID: me})

	msgs := h.messages(t, "c1")
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"m100", "m101", "m99"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	require.Equal(t, StatusSent, msgs[0].Status)
	require.Equal(t, StatusSent, msgs[1].Status)

	_, err = second.Wait(ctx)
	require.NoError(t, err)

	added, err = h.c.LoadHistory(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, added)
	require.Len(t, h.messages(t, "c1"), 3)
}

func TestLoadHistoryErrors(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.c.LoadHistory(context.Background(), "c1")
	require.Error(t, err)

	h = newHarness(t, Options{History: &fakeHistory{err: errors.New("503")}})
	_, err = h.c.LoadHistory(context.Background(), "c1")
	require.ErrorContains(t, err, "503")
}

func TestTypingEdgesBecomeFrames(t *testing.T) {
	h := newHarness(t, Options{TypingQuiet: 30 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.c.NotifyTyping(ctx, "c1"))
	}
	require.Len(t, h.tr.frames(signaling.KindTyping), 1)
	require.True(t, h.tr.frames(signaling.KindTyping)[0].(signaling.TypingFrame).Typing)

	require.Eventually(t, func() bool { return len(h.tr.frames(signaling.KindTyping)) == 2 }, time.Second, 5*time.Millisecond)
	require.False(t, h.tr.frames(signaling.KindTyping)[1].(signaling.TypingFrame).Typing)

	require.NoError(t, h.c.NotifyTyping(ctx, "c1"))
	_, err := h.c.SendMessage(ctx, "c1", "done typing")
	require.NoError(t, err)
	typingFrames := h.tr.frames(signaling.KindTyping)
	require.Len(t, typingFrames, 4)
	require.False(t, typingFrames[3].(signaling.TypingFrame).Typing)
}

func TestRemoteTypingTracked(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.deliver(t, signaling.TypingFrame{ConversationID: "c1", SenderID: "seller-9", Typing: true})
	h.deliver(t, signaling.TypingFrame{ConversationID: "c1", SenderID: "seller-9", Typing: true})
	h.deliver(t, signaling.TypingFrame{ConversationID: "c1", SenderID: me, Typing: true})

	who, err := h.c.RemoteTyping(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"seller-9"}, who)
	require.Equal(t, []typingEvent{{"c1", "seller-9", true}}, h.rec.typingEvents())

	h.deliver(t, signaling.ChatFrame{ConversationID: "c1", ID: "m1", SenderID: "seller-9", Content: "here"})
	who, err = h.c.RemoteTyping(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, who)

	h.deliver(t, signaling.TypingFrame{ConversationID: "c1", SenderID: "seller-9", Typing: true})
	require.NoError(t, h.loop.Call(ctx, func() { h.tr.onState(signaling.StateReconnecting, nil) }))
	who, err = h.c.RemoteTyping(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, who)
}

func TestDisconnectResetsLocalTyping(t *testing.T) {
	h := newHarness(t, Options{TypingQuiet: time.Minute})
	ctx := context.Background()

	require.NoError(t, h.c.NotifyTyping(ctx, "c1"))
	require.NoError(t, h.loop.Call(ctx, func() { h.tr.onState(signaling.StateReconnecting, nil) }))

	frames := h.tr.frames(signaling.KindTyping)
	require.Len(t, frames, 2)
	require.False(t, frames[1].(signaling.TypingFrame).Typing)
}

func TestNotificationFramesReachRouter(t *testing.T) {
	router := notify.NewRouter(notify.Preferences{notify.Promotions: false})
	inbox := notify.NewInbox(0)
	h := newHarness(t, Options{Router: router})
	require.NoError(t, h.loop.Call(context.Background(), func() { router.Subscribe(inbox) }))

	h.deliver(t, signaling.NotificationFrame{ID: "n1", Category: "promotions", Message: "sale"})
	h.deliver(t, signaling.NotificationFrame{ID: "n2", Category: "escrowUpdates", Message: "funds held"})

	entries := inbox.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "n2", entries[0].ID)
}

func TestStoreWriteThroughAndHydration(t *testing.T) {
	store := chatstore.NewInMemoryMessageStore(0)
	ctx := context.Background()

	h := newHarness(t, Options{Store: store, AckTimeout: time.Minute})
	acked, err := h.c.SendMessage(ctx, "c1", "acked")
	require.NoError(t, err)
	_, err = h.c.SendMessage(ctx, "c1", "never acked")
	require.NoError(t, err)
	h.deliver(t, signaling.ChatFrame{ConversationID: "c1", TempID: acked.TempID(), ID: "m100", SenderID: me})
	h.deliver(t, signaling.ChatFrame{ConversationID: "c1", ID: "m101", SenderID: "seller-9", Content: "reply"})
	require.NoError(t, h.c.Close(ctx))

	_, err = h.c.SendMessage(ctx, "c1", "after close")
	require.ErrorIs(t, err, ErrClosed)

	h2 := newHarness(t, Options{Store: store})
	msgs, err := h2.c.Open(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "m100", msgs[0].ID)
	require.Equal(t, StatusSent, msgs[0].Status)
	require.Equal(t, StatusFailed, msgs[1].Status)
	require.Equal(t, "reply", msgs[2].Content)

	// a second Open does not duplicate
	msgs, err = h2.c.Open(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// the restored failed entry can be retried
	_, err = h2.c.RetrySend(ctx, "c1", msgs[1].TempID)
	require.NoError(t, err)
}

func TestObserverPanicIsIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.c.Subscribe(context.Background(), panicky{}))
	after := &recorder{}
	require.NoError(t, h.c.Subscribe(context.Background(), after))

	_, err := h.c.SendMessage(context.Background(), "c1", "hi")
	require.NoError(t, err)
	after.mu.Lock()
	defer after.mu.Unlock()
	require.Equal(t, 1, after.changes)
}

type panicky struct{ NopObserver }

func (panicky) MessagesChanged(string, []Message) { panic("observer bug") }
