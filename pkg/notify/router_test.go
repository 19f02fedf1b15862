package notify

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marketchat/pkg/signaling"
)

func frame(id string, c Category) signaling.NotificationFrame {
	return signaling.NotificationFrame{ID: id, Category: string(c), Message: "payment released", Severity: "success"}
}

func TestDisabledCategoryIsDropped(t *testing.T) {
	r := NewRouter(Preferences{EscrowUpdates: false})
	inbox := NewInbox(0)
	r.Subscribe(inbox)

	require.False(t, r.HandleFrame(frame("n1", EscrowUpdates)))
	require.Empty(t, inbox.Entries())

	r.SetPreferences(Preferences{EscrowUpdates: true})
	require.True(t, r.HandleFrame(frame("n2", EscrowUpdates)))
	entries := inbox.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "n2", entries[0].ID)
	require.Equal(t, EscrowUpdates, entries[0].Category)
}

func TestAbsentCategoryDefaultsToEnabled(t *testing.T) {
	r := NewRouter(nil)
	var got []string
	r.Subscribe(SinkFunc(func(n Notification) error {
		got = append(got, n.ID)
		return nil
	}))
	require.True(t, r.HandleFrame(frame("n1", Promotions)))
	require.Equal(t, []string{"n1"}, got)
}

func TestSetPreferencesIsNotRetroactive(t *testing.T) {
	r := NewRouter(nil)
	inbox := NewInbox(0)
	r.Subscribe(inbox)
	r.HandleFrame(frame("n1", OrderUpdates))

	r.SetPreferences(Preferences{OrderUpdates: false})
	r.HandleFrame(frame("n2", OrderUpdates))

	require.Len(t, inbox.Entries(), 1)
	require.Equal(t, "n1", inbox.Entries()[0].ID)
}

func TestSinkFailuresAreIsolated(t *testing.T) {
	r := NewRouter(nil)
	var order []string
	r.Subscribe(SinkFunc(func(Notification) error {
		order = append(order, "erroring")
		return errors.New("boom")
	}))
	r.Subscribe(SinkFunc(func(Notification) error {
		order = append(order, "panicking")
		panic("sink exploded")
	}))
	r.Subscribe(SinkFunc(func(Notification) error {
		order = append(order, "healthy")
		return nil
	}))

	require.NotPanics(t, func() { r.HandleFrame(frame("n1", System)) })
	require.Equal(t, []string{"erroring", "panicking", "healthy"}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRouter(nil)
	count := 0
	id := r.Subscribe(SinkFunc(func(Notification) error {
		count++
		return nil
	}))
	r.HandleFrame(frame("n1", System))
	r.Unsubscribe(id)
	r.HandleFrame(frame("n2", System))
	require.Equal(t, 1, count)
}

func TestSeverityDefaultsToInfo(t *testing.T) {
	r := NewRouter(nil)
	inbox := NewInbox(0)
	r.Subscribe(inbox)
	r.HandleFrame(signaling.NotificationFrame{ID: "n1", Category: string(System), Message: "maintenance"})
	require.Equal(t, "info", inbox.Entries()[0].Severity)
}

func TestPreferencesAreCopied(t *testing.T) {
	prefs := Preferences{Promotions: false}
	r := NewRouter(prefs)
	prefs[Promotions] = true
	require.False(t, r.Preferences().Enabled(Promotions))
}
