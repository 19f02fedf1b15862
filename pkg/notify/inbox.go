package notify

import (
	"sync"

	"github.com/samber/lo"
)

const DefaultInboxCapacity = 200

type InboxEntry struct {
	Notification
	Read bool
}

// Inbox is a Sink that keeps delivered notifications, newest first. It is
// safe to read from outside the event loop.
type Inbox struct {
	mu       sync.RWMutex
	entries  []InboxEntry
	capacity int
}

func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &Inbox{capacity: capacity}
}

func (i *Inbox) Deliver(n Notification) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = append([]InboxEntry{{Notification: n}}, i.entries...)
	if len(i.entries) > i.capacity {
		i.entries = i.entries[:i.capacity]
	}
	return nil
}

func (i *Inbox) Entries() []InboxEntry {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]InboxEntry(nil), i.entries...)
}

func (i *Inbox) Unread() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return lo.CountBy(i.entries, func(e InboxEntry) bool { return !e.Read })
}

// MarkRead reports whether an entry with the id was found.
func (i *Inbox) MarkRead(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.entries {
		if i.entries[idx].ID == id {
			i.entries[idx].Read = true
			return true
		}
	}
	return false
}

func (i *Inbox) MarkAllRead() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.entries {
		i.entries[idx].Read = true
	}
}

func (i *Inbox) Clear() {
	i.mu.Lock()
	i.entries = nil
	i.mu.Unlock()
}
