package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryMessageStore is a size-limited, in-memory MessageStore.
// It mirrors the ordering and write-once semantics of the SQLite store.
type InMemoryMessageStore struct {
	mu                 sync.Mutex
	maxMessagesPerConv int
	convs              map[string]*inMemConversation
}

type inMemConversation struct {
	record  ConversationRecord
	entries map[string]MessageRecord
}

var _ MessageStore = &InMemoryMessageStore{}

func NewInMemoryMessageStore(maxMessagesPerConv int) *InMemoryMessageStore {
	if maxMessagesPerConv <= 0 {
		maxMessagesPerConv = 5000
	}
	return &InMemoryMessageStore{
		maxMessagesPerConv: maxMessagesPerConv,
		convs:              map[string]*inMemConversation{},
	}
}

func (s *InMemoryMessageStore) Close() error { return nil }

func (s *InMemoryMessageStore) Upsert(_ context.Context, rec MessageRecord) error {
	if s == nil {
		return errors.New("in-memory message store: nil store")
	}
	if err := validateRecord("in-memory message store", rec); err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[rec.ConvID]
	if !ok {
		conv = &inMemConversation{
			record:  ConversationRecord{ConvID: rec.ConvID, CreatedAtMs: now},
			entries: map[string]MessageRecord{},
		}
		s.convs[rec.ConvID] = conv
	}
	if now > conv.record.LastActivityMs {
		conv.record.LastActivityMs = now
	}

	if existing, ok := conv.entries[rec.EntryKey]; ok {
		if rec.ID != "" {
			existing.ID = rec.ID
		}
		existing.Status = rec.Status
		conv.entries[rec.EntryKey] = existing
		return nil
	}
	if len(conv.entries) >= s.maxMessagesPerConv {
		s.evictOldestLocked(conv)
	}
	conv.entries[rec.EntryKey] = rec
	return nil
}

func (s *InMemoryMessageStore) evictOldestLocked(conv *inMemConversation) {
	var (
		oldestKey string
		oldestPos = -1
	)
	for k, e := range conv.entries {
		if oldestPos == -1 || e.Position < oldestPos {
			oldestKey, oldestPos = k, e.Position
		}
	}
	delete(conv.entries, oldestKey)
}

func (s *InMemoryMessageStore) List(_ context.Context, convID string, limit int) ([]MessageRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return nil, errors.New("in-memory message store: convID is empty")
	}
	if limit <= 0 {
		limit = 5000
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return []MessageRecord{}, nil
	}
	out := make([]MessageRecord, 0, len(conv.entries))
	for _, e := range conv.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position == out[j].Position {
			return out[i].EntryKey < out[j].EntryKey
		}
		return out[i].Position < out[j].Position
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryMessageStore) ListConversations(_ context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConversationRecord, 0, len(s.convs))
	for _, c := range s.convs {
		if sinceMs > 0 && c.record.LastActivityMs < sinceMs {
			continue
		}
		rec := c.record
		rec.MessageCount = len(c.entries)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityMs == out[j].LastActivityMs {
			return out[i].ConvID < out[j].ConvID
		}
		return out[i].LastActivityMs > out[j].LastActivityMs
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
