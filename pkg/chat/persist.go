package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/marketchat/pkg/persistence/chatstore"
)

type recordKey struct {
	conv, entry string
}

// persister writes log entries to the message store on its own goroutine so
// the event loop never blocks on disk. Writes for the same entry coalesce:
// only the latest queued record of an entry is written, so a slow store
// never loses a status change.
type persister struct {
	store chatstore.MessageStore
	wake  chan struct{}
	done  chan struct{}
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[recordKey]chatstore.MessageRecord
	order   []recordKey
	closed  bool
}

func newPersister(store chatstore.MessageStore, logger zerolog.Logger) *persister {
	p := &persister{
		store:   store,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     logger.With().Str("subcomponent", "persist").Logger(),
		pending: map[recordKey]chatstore.MessageRecord{},
	}
	go p.run()
	return p
}

func (p *persister) run() {
	defer close(p.done)
	for range p.wake {
		p.flush()
	}
	p.flush()
}

func (p *persister) flush() {
	for {
		batch := p.take()
		if len(batch) == 0 {
			return
		}
		for _, rec := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.store.Upsert(ctx, rec); err != nil {
				p.log.Warn().Err(err).Str("conv_id", rec.ConvID).Str("entry", rec.EntryKey).Msg("message not persisted")
			}
			cancel()
		}
	}
}

// take empties the queue in first-enqueue order.
func (p *persister) take() []chatstore.MessageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return nil
	}
	batch := make([]chatstore.MessageRecord, 0, len(p.order))
	for _, k := range p.order {
		batch = append(batch, p.pending[k])
	}
	p.order = nil
	p.pending = map[recordKey]chatstore.MessageRecord{}
	return batch
}

func (p *persister) enqueue(rec chatstore.MessageRecord) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	k := recordKey{conv: rec.ConvID, entry: rec.EntryKey}
	if _, ok := p.pending[k]; !ok {
		p.order = append(p.order, k)
	}
	p.pending[k] = rec
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// close drains pending writes.
func (p *persister) close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.wake)
	}
	p.mu.Unlock()
	<-p.done
}
