package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marketchat/pkg/notify"
)

const defaultFetchConcurrency = 4

// Fetcher is the part of *Client the dashboard reads through.
type Fetcher interface {
	FetchTransactions(ctx context.Context) ([]Transaction, error)
	FetchTimeline(ctx context.Context, txID string) ([]DeliveryStep, error)
	FetchDispute(ctx context.Context, txID string) (*Dispute, error)
}

type Summary struct {
	StatusCounts map[TransactionStatus]int
	DisputeCount int
	TotalAmount  map[string]float64
}

type Snapshot struct {
	Transactions []Transaction
	Timelines    map[string][]DeliveryStep
	Disputes     map[string]*Dispute
	Summary      Summary
	FetchedAt    time.Time
}

func (s Snapshot) Transaction(id string) (Transaction, bool) {
	return lo.Find(s.Transactions, func(t Transaction) bool { return t.ID == id })
}

type DashboardOptions struct {
	Concurrency int
	// RefreshTimeout bounds one notification-triggered refresh.
	RefreshTimeout time.Duration
}

// Dashboard holds the latest escrow snapshot. It subscribes to
// notifications as a notify.Sink and refreshes in the background when an
// escrow or delivery update arrives.
type Dashboard struct {
	fetch Fetcher
	opts  DashboardOptions
	log   zerolog.Logger

	trigger chan struct{}

	mu       sync.Mutex
	snap     Snapshot
	lastErr  error
	onUpdate []func(Snapshot, error)
}

var _ notify.Sink = (*Dashboard)(nil)

func NewDashboard(fetch Fetcher, opts DashboardOptions) *Dashboard {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultFetchConcurrency
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	return &Dashboard{
		fetch:   fetch,
		opts:    opts,
		log:     log.With().Str("component", "escrow").Logger(),
		trigger: make(chan struct{}, 1),
	}
}

// OnUpdate registers a callback run after every refresh, from the refreshing
// goroutine.
func (d *Dashboard) OnUpdate(fn func(Snapshot, error)) {
	d.mu.Lock()
	d.onUpdate = append(d.onUpdate, fn)
	d.mu.Unlock()
}

func (d *Dashboard) Snapshot() (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap, d.lastErr
}

// Refresh fetches transactions, then every transaction's timeline and the
// disputes of disputed transactions. A failed refresh keeps the previous
// snapshot.
func (d *Dashboard) Refresh(ctx context.Context) (Snapshot, error) {
	snap, err := d.load(ctx)

	d.mu.Lock()
	d.lastErr = err
	if err == nil {
		d.snap = snap
	} else {
		snap = d.snap
	}
	listeners := append(([]func(Snapshot, error))(nil), d.onUpdate...)
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(snap, err)
	}
	return snap, err
}

func (d *Dashboard) load(ctx context.Context) (Snapshot, error) {
	txs, err := d.fetch.FetchTransactions(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	timelines := make([][]DeliveryStep, len(txs))
	disputes := make([]*Dispute, len(txs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, tx := range txs {
		g.Go(func() error {
			steps, err := d.fetch.FetchTimeline(gctx, tx.ID)
			if err != nil {
				return err
			}
			timelines[i] = steps
			return nil
		})
		if tx.Disputed() {
			g.Go(func() error {
				dispute, err := d.fetch.FetchDispute(gctx, tx.ID)
				if err != nil {
					return err
				}
				disputes[i] = dispute
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, errors.Wrap(err, "refresh escrow dashboard")
	}

	snap := Snapshot{
		Transactions: txs,
		Timelines:    map[string][]DeliveryStep{},
		Disputes:     map[string]*Dispute{},
		Summary:      summarize(txs),
		FetchedAt:    time.Now(),
	}
	for i, tx := range txs {
		snap.Timelines[tx.ID] = timelines[i]
		if disputes[i] != nil {
			snap.Disputes[tx.ID] = disputes[i]
		}
	}
	return snap, nil
}

func summarize(txs []Transaction) Summary {
	s := Summary{
		StatusCounts: lo.CountValuesBy(txs, func(t Transaction) TransactionStatus { return t.Status }),
		DisputeCount: lo.CountBy(txs, Transaction.Disputed),
		TotalAmount:  map[string]float64{},
	}
	for _, t := range txs {
		s.TotalAmount[t.Currency] += t.Amount
	}
	return s
}

// Deliver implements notify.Sink. It only schedules a refresh; Run performs
// it. Bursts of updates collapse into one refresh.
func (d *Dashboard) Deliver(n notify.Notification) error {
	if n.Category != notify.EscrowUpdates && n.Category != notify.DeliveryUpdates {
		return nil
	}
	select {
	case d.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Run refreshes once, then again on every scheduled refresh until ctx is
// done.
func (d *Dashboard) Run(ctx context.Context) error {
	refresh := func() {
		rctx, cancel := context.WithTimeout(ctx, d.opts.RefreshTimeout)
		defer cancel()
		if _, err := d.Refresh(rctx); err != nil && ctx.Err() == nil {
			d.log.Warn().Err(err).Msg("escrow refresh failed")
		}
	}
	refresh()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.trigger:
			refresh()
		}
	}
}
