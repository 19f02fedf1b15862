package escrow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marketchat/pkg/notify"
	"github.com/go-go-golems/marketchat/pkg/restapi"
)

func newAPIClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	api, err := restapi.NewClient(restapi.ClientOptions{BaseURL: srv.URL, RetryMax: -1})
	require.NoError(t, err)
	return NewClient(api)
}

func TestClientEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/escrow-transactions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"tx1","amount":120.5,"currency":"USD","status":"Disputed","disputeReason":"damaged"}]`))
	})
	mux.HandleFunc("/api/escrow/tx1/timeline", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"status":"Shipped","location":"Lagos","timestamp":"2024-05-01T10:00:00Z","latitude":6.5,"longitude":3.4}]`))
	})
	mux.HandleFunc("/api/escrow/tx1/dispute", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reason":"damaged","status":"open"}`))
	})
	c := newAPIClient(t, mux)
	ctx := context.Background()

	txs, err := c.FetchTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.True(t, txs[0].Disputed())
	require.Equal(t, 120.5, txs[0].Amount)

	steps, err := c.FetchTimeline(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, "Lagos", steps[0].Location)
	require.Equal(t, 6.5, steps[0].Latitude)

	d, err := c.FetchDispute(ctx, "tx1")
	require.NoError(t, err)
	require.Equal(t, "open", d.Status)

	d, err = c.FetchDispute(ctx, "tx2")
	require.NoError(t, err)
	require.Nil(t, d)
}

type fakeFetcher struct {
	mu          sync.Mutex
	txs         []Transaction
	txErr       error
	timelineErr error
	calls       atomic.Int32
}

func (f *fakeFetcher) FetchTransactions(context.Context) ([]Transaction, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transaction(nil), f.txs...), f.txErr
}

func (f *fakeFetcher) FetchTimeline(_ context.Context, id string) ([]DeliveryStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timelineErr != nil {
		return nil, f.timelineErr
	}
	return []DeliveryStep{{Status: "In transit", Location: "hub-" + id}}, nil
}

func (f *fakeFetcher) FetchDispute(_ context.Context, id string) (*Dispute, error) {
	return &Dispute{ID: "d-" + id, Reason: "late", Status: "open"}, nil
}

func TestDashboardRefresh(t *testing.T) {
	f := &fakeFetcher{txs: []Transaction{
		{ID: "tx1", Amount: 10, Currency: "USD", Status: StatusPending},
		{ID: "tx2", Amount: 5, Currency: "USD", Status: StatusDisputed},
		{ID: "tx3", Amount: 7, Currency: "EUR", Status: StatusReleased},
	}}
	d := NewDashboard(f, DashboardOptions{Concurrency: 2})

	snap, err := d.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Transactions, 3)
	require.Equal(t, "hub-tx3", snap.Timelines["tx3"][0].Location)
	require.Contains(t, snap.Disputes, "tx2")
	require.NotContains(t, snap.Disputes, "tx1")
	require.Equal(t, 1, snap.Summary.DisputeCount)
	require.Equal(t, 1, snap.Summary.StatusCounts[StatusPending])
	require.Equal(t, 15.0, snap.Summary.TotalAmount["USD"])

	tx, ok := snap.Transaction("tx2")
	require.True(t, ok)
	require.Equal(t, StatusDisputed, tx.Status)
}

func TestDashboardFailedRefreshKeepsSnapshot(t *testing.T) {
	f := &fakeFetcher{txs: []Transaction{{ID: "tx1", Status: StatusPending}}}
	d := NewDashboard(f, DashboardOptions{})
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	f.mu.Lock()
	f.timelineErr = errors.New("timeline service down")
	f.mu.Unlock()

	snap, err := d.Refresh(context.Background())
	require.Error(t, err)
	require.Len(t, snap.Transactions, 1)

	_, lastErr := d.Snapshot()
	require.Error(t, lastErr)
}

func TestDashboardRefreshesOnEscrowNotifications(t *testing.T) {
	f := &fakeFetcher{txs: []Transaction{{ID: "tx1", Status: StatusPending}}}
	d := NewDashboard(f, DashboardOptions{})

	var updates atomic.Int32
	d.OnUpdate(func(Snapshot, error) { updates.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool { return updates.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Deliver(notify.Notification{Category: notify.Promotions}))
	require.Never(t, func() bool { return updates.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, d.Deliver(notify.Notification{Category: notify.DeliveryUpdates}))
	require.Eventually(t, func() bool { return updates.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestMarkdown(t *testing.T) {
	s := Snapshot{
		Transactions: []Transaction{{ID: "tx1", OrderID: "o|1", Amount: 12, Currency: "USD", Status: StatusDisputed, DisputeReason: "broken"}},
		Timelines:    map[string][]DeliveryStep{"tx1": {{Status: "Delivered", Location: "Accra", Timestamp: time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)}}},
		Disputes:     map[string]*Dispute{},
		Summary:      summarize([]Transaction{{Status: StatusDisputed}}),
	}
	md := Markdown(s)
	require.Contains(t, md, `o\|1`)
	require.Contains(t, md, "**Delivered** at Accra (2024-05-02 09:30)")
	require.Contains(t, md, "> Dispute: broken")
	require.Contains(t, md, "Disputed: 1")

	require.Contains(t, Markdown(Snapshot{}), "No escrow transactions")

	out, err := Render(md, 80)
	require.NoError(t, err)
	require.Contains(t, out, "Accra")
}
