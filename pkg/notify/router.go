// Package notify routes inbound notification frames to subscribed sinks,
// filtered by the user's per-category preferences.
package notify

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/go-go-golems/marketchat/pkg/signaling"
)

type Category string

const (
	EscrowUpdates   Category = "escrowUpdates"
	DeliveryUpdates Category = "deliveryUpdates"
	OrderUpdates    Category = "orderUpdates"
	DisputeUpdates  Category = "disputeUpdates"
	Promotions      Category = "promotions"
	System          Category = "system"
)

// KnownCategories lists the categories the storefront emits.
var KnownCategories = []Category{EscrowUpdates, DeliveryUpdates, OrderUpdates, DisputeUpdates, Promotions, System}

// Preferences maps a category to whether it is delivered. Categories absent
// from the map are enabled.
type Preferences map[Category]bool

func (p Preferences) Enabled(c Category) bool {
	enabled, ok := p[c]
	return !ok || enabled
}

func (p Preferences) Clone() Preferences {
	return lo.Assign(Preferences{}, p)
}

type Notification struct {
	ID         string
	Category   Category
	Message    string
	Severity   string
	ReceivedAt time.Time
}

// Sink receives delivered notifications on the event loop. It must not block.
type Sink interface {
	Deliver(n Notification) error
}

type SinkFunc func(n Notification) error

func (f SinkFunc) Deliver(n Notification) error { return f(n) }

type SubscriptionID uint64

type subscription struct {
	id   SubscriptionID
	sink Sink
}

// Router is loop-confined.
type Router struct {
	prefs  Preferences
	subs   []subscription
	nextID SubscriptionID
	now    func() time.Time
	log    zerolog.Logger
}

func NewRouter(prefs Preferences) *Router {
	return &Router{
		prefs: prefs.Clone(),
		now:   time.Now,
		log:   log.With().Str("component", "notify").Logger(),
	}
}

// SetPreferences replaces the active set. Already-delivered notifications are
// not affected.
func (r *Router) SetPreferences(prefs Preferences) {
	r.prefs = prefs.Clone()
}

func (r *Router) Preferences() Preferences { return r.prefs.Clone() }

func (r *Router) Subscribe(s Sink) SubscriptionID {
	r.nextID++
	r.subs = append(r.subs, subscription{id: r.nextID, sink: s})
	return r.nextID
}

func (r *Router) Unsubscribe(id SubscriptionID) {
	r.subs = lo.Reject(r.subs, func(s subscription, _ int) bool { return s.id == id })
}

// HandleFrame delivers f to every sink in registration order when its
// category is enabled. It reports whether the notification was delivered.
func (r *Router) HandleFrame(f signaling.NotificationFrame) bool {
	c := Category(f.Category)
	if !r.prefs.Enabled(c) {
		r.log.Debug().Str("category", f.Category).Msg("notification category disabled, dropping")
		return false
	}
	n := Notification{
		ID:         f.ID,
		Category:   c,
		Message:    f.Message,
		Severity:   lo.Ternary(f.Severity == "", "info", f.Severity),
		ReceivedAt: r.now(),
	}
	// a sink may unsubscribe while being called
	for _, s := range append([]subscription(nil), r.subs...) {
		if err := deliver(s.sink, n); err != nil {
			r.log.Warn().Err(err).Uint64("subscription", uint64(s.id)).Str("category", f.Category).Msg("sink failed")
		}
	}
	return true
}

func deliver(s Sink, n Notification) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink panic: %v", rec)
		}
	}()
	return s.Deliver(n)
}
