// Package escrow reads escrow transactions, delivery timelines and disputes
// from the marketplace API and keeps a dashboard snapshot of them.
package escrow

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marketchat/pkg/restapi"
)

type TransactionStatus string

const (
	StatusPending  TransactionStatus = "Pending"
	StatusReleased TransactionStatus = "Released"
	StatusDisputed TransactionStatus = "Disputed"
)

type Transaction struct {
	ID            string            `json:"id"`
	OrderID       string            `json:"orderId,omitempty"`
	BuyerName     string            `json:"buyerName,omitempty"`
	SellerName    string            `json:"sellerName,omitempty"`
	Amount        float64           `json:"amount"`
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	ReleaseDate   string            `json:"releaseDate,omitempty"`
	DisputeReason string            `json:"disputeReason,omitempty"`
}

func (t Transaction) Disputed() bool {
	return strings.EqualFold(string(t.Status), string(StatusDisputed))
}

type DeliveryStep struct {
	Status    string    `json:"status"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
}

type Dispute struct {
	ID         string   `json:"id,omitempty"`
	Reason     string   `json:"reason"`
	Status     string   `json:"status"`
	Resolution string   `json:"resolution,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
}

// Client is read-only.
type Client struct {
	api *restapi.Client
}

func NewClient(api *restapi.Client) *Client {
	return &Client{api: api}
}

func (c *Client) FetchTransactions(ctx context.Context) ([]Transaction, error) {
	var out []Transaction
	if err := c.api.GetJSON(ctx, "api/escrow-transactions", &out); err != nil {
		return nil, errors.Wrap(err, "fetch escrow transactions")
	}
	return out, nil
}

func (c *Client) FetchTimeline(ctx context.Context, txID string) ([]DeliveryStep, error) {
	if txID == "" {
		return nil, errors.New("transaction id is required")
	}
	var out []DeliveryStep
	if err := c.api.GetJSON(ctx, "api/escrow/"+url.PathEscape(txID)+"/timeline", &out); err != nil {
		return nil, errors.Wrapf(err, "fetch timeline of %s", txID)
	}
	return out, nil
}

// FetchDispute returns nil without error when the transaction has no dispute.
func (c *Client) FetchDispute(ctx context.Context, txID string) (*Dispute, error) {
	if txID == "" {
		return nil, errors.New("transaction id is required")
	}
	var out Dispute
	err := c.api.GetJSON(ctx, "api/escrow/"+url.PathEscape(txID)+"/dispute", &out)
	var se *restapi.StatusError
	if errors.As(err, &se) && se.NotFound() {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetch dispute of %s", txID)
	}
	return &out, nil
}
