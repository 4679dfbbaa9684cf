// Package ledger guarantees at-most-once fulfillment per terminal payment
// outcome, under at-least-once webhook delivery from the provider.
package ledger

import (
	"context"
	"time"
)

// Entry records a verified terminal notification for an order. At most one
// entry exists per order id.
type Entry struct {
	OrderID     string
	PaymentID   string
	Status      string
	ProcessedAt time.Time
}

// Intent records an initiated payment so status polling can resolve the
// provider-side payment id later.
type Intent struct {
	OrderID    string
	PaymentID  string
	Amount     int64
	PaymentURL string
	Email      string
	CreatedAt  time.Time
}

// Ledger is the order-state store consumed by the payment core. RecordIfNew
// must be atomic with respect to concurrent deliveries of the same
// notification: two callers racing on one order id observe exactly one
// first-time result between them.
type Ledger interface {
	// RecordIfNew inserts the entry unless one already exists for the order.
	// The returned flag is true only for the caller that created the entry.
	RecordIfNew(ctx context.Context, entry Entry) (bool, error)
	// Lookup returns the recorded terminal entry for an order, if any.
	Lookup(ctx context.Context, orderID string) (Entry, bool, error)
	// RecordIntent upserts the initiated-payment record for an order. A
	// merchant may retry initiation with a fresh attempt for the same order.
	RecordIntent(ctx context.Context, intent Intent) error
	// LookupIntent returns the initiated-payment record for an order, if any.
	LookupIntent(ctx context.Context, orderID string) (Intent, bool, error)
}
