package paylink

import (
	"context"
	"time"
)

// DefaultTTL is how long a resolved link stays redirectable.
const DefaultTTL = 1800 * time.Second

// Record is a resolved order. It is immutable for its lifetime and counts as
// absent once ExpiresAt has passed.
type Record struct {
	OrderID    string    `json:"orderId"`
	PaymentURL string    `json:"paymentUrl"`
	ResolvedAt time.Time `json:"resolvedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func newRecord(orderID, paymentURL string, now time.Time, ttl time.Duration) Record {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Record{
		OrderID:    orderID,
		PaymentURL: paymentURL,
		ResolvedAt: now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}
}

// Store is the resolution cache. Put must not replace a live record: when one
// exists it is returned with created=false and the new URL is dropped.
type Store interface {
	Get(ctx context.Context, orderID string) (Record, bool, error)
	Put(ctx context.Context, orderID, paymentURL string, ttl time.Duration) (rec Record, created bool, err error)
}
