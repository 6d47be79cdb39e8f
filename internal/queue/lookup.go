package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paylink/internal/lock"
	"github.com/noah-isme/paylink/internal/obs"
	"github.com/noah-isme/paylink/internal/paylink"
)

// LookupKind is the task kind of a deferred invoice lookup.
const LookupKind = "paylink-lookup"

type lookupPayload struct {
	OrderID string `json:"order_id"`
}

// Refresher performs one lookup attempt for an order.
type Refresher interface {
	Refresh(ctx context.Context, orderID string) (paylink.Resolution, error)
}

// LookupHandler executes deferred lookups. With a Locker set, only one worker
// refreshes a given order at a time; a contended order is skipped.
type LookupHandler struct {
	Refresher Refresher
	Locker    *lock.Locker
	LockTTL   time.Duration
	Logger    zerolog.Logger
}

// Run refreshes orderID once. A still-pending order is not an error: the
// customer's own polling keeps driving resolution.
func (h LookupHandler) Run(ctx context.Context, orderID string) error {
	if h.Refresher == nil {
		return errors.New("queue: lookup handler has no refresher")
	}
	refresh := func(ctx context.Context) error {
		obs.IncCounter(obs.DeferredTotal, "executed")
		res, err := h.Refresher.Refresh(ctx, orderID)
		if err != nil {
			// invalid ids can never succeed, so retrying is pointless
			h.Logger.Warn().Err(err).Str("order_id", orderID).Msg("deferred_lookup_rejected")
			return nil
		}
		if res.Resolved() {
			obs.IncCounter(obs.DeferredTotal, "resolved")
		} else {
			obs.IncCounter(obs.DeferredTotal, "pending")
		}
		h.Logger.Debug().Str("order_id", orderID).Str("state", string(res.State)).Str("outcome", string(res.Outcome)).Msg("deferred_lookup_done")
		return nil
	}
	if h.Locker == nil {
		return refresh(ctx)
	}
	err := h.Locker.TryWithLock(ctx, lock.OrderKey(orderID), h.LockTTL, refresh)
	if errors.Is(err, lock.ErrNotAcquired) {
		obs.IncCounter(obs.DeferredTotal, "skipped")
		return nil
	}
	return err
}

// HandleTask adapts Run to the Redis worker.
func (h LookupHandler) HandleTask(ctx context.Context, t Task) error {
	var p lookupPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return fmt.Errorf("queue: decode %s payload: %w", LookupKind, err)
	}
	if p.OrderID == "" {
		return fmt.Errorf("queue: %s payload without order id", LookupKind)
	}
	return h.Run(ctx, p.OrderID)
}

// RedisScheduler enqueues deferred lookups for cmd/worker. Scheduling the
// same order twice inside the dedup window yields one task.
type RedisScheduler struct {
	Enqueuer    Enqueuer
	MaxAttempts int
}

// Schedule queues one lookup of orderID after delay.
func (s RedisScheduler) Schedule(ctx context.Context, orderID string, delay time.Duration) error {
	payload, err := json.Marshal(lookupPayload{OrderID: orderID})
	if err != nil {
		return err
	}
	_, err = s.Enqueuer.Enqueue(ctx, Task{
		Kind:           LookupKind,
		Payload:        payload,
		IdempotencyKey: orderID,
		MaxAttempts:    s.MaxAttempts,
		Delay:          delay,
	})
	return err
}
