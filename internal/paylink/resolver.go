package paylink

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/paylink/internal/erp"
	"github.com/noah-isme/paylink/internal/obs"
)

//go:generate mockgen -source internal/paylink/resolver.go -destination=internal/paylink/resolver_mock_test.go -package=paylink

// ErrInvalidOrderID is returned for a missing or malformed order id.
var ErrInvalidOrderID = errors.New("paylink: invalid order id")

// Lookup finds the invoice for an order in the ERP.
type Lookup interface {
	Lookup(ctx context.Context, orderID string) (erp.Invoice, error)
}

// Scheduler runs one delayed Refresh for an order. Implementations may drop
// or duplicate work; neither breaks resolution.
type Scheduler interface {
	Schedule(ctx context.Context, orderID string, delay time.Duration) error
}

// State is the externally visible resolution state of an order.
type State string

const (
	StateResolved State = "resolved"
	StatePending  State = "pending"
)

// Source tells where a resolved link came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceLookup Source = "lookup"
)

// Resolution is the answer for one resolve request.
type Resolution struct {
	State      State
	OrderID    string
	PaymentURL string
	RetryAfter time.Duration
	Source     Source
	Outcome    erp.Outcome
}

// Resolved reports whether the caller can be redirected.
func (r Resolution) Resolved() bool { return r.State == StateResolved }

// Options tunes a Resolver. Zero values fall back to defaults.
type Options struct {
	BaseURL        string
	TTL            time.Duration
	RetryAfter     time.Duration
	DeferredDelay  time.Duration
	MissAlertEvery int
	MissTrackSize  int
	Scheduler      Scheduler
	Logger         zerolog.Logger
}

// Resolver turns order ids into payment links. Each call performs at most one
// ERP lookup; concurrent calls for the same order share it.
type Resolver struct {
	store    Store
	lookup   Lookup
	opts     Options
	group    singleflight.Group
	misses   *missTracker
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewResolver wires a resolver over store and lookup.
func NewResolver(store Store, lookup Lookup, opts Options) (*Resolver, error) {
	if store == nil || lookup == nil {
		return nil, errors.New("paylink: store and lookup are required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 15 * time.Second
	}
	if opts.MissAlertEvery <= 0 {
		opts.MissAlertEvery = 20
	}
	misses, err := newMissTracker(opts.MissTrackSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		store:    store,
		lookup:   lookup,
		opts:     opts,
		misses:   misses,
		validate: validator.New(),
		logger:   opts.Logger.With().Str("component", "resolver").Logger(),
	}, nil
}

// RetryAfter is the polling interval suggested to pending callers.
func (r *Resolver) RetryAfter() time.Duration { return r.opts.RetryAfter }

// Resolve answers a client request: cached link, a fresh lookup, or pending.
// Only ErrInvalidOrderID is returned as an error; ERP failures become pending.
func (r *Resolver) Resolve(ctx context.Context, orderID string) (Resolution, error) {
	return r.resolve(ctx, orderID, true)
}

// Refresh is Resolve without scheduling further deferred work. Deferred tasks
// and webhooks use it so one trigger never fans out into more.
func (r *Resolver) Refresh(ctx context.Context, orderID string) (Resolution, error) {
	return r.resolve(ctx, orderID, false)
}

// Defer asks the scheduler for one delayed Refresh of orderID.
func (r *Resolver) Defer(ctx context.Context, orderID string) error {
	id, err := r.normalize(orderID)
	if err != nil {
		return err
	}
	if r.opts.Scheduler == nil {
		return nil
	}
	if err := r.opts.Scheduler.Schedule(ctx, id, r.opts.DeferredDelay); err != nil {
		obs.IncCounter(obs.DeferredTotal, "schedule_failed")
		return err
	}
	obs.IncCounter(obs.DeferredTotal, "scheduled")
	return nil
}

// NormalizeOrderID trims and validates an externally supplied order id.
func (r *Resolver) NormalizeOrderID(orderID string) (string, error) {
	return r.normalize(orderID)
}

func (r *Resolver) normalize(orderID string) (string, error) {
	id := strings.TrimSpace(orderID)
	if err := r.validate.Var(id, "required,printascii,max=128"); err != nil {
		return "", ErrInvalidOrderID
	}
	return id, nil
}

func (r *Resolver) resolve(ctx context.Context, orderID string, allowDefer bool) (Resolution, error) {
	id, err := r.normalize(orderID)
	if err != nil {
		obs.IncCounter(obs.ResolveTotal, "invalid")
		return Resolution{}, err
	}

	if rec, ok := r.cached(ctx, id); ok {
		obs.IncCounter(obs.ResolveTotal, "cache_hit")
		return Resolution{State: StateResolved, OrderID: id, PaymentURL: rec.PaymentURL, Source: SourceCache, Outcome: erp.OutcomeFound}, nil
	}

	// the shared lookup must outlive a caller that disconnects first
	v, _, _ := r.group.Do(id, func() (any, error) {
		return r.lookupOnce(context.WithoutCancel(ctx), id, allowDefer), nil
	})
	res := v.(Resolution)

	if res.Resolved() {
		obs.IncCounter(obs.ResolveTotal, "resolved")
	} else {
		obs.IncCounter(obs.ResolveTotal, "pending")
	}
	return res, nil
}

func (r *Resolver) cached(ctx context.Context, id string) (Record, bool) {
	rec, ok, err := r.store.Get(ctx, id)
	if err != nil {
		// a broken cache degrades to a lookup
		r.logger.Warn().Err(err).Str("order_id", id).Msg("cache_get_failed")
		return Record{}, false
	}
	return rec, ok
}

func (r *Resolver) lookupOnce(ctx context.Context, id string, allowDefer bool) Resolution {
	start := time.Now()
	inv, err := r.lookup.Lookup(ctx, id)
	outcome := erp.OutcomeOf(err)
	obs.IncCounter(obs.LookupTotal, string(outcome))
	obs.ObserveMillis(obs.LookupLatency, obs.DurationMillis(time.Since(start)), string(outcome))

	if err != nil {
		attempt := r.recordMiss(id, err)
		// the first miss of an order gets one server-side retry
		if allowDefer && attempt == 1 && outcome != erp.OutcomeConfigError {
			r.deferAsync(ctx, id)
		}
		return Resolution{State: StatePending, OrderID: id, RetryAfter: r.opts.RetryAfter, Outcome: outcome}
	}

	link := inv.PaymentURL(r.opts.BaseURL)
	rec, created, err := r.store.Put(ctx, id, link, r.opts.TTL)
	switch {
	case err != nil:
		r.logger.Error().Err(err).Str("order_id", id).Msg("cache_put_failed")
	case created:
		obs.IncCounter(obs.CacheWritesTotal, "stored")
		link = rec.PaymentURL
	default:
		obs.IncCounter(obs.CacheWritesTotal, "kept")
		link = rec.PaymentURL
	}
	r.misses.reset(id)
	r.logger.Info().
		Str("order_id", id).
		Object("invoice", inv).
		Str("payment_url", erp.RedactURL(link)).
		Bool("cached", created).
		Msg("order_resolved")
	return Resolution{State: StateResolved, OrderID: id, PaymentURL: link, Source: SourceLookup, Outcome: erp.OutcomeFound}
}

// recordMiss logs persistent misconfiguration on every occurrence and
// transient misses only when they keep repeating for the same order.
func (r *Resolver) recordMiss(id string, err error) int {
	n := r.misses.record(id)
	outcome := erp.OutcomeOf(err)

	if !erp.IsTransient(err) {
		r.logger.Error().Err(err).Str("order_id", id).Str("outcome", string(outcome)).Msg("erp_lookup_failed")
		return n
	}
	r.logger.Debug().Err(err).Str("order_id", id).Str("outcome", string(outcome)).Int("attempt", n).Msg("order_pending")
	if n%r.opts.MissAlertEvery == 0 {
		obs.SustainedMissInc()
		r.logger.Warn().
			Str("order_id", id).
			Str("outcome", string(outcome)).
			Int("attempts", n).
			Msg("order_still_unresolved")
	}
	return n
}

func (r *Resolver) deferAsync(ctx context.Context, id string) {
	if r.opts.Scheduler == nil {
		return
	}
	go func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.Defer(sctx, id); err != nil {
			r.logger.Warn().Err(err).Str("order_id", id).Msg("deferred_schedule_failed")
		}
	}()
}
