package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paylink/internal/resilience"
)

// claim moves the earliest due envelope from the ready set into the in-flight
// set in one step, so two workers never receive the same task.
var claim = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then return false end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[2], ARGV[2], due[1])
return due[1]
`)

// Worker consumes one task kind. A task whose handler does not finish within
// VisibilityTimeout is treated as a failed attempt and redelivered.
type Worker struct {
	R                 redis.Cmdable
	Prefix            string
	Kind              string
	Handler           func(context.Context, Task) error
	Concurrency       int
	VisibilityTimeout time.Duration
	RetryBase         time.Duration
	RetryJitter       float64
	PollInterval      time.Duration
	Logger            zerolog.Logger
}

// Run processes tasks until ctx is cancelled, then waits for running handlers.
func (w Worker) Run(ctx context.Context) error {
	switch {
	case w.R == nil:
		return errNoRedis
	case w.Handler == nil:
		return errors.New("queue: worker handler not configured")
	case !kindRe.MatchString(w.Kind):
		return errors.New("queue: invalid worker kind")
	}
	w.Concurrency = max(w.Concurrency, 1)
	if w.VisibilityTimeout <= 0 {
		w.VisibilityTimeout = 30 * time.Second
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.RetryBase <= 0 {
		w.RetryBase = 200 * time.Millisecond
	}
	k := keys{prefix: w.Prefix, kind: w.Kind}

	slots := make(chan struct{}, w.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for ctx.Err() == nil {
		select {
		case <-sweep.C:
			w.reclaim(ctx, k)
			w.reportDepth(ctx, k)
		default:
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		raw, err := w.claimNext(ctx, k)
		if err != nil || raw == "" {
			<-slots
			if err != nil && ctx.Err() == nil {
				w.Logger.Warn().Err(err).Str("kind", w.Kind).Msg("queue_claim_failed")
			}
			pause(ctx, w.PollInterval)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			w.process(ctx, k, raw)
		}()
	}
	return nil
}

func (w Worker) claimNext(ctx context.Context, k keys) (string, error) {
	now := time.Now()
	deadline := now.Add(w.VisibilityTimeout).UnixMilli()
	raw, err := claim.Run(ctx, w.R, []string{k.ready(), k.inflight()},
		strconv.FormatInt(now.UnixMilli(), 10), strconv.FormatInt(deadline, 10)).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return raw, err
}

func (w Worker) process(ctx context.Context, k keys, raw string) {
	env, err := decode(raw)
	// bookkeeping outlives a shutdown so claimed tasks are never stranded
	book := context.WithoutCancel(ctx)
	if err != nil {
		w.Logger.Warn().Err(err).Str("kind", w.Kind).Msg("queue_message_dropped")
		_ = w.R.ZRem(book, k.inflight(), raw).Err()
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.VisibilityTimeout)
	err = w.Handler(jobCtx, Task{
		Kind:           env.Kind,
		IdempotencyKey: env.Key,
		Payload:        env.Payload,
		MaxAttempts:    env.MaxAttempts,
		Attempt:        env.Attempts + 1,
	})
	cancel()

	removed, remErr := w.R.ZRem(book, k.inflight(), raw).Result()
	if remErr == nil && removed == 0 {
		// the sweeper already redelivered it
		return
	}
	if err != nil {
		w.Logger.Warn().Err(err).Str("kind", w.Kind).Str("key", env.Key).Int("attempt", env.Attempts+1).Msg("queue_task_failed")
		w.retryOrBury(book, k, env)
		return
	}
	QueueProcessedTotal.WithLabelValues(w.Kind, "ok").Inc()
	w.release(book, k, env)
}

// retryOrBury counts a used attempt and either requeues env with backoff or
// moves it to the dead-letter list.
func (w Worker) retryOrBury(ctx context.Context, k keys, env envelope) {
	env.Attempts++
	if env.Attempts >= env.MaxAttempts {
		QueueProcessedTotal.WithLabelValues(w.Kind, "dlq").Inc()
		if raw, err := env.encode(); err == nil {
			_ = w.R.LPush(ctx, k.dead(), raw).Err()
		}
		w.release(ctx, k, env)
		return
	}
	QueueProcessedTotal.WithLabelValues(w.Kind, "retry").Inc()
	env.DueAt = time.Now().Add(resilience.Backoff(w.RetryBase, env.Attempts, w.RetryJitter)).UnixMilli()
	if raw, err := env.encode(); err == nil {
		_ = w.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(env.DueAt), Member: raw}).Err()
	}
}

// release clears the dedup marker so the key can be enqueued again.
func (w Worker) release(ctx context.Context, k keys, env envelope) {
	if env.Key != "" {
		_ = w.R.Del(ctx, k.dedup(env.Key)).Err()
	}
}

// reclaim treats in-flight tasks past their deadline as failed attempts.
func (w Worker) reclaim(ctx context.Context, k keys) {
	expired, err := w.R.ZRangeByScore(ctx, k.inflight(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return
	}
	for _, raw := range expired {
		if n, err := w.R.ZRem(ctx, k.inflight(), raw).Result(); err != nil || n == 0 {
			continue
		}
		env, err := decode(raw)
		if err != nil {
			continue
		}
		w.Logger.Info().Str("kind", w.Kind).Str("key", env.Key).Msg("queue_task_redelivered")
		w.retryOrBury(ctx, k, env)
	}
}

func (w Worker) reportDepth(ctx context.Context, k keys) {
	if n, err := w.R.ZCard(ctx, k.ready()).Result(); err == nil {
		QueueDepth.WithLabelValues(w.Kind).Set(float64(n))
	}
	if n, err := w.R.LLen(ctx, k.dead()).Result(); err == nil {
		QueueDLQSize.WithLabelValues(w.Kind).Set(float64(n))
	}
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
