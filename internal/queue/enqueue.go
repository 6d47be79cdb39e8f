package queue

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	errNoRedis = errors.New("queue: redis client not configured")
	kindRe     = regexp.MustCompile(`^[a-z0-9_:-]+$`)
)

// Task is one unit of deferred work.
type Task struct {
	Kind string
	// IdempotencyKey collapses repeated enqueues while a task is outstanding.
	IdempotencyKey string
	Payload        []byte
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is filled in by the worker, starting at 1.
	Attempt int
}

// envelope is the queued form of a Task. Attempts counts tries already used.
type envelope struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	DueAt       int64  `json:"due_at"`
}

func (e envelope) encode() (string, error) {
	raw, err := json.Marshal(e)
	return string(raw), err
}

func decode(raw string) (envelope, error) {
	var e envelope
	err := json.Unmarshal([]byte(raw), &e)
	return e, err
}

// keys names the Redis structures of one task kind.
type keys struct {
	prefix string
	kind   string
}

func (k keys) base() string {
	if k.prefix == "" {
		return "queue"
	}
	return k.prefix
}

// ready is a ZSET of envelopes scored by due time in milliseconds.
func (k keys) ready() string { return k.base() + ":queue:" + k.kind }

// inflight is a ZSET of claimed envelopes scored by visibility deadline.
func (k keys) inflight() string { return k.base() + ":" + k.kind + ":processing" }

func (k keys) dead() string { return k.base() + ":" + k.kind + ":dlq" }

func (k keys) dedup(key string) string { return k.base() + ":dedup:" + k.kind + ":" + key }

// Enqueuer writes tasks to Redis.
type Enqueuer struct {
	R        redis.Cmdable
	Prefix   string
	DedupTTL time.Duration
}

// Enqueue schedules t. With an IdempotencyKey only the first enqueue inside
// the dedup window is stored; later ones return false and no error.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) (bool, error) {
	if e.R == nil {
		return false, errNoRedis
	}
	if !kindRe.MatchString(t.Kind) {
		return false, errors.New("queue: invalid task kind")
	}
	k := keys{prefix: e.Prefix, kind: t.Kind}

	if t.IdempotencyKey != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = t.Delay + 5*time.Minute
		}
		fresh, err := e.R.SetNX(ctx, k.dedup(t.IdempotencyKey), "1", ttl).Result()
		if err != nil || !fresh {
			return false, err
		}
	}

	env := envelope{
		Kind:        t.Kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: max(t.MaxAttempts, 1),
		DueAt:       time.Now().Add(t.Delay).UnixMilli(),
	}
	raw, err := env.encode()
	if err != nil {
		return false, err
	}
	if err := e.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(env.DueAt), Member: raw}).Err(); err != nil {
		if t.IdempotencyKey != "" {
			// a marker without a task would swallow retries until it expires
			_ = e.R.Del(context.WithoutCancel(ctx), k.dedup(t.IdempotencyKey)).Err()
		}
		return false, err
	}
	return true, nil
}

// Depth counts queued tasks of kind, due or not.
func (e Enqueuer) Depth(ctx context.Context, kind string) (int64, error) {
	if e.R == nil {
		return 0, errNoRedis
	}
	return e.R.ZCard(ctx, keys{prefix: e.Prefix, kind: kind}.ready()).Result()
}
