package paylink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records under prefix:order:<id> with a native TTL, so
// several API replicas share one cache.
type RedisStore struct {
	R      redis.Cmdable
	Prefix string
	now    func() time.Time
}

// NewRedisStore returns a store using the given client and key prefix.
func NewRedisStore(r redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "paylink"
	}
	return &RedisStore{R: r, Prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(orderID string) string {
	return fmt.Sprintf("%s:order:%s", s.Prefix, orderID)
}

func (s *RedisStore) Get(ctx context.Context, orderID string) (Record, bool, error) {
	raw, err := s.R.Get(ctx, s.key(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record: %w", err)
	}
	if rec.Expired(s.now()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Put relies on SET NX so concurrent writers across replicas agree on one URL.
func (s *RedisStore) Put(ctx context.Context, orderID, paymentURL string, ttl time.Duration) (Record, bool, error) {
	rec := newRecord(orderID, paymentURL, s.now(), ttl)
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("encode record: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.R.SetNX(ctx, s.key(orderID), data, rec.ExpiresAt.Sub(rec.ResolvedAt)).Result()
		if err != nil {
			return Record{}, false, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return rec, true, nil
		}
		existing, found, err := s.Get(ctx, orderID)
		if err != nil {
			return Record{}, false, err
		}
		if found {
			return existing, false, nil
		}
		// the holder expired between SETNX and GET; try once more
	}
	return Record{}, false, errors.New("redis setnx: key contended")
}
