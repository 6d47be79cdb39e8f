package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Replay suppresses duplicate deliveries of the same payload within TTL.
// A nil Redis client disables suppression so every delivery counts as first.
type Replay struct {
	R      redis.Cmdable
	Prefix string
	TTL    time.Duration
}

func (r Replay) key(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	prefix := r.Prefix
	if prefix == "" {
		prefix = "replay"
	}
	return prefix + ":" + hex.EncodeToString(sum[:])
}

// First records the fingerprint and reports whether this is its first
// delivery inside the window. Store errors are returned with first=true so
// callers can choose to proceed.
func (r Replay) First(ctx context.Context, fingerprint string) (bool, error) {
	if r.R == nil || fingerprint == "" {
		return true, nil
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ok, err := r.R.SetNX(ctx, r.key(fingerprint), "1", ttl).Result()
	if err != nil {
		return true, err
	}
	return ok, nil
}
