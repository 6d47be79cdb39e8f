package paylink

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore is a bounded in-process Store. Expiry is checked on Get; the
// optional reaper only keeps memory in check.
type MemoryStore struct {
	mu  sync.Mutex
	lru *lru.Cache[string, Record]
	now func() time.Time
}

// NewMemoryStore returns a store holding at most size records.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = 10000
	}
	c, err := lru.New[string, Record](size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{lru: c, now: time.Now}, nil
}

func (s *MemoryStore) Get(_ context.Context, orderID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lru.Get(orderID)
	if !ok {
		return Record{}, false, nil
	}
	if rec.Expired(s.now()) {
		s.lru.Remove(orderID)
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) Put(_ context.Context, orderID, paymentURL string, ttl time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.lru.Peek(orderID); ok && !existing.Expired(now) {
		return existing, false, nil
	}
	rec := newRecord(orderID, paymentURL, now, ttl)
	s.lru.Add(orderID, rec)
	return rec, true, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}

// Reap drops expired records and returns how many were removed.
func (s *MemoryStore) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for _, key := range s.lru.Keys() {
		if rec, ok := s.lru.Peek(key); ok && rec.Expired(now) {
			s.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// RunReaper calls Reap every interval until ctx is done.
func (s *MemoryStore) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}
