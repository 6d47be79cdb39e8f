package paylink

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// missTracker counts consecutive unresolved lookups per order. It is bounded
// so a flood of bogus ids cannot grow it without limit.
type missTracker struct {
	mu     sync.Mutex
	counts *lru.Cache[string, int]
}

func newMissTracker(size int) (*missTracker, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, int](size)
	if err != nil {
		return nil, err
	}
	return &missTracker{counts: c}, nil
}

// record increments and returns the miss count for id.
func (m *missTracker) record(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := m.counts.Get(id)
	n++
	m.counts.Add(id, n)
	return n
}

func (m *missTracker) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := m.counts.Peek(id)
	return n
}

func (m *missTracker) reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.Remove(id)
}
