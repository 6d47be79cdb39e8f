package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned when scheduling on a closed Local pool.
var ErrClosed = errors.New("queue: local pool closed")

// Local is an in-process delayed scheduler backed by a bounded worker pool.
// Work still waiting when Close is called is abandoned.
type Local struct {
	jobs    chan string
	workers int
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[string]*time.Timer
}

// NewLocal creates a pool with n workers. Call Start to begin processing.
func NewLocal(n int, logger zerolog.Logger) *Local {
	if n < 1 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		jobs:    make(chan string, n*2),
		workers: n,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*time.Timer),
	}
}

// Start launches the workers; run is invoked once per due order id.
func (l *Local) Start(run func(context.Context, string) error) {
	l.wg.Add(l.workers)
	for i := 0; i < l.workers; i++ {
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-l.ctx.Done():
					return
				case id := <-l.jobs:
					if err := run(l.ctx, id); err != nil {
						l.logger.Warn().Err(err).Str("order_id", id).Msg("local_task_failed")
					}
				}
			}
		}()
	}
}

// Schedule runs orderID after delay. An order already waiting is not scheduled
// twice.
func (l *Local) Schedule(_ context.Context, orderID string, delay time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.pending[orderID]; ok {
		return nil
	}
	l.pending[orderID] = time.AfterFunc(delay, func() { l.submit(orderID) })
	return nil
}

// Pending returns the number of orders waiting for their delay to elapse.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Local) submit(orderID string) {
	l.mu.Lock()
	delete(l.pending, orderID)
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	select {
	case l.jobs <- orderID:
	default:
		LocalDroppedTotal.Inc()
		l.logger.Warn().Str("order_id", orderID).Msg("local_task_dropped")
	}
}

// Close stops accepting work, abandons pending timers and waits for running
// tasks to observe cancellation.
func (l *Local) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for id, t := range l.pending {
		t.Stop()
		delete(l.pending, id)
	}
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
}
