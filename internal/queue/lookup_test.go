package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paylink/internal/lock"
	"github.com/noah-isme/paylink/internal/paylink"
	"github.com/noah-isme/paylink/internal/queue"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls []string
	res   paylink.Resolution
	err   error
	hook  func(ctx context.Context)
}

func (f *fakeRefresher) Refresh(ctx context.Context, orderID string) (paylink.Resolution, error) {
	f.mu.Lock()
	f.calls = append(f.calls, orderID)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return f.res, f.err
}

func (f *fakeRefresher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestLookupHandlerPendingIsNotAnError(t *testing.T) {
	ref := &fakeRefresher{res: paylink.Resolution{State: paylink.StatePending, OrderID: "SO1"}}
	h := queue.LookupHandler{Refresher: ref}

	require.NoError(t, h.Run(context.Background(), "SO1"))
	require.Equal(t, []string{"SO1"}, ref.Calls())
}

func TestLookupHandlerInvalidIDIsSwallowed(t *testing.T) {
	ref := &fakeRefresher{err: paylink.ErrInvalidOrderID}
	h := queue.LookupHandler{Refresher: ref}

	require.NoError(t, h.Run(context.Background(), "bad"))
}

func TestLookupHandlerSkipsContendedOrder(t *testing.T) {
	_, client := newRedis(t)
	locker := &lock.Locker{R: client}
	ref := &fakeRefresher{res: paylink.Resolution{State: paylink.StateResolved}}
	h := queue.LookupHandler{Refresher: ref, Locker: locker, LockTTL: time.Second}

	err := locker.WithLock(context.Background(), lock.OrderKey("SO9"), time.Second, func(ctx context.Context) error {
		return h.Run(ctx, "SO9")
	})
	require.NoError(t, err)
	require.Empty(t, ref.Calls())

	require.NoError(t, h.Run(context.Background(), "SO9"))
	require.Equal(t, []string{"SO9"}, ref.Calls())
}

func TestLookupHandlerTaskPayload(t *testing.T) {
	ref := &fakeRefresher{res: paylink.Resolution{State: paylink.StateResolved}}
	h := queue.LookupHandler{Refresher: ref}

	require.NoError(t, h.HandleTask(context.Background(), queue.Task{Payload: []byte(`{"order_id":"SO5"}`)}))
	require.Equal(t, []string{"SO5"}, ref.Calls())

	require.Error(t, h.HandleTask(context.Background(), queue.Task{Payload: []byte(`not json`)}))
	require.Error(t, h.HandleTask(context.Background(), queue.Task{Payload: []byte(`{}`)}))
}

func TestRedisSchedulerEnqueuesOncePerOrder(t *testing.T) {
	_, client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "paylink"}
	s := queue.RedisScheduler{Enqueuer: enq, MaxAttempts: 1}
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, "SO7", time.Minute))
	require.NoError(t, s.Schedule(ctx, "SO7", time.Minute))

	members, err := client.ZRange(ctx, "paylink:queue:"+queue.LookupKind, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)

	var msg struct {
		Kind    string `json:"kind"`
		Key     string `json:"key"`
		Payload []byte `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(members[0]), &msg))
	require.Equal(t, queue.LookupKind, msg.Kind)
	require.Equal(t, "SO7", msg.Key)
	require.JSONEq(t, `{"order_id":"SO7"}`, string(msg.Payload))
}

func TestRedisSchedulerEndToEnd(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ref := &fakeRefresher{res: paylink.Resolution{State: paylink.StateResolved}}
	ref.hook = func(context.Context) { cancel() }
	h := queue.LookupHandler{Refresher: ref, Locker: &lock.Locker{R: client}, LockTTL: time.Second}

	s := queue.RedisScheduler{Enqueuer: queue.Enqueuer{R: client, Prefix: "e2e"}}
	require.NoError(t, s.Schedule(ctx, "SO8", 0))

	worker := queue.Worker{
		R:            client,
		Prefix:       "e2e",
		Kind:         queue.LookupKind,
		PollInterval: 5 * time.Millisecond,
		Handler:      h.HandleTask,
	}
	go func() { _ = worker.Run(ctx) }()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("deferred lookup never ran")
	}
	require.Equal(t, []string{"SO8"}, ref.Calls())
}
