package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/uniqw-batch/internal/hctx"
	ikeys "github.com/UniQw/uniqw-batch/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return rdb, func() { _ = rdb.Close(); s.Close() }
}

func nopExec(context.Context, []byte) error { return nil }

func TestRuntime_StartStop_Idempotent(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	cfg := Config{Queues: map[string]int{"q": 1}, Concurrency: 0, VisibilityTTL: 2 * time.Second}
	rt := New(rdb, cfg, nopExec)

	// start/stop multiple times should be safe
	rt.Start()
	rt.Start()
	time.Sleep(50 * time.Millisecond)
	rt.Stop()
	rt.Stop()
}

func TestRuntime_Scheduler_Reclaimer(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	qname := "qflows"
	k := ikeys.For(qname)

	// Due redelivery for the scheduler
	require.NoError(t, rdb.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Unix()), Member: "mdue"}).Err())
	// Expired lease for the reclaimer
	require.NoError(t, rdb.ZAdd(ctx, k.Active, redis.Z{Score: float64(time.Now().Add(-1 * time.Second).Unix()), Member: "mlease"}).Err())
	// Not yet due
	require.NoError(t, rdb.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(10 * time.Hour).Unix()), Member: "mlater"}).Err())

	cfg := Config{Queues: map[string]int{qname: 1}, Concurrency: 0, VisibilityTTL: 1 * time.Second}
	rt := New(rdb, cfg, nopExec)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		n, _ := rdb.LLen(ctx, k.Pending).Result()
		return n == 2
	}, 2*time.Second, 50*time.Millisecond)

	za, _ := rdb.ZCard(ctx, k.Active).Result()
	require.Equal(t, int64(0), za)
	zd, _ := rdb.ZCard(ctx, k.Delayed).Result()
	require.Equal(t, int64(1), zd, "future redelivery must stay delayed")
}

func TestRuntime_WorkerLoop_AckRetryPoison(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	qname := "qloop"
	k := ikeys.For(qname)

	msg := func(id string, maxRetry int) string {
		return fmt.Sprintf(`{"id":%q,"queue":%q,"payload":null,"retry":0,"max_retry":%d}`, id, qname, maxRetry)
	}
	require.NoError(t, rdb.LPush(ctx, k.Pending, msg("ok1", 0), msg("retry1", 2), msg("poison1", 5)).Err())

	var mu sync.Mutex
	seen := map[string]int{}
	exec := func(ctx context.Context, payload []byte) error {
		st, ok := hctx.From(ctx)
		require.True(t, ok)
		mu.Lock()
		seen[st.DeliveryID]++
		mu.Unlock()
		switch st.DeliveryID {
		case "retry1":
			return errors.New("server error")
		case "poison1":
			return fmt.Errorf("bad body: %w", ErrPoison)
		}
		return nil
	}
	cfg := Config{Queues: map[string]int{qname: 1}, Concurrency: 1, VisibilityTTL: 30 * time.Second}
	rt := New(rdb, cfg, exec)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["ok1"] == 1 && seen["retry1"] >= 1 && seen["poison1"] == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		dead, _ := rdb.LLen(ctx, k.Dead).Result()
		delayed, _ := rdb.ZCard(ctx, k.Delayed).Result()
		return dead == 1 && delayed == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRuntime_ConfigGetters(t *testing.T) {
	s := mrd.RunT(t)
	defer s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	cfg := Config{Queues: map[string]int{"a": 2, "b": 3}, Concurrency: 7, VisibilityTTL: 5 * time.Second}
	rt := New(rdb, cfg, nopExec)
	if rt.CfgConcurrency() != 7 {
		t.Fatalf("CfgConcurrency mismatch: %d", rt.CfgConcurrency())
	}
	if len(rt.CfgQueues()) != 2 {
		t.Fatalf("CfgQueues length mismatch: %d", len(rt.CfgQueues()))
	}
	if len(expandQueues(cfg.Queues)) != 5 {
		t.Fatalf("expandQueues should honour weights")
	}
}

func TestRuntime_MalformedEnvelopeGoesToDead(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	qname := "qbad"
	k := ikeys.For(qname)

	require.NoError(t, rdb.LPush(ctx, k.Pending, "{not an envelope").Err())

	called := make(chan struct{}, 1)
	exec := func(context.Context, []byte) error {
		called <- struct{}{}
		return nil
	}
	cfg := Config{Queues: map[string]int{qname: 1}, Concurrency: 1, VisibilityTTL: 30 * time.Second, PollInterval: 10 * time.Millisecond}
	rt := New(rdb, cfg, exec)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		dead, _ := rdb.LRange(ctx, k.Dead, 0, -1).Result()
		return len(dead) == 1 && dead[0] == "{not an envelope"
	}, 2*time.Second, 20*time.Millisecond)
	require.Len(t, called, 0, "executor must not see malformed envelopes")
}

func TestRuntime_DeliveryContextCarriesLease(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	qname := "qlease"
	k := ikeys.For(qname)

	require.NoError(t, rdb.LPush(ctx, k.Pending, `{"id":"m1","queue":"qlease","payload":null,"retry":2,"max_retry":3}`).Err())

	type seen struct {
		attempt  int
		deadline bool
	}
	got := make(chan seen, 1)
	exec := func(ctx context.Context, _ []byte) error {
		st, _ := hctx.From(ctx)
		_, ok := ctx.Deadline()
		got <- seen{attempt: st.Attempt, deadline: ok}
		return nil
	}
	cfg := Config{Queues: map[string]int{qname: 1}, Concurrency: 1, VisibilityTTL: 30 * time.Second}
	rt := New(rdb, cfg, exec)
	rt.Start()
	defer rt.Stop()

	select {
	case s := <-got:
		require.Equal(t, 2, s.attempt)
		require.True(t, s.deadline)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not executed")
	}
	require.Eventually(t, func() bool {
		n, _ := rdb.ZCard(ctx, k.Active).Result()
		return n == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRuntime_StopWaitsForInFlightDelivery(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	qname := "qstop"
	k := ikeys.For(qname)

	raw := `{"id":"m1","queue":"qstop","payload":null,"retry":0,"max_retry":3}`
	require.NoError(t, rdb.LPush(ctx, k.Pending, raw).Err())

	started := make(chan struct{})
	var cancelled bool
	exec := func(ctx context.Context, _ []byte) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		cancelled = ctx.Err() != nil
		return nil
	}
	cfg := Config{Queues: map[string]int{qname: 1}, Concurrency: 1, VisibilityTTL: 30 * time.Second, PollInterval: 10 * time.Millisecond}
	rt := New(rdb, cfg, exec)
	rt.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not executed")
	}
	rt.Stop()

	require.False(t, cancelled, "stop must not cancel an in-flight delivery")
	active, err := rdb.ZCard(ctx, k.Active).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), active, "in-flight delivery must be acked before Stop returns")
	pending, _ := rdb.LLen(ctx, k.Pending).Result()
	delayed, _ := rdb.ZCard(ctx, k.Delayed).Result()
	require.Equal(t, int64(0), pending+delayed)
}

func TestRuntime_SettlesAfterLeaseDeadline(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	qname := "qslow"
	k := ikeys.For(qname)

	require.NoError(t, rdb.LPush(ctx, k.Pending, `{"id":"m1","queue":"qslow","payload":null,"retry":0,"max_retry":3}`).Err())

	exec := func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cfg := Config{Queues: map[string]int{qname: 1}, Concurrency: 1, VisibilityTTL: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}
	rt := New(rdb, cfg, exec)
	rt.Start()
	defer rt.Stop()

	// The expired deadline must not stop the retry transition from being written.
	require.Eventually(t, func() bool {
		n, _ := rdb.ZCard(ctx, k.Delayed).Result()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}
