// Package runtime runs the worker pool that pulls deliveries from Redis queues and the
// maintenance loops that promote due redeliveries and reclaim expired leases.
package runtime

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/uniqw-batch/internal/hctx"
	ikeys "github.com/UniQw/uniqw-batch/internal/keys"
	"github.com/UniQw/uniqw-batch/internal/worker"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// ErrPoison marks a delivery that can never succeed (e.g. an undecodable body); the
// runtime moves it to dead without retry.
var ErrPoison = errors.New("poison delivery")

// Logger mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

const (
	defaultPollInterval = 50 * time.Millisecond
	promoteInterval     = 100 * time.Millisecond
	reclaimInterval     = 200 * time.Millisecond
	maxMovesPerTick     = 256
)

type Config struct {
	Queues        map[string]int
	Concurrency   int
	VisibilityTTL time.Duration
	// PollInterval is the sleep of an idle worker.
	PollInterval time.Duration
	Clock        clockwork.Clock
	Logger       Logger
}

// Executor answers one delivery body. A non-nil error requests redelivery; an error
// wrapping ErrPoison dead-letters the delivery.
type Executor func(ctx context.Context, payload []byte) error

type Runtime struct {
	rdb       redis.UniversalClient
	cfg       Config
	exec      Executor
	clock     clockwork.Clock
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	queueList []string
	qmap      map[string]ikeys.Queue
	log       Logger
}

// promoteDueScript moves one member whose score is due from a ZSET to the pending LIST.
// It serves both the delayed set (redeliveries) and the active set (expired leases; a
// worker that crashed mid-delivery causes a redelivery the coordinator absorbs).
var promoteDueScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
if redis.call('ZREM', KEYS[1], m) == 1 then
  redis.call('LPUSH', KEYS[2], m)
  return m
end
return false
`)

// New creates a runtime; nothing runs until Start.
func New(rdb redis.UniversalClient, cfg Config, exec Executor) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	qmap := make(map[string]ikeys.Queue, len(cfg.Queues))
	for q := range cfg.Queues {
		qmap[q] = ikeys.For(q)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{
		rdb:       rdb,
		cfg:       cfg,
		exec:      exec,
		clock:     cfg.Clock,
		ctx:       ctx,
		cancel:    cancel,
		queueList: expandQueues(cfg.Queues),
		qmap:      qmap,
		log:       lg,
	}
}

// Start launches workers and the per-queue maintenance loops.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: concurrency=%d queues=%d", rt.cfg.Concurrency, len(rt.cfg.Queues))

	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		rng := rand.New(rand.NewSource(rt.clock.Now().UnixNano() + int64(i)))
		go func(r *rand.Rand) {
			defer rt.wg.Done()
			rt.workerLoop(r)
		}(rng)
	}

	for q, kset := range rt.qmap {
		rt.wg.Add(2)
		go func(queue string, k ikeys.Queue) {
			defer rt.wg.Done()
			rt.promoteEvery(promoteInterval, "scheduler", queue, k.Delayed, k.Pending)
		}(q, kset)
		go func(queue string, k ikeys.Queue) {
			defer rt.wg.Done()
			rt.promoteEvery(reclaimInterval, "reclaimer", queue, k.Active, k.Pending)
		}(q, kset)
	}
}

// promoteEvery drains due members of from into to on every tick, at most
// maxMovesPerTick per tick.
func (rt *Runtime) promoteEvery(every time.Duration, name, queue, from, to string) {
	ticker := rt.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.Chan():
			now := strconv.FormatInt(rt.clock.Now().Unix(), 10)
			for i := 0; i < maxMovesPerTick; i++ {
				res, err := promoteDueScript.Run(rt.ctx, rt.rdb, []string{from, to}, now).Result()
				if err != nil {
					if !errors.Is(err, redis.Nil) && rt.ctx.Err() == nil {
						rt.log.Warnf("%s: script failed queue=%s err=%v", name, queue, err)
					}
					break
				}
				if res == nil {
					break
				}
			}
		}
	}
}

// Stop signals the workers and maintenance loops to exit and waits for them. A worker
// finishes and settles its in-flight delivery before it observes the signal.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

func (rt *Runtime) workerLoop(rng *rand.Rand) {
	ql := rt.queueList
	if len(ql) == 0 {
		return
	}
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}

		queue := ql[rng.Intn(len(ql))]
		kset := rt.qmap[queue]
		env, raw, err := worker.Dequeue(rt.ctx, rt.rdb, kset, rt.clock.Now().Add(rt.cfg.VisibilityTTL))
		switch {
		case errors.Is(err, worker.ErrMalformed):
			rt.log.Warnf("malformed envelope on queue=%s; moving to dead", queue)
			if e := worker.DeadRaw(context.WithoutCancel(rt.ctx), rt.rdb, kset, raw); e != nil {
				rt.log.Errorf("deadletter failed: queue=%s err=%v", queue, e)
			}
			continue
		case err != nil:
			if rt.ctx.Err() == nil {
				rt.log.Warnf("dequeue failed: queue=%s err=%v", queue, err)
			}
			rt.clock.Sleep(rt.cfg.PollInterval)
			continue
		case env == nil:
			rt.clock.Sleep(rt.cfg.PollInterval)
			continue
		}

		rt.deliver(queue, kset, env, raw)
		worker.Recycle(env)
	}
}

// deliver runs the executor under the lease and settles the envelope: ack on success,
// dead on poison, otherwise redelivery with backoff until MaxRetry. Stop does not
// cancel a delivery; only the lease deadline bounds the executor.
func (rt *Runtime) deliver(queue string, kset ikeys.Queue, env *worker.Envelope, raw []byte) {
	ctx := context.WithoutCancel(rt.ctx)
	st := hctx.New(env.ID)
	st.Attempt = env.Retry
	dctx := hctx.WithState(ctx, st)
	if rt.cfg.VisibilityTTL > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(dctx, rt.cfg.VisibilityTTL)
		defer cancel()
	}

	err := rt.exec(dctx, env.Payload)
	switch {
	case err == nil:
		if e := worker.Ack(ctx, rt.rdb, kset, raw); e != nil {
			rt.log.Errorf("ack failed: id=%s queue=%s err=%v", env.ID, queue, e)
			return
		}
		rt.log.Debugf("delivered: id=%s queue=%s", env.ID, queue)
	case errors.Is(err, ErrPoison):
		if e := worker.FailToDead(ctx, rt.rdb, kset, env, raw, err.Error(), rt.clock.Now()); e != nil {
			rt.log.Errorf("deadletter failed: id=%s queue=%s err=%v", env.ID, queue, e)
		}
		rt.log.Warnf("poison delivery: id=%s queue=%s err=%v", env.ID, queue, err)
	default:
		dead, e := worker.RetryOrDead(ctx, rt.rdb, kset, env, raw, err.Error(), rt.clock.Now())
		switch {
		case e != nil:
			rt.log.Errorf("retry/dead transition failed: id=%s queue=%s err=%v", env.ID, queue, e)
		case dead:
			rt.log.Errorf("delivery exhausted retries: id=%s queue=%s retry=%d err=%v", env.ID, queue, env.Retry, err)
		default:
			rt.log.Warnf("delivery will be retried: id=%s queue=%s retry=%d err=%v", env.ID, queue, env.Retry, err)
		}
	}
}

// CfgConcurrency exposes configured worker concurrency.
func (rt *Runtime) CfgConcurrency() int { return rt.cfg.Concurrency }

// CfgQueues exposes configured queues mapping.
func (rt *Runtime) CfgQueues() map[string]int { return rt.cfg.Queues }

func expandQueues(q map[string]int) []string {
	n := 0
	for _, w := range q {
		n += w
	}
	out := make([]string, 0, n)
	for name, weight := range q {
		for i := 0; i < weight; i++ {
			out = append(out, name)
		}
	}
	return out
}
