// Package worker moves delivery envelopes between the Redis structures of one queue:
// pending LIST, active ZSET (leased, scored by lease expiry), delayed ZSET (scored by
// due time) and dead LIST.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/uniqw-batch/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// MaxBackoff caps the redelivery delay.
const MaxBackoff = 10 * time.Minute

// ErrMalformed is returned by Dequeue when the leased member is not an envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope wraps a delivery body on the queue. The root package encodes the same
// JSON shape as QueueMessage.
type Envelope struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	Payload     []byte `json:"payload"`
	Retry       int    `json:"retry"`
	MaxRetry    int    `json:"max_retry"`
	CreatedAt   int64  `json:"created_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastErrorAt int64  `json:"last_error_at,omitempty"`
}

var envPool = sync.Pool{New: func() any { return new(Envelope) }}

// RPOP from pending and lease into active in one step.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	local v = redis.call('RPOP', KEYS[1])
	if not v then return false end
	redis.call('ZADD', KEYS[2], ARGV[1], v)
	return v
	`,
)

// Recycle returns an Envelope to the pool.
func Recycle(e *Envelope) {
	if e == nil {
		return
	}
	*e = Envelope{}
	envPool.Put(e)
}

// Dequeue leases the oldest pending envelope until leaseUntil. It returns (nil, nil, nil)
// when the queue is empty. A member that does not decode is still leased and returned
// as raw bytes with ErrMalformed so the caller can dead-letter it.
func Dequeue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, leaseUntil time.Time) (*Envelope, []byte, error) {
	score := strconv.FormatInt(leaseUntil.Unix(), 10)
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Pending, k.Active}, score).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, nil
	}
	var raw []byte
	switch v := res.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, nil, nil
	}

	e := envPool.Get().(*Envelope)
	if err := sonic.Unmarshal(raw, e); err != nil {
		Recycle(e)
		return nil, raw, ErrMalformed
	}
	return e, raw, nil
}

// Ack releases the lease of an answered delivery.
func Ack(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte) error {
	return rdb.ZRem(ctx, k.Active, raw).Err()
}

// DeadRaw moves a leased member to the dead list as is.
func DeadRaw(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte) error {
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.LPush(ctx, k.Dead, raw)
		return nil
	})
	return err
}

// FailToDead records reason on e and moves it from active to the dead list.
func FailToDead(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, e *Envelope, raw []byte, reason string, now time.Time) error {
	if reason != "" {
		e.LastError = reason
		e.LastErrorAt = now.UnixMilli()
	}
	newRaw := encodeJSON(e)
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.LPush(ctx, k.Dead, newRaw)
		return nil
	})
	return err
}

// Backoff is the delay before redelivery number retry: 2^retry seconds, capped.
func Backoff(retry int) time.Duration {
	if retry >= 10 {
		return MaxBackoff
	}
	d := time.Second * time.Duration(1<<retry)
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// RetryOrDead schedules a redelivery after Backoff, or dead-letters the envelope once
// MaxRetry redeliveries were spent. dead reports which one happened.
func RetryOrDead(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, e *Envelope, raw []byte, lastErr string, now time.Time) (dead bool, err error) {
	if e.Retry >= e.MaxRetry {
		return true, FailToDead(ctx, rdb, k, e, raw, lastErr, now)
	}

	e.Retry++
	e.LastError = lastErr
	e.LastErrorAt = now.UnixMilli()
	newRaw := encodeJSON(e)
	due := now.Add(Backoff(e.Retry)).Unix()
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(due), Member: newRaw})
		return nil
	})
	return false, err
}

// encodeJSON encodes value using stdlib json.Marshal for lower latency in encoding.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
