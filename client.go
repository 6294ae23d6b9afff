package uniqw

import (
	"context"
	"fmt"
	"time"

	ikeys "github.com/UniQw/uniqw-batch/internal/keys"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// QueueMessage is the queue envelope around an encoded Delivery.
type QueueMessage struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	Payload     []byte `json:"payload"`
	Retry       int    `json:"retry"`
	MaxRetry    int    `json:"max_retry"`
	CreatedAt   int64  `json:"created_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastErrorAt int64  `json:"last_error_at,omitempty"`
}

// Client pushes deliveries onto Redis queues and implements QueueGateway.
type Client struct {
	rdb     redis.UniversalClient
	encoder Encoder
}

// NewClient creates a new UniQw client.
func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb, encoder: &JSONEncoder{}}
}

// Enqueue validates d and adds it to the specified queue.
func (c *Client) Enqueue(ctx context.Context, queue string, d Delivery, opts ...Option) error {
	if err := d.Validate(); err != nil {
		return err
	}
	cfg := newOptions(opts)
	raw, err := c.message(queue, d, cfg)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		c.push(ctx, p, queue, raw, cfg.delay)
		return nil
	})
	return err
}

// EnqueueBatches pushes one batch delivery per index of t onto t.QueueName in a
// single transaction. Message ids are derived from the task id and index.
func (c *Client) EnqueueBatches(ctx context.Context, t *Task, opts ...Option) error {
	if t.QueueName == "" {
		return fmt.Errorf("uniqw: task %s has no queue name", t.ID)
	}
	cfg := newOptions(opts)
	raws := make([][]byte, 0, t.Progress.Total)
	for i := 0; i < t.Progress.Total; i++ {
		o := *cfg
		o.id = fmt.Sprintf("%s:%d", t.ID, i)
		raw, err := c.message(t.QueueName, BatchDelivery(t.ID, i), &o)
		if err != nil {
			return err
		}
		raws = append(raws, raw)
	}
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, raw := range raws {
			c.push(ctx, p, t.QueueName, raw, cfg.delay)
		}
		return nil
	})
	return err
}

// EnqueueCleanUp asks for the clean-up of a task. A non-empty reason aborts it.
func (c *Client) EnqueueCleanUp(ctx context.Context, queue, taskID, reason string, opts ...Option) error {
	return c.Enqueue(ctx, queue, CleanUpDelivery(taskID, reason), opts...)
}

// Purge drops every delivery waiting on the queue (pending and delayed). In-flight
// deliveries are left to finish.
func (c *Client) Purge(ctx context.Context, queue string) error {
	k := ikeys.For(queue)
	return c.rdb.Del(ctx, k.Pending, k.Delayed).Err()
}

// Count returns how many deliveries wait on the queue (pending and delayed).
func (c *Client) Count(ctx context.Context, queue string) (int64, error) {
	k := ikeys.For(queue)
	var pending *redis.IntCmd
	var delayed *redis.IntCmd
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.LLen(ctx, k.Pending)
		delayed = p.ZCard(ctx, k.Delayed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pending.Val() + delayed.Val(), nil
}

// DeadMessages returns the deliveries that exhausted their retries or could not be decoded.
func (c *Client) DeadMessages(ctx context.Context, queue string) ([]*QueueMessage, error) {
	strs, err := c.rdb.LRange(ctx, ikeys.Dead(queue), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*QueueMessage, 0, len(strs))
	for _, s := range strs {
		var m QueueMessage
		if err := c.encoder.Decode([]byte(s), &m); err == nil {
			out = append(out, &m)
		}
	}
	return out, nil
}

func (c *Client) message(queue string, d Delivery, cfg *options) ([]byte, error) {
	payload, err := c.encoder.Encode(d)
	if err != nil {
		return nil, err
	}
	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	return c.encoder.Encode(QueueMessage{
		ID:        id,
		Queue:     queue,
		Payload:   payload,
		MaxRetry:  cfg.maxRetry,
		CreatedAt: time.Now().UnixMilli(),
	})
}

func (c *Client) push(ctx context.Context, p redis.Pipeliner, queue string, raw []byte, delay time.Duration) {
	if delay > 0 {
		p.ZAdd(ctx, ikeys.Delayed(queue), redis.Z{
			Score:  float64(time.Now().Add(delay).Unix()),
			Member: raw,
		})
		return
	}
	p.LPush(ctx, ikeys.Pending(queue), raw)
}
