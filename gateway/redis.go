// Package gateway holds the Redis and HTTP backed collaborators the coordinator
// calls once a task finishes: notifications, queued-work wake-ups and monitoring jobs.
package gateway

import (
	"context"
	"errors"

	"github.com/UniQw/uniqw-batch/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Default pub/sub channels.
const (
	DefaultChannelPrefix = "uniqw:notify:"
	DefaultWorkChannel   = "uniqw:work"
)

// RedisNotifier publishes notifications on one channel per target.
type RedisNotifier struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisNotifier creates a notifier publishing on prefix+target.
// An empty prefix uses DefaultChannelPrefix.
func NewRedisNotifier(rdb redis.UniversalClient, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisNotifier{rdb: rdb, prefix: prefix}
}

// Channel returns the channel a target's notifications are published on.
func (n *RedisNotifier) Channel(target string) string { return n.prefix + target }

// Push publishes payload to the target's channel.
func (n *RedisNotifier) Push(ctx context.Context, target string, payload []byte) error {
	if target == "" {
		return errors.New("gateway: empty notification target")
	}
	return n.rdb.Publish(ctx, n.Channel(target), payload).Err()
}

// RedisWorkTrigger publishes the kind of tasks that may have become dispatchable.
type RedisWorkTrigger struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisWorkTrigger creates a trigger publishing on channel (DefaultWorkChannel when empty).
func NewRedisWorkTrigger(rdb redis.UniversalClient, channel string) *RedisWorkTrigger {
	if channel == "" {
		channel = DefaultWorkChannel
	}
	return &RedisWorkTrigger{rdb: rdb, channel: channel}
}

// CheckQueuedWork announces that queued tasks of kind should be looked at.
func (w *RedisWorkTrigger) CheckQueuedWork(ctx context.Context, kind string) error {
	return w.rdb.Publish(ctx, w.channel, kind).Err()
}

// RedisScheduler keeps monitoring jobs in a Redis hash keyed by job name.
type RedisScheduler struct {
	rdb redis.UniversalClient
}

// NewRedisScheduler creates a scheduler backed by rdb.
func NewRedisScheduler(rdb redis.UniversalClient) *RedisScheduler {
	return &RedisScheduler{rdb: rdb}
}

// PutJob registers (or replaces) a monitoring job definition.
func (s *RedisScheduler) PutJob(ctx context.Context, name string, def []byte) error {
	return s.rdb.HSet(ctx, keys.Jobs, name, def).Err()
}

// Job returns a job definition, or nil when it does not exist.
func (s *RedisScheduler) Job(ctx context.Context, name string) ([]byte, error) {
	b, err := s.rdb.HGet(ctx, keys.Jobs, name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

// DeleteJob removes a job. Deleting a missing job is not an error.
func (s *RedisScheduler) DeleteJob(ctx context.Context, name string) error {
	return s.rdb.HDel(ctx, keys.Jobs, name).Err()
}
