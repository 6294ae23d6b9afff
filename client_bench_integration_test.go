package uniqw

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newRedisClientForBench(b *testing.B) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		b.Skipf("skipping integration bench: redis ping failed: %v", err)
	}
	return rdb
}

func BenchmarkClientEnqueue_Serial(b *testing.B) {
	rdb := newRedisClientForBench(b)
	c := NewClient(rdb)
	ctx := context.Background()
	queue := "bench:" + uuid.NewString()
	defer c.Purge(ctx, queue)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Enqueue(ctx, queue, BatchDelivery("bench", i)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStore_BatchRoundTrip(b *testing.B) {
	rdb := newRedisClientForBench(b)
	s := NewRedisStore(rdb, nil)
	ctx := context.Background()
	id := "bench-" + uuid.NewString()
	if err := s.Create(ctx, &Task{ID: id, Kind: "bench", Status: StatusQueued, Progress: Progress{Total: 64}}); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx := i % 64
		if _, err := s.UpdateBatchStarted(ctx, id, idx); err != nil {
			b.Fatal(err)
		}
		if _, err := s.UpdateBatchEnded(ctx, id, idx, true, false); err != nil {
			b.Fatal(err)
		}
	}
}
