package uniqw

import "context"

// QueueGateway purges and counts the deliveries waiting on a named queue.
// Client implements it on the Redis queue layout.
type QueueGateway interface {
	Purge(ctx context.Context, queue string) error
	Count(ctx context.Context, queue string) (int64, error)
}

// Notifier pushes an encoded notification to a user or company target.
type Notifier interface {
	Push(ctx context.Context, target string, payload []byte) error
}

// Scheduler deletes the monitoring job of a finished task.
type Scheduler interface {
	DeleteJob(ctx context.Context, name string) error
}

// WorkTrigger tells the rest of the system that tasks of kind may be dispatchable.
type WorkTrigger interface {
	CheckQueuedWork(ctx context.Context, kind string) error
}

type noopGateway struct{}

func (noopGateway) Purge(context.Context, string) error           { return nil }
func (noopGateway) Count(context.Context, string) (int64, error)  { return 0, nil }
func (noopGateway) Push(context.Context, string, []byte) error    { return nil }
func (noopGateway) DeleteJob(context.Context, string) error       { return nil }
func (noopGateway) CheckQueuedWork(context.Context, string) error { return nil }
