package uniqw

import "time"

// DefaultMaxRetry is how many times a delivery answered with 5xx is redelivered.
const DefaultMaxRetry = 3

type options struct {
	id       string
	delay    time.Duration
	maxRetry int
}

// Option is a function that configures a delivery during Enqueue.
type Option func(*options)

// MessageID sets a custom queue message ID. If not provided, a random UUID will be generated.
// It is the delivery id handlers see through DeliveryID.
func MessageID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Delay schedules the delivery after the specified duration.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

// MaxRetry sets the maximum number of redeliveries after 5xx responses.
func MaxRetry(n int) Option {
	return func(o *options) {
		o.maxRetry = n
	}
}

func newOptions(opts []Option) *options {
	cfg := &options{maxRetry: DefaultMaxRetry}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
