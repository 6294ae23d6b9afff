package uniqw

import (
	"context"
	"fmt"
	"sync"
	"time"

	rtm "github.com/UniQw/uniqw-batch/internal/runtime"
	"github.com/redis/go-redis/v9"
)

// ServerConfig defines the configuration for a UniQw server.
type ServerConfig struct {
	// Queues defines the queues to process and their relative weights.
	Queues map[string]int
	// Concurrency is the number of worker goroutines.
	Concurrency int
	// VisibilityTTL is the duration for which a delivery is leased by a worker.
	// If the worker fails or crashes, the delivery will be reclaimed after this TTL.
	VisibilityTTL time.Duration
	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration
	// Logger is the logger used for server events.
	Logger Logger
}

// Server pulls deliveries from Redis queues and answers them with a Coordinator.
// A 5xx response is retried with backoff until MaxRetry, then dead-lettered;
// any other response acknowledges the delivery. Undecodable bodies go straight to dead.
type Server struct {
	rt      *rtm.Runtime
	coord   *Coordinator
	mu      sync.Mutex
	started bool
	log     Logger
}

// NewServer creates a new UniQw server.
func NewServer(rdb redis.UniversalClient, cfg ServerConfig, coord *Coordinator) *Server {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	enc := &JSONEncoder{}
	exec := func(ctx context.Context, payload []byte) error {
		d, err := DecodeDelivery(enc, payload)
		if err != nil {
			return fmt.Errorf("%w: %v", rtm.ErrPoison, err)
		}
		resp := coord.Handle(ctx, d)
		if resp.Retryable() {
			return fmt.Errorf("uniqw: task %s answered %d", d.TaskID, resp.StatusCode)
		}
		return nil
	}

	rtc := rtm.Config{
		Queues:        cfg.Queues,
		Concurrency:   cfg.Concurrency,
		VisibilityTTL: cfg.VisibilityTTL,
		PollInterval:  cfg.PollInterval,
		Clock:         coord.clock,
		Logger:        rtLogger{Logger: l},
	}
	return &Server{rt: rtm.New(rdb, rtc, exec), coord: coord, log: l}
}

// Start launches the server workers and background maintenance routines.
// It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		if s.log != nil {
			s.log.Warnf("server already started; ignoring Start()")
		}
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	if s.log != nil {
		s.log.Infof("starting server: concurrency=%d queues=%d", s.rt.CfgConcurrency(), len(s.rt.CfgQueues()))
	}
	s.rt.Start()
}

// Stop gracefully shuts down the server, waiting for workers to finish current deliveries.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		if s.log != nil {
			s.log.Warnf("server not started; ignoring Stop()")
		}
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	if s.log != nil {
		s.log.Infof("stopping server")
	}
	s.rt.Stop()
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }
