package uniqw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/UniQw/uniqw-batch/internal/hctx"
	"github.com/UniQw/uniqw-batch/internal/metrics"
	"github.com/jonboulle/clockwork"
)

// CoordinatorConfig wires the coordinator to its store and collaborators.
// Store is required; nil collaborators default to no-ops.
type CoordinatorConfig struct {
	Store     TaskStore
	Mux       *Mux
	Queue     QueueGateway
	Notifier  Notifier
	Scheduler Scheduler
	Trigger   WorkTrigger
	Clock     clockwork.Clock
	Logger    Logger
	Metrics   *metrics.Collector
}

// Coordinator answers deliveries for batches and clean-ups of tasks. It holds no
// per-task state: every decision is taken from the result of an atomic store update,
// so any number of coordinators may serve the same tasks.
type Coordinator struct {
	store     TaskStore
	mux       *Mux
	queue     QueueGateway
	notifier  Notifier
	scheduler Scheduler
	trigger   WorkTrigger
	clock     clockwork.Clock
	log       Logger
	metrics   *metrics.Collector
}

// NewCoordinator creates a coordinator. It panics without a store.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Store == nil {
		panic("uniqw: coordinator requires a TaskStore")
	}
	c := &Coordinator{
		store:     cfg.Store,
		mux:       cfg.Mux,
		queue:     cfg.Queue,
		notifier:  cfg.Notifier,
		scheduler: cfg.Scheduler,
		trigger:   cfg.Trigger,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if c.mux == nil {
		c.mux = NewMux()
	}
	if c.queue == nil {
		c.queue = noopGateway{}
	}
	if c.notifier == nil {
		c.notifier = noopGateway{}
	}
	if c.scheduler == nil {
		c.scheduler = noopGateway{}
	}
	if c.trigger == nil {
		c.trigger = noopGateway{}
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.log == nil {
		c.log = NewFmtLogger()
	}
	return c
}

// Handle processes one delivery and never panics. The response code follows the
// delivery contract: 200 on success or no-op, 400 for expected errors, 500 otherwise.
// Cancellation and deadlines of ctx reach the handler and clean-up strategy only;
// store writes and notifications run on a detached context.
func (c *Coordinator) Handle(ctx context.Context, d Delivery) (resp Response) {
	started := c.clock.Now()
	if _, ok := hctx.From(ctx); !ok {
		ctx = hctx.WithState(ctx, hctx.New(""))
	}
	run := ctx
	ctx = context.WithoutCancel(ctx)
	defer func() {
		c.metrics.Delivery(string(d.Role), resp.StatusCode, c.clock.Since(started))
	}()

	if err := d.Validate(); err != nil {
		return c.fail(ctx, d.TaskID, err)
	}

	var err error
	if d.Role == RoleCleanUp {
		resp, err = c.handleCleanUpDelivery(ctx, run, d)
	} else {
		resp, err = c.handleBatch(ctx, run, d)
	}
	if err != nil {
		return c.fail(ctx, d.TaskID, err)
	}
	return resp
}

// handleBatch runs the batch handler under run; every other call uses ctx.
func (c *Coordinator) handleBatch(ctx, run context.Context, d Delivery) (Response, error) {
	idx := d.Index()
	task, err := c.store.UpdateBatchStarted(ctx, d.TaskID, idx)
	if err != nil {
		if errors.Is(err, ErrBatchIndexOutOfRange) {
			return Response{}, Expected(err)
		}
		return Response{}, err
	}
	if task == nil {
		return messageResponse(MsgAlreadyFinished), nil
	}
	if task.WasBatchRepeated(idx) {
		c.log.Debugf("%s: batch %d delivered again", c.tag(ctx, task.ID), idx)
		return messageResponse(MsgAlreadyProcessed), nil
	}
	if task.Aborted > 0 {
		return c.exit(ctx, run, task, &idx, "")
	}

	body, herr := c.runBatch(run, task, d)
	failed := herr != nil
	exceeded := task.IsOverFailureThreshold(failed)

	task, err = c.store.UpdateBatchEnded(ctx, d.TaskID, idx, !failed, exceeded)
	if err != nil {
		return Response{}, err
	}
	if task == nil {
		return messageResponse(MsgAlreadyFinished), nil
	}
	if task.Aborted > 1 {
		return c.exit(ctx, run, task, nil, "")
	}
	if exceeded {
		c.metrics.Aborted()
		c.log.Warnf("%s: failure threshold exceeded (failed=%d total=%d), aborting",
			c.tag(ctx, task.ID), task.Progress.Failed, task.Progress.Total)
		c.purge(ctx, task)
		return c.exit(ctx, run, task, nil, "")
	}
	if task.Aborted > 0 {
		// started before the abort decision and judged the threshold on a stale snapshot
		return c.exit(ctx, run, task, nil, "")
	}
	if task.IsLast(c.clock.Now()) {
		return c.handleCleanUp(ctx, run, task, nil, true)
	}

	c.pushProgress(ctx, task)
	if failed {
		return errorResponse(Normalize(herr, nil)), nil
	}
	return bodyResponse(body, MsgProcessed), nil
}

func (c *Coordinator) handleCleanUpDelivery(ctx, run context.Context, d Delivery) (Response, error) {
	task, err := c.store.Get(ctx, d.TaskID)
	if err != nil {
		return Response{}, err
	}
	if task == nil || task.Status.IsTerminal() {
		return messageResponse(MsgAlreadyFinished), nil
	}
	if d.CleanUpReason != "" {
		return c.exit(ctx, run, task, nil, d.CleanUpReason)
	}
	return c.handleCleanUp(ctx, run, task, nil, false)
}

// exit drives an aborted task toward clean-up once no started batch is still running.
func (c *Coordinator) exit(ctx, run context.Context, task *Task, endBatch *int, reason string) (Response, error) {
	if endBatch != nil {
		t, err := c.store.UpdateTask(ctx, task.ID, NewUpdate().BatchEnd(*endBatch, c.clock.Now()))
		if err != nil {
			return Response{}, err
		}
		if t == nil {
			return messageResponse(MsgAlreadyFinished), nil
		}
		task = t
	}
	if !task.IsClear(c.clock.Now()) {
		c.log.Debugf("%s: aborted but batches still running", c.tag(ctx, task.ID))
		return messageResponse(MsgNotClear), nil
	}
	return c.handleCleanUp(ctx, run, task, abortError(reason), true)
}

func abortError(reason string) error {
	if reason == "" {
		return Expected(ErrTaskAborted)
	}
	return Expected(fmt.Errorf("%w: %s", ErrTaskAborted, reason))
}

// purge drops deliveries still waiting on the task's queue. Failures do not block the abort.
func (c *Coordinator) purge(ctx context.Context, task *Task) {
	if task.QueueName == "" {
		return
	}
	n, err := c.queue.Count(ctx, task.QueueName)
	if err != nil {
		c.log.Warnf("%s: count queue %s: %v", c.tag(ctx, task.ID), task.QueueName, err)
	}
	if err := c.queue.Purge(ctx, task.QueueName); err != nil {
		c.log.Warnf("%s: purge queue %s: %v", c.tag(ctx, task.ID), task.QueueName, err)
		return
	}
	c.log.Infof("%s: purged %d pending deliveries from %s", c.tag(ctx, task.ID), n, task.QueueName)
}

func (c *Coordinator) runBatch(ctx context.Context, task *Task, d Delivery) (body any, err error) {
	h, ok := c.mux.handler(task.Kind)
	if !ok {
		err = fmt.Errorf("%w for kind %q", ErrNoHandler, task.Kind)
		c.report(ctx, task.ID, err)
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			body, err = nil, Normalize(panicError{value: r}, debug.Stack())
		}
		if err != nil {
			c.report(ctx, task.ID, err)
		}
	}()
	body, err = h(ctx, task, d)
	if body == nil && err == nil {
		body = resultFrom(ctx)
	}
	return body, err
}

// resultFrom returns the body attached with SetResult, if any.
func resultFrom(ctx context.Context) any {
	st, ok := hctx.From(ctx)
	if !ok || st.Result == nil {
		return nil
	}
	return json.RawMessage(st.Result)
}

func (c *Coordinator) fail(ctx context.Context, taskID string, err error) Response {
	c.report(ctx, taskID, err)
	return errorResponse(Normalize(err, nil))
}

// report logs an error caught at the coordinator boundary at the level its kind deserves.
func (c *Coordinator) report(ctx context.Context, taskID string, err error) {
	n := Normalize(err, nil)
	if n.Expected {
		c.log.Warnf("%s: %s", c.tag(ctx, taskID), n)
		return
	}
	if n.Traceback != "" {
		c.log.Errorf("%s: %s\n%s", c.tag(ctx, taskID), n, n.Traceback)
		return
	}
	c.log.Errorf("%s: %s", c.tag(ctx, taskID), n)
}

func (c *Coordinator) tag(ctx context.Context, taskID string) string {
	if st, ok := hctx.From(ctx); ok && st.DeliveryID != "" {
		return "task=" + taskID + " delivery=" + st.DeliveryID
	}
	return "task=" + taskID
}
