package uniqw

import (
	"context"
	"runtime/debug"
)

// handleCleanUp runs the kind's clean-up strategy (under run) at most once and finishes
// the task. cause is the error the task finishes with unless the clean-up itself fails.
func (c *Coordinator) handleCleanUp(ctx, run context.Context, task *Task, cause error, selfRequested bool) (Response, error) {
	t, err := c.store.UpdateCleanUpStarted(ctx, task.ID, selfRequested)
	if err != nil {
		return Response{}, err
	}
	if t == nil {
		return messageResponse(MsgAlreadyFinished), nil
	}
	if t.CleanUp.Processed > 1 {
		c.log.Debugf("%s: clean-up already started", c.tag(ctx, t.ID))
		return messageResponse(MsgAlreadyProcessed), nil
	}

	body, cerr := c.runCleanUp(run, t, cause == nil)
	if cerr != nil {
		cause = cerr
	}
	if err := c.Finish(ctx, t, cause, body); err != nil {
		return Response{}, err
	}
	if cause != nil {
		return errorResponse(Normalize(cause, nil)), nil
	}
	return bodyResponse(body, MsgFinished), nil
}

func (c *Coordinator) runCleanUp(ctx context.Context, task *Task, success bool) (body any, err error) {
	cs := c.mux.cleanup(task.Kind)
	if cs == nil {
		return resultFrom(ctx), nil
	}
	defer func() {
		if r := recover(); r != nil {
			body, err = nil, Normalize(panicError{value: r}, debug.Stack())
		}
		if err != nil {
			c.report(ctx, task.ID, err)
		}
	}()
	body, err = cs.CleanUp(ctx, task, success)
	if body == nil && err == nil {
		body = resultFrom(ctx)
	}
	return body, err
}
