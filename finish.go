package uniqw

import (
	"context"
	"errors"
	"fmt"
)

// NotifyRunning is the status of sampled progress notifications.
const NotifyRunning = "running"

// Notification is pushed to a task's emitter (or channel) on progress and on finish.
type Notification struct {
	TaskID   string `json:"taskId"`
	Kind     string `json:"kind"`
	KindID   string `json:"kindId,omitempty"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	// Message is user-facing; unexpected errors never reach it verbatim.
	Message string `json:"message,omitempty"`
	Body    any    `json:"body,omitempty"`
}

// Finish moves task to complete (nil cause) or failed exactly once. The caller that
// loses the status CAS returns nil without side effects. The winner notifies,
// releases the queue slot, cascades to dependents, wakes queued work and deletes
// the supervisor job. Every step runs even when an earlier one fails; store
// failures are joined into the returned error.
func (c *Coordinator) Finish(ctx context.Context, task *Task, cause error, result any) error {
	to := StatusComplete
	if cause != nil {
		to = StatusFailed
	}
	won, err := c.store.CompareAndSetStatus(ctx, task.ID, task.Status, to)
	if err != nil {
		return err
	}
	if !won {
		c.log.Debugf("%s: already finished, %s discarded", c.tag(ctx, task.ID), to)
		return nil
	}
	c.metrics.Finished(task.Kind, string(to))
	if cause != nil {
		c.log.Infof("%s: finished status=%s cause=%v", c.tag(ctx, task.ID), to, cause)
	} else {
		c.log.Infof("%s: finished status=%s", c.tag(ctx, task.ID), to)
	}

	c.notify(ctx, task, terminalNotification(task, to, cause, result))

	var errs []error
	if task.QueueName != "" {
		released, err := c.store.ReleaseQueueSlot(ctx, task.QueueName)
		switch {
		case err != nil:
			c.log.Errorf("%s: release queue slot %s: %v", c.tag(ctx, task.ID), task.QueueName, err)
			errs = append(errs, fmt.Errorf("release queue slot %s: %w", task.QueueName, err))
		case !released:
			c.log.Debugf("%s: queue slot %s was not assigned", c.tag(ctx, task.ID), task.QueueName)
		}
	}

	kinds, err := c.cascade(ctx, task, cause)
	if err != nil {
		errs = append(errs, err)
	}
	for _, kind := range kinds {
		if err := c.trigger.CheckQueuedWork(ctx, kind); err != nil {
			c.log.Warnf("%s: check queued work for %s: %v", c.tag(ctx, task.ID), kind, err)
		}
	}

	if task.SupervisorJobName != "" {
		if err := c.scheduler.DeleteJob(ctx, task.SupervisorJobName); err != nil {
			c.log.Warnf("%s: delete supervisor job %s: %v", c.tag(ctx, task.ID), task.SupervisorJobName, err)
		}
	}
	return errors.Join(errs...)
}

// cascade releases (parent complete) or cancels (parent failed) awaiting dependents and
// returns the distinct kinds of the parent and its dependents. The parent kind is
// returned even when listing dependents fails; a failed dependent CAS does not stop
// the others.
func (c *Coordinator) cascade(ctx context.Context, task *Task, cause error) ([]string, error) {
	kinds := []string{task.Kind}
	deps, err := c.store.AwaitingDependents(ctx, task.ID)
	if err != nil {
		c.log.Errorf("%s: list dependents: %v", c.tag(ctx, task.ID), err)
		return kinds, fmt.Errorf("list dependents of %s: %w", task.ID, err)
	}
	to := StatusQueued
	if cause != nil {
		to = StatusCanceled
	}

	var errs []error
	seen := map[string]bool{task.Kind: true}
	for _, dep := range deps {
		if !seen[dep.Kind] {
			seen[dep.Kind] = true
			kinds = append(kinds, dep.Kind)
		}
		won, err := c.store.CompareAndSetStatus(ctx, dep.ID, StatusAwaitingDependency, to)
		if err != nil {
			c.log.Errorf("%s: move dependent %s to %s: %v", c.tag(ctx, task.ID), dep.ID, to, err)
			errs = append(errs, fmt.Errorf("move dependent %s to %s: %w", dep.ID, to, err))
			continue
		}
		if !won {
			continue
		}
		c.metrics.Cascaded(string(to))
		if cause == nil {
			continue
		}
		c.notify(ctx, dep, Notification{
			TaskID:  dep.ID,
			Kind:    dep.Kind,
			KindID:  dep.KindID,
			Status:  string(StatusFailed),
			Message: fmt.Sprintf("Canceled because task %s it depends on failed.", task.ID),
		})
		if fn := c.mux.cascade(task.Kind, dep.Kind); fn != nil {
			if err := fn(ctx, task, dep, cause); err != nil {
				c.log.Errorf("%s: cascade %s -> %s for %s: %v", c.tag(ctx, task.ID), task.Kind, dep.Kind, dep.ID, err)
			}
		}
	}
	return kinds, errors.Join(errs...)
}

func terminalNotification(task *Task, to Status, cause error, result any) Notification {
	n := Notification{
		TaskID:   task.ID,
		Kind:     task.Kind,
		KindID:   task.KindID,
		Status:   string(to),
		Progress: task.Progress.Percent(),
	}
	if cause != nil {
		n.Message = Normalize(cause, nil).UserMessage()
		return n
	}
	n.Progress = task.Progress.EndPercent()
	n.Body = result
	return n
}

// pushProgress sends a running notification every Denom finished batches.
func (c *Coordinator) pushProgress(ctx context.Context, task *Task) {
	denom := task.Progress.Denom
	if denom <= 0 {
		denom = 1
	}
	if task.Progress.Done()%denom != 0 {
		return
	}
	c.notify(ctx, task, Notification{
		TaskID:   task.ID,
		Kind:     task.Kind,
		KindID:   task.KindID,
		Status:   NotifyRunning,
		Progress: task.Progress.Percent(),
	})
}

// notify pushes n to task's notification target. Failures are logged only.
func (c *Coordinator) notify(ctx context.Context, task *Task, n Notification) {
	target := task.Progress.NotifyTarget()
	if target == "" {
		return
	}
	payload, err := c.mux.encoder.Encode(n)
	if err != nil {
		c.log.Errorf("%s: encode notification: %v", c.tag(ctx, task.ID), err)
		return
	}
	if err := c.notifier.Push(ctx, target, payload); err != nil {
		c.log.Warnf("%s: notify %s: %v", c.tag(ctx, task.ID), target, err)
	}
}
