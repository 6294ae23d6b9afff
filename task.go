package uniqw

import "time"

// BatchTimeout is how long a started batch may run without an end before it is
// treated as ended (crashed or timed out worker).
const BatchTimeout = 360 * time.Second

// Failure threshold: a task aborts once more than half of its batches failed, or
// once more than MaxFailedBatches batches failed regardless of size.
const (
	MaxFailureRate   = 0.5
	MaxFailedBatches = 10
)

// Task is one coordinated unit of work split into index-addressed batches.
// It is stored as a Redis hash; zero timestamps mean "not set".
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`
	// Kind tags the business operation; it selects the handler in Mux.
	Kind string `json:"kind"`
	// KindID references the domain object being processed.
	KindID string `json:"kindId,omitempty"`
	// Dependency is the id of the task this one waits on, if any.
	Dependency string `json:"dependency,omitempty"`
	// Status is the lifecycle state; terminal statuses are never left.
	Status Status `json:"status"`
	// Batches has a fixed length equal to Progress.Total.
	Batches []Batch `json:"batches"`
	// Progress holds counters and notification routing.
	Progress Progress `json:"progress"`
	// CleanUp guards the single clean-up execution.
	CleanUp CleanUp `json:"cleanUp"`
	// Aborted is >0 once an abort decision was made and >1 once the exit path observed it.
	Aborted int `json:"aborted"`
	// QueueName is the delivery queue and the queue slot owned by this task.
	QueueName string `json:"queueName,omitempty"`
	// SupervisorJobName is the monitoring job deleted when the task finishes.
	SupervisorJobName string `json:"supervisorJobName,omitempty"`

	CreatedAt       time.Time `json:"createdAt"`
	PendingAt       time.Time `json:"pendingAt,omitzero"`
	MostRecentStart time.Time `json:"mostRecentStart,omitzero"`
	MostRecentEnd   time.Time `json:"mostRecentEnd,omitzero"`
	CleanUpAt       time.Time `json:"cleanUpAt,omitzero"`
	FinishedAt      time.Time `json:"finishedAt,omitzero"`
	CanceledAt      time.Time `json:"canceledAt,omitzero"`
}

// Batch is the execution record of one slice of a task.
type Batch struct {
	// Processed counts start attempts; a value >=2 signals a duplicate delivery.
	Processed int       `json:"processed"`
	Start     time.Time `json:"start,omitzero"`
	End       time.Time `json:"end,omitzero"`
}

// Progress tracks batch outcomes and where progress notifications go.
type Progress struct {
	Total    int `json:"total"`
	Complete int `json:"complete"`
	Failed   int `json:"failed"`
	// Denom samples notifications: one is pushed every Denom finished batches.
	Denom int `json:"denom"`
	// Initial and End bound the percentage reported while batches run.
	Initial int    `json:"initial"`
	End     int    `json:"end"`
	Emitter string `json:"emitter,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// CleanUp records clean-up attempts.
type CleanUp struct {
	Start     time.Time `json:"start,omitzero"`
	Processed int       `json:"processed"`
}

// IsEnded reports whether the batch has ended, inferring a timeout for batches
// started more than BatchTimeout ago without an end.
func (b Batch) IsEnded(now time.Time) bool {
	if !b.End.IsZero() {
		return true
	}
	return !b.Start.IsZero() && now.Sub(b.Start) > BatchTimeout
}

// IsClear reports whether every batch that was ever started has ended.
func (t *Task) IsClear(now time.Time) bool {
	for _, b := range t.Batches {
		if b.Processed > 0 && !b.IsEnded(now) {
			return false
		}
	}
	return true
}

// IsLast reports whether every batch, started or not, has ended.
func (t *Task) IsLast(now time.Time) bool {
	for _, b := range t.Batches {
		if !b.IsEnded(now) {
			return false
		}
	}
	return true
}

// WasBatchRepeated reports whether batch idx was started more than once.
func (t *Task) WasBatchRepeated(idx int) bool {
	if idx < 0 || idx >= len(t.Batches) {
		return false
	}
	return t.Batches[idx].Processed > 1
}

// IsOverFailureThreshold reports whether the task must abort, counting the current
// attempt as one more failure when failed is true. Both comparisons are strict.
func (t *Task) IsOverFailureThreshold(failed bool) bool {
	count := t.Progress.Failed
	if failed {
		count++
	}
	if count > MaxFailedBatches {
		return true
	}
	if t.Progress.Total <= 0 {
		return false
	}
	return float64(count)/float64(t.Progress.Total) > MaxFailureRate
}

// Done is the number of batches that finished, successfully or not.
func (p Progress) Done() int { return p.Complete + p.Failed }

// Percent maps Done onto the [Initial, End] range.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return p.Initial
	}
	return p.Initial + (p.EndPercent()-p.Initial)*p.Done()/p.Total
}

// EndPercent is End, or 100 when unset.
func (p Progress) EndPercent() int {
	if p.End <= 0 {
		return 100
	}
	return p.End
}

// NotifyTarget is the emitter when set, otherwise the channel.
func (p Progress) NotifyTarget() string {
	if p.Emitter != "" {
		return p.Emitter
	}
	return p.Channel
}
