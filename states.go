package uniqw

// Status is the lifecycle state of a Task.
// Use the exported constants (StatusQueued, StatusComplete, etc.) instead of
// raw strings to avoid typos.
type Status string

const (
	// StatusQueued tasks are dispatchable; their batches are being delivered.
	StatusQueued Status = "queued"
	// StatusAwaitingDependency tasks wait for Task.Dependency to finish.
	StatusAwaitingDependency Status = "awaiting_dependency"
	// StatusComplete is terminal: clean-up ran and no error was recorded.
	StatusComplete Status = "complete"
	// StatusFailed is terminal: the task finished with an error (including aborts).
	StatusFailed Status = "failed"
	// StatusCanceled is terminal: the dependency of this task failed.
	StatusCanceled Status = "canceled"
)

// AllStatuses lists every valid status in a stable order.
var AllStatuses = []Status{StatusQueued, StatusAwaitingDependency, StatusComplete, StatusFailed, StatusCanceled}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the store may move a task from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusComplete || next == StatusFailed
	case StatusAwaitingDependency:
		return next == StatusQueued || next == StatusCanceled || next == StatusComplete || next == StatusFailed
	case StatusComplete, StatusFailed, StatusCanceled:
		return false
	default:
		return false
	}
}

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusQueued):
		return StatusQueued, nil
	case string(StatusAwaitingDependency):
		return StatusAwaitingDependency, nil
	case string(StatusComplete):
		return StatusComplete, nil
	case string(StatusFailed):
		return StatusFailed, nil
	case string(StatusCanceled):
		return StatusCanceled, nil
	default:
		return "", ErrUnknownStatus
	}
}
