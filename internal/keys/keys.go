package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

func Pending(q string) string { return "uniqw:{" + q + "}:pending" }
func Active(q string) string  { return "uniqw:{" + q + "}:active" }
func Delayed(q string) string { return "uniqw:{" + q + "}:delayed" }
func Dead(q string) string    { return "uniqw:{" + q + "}:dead" }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Pending string
	Active  string
	Delayed string
	Dead    string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	prefix := "uniqw:{" + q + "}:"
	return Queue{
		Pending: prefix + "pending",
		Active:  prefix + "active",
		Delayed: prefix + "delayed",
		Dead:    prefix + "dead",
	}
}

// Task returns the HASH key holding a task document. The id is hash-tagged so the
// task and its dependents index live in the same cluster slot.
func Task(id string) string { return "uniqw:task:{" + id + "}" }

// Dependents returns the SET key listing ids of tasks waiting on the given task.
func Dependents(id string) string { return "uniqw:task:{" + id + "}:dependents" }

// Slot returns the HASH key of a named queue slot record.
func Slot(name string) string { return "uniqw:slot:{" + name + "}" }

// Jobs is the HASH of supervisor monitoring jobs keyed by job name.
const Jobs = "uniqw:jobs"
