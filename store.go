package uniqw

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	ikeys "github.com/UniQw/uniqw-batch/internal/keys"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// TaskStore is the persistence boundary for tasks. Every mutation is a single atomic
// filtered update; a nil task with a nil error means the filter did not match
// (missing or already finished task).
type TaskStore interface {
	Get(ctx context.Context, id string) (*Task, error)
	UpdateBatchStarted(ctx context.Context, id string, idx int) (*Task, error)
	UpdateBatchEnded(ctx context.Context, id string, idx int, success, abort bool) (*Task, error)
	UpdateCleanUpStarted(ctx context.Context, id string, selfRequested bool) (*Task, error)
	UpdateTask(ctx context.Context, id string, upd *Update) (*Task, error)
	// CompareAndSetStatus moves the task from -> to and reports whether it won.
	CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error)
	// AwaitingDependents lists tasks in StatusAwaitingDependency whose dependency is id.
	AwaitingDependents(ctx context.Context, id string) ([]*Task, error)
	// ReleaseQueueSlot flips the named slot to unassigned; false if it already was.
	ReleaseQueueSlot(ctx context.Context, name string) (bool, error)
}

// Update is a set of field assignments applied by TaskStore.UpdateTask.
type Update struct {
	fields []any
}

// NewUpdate creates an empty Update.
func NewUpdate() *Update { return &Update{} }

// BatchEnd sets the end timestamp of batch idx.
func (u *Update) BatchEnd(idx int, at time.Time) *Update {
	u.fields = append(u.fields, batchField(idx, "end"), formatTime(at))
	return u
}

// SupervisorJobName replaces the monitoring job reference.
func (u *Update) SupervisorJobName(name string) *Update {
	u.fields = append(u.fields, fSupervisorJobName, name)
	return u
}

// Empty reports whether the update assigns nothing.
func (u *Update) Empty() bool { return u == nil || len(u.fields) == 0 }

// QueueSlot is the record of a named queue assigned to at most one task at a time.
type QueueSlot struct {
	Name      string    `json:"name"`
	Assigned  bool      `json:"assigned"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	fID                = "id"
	fKind              = "kind"
	fKindID            = "kind_id"
	fDependency        = "dependency"
	fStatus            = "status"
	fQueueName         = "queue_name"
	fSupervisorJobName = "supervisor_job_name"
	fTotal             = "total"
	fComplete          = "complete"
	fFailed            = "failed"
	fDenom             = "denom"
	fInitial           = "initial"
	fEnd               = "end"
	fEmitter           = "emitter"
	fChannel           = "channel"
	fCleanUpStart      = "cleanup_start"
	fCleanUpProcessed  = "cleanup_processed"
	fAborted           = "aborted"
	fCreatedAt         = "created_at"
	fPendingAt         = "pending_at"
	fMostRecentStart   = "most_recent_start"
	fMostRecentEnd     = "most_recent_end"
	fCleanUpAt         = "clean_up_at"
	fFinishedAt        = "finished_at"
	fCanceledAt        = "canceled_at"
)

func batchField(idx int, name string) string {
	return "b:" + strconv.Itoa(idx) + ":" + name
}

// openTaskLua is the shared filter: the task exists and is not terminal.
const openTaskLua = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return false end
local st = redis.call('HGET', key, 'status')
if st == 'complete' or st == 'failed' or st == 'canceled' then return false end
`

// batchRangeLua rejects indexes outside [0, total) with -1.
const batchRangeLua = `
local idx = tonumber(ARGV[1])
local total = tonumber(redis.call('HGET', key, 'total') or '0')
if idx == nil or idx < 0 or idx >= total then return -1 end
local prefix = 'b:' .. ARGV[1] .. ':'
`

// createTaskScript writes the field/value pairs of a new task. HSET is issued in chunks
// of 1000 pairs because unpack fails past the Lua C stack limit (~8000 values).
var createTaskScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local step = 2000
for i = 1, #ARGV, step do
  redis.call('HSET', KEYS[1], unpack(ARGV, i, math.min(i + step - 1, #ARGV)))
end
return 1
`)

// ARGV: idx, now
var batchStartedScript = redis.NewScript(openTaskLua + batchRangeLua + `
redis.call('HINCRBY', key, prefix .. 'processed', 1)
redis.call('HSET', key, prefix .. 'start', ARGV[2], 'most_recent_start', ARGV[2])
return redis.call('HGETALL', key)
`)

// ARGV: idx, now, success(1|0), abort(1|0)
var batchEndedScript = redis.NewScript(openTaskLua + batchRangeLua + `
if ARGV[3] == '1' then
  redis.call('HINCRBY', key, 'complete', 1)
else
  redis.call('HINCRBY', key, 'failed', 1)
end
redis.call('HSET', key, prefix .. 'end', ARGV[2], 'most_recent_end', ARGV[2])
if ARGV[4] == '1' then
  redis.call('HINCRBY', key, 'aborted', 1)
end
return redis.call('HGETALL', key)
`)

// ARGV: now, selfRequested(1|0)
var cleanUpStartedScript = redis.NewScript(openTaskLua + `
redis.call('HINCRBY', key, 'cleanup_processed', 1)
redis.call('HSET', key, 'cleanup_start', ARGV[1])
if ARGV[2] == '1' then
  redis.call('HSET', key, 'clean_up_at', ARGV[1])
end
return redis.call('HGETALL', key)
`)

// ARGV: field/value pairs
var updateTaskScript = redis.NewScript(openTaskLua + `
redis.call('HSET', key, unpack(ARGV))
return redis.call('HGETALL', key)
`)

// ARGV: from, to, timestamp field, now
var casStatusScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], ARGV[3], ARGV[4])
return 1
`)

// ARGV: now
var releaseSlotScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'assigned') ~= '1' then return 0 end
redis.call('HSET', KEYS[1], 'assigned', '0', 'updated_at', ARGV[1])
return 1
`)

// RedisStore implements TaskStore on Redis hashes and Lua scripts.
type RedisStore struct {
	rdb   redis.UniversalClient
	clock clockwork.Clock
}

// NewRedisStore creates a store. A nil clock means the real clock.
func NewRedisStore(rdb redis.UniversalClient, clock clockwork.Clock) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisStore{rdb: rdb, clock: clock}
}

// Create persists a new task and indexes it under its dependency.
// It returns ErrDuplicateTask if the id is taken.
func (s *RedisStore) Create(ctx context.Context, t *Task) error {
	if t.ID == "" || t.Kind == "" {
		return fmt.Errorf("uniqw: task id and kind are required")
	}
	if _, err := ParseStatus(string(t.Status)); err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("uniqw: cannot create task %s in terminal status %s", t.ID, t.Status)
	}
	if t.Batches == nil {
		t.Batches = make([]Batch, t.Progress.Total)
	}
	if len(t.Batches) != t.Progress.Total {
		return fmt.Errorf("uniqw: task %s has %d batches but total=%d", t.ID, len(t.Batches), t.Progress.Total)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock.Now()
	}
	if t.Status == StatusQueued && t.PendingAt.IsZero() {
		t.PendingAt = t.CreatedAt
	}

	ok, err := createTaskScript.Run(ctx, s.rdb, []string{ikeys.Task(t.ID)}, encodeTask(t)...).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrDuplicateTask
	}
	if t.Dependency != "" {
		if err := s.rdb.SAdd(ctx, ikeys.Dependents(t.Dependency), t.ID).Err(); err != nil {
			return fmt.Errorf("uniqw: index dependency of %s: %w", t.ID, err)
		}
	}
	return nil
}

// Get returns the task or nil if it does not exist.
func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	m, err := s.rdb.HGetAll(ctx, ikeys.Task(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return decodeTask(m)
}

// Delete removes a task hash, its dependents index and its entry in its dependency's
// index. It returns ErrTaskNotFound when the task does not exist.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrTaskNotFound
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, ikeys.Task(id), ikeys.Dependents(id))
		if t.Dependency != "" {
			p.SRem(ctx, ikeys.Dependents(t.Dependency), id)
		}
		return nil
	})
	return err
}

func (s *RedisStore) UpdateBatchStarted(ctx context.Context, id string, idx int) (*Task, error) {
	return s.runTaskScript(ctx, batchStartedScript, id, strconv.Itoa(idx), s.now())
}

func (s *RedisStore) UpdateBatchEnded(ctx context.Context, id string, idx int, success, abort bool) (*Task, error) {
	return s.runTaskScript(ctx, batchEndedScript, id, strconv.Itoa(idx), s.now(), flag(success), flag(abort))
}

func (s *RedisStore) UpdateCleanUpStarted(ctx context.Context, id string, selfRequested bool) (*Task, error) {
	return s.runTaskScript(ctx, cleanUpStartedScript, id, s.now(), flag(selfRequested))
}

func (s *RedisStore) UpdateTask(ctx context.Context, id string, upd *Update) (*Task, error) {
	if upd.Empty() {
		return s.Get(ctx, id)
	}
	return s.runTaskScript(ctx, updateTaskScript, id, upd.fields...)
}

func (s *RedisStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("uniqw: invalid status transition %s -> %s", from, to)
	}
	tsField := fFinishedAt
	switch to {
	case StatusQueued:
		tsField = fPendingAt
	case StatusCanceled:
		tsField = fCanceledAt
	}
	n, err := casStatusScript.Run(ctx, s.rdb, []string{ikeys.Task(id)}, string(from), string(to), tsField, s.now()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) AwaitingDependents(ctx context.Context, id string) ([]*Task, error) {
	ids, err := s.rdb.SMembers(ctx, ikeys.Dependents(id)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, depID := range ids {
		dep, err := s.Get(ctx, depID)
		if err != nil {
			return nil, err
		}
		if dep == nil || dep.Status != StatusAwaitingDependency || dep.Dependency != id {
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

// PutQueueSlot writes a queue slot record. Assigning slots is the dispatcher's job;
// this exists for provisioning and tests.
func (s *RedisStore) PutQueueSlot(ctx context.Context, name string, assigned bool) error {
	return s.rdb.HSet(ctx, ikeys.Slot(name), "name", name, "assigned", flag(assigned), "updated_at", s.now()).Err()
}

// QueueSlot returns the named slot or nil if it does not exist.
func (s *RedisStore) QueueSlot(ctx context.Context, name string) (*QueueSlot, error) {
	m, err := s.rdb.HGetAll(ctx, ikeys.Slot(name)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return &QueueSlot{Name: m["name"], Assigned: m["assigned"] == "1", UpdatedAt: parseTime(m["updated_at"])}, nil
}

func (s *RedisStore) ReleaseQueueSlot(ctx context.Context, name string) (bool, error) {
	n, err := releaseSlotScript.Run(ctx, s.rdb, []string{ikeys.Slot(name)}, s.now()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) runTaskScript(ctx context.Context, script *redis.Script, id string, args ...any) (*Task, error) {
	res, err := script.Run(ctx, s.rdb, []string{ikeys.Task(id)}, args...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case int64:
		// only the batch range check returns a number
		return nil, fmt.Errorf("%w: task=%s index=%v", ErrBatchIndexOutOfRange, id, args[0])
	case []any:
		m, err := pairsToMap(v)
		if err != nil {
			return nil, err
		}
		return decodeTask(m)
	default:
		return nil, fmt.Errorf("uniqw: unexpected script reply %T", res)
	}
}

func (s *RedisStore) now() string { return formatTime(s.clock.Now()) }

func pairsToMap(v []any) (map[string]string, error) {
	if len(v)%2 != 0 {
		return nil, fmt.Errorf("uniqw: odd HGETALL reply length %d", len(v))
	}
	m := make(map[string]string, len(v)/2)
	for i := 0; i < len(v); i += 2 {
		k, ok1 := v[i].(string)
		val, ok2 := v[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("uniqw: non-string HGETALL reply")
		}
		m[k] = val
	}
	return m, nil
}

func encodeTask(t *Task) []any {
	out := []any{
		fID, t.ID,
		fKind, t.Kind,
		fStatus, string(t.Status),
		fTotal, strconv.Itoa(t.Progress.Total),
		fComplete, strconv.Itoa(t.Progress.Complete),
		fFailed, strconv.Itoa(t.Progress.Failed),
		fDenom, strconv.Itoa(t.Progress.Denom),
		fInitial, strconv.Itoa(t.Progress.Initial),
		fEnd, strconv.Itoa(t.Progress.End),
		fCleanUpProcessed, strconv.Itoa(t.CleanUp.Processed),
		fAborted, strconv.Itoa(t.Aborted),
	}
	strs := [][2]string{
		{fKindID, t.KindID},
		{fDependency, t.Dependency},
		{fQueueName, t.QueueName},
		{fSupervisorJobName, t.SupervisorJobName},
		{fEmitter, t.Progress.Emitter},
		{fChannel, t.Progress.Channel},
	}
	for _, kv := range strs {
		if kv[1] != "" {
			out = append(out, kv[0], kv[1])
		}
	}
	times := []struct {
		f string
		t time.Time
	}{
		{fCleanUpStart, t.CleanUp.Start},
		{fCreatedAt, t.CreatedAt},
		{fPendingAt, t.PendingAt},
		{fMostRecentStart, t.MostRecentStart},
		{fMostRecentEnd, t.MostRecentEnd},
		{fCleanUpAt, t.CleanUpAt},
		{fFinishedAt, t.FinishedAt},
		{fCanceledAt, t.CanceledAt},
	}
	for _, ts := range times {
		if !ts.t.IsZero() {
			out = append(out, ts.f, formatTime(ts.t))
		}
	}
	for i, b := range t.Batches {
		out = append(out, batchField(i, "processed"), strconv.Itoa(b.Processed))
		if !b.Start.IsZero() {
			out = append(out, batchField(i, "start"), formatTime(b.Start))
		}
		if !b.End.IsZero() {
			out = append(out, batchField(i, "end"), formatTime(b.End))
		}
	}
	return out
}

// decodeTask validates and converts a task hash.
func decodeTask(m map[string]string) (*Task, error) {
	status, err := ParseStatus(m[fStatus])
	if err != nil {
		return nil, fmt.Errorf("uniqw: task %q: %w", m[fID], err)
	}
	ints := map[string]int{}
	for _, f := range []string{fTotal, fComplete, fFailed, fDenom, fInitial, fEnd, fCleanUpProcessed, fAborted} {
		n, err := parseInt(m[f])
		if err != nil {
			return nil, fmt.Errorf("uniqw: task %q field %s: %w", m[fID], f, err)
		}
		ints[f] = n
	}
	total := ints[fTotal]
	if total < 0 {
		return nil, fmt.Errorf("uniqw: task %q has negative total", m[fID])
	}
	t := &Task{
		ID:                m[fID],
		Kind:              m[fKind],
		KindID:            m[fKindID],
		Dependency:        m[fDependency],
		Status:            status,
		QueueName:         m[fQueueName],
		SupervisorJobName: m[fSupervisorJobName],
		Aborted:           ints[fAborted],
		Progress: Progress{
			Total:    total,
			Complete: ints[fComplete],
			Failed:   ints[fFailed],
			Denom:    ints[fDenom],
			Initial:  ints[fInitial],
			End:      ints[fEnd],
			Emitter:  m[fEmitter],
			Channel:  m[fChannel],
		},
		CleanUp: CleanUp{
			Start:     parseTime(m[fCleanUpStart]),
			Processed: ints[fCleanUpProcessed],
		},
		CreatedAt:       parseTime(m[fCreatedAt]),
		PendingAt:       parseTime(m[fPendingAt]),
		MostRecentStart: parseTime(m[fMostRecentStart]),
		MostRecentEnd:   parseTime(m[fMostRecentEnd]),
		CleanUpAt:       parseTime(m[fCleanUpAt]),
		FinishedAt:      parseTime(m[fFinishedAt]),
		CanceledAt:      parseTime(m[fCanceledAt]),
		Batches:         make([]Batch, total),
	}
	for i := range t.Batches {
		processed, err := parseInt(m[batchField(i, "processed")])
		if err != nil {
			return nil, fmt.Errorf("uniqw: task %q batch %d: %w", t.ID, i, err)
		}
		t.Batches[i] = Batch{
			Processed: processed,
			Start:     parseTime(m[batchField(i, "start")]),
			End:       parseTime(m[batchField(i, "end")]),
		}
	}
	return t, nil
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

func formatTime(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
