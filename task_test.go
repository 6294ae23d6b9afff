package uniqw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_FailureThreshold_RateBoundary(t *testing.T) {
	tk := &Task{Progress: Progress{Total: 10, Failed: 4}}
	require.False(t, tk.IsOverFailureThreshold(true), "5/10 is exactly 0.5 and must not abort")
	require.False(t, tk.IsOverFailureThreshold(false))

	tk.Progress.Failed = 5
	require.True(t, tk.IsOverFailureThreshold(true), "6/10 is over 0.5")
	require.False(t, tk.IsOverFailureThreshold(false), "successful attempt keeps 5/10")
}

func TestTask_FailureThreshold_CountBoundary(t *testing.T) {
	tk := &Task{Progress: Progress{Total: 1000, Failed: 9}}
	require.False(t, tk.IsOverFailureThreshold(true), "exactly 10 failures must not abort")

	tk.Progress.Failed = 10
	require.True(t, tk.IsOverFailureThreshold(true), "11 failures abort even at 1.1%")
}

func TestTask_FailureThreshold_ZeroTotal(t *testing.T) {
	tk := &Task{}
	require.False(t, tk.IsOverFailureThreshold(true))
}

func TestTask_IsLastVsIsClear(t *testing.T) {
	now := time.Now()
	tk := &Task{Batches: []Batch{
		{Processed: 1, Start: now.Add(-time.Minute), End: now.Add(-30 * time.Second)},
		{Processed: 1, Start: now.Add(-time.Minute), End: now},
		{Processed: 0},
	}}
	require.True(t, tk.IsClear(now), "no started-but-unended batch")
	require.False(t, tk.IsLast(now), "batch 2 never ran")

	tk.Batches[2] = Batch{Processed: 1, Start: now}
	require.False(t, tk.IsClear(now))
	require.False(t, tk.IsLast(now))

	tk.Batches[2].End = now
	require.True(t, tk.IsClear(now))
	require.True(t, tk.IsLast(now))
}

func TestBatch_TimeoutCountsAsEnded(t *testing.T) {
	now := time.Now()
	stale := Batch{Processed: 1, Start: now.Add(-400 * time.Second)}
	require.True(t, stale.IsEnded(now))

	fresh := Batch{Processed: 1, Start: now.Add(-BatchTimeout)}
	require.False(t, fresh.IsEnded(now), "timeout comparison is strict")

	require.False(t, Batch{}.IsEnded(now))

	tk := &Task{Batches: []Batch{stale}}
	require.True(t, tk.IsClear(now))
	require.True(t, tk.IsLast(now))
}

func TestTask_WasBatchRepeated(t *testing.T) {
	tk := &Task{Batches: []Batch{{Processed: 1}, {Processed: 2}}}
	require.False(t, tk.WasBatchRepeated(0))
	require.True(t, tk.WasBatchRepeated(1))
	require.False(t, tk.WasBatchRepeated(2))
	require.False(t, tk.WasBatchRepeated(-1))
}

func TestProgress_PercentAndTarget(t *testing.T) {
	p := Progress{Total: 4, Complete: 1, Failed: 1, Initial: 10, End: 90}
	assert.Equal(t, 2, p.Done())
	assert.Equal(t, 50, p.Percent())

	p = Progress{Total: 0, Initial: 5}
	assert.Equal(t, 5, p.Percent())

	p = Progress{Total: 2, Complete: 2}
	assert.Equal(t, 100, p.Percent(), "zero End defaults to 100")

	assert.Equal(t, "user-1", Progress{Emitter: "user-1", Channel: "company-1"}.NotifyTarget())
	assert.Equal(t, "company-1", Progress{Channel: "company-1"}.NotifyTarget())
}
