package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellibrowse/gateway/pkg/gateway"
	"github.com/intellibrowse/gateway/pkg/metrics"
)

type recordingExec struct {
	mu    sync.Mutex
	calls []gateway.ToolCall
	out   gateway.Outcome
}

func (r *recordingExec) Process(_ context.Context, call gateway.ToolCall) gateway.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.out
}

func (r *recordingExec) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(t *testing.T, exec Executor) (*Scheduler, *time.Time) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.json"), exec, metrics.New(), nil)
	require.NoError(t, err)
	now := time.Unix(50_000, 0).UTC()
	s.WithClock(func() time.Time { return now })
	return s, &now
}

func TestTaskRunsWhenDue(t *testing.T) {
	exec := &recordingExec{out: gateway.Outcome{Result: map[string]any{"ok": true}}}
	s, now := newTestScheduler(t, exec)

	task, err := s.Add("sync", "file", "read", map[string]any{"path": "x"}, 60, true)
	require.NoError(t, err)

	s.Tick(context.Background())
	assert.Equal(t, 0, exec.count(), "not due yet")

	*now = now.Add(61 * time.Second)
	s.Tick(context.Background())
	require.Equal(t, 1, exec.count())
	assert.Equal(t, "file", exec.calls[0].Tool)
	assert.Equal(t, taskActor, exec.calls[0].Actor)
	assert.NotEmpty(t, exec.calls[0].RequestID)

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, int64(0), got.ErrorCount)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, now.Add(60*time.Second), got.NextRunAt)
}

func TestFreshRequestIDPerRun(t *testing.T) {
	exec := &recordingExec{out: gateway.Outcome{Result: map[string]any{}}}
	s, now := newTestScheduler(t, exec)

	_, err := s.Add("sync", "file", "read", nil, 10, true)
	require.NoError(t, err)

	*now = now.Add(11 * time.Second)
	s.Tick(context.Background())
	*now = now.Add(11 * time.Second)
	s.Tick(context.Background())

	require.Equal(t, 2, exec.count())
	assert.NotEqual(t, exec.calls[0].RequestID, exec.calls[1].RequestID)
}

func TestDisabledTaskDoesNotRun(t *testing.T) {
	exec := &recordingExec{}
	s, now := newTestScheduler(t, exec)

	task, err := s.Add("sync", "file", "read", nil, 10, false)
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	s.Tick(context.Background())
	assert.Equal(t, 0, exec.count())

	// Re-enabling reschedules from now rather than firing the backlog.
	_, err = s.SetEnabled(task.ID, true)
	require.NoError(t, err)
	s.Tick(context.Background())
	assert.Equal(t, 0, exec.count())

	*now = now.Add(11 * time.Second)
	s.Tick(context.Background())
	assert.Equal(t, 1, exec.count())
}

func TestTriggerNow(t *testing.T) {
	exec := &recordingExec{}
	s, _ := newTestScheduler(t, exec)

	task, err := s.Add("sync", "file", "read", nil, 3600, true)
	require.NoError(t, err)

	_, err = s.TriggerNow(task.ID)
	require.NoError(t, err)
	s.Tick(context.Background())
	assert.Equal(t, 1, exec.count())
}

func TestErrorRecordedInHistory(t *testing.T) {
	exec := &recordingExec{out: gateway.Outcome{
		Err: gateway.NewError(gateway.KindWorkerError, "sandbox worker failed"),
	}}
	s, now := newTestScheduler(t, exec)

	task, err := s.Add("sync", "file", "read", nil, 10, true)
	require.NoError(t, err)
	*now = now.Add(11 * time.Second)
	s.Tick(context.Background())

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ErrorCount)

	hist, err := s.History(task.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.False(t, hist[0].OK)
	assert.Equal(t, "sandbox worker failed", hist[0].Error)
	assert.Equal(t, int64(1), hist[0].Seq)
}

func TestHistoryRingBounded(t *testing.T) {
	exec := &recordingExec{out: gateway.Outcome{Result: map[string]any{}}}
	s, now := newTestScheduler(t, exec)

	task, err := s.Add("sync", "file", "read", nil, 1, true)
	require.NoError(t, err)

	for i := 0; i < maxHistory+10; i++ {
		*now = now.Add(2 * time.Second)
		s.Tick(context.Background())
	}
	hist, err := s.History(task.ID)
	require.NoError(t, err)
	require.Len(t, hist, maxHistory)
	// Oldest entries were evicted; sequence numbers keep climbing.
	assert.Equal(t, int64(maxHistory+10), hist[len(hist)-1].Seq)
}

func TestDeleteClearsHistory(t *testing.T) {
	exec := &recordingExec{out: gateway.Outcome{Result: map[string]any{}}}
	s, now := newTestScheduler(t, exec)

	task, err := s.Add("sync", "file", "read", nil, 1, true)
	require.NoError(t, err)
	*now = now.Add(2 * time.Second)
	s.Tick(context.Background())

	require.NoError(t, s.Delete(task.ID))
	_, err = s.History(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleAdvancesBeforeExecution(t *testing.T) {
	// The executor observes the already-advanced next_run_at, so a crash
	// during execution cannot cause an immediate replay.
	var observed time.Time
	s, now := newTestScheduler(t, nil)
	exec := &checkExec{s: s, observed: &observed}
	s.exec = exec

	task, err := s.Add("sync", "file", "read", nil, 60, true)
	require.NoError(t, err)
	exec.id = task.ID

	*now = now.Add(61 * time.Second)
	s.Tick(context.Background())
	assert.Equal(t, now.Add(60*time.Second), observed)
}

type checkExec struct {
	s        *Scheduler
	id       string
	observed *time.Time
}

func (c *checkExec) Process(context.Context, gateway.ToolCall) gateway.Outcome {
	t, _ := c.s.Get(c.id)
	*c.observed = t.NextRunAt
	return gateway.Outcome{Result: map[string]any{}}
}

func TestTasksPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	exec := &recordingExec{}
	s1, err := Open(path, exec, metrics.New(), nil)
	require.NoError(t, err)
	task, err := s1.Add("sync", "file", "read", map[string]any{"path": "x"}, 60, true)
	require.NoError(t, err)

	s2, err := Open(path, exec, metrics.New(), nil)
	require.NoError(t, err)
	got, err := s2.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "sync", got.Name)
	assert.Equal(t, 60, got.IntervalSeconds)
	assert.True(t, got.Enabled)
}

func TestIntervalValidation(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingExec{})
	_, err := s.Add("bad", "file", "read", nil, 0, true)
	assert.Error(t, err)
}
