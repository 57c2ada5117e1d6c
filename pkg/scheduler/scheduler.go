// Package scheduler runs recurring tool calls through the same supervision
// pipeline as interactive ones. Tasks and their next-run marks persist;
// run history is kept in a bounded in-memory ring per task.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intellibrowse/gateway/pkg/gateway"
	"github.com/intellibrowse/gateway/pkg/metrics"
)

// Executor is the supervision pipeline; satisfied by the supervisor.
type Executor interface {
	Process(ctx context.Context, call gateway.ToolCall) gateway.Outcome
}

// Task is one recurring call definition.
type Task struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Tool            string         `json:"tool"`
	Action          string         `json:"action"`
	Args            map[string]any `json:"args,omitempty"`
	IntervalSeconds int            `json:"interval_seconds"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       time.Time      `json:"next_run_at"`
	RunCount        int64          `json:"run_count"`
	ErrorCount      int64          `json:"error_count"`
}

// RunRecord is one execution outcome in a task's history ring.
type RunRecord struct {
	Seq       int64          `json:"seq"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	OK        bool           `json:"ok"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

const (
	// maxHistory bounds the per-task run ring.
	maxHistory = 50
	// minInterval rejects intervals that would busy-loop the pipeline.
	minInterval = 1
	// taskActor is the audit identity scheduled calls run under.
	taskActor = "scheduler"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("scheduler: task not found")

// Scheduler owns the task store and the tick loop.
type Scheduler struct {
	mu      sync.Mutex
	path    string
	tasks   map[string]*Task
	history map[string][]RunRecord
	nextSeq int64

	exec    Executor
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// Open loads tasks from path; a missing file is an empty schedule.
func Open(path string, exec Executor, m *metrics.Metrics, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		path:    path,
		tasks:   make(map[string]*Task),
		history: make(map[string][]RunRecord),
		exec:    exec,
		metrics: m,
		logger:  logger.With("component", "scheduler"),
		clock:   time.Now,
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: read tasks: %w", err)
	}
	var tasks []*Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, fmt.Errorf("scheduler: parse tasks: %w", err)
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Add registers a task. The first run is one full interval out.
func (s *Scheduler) Add(name, tool, action string, args map[string]any, intervalSeconds int, enabled bool) (Task, error) {
	if intervalSeconds < minInterval {
		return Task{}, fmt.Errorf("scheduler: interval must be at least %ds", minInterval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Task{
		ID:              uuid.New().String(),
		Name:            name,
		Tool:            tool,
		Action:          action,
		Args:            args,
		IntervalSeconds: intervalSeconds,
		Enabled:         enabled,
		NextRunAt:       s.clock().UTC().Add(time.Duration(intervalSeconds) * time.Second),
	}
	s.tasks[t.ID] = t
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, t.ID)
		return Task{}, err
	}
	return *t, nil
}

// Delete removes a task and clears its history.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	if err := s.persistLocked(); err != nil {
		s.tasks[id] = t
		return err
	}
	delete(s.history, id)
	return nil
}

// SetEnabled pauses or resumes a task. Resuming reschedules from now.
func (s *Scheduler) SetEnabled(id string, enabled bool) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	prevEnabled, prevNext := t.Enabled, t.NextRunAt
	if enabled && !t.Enabled {
		t.NextRunAt = s.clock().UTC().Add(time.Duration(t.IntervalSeconds) * time.Second)
	}
	t.Enabled = enabled
	if err := s.persistLocked(); err != nil {
		t.Enabled, t.NextRunAt = prevEnabled, prevNext
		return Task{}, err
	}
	return *t, nil
}

// TriggerNow schedules an immediate run on the next tick.
func (s *Scheduler) TriggerNow(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	prev := t.NextRunAt
	t.NextRunAt = s.clock().UTC()
	if err := s.persistLocked(); err != nil {
		t.NextRunAt = prev
		return Task{}, err
	}
	return *t, nil
}

// Get returns one task.
func (s *Scheduler) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

// List returns all tasks sorted by name then id.
func (s *Scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// History returns a task's run records, oldest first.
func (s *Scheduler) History(id string) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]RunRecord(nil), s.history[id]...), nil
}

// Run drives the tick loop until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick executes every enabled task that is due. Exported so tests and the
// trigger endpoint can drive the scheduler without real time passing.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock().UTC()

	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if t.Enabled && !t.NextRunAt.After(now) {
			due = append(due, t)
		}
	}
	// Advance the schedule before executing: a crash mid-run must not
	// replay the task immediately on restart.
	for _, t := range due {
		t.NextRunAt = now.Add(time.Duration(t.IntervalSeconds) * time.Second)
	}
	if len(due) > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Error("persist before run failed", "error", err)
		}
	}
	snapshots := make([]Task, len(due))
	for i, t := range due {
		snapshots[i] = *t
	}
	s.mu.Unlock()

	for _, t := range snapshots {
		s.runOne(ctx, t)
	}
}

// runOne pushes one task through the pipeline and records the outcome.
func (s *Scheduler) runOne(ctx context.Context, t Task) {
	start := s.clock().UTC()
	call := gateway.ToolCall{
		RequestID:  uuid.New().String(),
		Tool:       t.Tool,
		Action:     t.Action,
		Args:       t.Args,
		Actor:      taskActor,
		ReceivedAt: start,
	}
	out := s.exec.Process(ctx, call)
	elapsed := s.clock().UTC().Sub(start)

	rec := RunRecord{StartedAt: start, Duration: elapsed}
	switch {
	case out.Err != nil:
		rec.Error = out.Err.Message
	case out.Pending():
		// A scheduled call that needs approval parks like any other; the
		// run itself counts as dispatched.
		rec.OK = true
		rec.Result = map[string]any{"pending_approval": out.PendingApproval}
	default:
		rec.OK = true
		rec.Result = out.Result
	}

	if s.metrics != nil {
		s.metrics.SchedulerRuns.WithLabelValues(t.Name).Inc()
		s.metrics.SchedulerDuration.Observe(elapsed.Seconds())
		if !rec.OK {
			s.metrics.SchedulerErrors.WithLabelValues(t.Name).Inc()
		}
	}
	if !rec.OK {
		s.logger.Warn("scheduled run failed", "task", t.Name, "error", rec.Error)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.tasks[t.ID]
	if !ok {
		// Deleted while running; drop the record with the task.
		return
	}
	s.nextSeq++
	rec.Seq = s.nextSeq
	live.RunCount++
	if !rec.OK {
		live.ErrorCount++
	}
	ranAt := start
	live.LastRunAt = &ranAt
	ring := append(s.history[t.ID], rec)
	if len(ring) > maxHistory {
		ring = ring[len(ring)-maxHistory:]
	}
	s.history[t.ID] = ring
	if err := s.persistLocked(); err != nil {
		s.logger.Error("persist after run failed", "error", err)
	}
}

func (s *Scheduler) persistLocked() error {
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	raw, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: encode tasks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("scheduler: tasks dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("scheduler: write tasks: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("scheduler: replace tasks: %w", err)
	}
	return nil
}
