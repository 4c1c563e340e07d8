package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Names of the standard market tasks.
const (
	TaskAgentTrading = "agent-trading"
	TaskRebalance    = "rebalance"
	TaskInterest     = "interest"
	TaskSave         = "save"
)

// ErrUnknownTask is returned for a task name that was never added.
var ErrUnknownTask = errors.New("unknown task")

// task is one scheduling of a named job. Changing the period retires the
// task (stop flag set) and schedules a fresh one.
type task struct {
	name    string
	period  time.Duration
	fn      func()
	entry   cron.EntryID
	stop    atomic.Bool
	running sync.Mutex

	runs    *atomic.Int64
	lastRun *atomic.Int64 // unix nanos
	onRun   func(name string, d time.Duration)
}

// run executes the job unless the task was retired. Overlapping runs of the
// same task are skipped.
func (t *task) run() {
	if t.stop.Load() {
		return
	}
	if !t.running.TryLock() {
		slog.Debug("task still running, tick skipped", "task", t.name)
		return
	}
	defer t.running.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "task", t.name, "panic", r)
		}
		d := time.Since(start)
		t.runs.Add(1)
		t.lastRun.Store(start.UnixNano())
		if t.onRun != nil {
			t.onRun(t.name, d)
		}
	}()
	t.fn()
}

// TaskInfo describes a scheduled task.
type TaskInfo struct {
	Name    string        `json:"name"`
	Period  time.Duration `json:"period"`
	Enabled bool          `json:"enabled"`
	Runs    int64         `json:"runs"`
	LastRun time.Time     `json:"last_run,omitzero"`
	Next    time.Time     `json:"next,omitzero"`
}

// Scheduler runs named periodic tasks, each on its own timer.
type Scheduler struct {
	cron *cron.Cron

	mu    sync.Mutex
	tasks map[string]*task

	// OnRun, if set, receives the duration of every completed run.
	OnRun func(name string, d time.Duration)
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithLogger(cronLogger{})),
		tasks: make(map[string]*task),
	}
}

// Add registers a task. A period of zero or less registers it disabled.
func (s *Scheduler) Add(name string, period time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %q already added", name)
	}
	t := &task{
		name:    name,
		period:  period,
		fn:      fn,
		runs:    new(atomic.Int64),
		lastRun: new(atomic.Int64),
		onRun:   s.OnRun,
	}
	s.schedule(t)
	s.tasks[name] = t
	return nil
}

func (s *Scheduler) schedule(t *task) {
	if t.period <= 0 {
		return
	}
	t.entry = s.cron.Schedule(cron.Every(t.period), cron.FuncJob(t.run))
}

// SetPeriod cancels a task and reschedules it with a new period. A run in
// progress finishes; later ticks of the old schedule do nothing.
func (s *Scheduler) SetPeriod(name string, period time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	old.stop.Store(true)
	if old.entry != 0 {
		s.cron.Remove(old.entry)
	}

	t := &task{
		name:    name,
		period:  period,
		fn:      old.fn,
		runs:    old.runs,
		lastRun: old.lastRun,
		onRun:   old.onRun,
	}
	s.schedule(t)
	s.tasks[name] = t
	slog.Info("task rescheduled", "task", name, "period", period)
	return nil
}

// RunNow executes a task synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	t.run()
	return nil
}

// Tasks lists the registered tasks by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		info := TaskInfo{
			Name:    t.name,
			Period:  t.period,
			Enabled: t.period > 0,
			Runs:    t.runs.Load(),
		}
		if ns := t.lastRun.Load(); ns > 0 {
			info.LastRun = time.Unix(0, ns).UTC()
		}
		if t.entry != 0 {
			info.Next = s.cron.Entry(t.entry).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop retires every task and waits for running jobs, or until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	for _, t := range s.tasks {
		t.stop.Store(true)
	}
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		slog.Info("scheduler stopped")
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out", "error", ctx.Err())
	}
}

// cronLogger routes cron's logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
