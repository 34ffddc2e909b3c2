// Package scheduler runs named background tasks on fixed intervals.
//
// Tasks are registered before Start. Each task gets its own ticker
// goroutine, so a slow task never delays another one. Trigger runs a task
// immediately and synchronously, which lets tests drive a tick without
// waiting on wall-clock time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// TaskFunc is the body of a periodic task.
type TaskFunc func(ctx context.Context) error

// ErrUnknownTask is returned by Trigger for an unregistered name.
var ErrUnknownTask = errors.New("unknown task")

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc

	// running serialises scheduled ticks with manual triggers.
	running sync.Mutex
}

// Scheduler owns a set of periodic tasks.
type Scheduler struct {
	logger observability.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler.
func New(logger observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Scheduler{
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// Register adds or replaces a task. Tasks registered after Start only run
// through Trigger.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) error {
	if name == "" || fn == nil {
		return errors.New("task name and function are required")
	}
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = &task{name: name, interval: interval, fn: fn}
	return nil
}

// Tasks returns the registered task names in order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches a ticker goroutine per task.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}

	s.logger.Info("scheduler started", observability.Int("tasks", len(s.tasks)))
}

// Stop cancels all tasks and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger runs the named task now and returns its error.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, t)
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.run(ctx, t); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled task failed",
					observability.String("task", t.name),
					observability.Error(err))
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) (err error) {
	t.running.Lock()
	defer t.running.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
			s.logger.Error("scheduled task panicked",
				observability.String("task", t.name),
				observability.Any("panic", r),
				observability.String("stack", string(debug.Stack())))
		}
		s.logger.Debug("scheduled task finished",
			observability.String("task", t.name),
			observability.Duration("duration", time.Since(start)))
	}()

	return t.fn(ctx)
}
