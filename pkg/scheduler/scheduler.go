// Package scheduler runs named periodic tasks on fixed intervals. Tasks get
// the current time from an injected Clock so sweeps can be driven
// deterministically in tests.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Task is one periodic unit of work. Errors are logged, never fatal; the
// next tick still fires.
type Task func(ctx context.Context, now time.Time) error

type entry struct {
	name     string
	interval time.Duration
	task     Task
}

// Scheduler owns a set of ticker goroutines, one per registered task.
type Scheduler struct {
	clock  Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries []entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a scheduler. A nil clock defaults to the system clock.
func New(clock Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{clock: clock, logger: logger}
}

// Register adds a task to run every interval. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{name: name, interval: interval, task: task})
}

// Start launches one goroutine per registered task. Each task also runs once
// immediately so a restart never waits a full interval to catch up.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.run(ctx, e)
	}
	s.started = true
	s.logger.Sugar().Infow("scheduler started", "tasks", len(s.entries))
}

// Stop cancels all tasks and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Sugar().Infow("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, e entry) {
	defer s.wg.Done()

	s.tick(ctx, e)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, e)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, e entry) {
	now := s.clock.Now()
	if err := e.task(ctx, now); err != nil {
		s.logger.Sugar().Errorw("scheduled task failed", "task", e.name, "error", err)
	}
}
