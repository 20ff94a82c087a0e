// Package jobs runs recurring maintenance tasks on fixed intervals, with
// last-run times persisted to the job_runs table so an interval that
// elapsed while the service was down is run once at startup rather than
// silently skipped.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cairnfs/cairnfs/internal/infrastructure/logging"
)

// Task is one recurring unit of work. Run errors are logged and the task
// stays scheduled; a task failure never takes the service down.
type Task struct {
	// Name identifies the task in logs and in the job_runs table.
	Name string

	// Interval is the time between runs.
	Interval time.Duration

	// Run does the work. The context is cancelled on shutdown.
	Run func(ctx context.Context) error
}

// Scheduler runs registered tasks until its context is cancelled.
type Scheduler struct {
	db     *sql.DB
	logger *logging.Logger

	mu    sync.Mutex
	tasks []Task
	wg    sync.WaitGroup
}

// NewScheduler creates a scheduler backed by the job_runs table.
func NewScheduler(db *sql.DB, logger *logging.Logger) *Scheduler {
	return &Scheduler{db: db, logger: logger}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

// Start launches one goroutine per task. Each task first catches up if it
// is overdue, then ticks on its interval. Start returns immediately; use
// Wait after cancelling the context to drain.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, task := range tasks {
		s.wg.Add(1)
		go func(task Task) {
			defer s.wg.Done()
			s.loop(ctx, task)
		}(task)
	}
}

// Wait blocks until every task goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// loop runs one task: an immediate catch-up run when overdue, then the
// regular ticker.
func (s *Scheduler) loop(ctx context.Context, task Task) {
	overdue, err := s.isOverdue(ctx, task)
	if err != nil {
		s.logger.Error("checking job history", "job", task.Name, "error", err)
	}
	if overdue {
		s.logger.Info("job overdue at startup, running now", "job", task.Name)
		s.runOnce(ctx, task)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, task)
		}
	}
}

// runOnce executes the task and records the run time on success.
func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("job failed", "job", task.Name, "error", err)
		return
	}

	if err := s.recordRun(ctx, task.Name, start); err != nil {
		s.logger.Error("recording job run", "job", task.Name, "error", err)
	}
	s.logger.Debug("job completed", "job", task.Name, "duration", time.Since(start).String())
}

// isOverdue reports whether more than one interval has passed since the
// task's recorded last run. A task with no history is overdue.
func (s *Scheduler) isOverdue(ctx context.Context, task Task) (bool, error) {
	var lastRun string
	err := s.db.QueryRowContext(ctx,
		"SELECT last_run FROM job_runs WHERE name = ?", task.Name).Scan(&lastRun)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("loading job history: %w", err)
	}

	t, err := time.Parse(time.RFC3339, lastRun)
	if err != nil {
		return true, fmt.Errorf("parsing job timestamp %q: %w", lastRun, err)
	}
	return time.Since(t) > task.Interval, nil
}

// recordRun upserts the task's last run time.
func (s *Scheduler) recordRun(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (name, last_run) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET last_run = excluded.last_run`,
		name, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording job run: %w", err)
	}
	return nil
}
