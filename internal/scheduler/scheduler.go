package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/efargas/S7-Tools-sub002/internal/log"
	"github.com/efargas/S7-Tools-sub002/internal/model"
	"github.com/efargas/S7-Tools-sub002/internal/storage"
)

// SchedulerConfig is the configuration for the task scheduler.
type SchedulerConfig struct {
	Repository storage.TaskRepository
	Executor   Executor
	// SweepInterval is how often scheduled tasks are promoted and queued
	// tasks dispatched.
	SweepInterval time.Duration
	Logger        log.Logger
}

func (c *SchedulerConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "scheduler.Scheduler"})
	return nil
}

// Scheduler owns the full set of task executions: it promotes due scheduled
// work and dispatches runnable queued work. There is no fixed worker pool,
// the coordinator's all-or-nothing resource acquisition is the admission
// control, so any number of non-conflicting tasks run concurrently.
type Scheduler struct {
	repo     storage.TaskRepository
	executor Executor
	interval time.Duration
	logger   log.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	// cancelRequested remembers cancellations signalled to an in-flight
	// dispatch, so a dispatch that never started the task (resources busy)
	// still ends it cancelled instead of leaving it queued.
	cancelRequested map[string]struct{}
	wg              sync.WaitGroup
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Scheduler{
		repo:            cfg.Repository,
		executor:        cfg.Executor,
		interval:        cfg.SweepInterval,
		logger:          cfg.Logger,
		inflight:        map[string]context.CancelFunc{},
		cancelRequested: map[string]struct{}{},
	}, nil
}

// Submit creates a task execution for the job: scheduled when the job carries
// a future run time (local time zone), queued otherwise.
func (s *Scheduler) Submit(ctx context.Context, job model.Job) (*model.TaskExecution, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}

	now := time.Now()
	task := model.TaskExecution{
		ID:           ulid.Make().String(),
		Job:          job,
		ProgressData: map[string]string{},
		ResourceKeys: job.ResourceKeys(),
	}

	if job.RunAt != nil && job.RunAt.After(now) {
		runAt := *job.RunAt
		task.State = model.TaskStateScheduled
		task.ScheduledFor = &runAt
	} else {
		task.State = model.TaskStateQueued
		task.QueuedAt = &now
	}

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("could not create task: %w", err)
	}

	s.logger.WithValues(log.Kv{"task-id": task.ID, "to": task.State}).
		Infof("Submitted job %s", job.Name)

	taskCopy := task.Copy()
	return &taskCopy, nil
}

// Cancel requests cancellation of a task. Scheduled and queued tasks go
// straight to cancelled, running tasks get their cancellation signalled to
// the in-flight engine call which performs the terminal transition. Cancel
// never fails for a valid task id, cancelling an already finished task is a
// no-op.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.inflight[taskID]; ok {
		// The dispatch may still be in its resource check, in which case the
		// task never leaves queued. Remember the request so the dispatch
		// cleanup settles it either way.
		s.cancelRequested[taskID] = struct{}{}
		s.logger.Debugf("Signalling cancellation to running task %s", taskID)
		cancel()
		return nil
	}

	return s.cancelStored(ctx, taskID)
}

// cancelStored transitions a non-terminal stored task straight to cancelled.
// Must be called with s.mu held.
func (s *Scheduler) cancelStored(ctx context.Context, taskID string) error {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("could not get task: %w", err)
	}

	if task.State.Terminal() {
		return nil
	}

	from := task.State
	now := time.Now()
	task.State = model.TaskStateCancelled
	task.ScheduledFor = nil
	task.CompletedAt = &now

	if err := s.repo.UpdateTask(ctx, *task); err != nil {
		return fmt.Errorf("could not cancel task: %w", err)
	}

	s.logger.WithValues(log.Kv{"task-id": taskID, "from": from, "to": task.State}).
		Infof("Task state changed")

	return nil
}

// Run runs the periodic sweep until the context is cancelled, then waits for
// in-flight tasks to settle.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Infof("Scheduler started (sweep every %s)", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("Scheduler stopping, waiting for running tasks")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Sweep runs one promotion and dispatch pass. Exposed for callers that drive
// the scheduler manually (tests, one-shot runs).
func (s *Scheduler) Sweep(ctx context.Context) {
	s.sweep(ctx)
}

// sweep promotes due scheduled tasks and dispatches queued tasks in FIFO
// submission order. A task whose resources are busy is skipped, not waited
// on, so later tasks with free resources can start first.
func (s *Scheduler) sweep(ctx context.Context) {
	tasks, err := s.repo.ListTasks(ctx)
	if err != nil {
		s.logger.Errorf("Sweep could not list tasks: %s", err)
		return
	}

	now := time.Now()
	for _, task := range tasks {
		switch task.State {
		case model.TaskStateScheduled:
			if task.ScheduledFor != nil && !task.ScheduledFor.After(now) {
				s.promote(ctx, task, now)
			}
		case model.TaskStateQueued:
			s.dispatch(ctx, task)
		}
	}
}

// promote moves a due scheduled task to queued.
func (s *Scheduler) promote(ctx context.Context, task model.TaskExecution, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the lock, a concurrent Cancel may have won.
	current, err := s.repo.GetTask(ctx, task.ID)
	if err != nil || current.State != model.TaskStateScheduled {
		return
	}

	current.State = model.TaskStateQueued
	current.ScheduledFor = nil
	current.QueuedAt = &now

	if err := s.repo.UpdateTask(ctx, *current); err != nil {
		s.logger.Errorf("Could not promote task %s: %s", task.ID, err)
		return
	}

	s.logger.WithValues(log.Kv{"task-id": task.ID, "from": model.TaskStateScheduled, "to": model.TaskStateQueued}).
		Infof("Task state changed")
}

// dispatch hands a queued task to the executor, fire and forget. The sweep
// never blocks on a task's hardware I/O.
func (s *Scheduler) dispatch(ctx context.Context, task model.TaskExecution) {
	s.mu.Lock()

	if _, ok := s.inflight[task.ID]; ok {
		s.mu.Unlock()
		return
	}

	// Re-check under the lock, a concurrent Cancel may have won.
	current, err := s.repo.GetTask(ctx, task.ID)
	if err != nil || current.State != model.TaskStateQueued {
		s.mu.Unlock()
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	s.inflight[task.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.inflight, task.ID)
			if _, ok := s.cancelRequested[task.ID]; ok {
				delete(s.cancelRequested, task.ID)
				// A busy outcome leaves the task queued; the accepted
				// cancellation still has to win. Detached context, the task
				// context is already cancelled.
				if err := s.cancelStored(context.Background(), task.ID); err != nil {
					s.logger.Errorf("Could not cancel task %s after dispatch: %s", task.ID, err)
				}
			}
			s.mu.Unlock()
			s.wg.Done()
		}()

		s.runTask(taskCtx, *current)
	}()
}

// runTask drives one engine call and converts unexpected failures into a
// failed task so a single bad task cannot halt the sweep.
func (s *Scheduler) runTask(ctx context.Context, task model.TaskExecution) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Task %s dispatch panicked: %v", task.ID, r)
			s.failTask(task.ID, fmt.Sprintf("internal scheduler error: %v", r))
		}
	}()

	outcome, err := s.executor.Run(ctx, task)
	if err != nil {
		s.logger.Errorf("Task %s dispatch failed: %s", task.ID, err)
		s.failTask(task.ID, fmt.Sprintf("internal scheduler error: %s", err))
		return
	}

	s.logger.Debugf("Task %s finished dispatch with outcome %s", task.ID, outcome)
}

// failTask force-fails a task after an unexpected dispatch error.
func (s *Scheduler) failTask(taskID, reason string) {
	// Detached context: the task context may already be cancelled.
	ctx := context.Background()

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Errorf("Could not load task %s to fail it: %s", taskID, err)
		return
	}
	if task.State.Terminal() {
		return
	}

	from := task.State
	now := time.Now()
	task.State = model.TaskStateFailed
	task.FailureReason = reason
	if task.CompletedAt == nil {
		task.CompletedAt = &now
	}

	if err := s.repo.UpdateTask(ctx, *task); err != nil {
		s.logger.Errorf("Could not mark task %s as failed: %s", taskID, err)
		return
	}

	s.logger.WithValues(log.Kv{"task-id": taskID, "from": from, "to": model.TaskStateFailed}).
		Infof("Task state changed")
}

// Snapshot returns a race-free view of the scheduler buckets: scheduled,
// active (queued or running) and finished tasks. A task shows up in exactly
// one bucket.
func (s *Scheduler) Snapshot(ctx context.Context) (*model.TaskSnapshot, error) {
	tasks, err := s.repo.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}

	snapshot := &model.TaskSnapshot{}
	for _, task := range tasks {
		switch {
		case task.State == model.TaskStateScheduled:
			snapshot.Scheduled = append(snapshot.Scheduled, task)
		case task.State.Terminal():
			snapshot.Finished = append(snapshot.Finished, task)
		default:
			snapshot.Active = append(snapshot.Active, task)
		}
	}

	return snapshot, nil
}
