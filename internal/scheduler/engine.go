package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/efargas/S7-Tools-sub002/internal/dump"
	"github.com/efargas/S7-Tools-sub002/internal/log"
	"github.com/efargas/S7-Tools-sub002/internal/model"
	"github.com/efargas/S7-Tools-sub002/internal/resource"
	"github.com/efargas/S7-Tools-sub002/internal/retry"
	"github.com/efargas/S7-Tools-sub002/internal/storage"
)

// Outcome is the result of one engine run.
type Outcome string

const (
	// OutcomeResourcesBusy means the task could not acquire its resources and
	// never left the queued state. Not an error, the scheduler re-dispatches
	// on a later sweep.
	OutcomeResourcesBusy Outcome = "resources-busy"
	// OutcomeCompleted means the dump finished successfully.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means retries were exhausted or a non-retryable error
	// happened.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled means cancellation was requested and observed.
	OutcomeCancelled Outcome = "cancelled"
)

// Executor runs one task execution to a terminal state. Implemented by Engine,
// declared as an interface so the scheduler can be tested against a mock.
type Executor interface {
	Run(ctx context.Context, task model.TaskExecution) (Outcome, error)
}

// EngineConfig is the configuration for the execution engine.
type EngineConfig struct {
	Dumper      dump.Dumper
	Coordinator *resource.Coordinator
	Policy      *retry.Policy
	Repository  storage.TaskRepository
	Logger      log.Logger
}

func (c *EngineConfig) defaults() error {
	if c.Dumper == nil {
		return fmt.Errorf("dumper is required")
	}
	if c.Coordinator == nil {
		return fmt.Errorf("coordinator is required")
	}
	if c.Policy == nil {
		return fmt.Errorf("retry policy is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "scheduler.Engine"})
	return nil
}

// Engine executes one task's hardware operation, mediating resource
// acquisition, retries, progress translation and cancellation.
type Engine struct {
	dumper      dump.Dumper
	coordinator *resource.Coordinator
	policy      *retry.Policy
	repo        storage.TaskRepository
	logger      log.Logger

	// runMu serializes the attempt loop across engine calls. The bootloader
	// channel is a singleton independent of the coordinator's logical keys.
	runMu sync.Mutex
}

// NewEngine creates a new execution engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Engine{
		dumper:      cfg.Dumper,
		coordinator: cfg.Coordinator,
		policy:      cfg.Policy,
		repo:        cfg.Repository,
		logger:      cfg.Logger,
	}, nil
}

// Run drives the task to a terminal state. If the task's resources are busy
// it returns OutcomeResourcesBusy without transitioning the task, the caller
// is responsible for re-queuing. Resources stay held across retry attempts
// and are released on every terminal path.
func (e *Engine) Run(ctx context.Context, task model.TaskExecution) (Outcome, error) {
	logger := e.logger.WithValues(log.Kv{"task-id": task.ID, "job": task.Job.Name})

	if !e.coordinator.TryAcquire(task.ID, task.ResourceKeys) {
		logger.Debugf("Resources busy, task stays queued")
		return OutcomeResourcesBusy, nil
	}
	defer e.coordinator.Release(task.ID, task.ResourceKeys)

	if err := e.transition(ctx, &task, model.TaskStateRunning, logger); err != nil {
		return OutcomeFailed, err
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	maxRetries := e.policy.MaxRetries(retry.CategoryBootloaderDump)

	for attempt := 0; ; attempt++ {
		e.setProgressData(ctx, &task, "attempts", strconv.Itoa(attempt+1))

		result, err := e.runAttempt(ctx, &task)
		if err == nil {
			e.setProgressData(ctx, &task, "dump_bytes", strconv.FormatInt(result.Bytes, 10))
			if terr := e.transition(ctx, &task, model.TaskStateCompleted, logger); terr != nil {
				return OutcomeFailed, terr
			}
			return OutcomeCompleted, nil
		}
		if isCancellation(ctx, err) {
			logger.Infof("Task cancelled during attempt %d", attempt+1)
			if terr := e.transition(ctx, &task, model.TaskStateCancelled, logger); terr != nil {
				return OutcomeFailed, terr
			}
			return OutcomeCancelled, nil
		}

		if !e.policy.IsRetryable(attempt, retry.CategoryBootloaderDump, err) {
			task.FailureReason = fmt.Sprintf("%s (after %d attempts)", err, attempt+1)
			if terr := e.transition(ctx, &task, model.TaskStateFailed, logger); terr != nil {
				return OutcomeFailed, terr
			}
			return OutcomeFailed, nil
		}

		delay := e.policy.NextDelay(attempt)
		e.setProgressData(ctx, &task, "retries", strconv.Itoa(attempt+1))
		task.CurrentOperation = fmt.Sprintf("Retrying (attempt %d/%d)", attempt+2, maxRetries+1)
		if uerr := e.repo.UpdateTask(ctx, task); uerr != nil {
			logger.Errorf("Could not store retry progress: %s", uerr)
		}

		logger.WithValues(log.Kv{"attempt": attempt + 1, "delay": delay.String()}).
			Warningf("Attempt failed, retrying: %s", err)

		select {
		case <-ctx.Done():
			logger.Infof("Task cancelled during retry delay")
			if terr := e.transition(ctx, &task, model.TaskStateCancelled, logger); terr != nil {
				return OutcomeFailed, terr
			}
			return OutcomeCancelled, nil
		case <-time.After(delay):
		}
	}
}

// runAttempt invokes the dumper once, translating its stage progress into the
// task. A new attempt restarts its own stage sequence from zero, within the
// attempt progress never decreases.
func (e *Engine) runAttempt(ctx context.Context, task *model.TaskExecution) (*model.DumpResult, error) {
	lastFraction := 0.0

	progressFn := func(stage string, fraction float64) {
		if fraction < lastFraction {
			fraction = lastFraction
		}
		lastFraction = fraction

		task.Progress = fraction * 100
		task.CurrentOperation = dump.StageLabel(stage)
		if err := e.repo.UpdateTask(ctx, *task); err != nil {
			e.logger.Errorf("Could not store progress for task %s: %s", task.ID, err)
		}
		e.logger.Debugf("Task %s progress: %.1f%% (%s)", task.ID, task.Progress, task.CurrentOperation)
	}

	return e.dumper.Execute(ctx, task.Job, progressFn)
}

// transition applies a state transition, stamps its timestamp once and stores
// the task.
func (e *Engine) transition(ctx context.Context, task *model.TaskExecution, to model.TaskState, logger log.Logger) error {
	// Terminal writes must land even when the task context is already
	// cancelled.
	if to.Terminal() {
		ctx = context.Background()
	}

	from := task.State
	now := time.Now()

	task.State = to
	switch {
	case to == model.TaskStateRunning && task.StartedAt == nil:
		task.StartedAt = &now
	case to.Terminal() && task.CompletedAt == nil:
		task.CompletedAt = &now
	}

	if err := e.repo.UpdateTask(ctx, *task); err != nil {
		return fmt.Errorf("could not store %s transition for task %s: %w", to, task.ID, err)
	}

	logger.WithValues(log.Kv{"from": from, "to": to, "at": now.Format(time.RFC3339)}).
		Infof("Task state changed")

	return nil
}

func (e *Engine) setProgressData(ctx context.Context, task *model.TaskExecution, key, value string) {
	if task.ProgressData == nil {
		task.ProgressData = map[string]string{}
	}
	task.ProgressData[key] = value
	if err := e.repo.UpdateTask(ctx, *task); err != nil {
		e.logger.Errorf("Could not store progress data for task %s: %s", task.ID, err)
	}
}

// isCancellation tells apart a user/caller cancellation from a hardware
// failure. Cancellation is never retried.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
