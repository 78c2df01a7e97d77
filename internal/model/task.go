package model

import (
	"time"
)

// TaskState represents the state of a task execution.
type TaskState string

const (
	// TaskStateScheduled indicates the task waits for its run time.
	TaskStateScheduled TaskState = "scheduled"
	// TaskStateQueued indicates the task waits for dispatch.
	TaskStateQueued TaskState = "queued"
	// TaskStateRunning indicates the task holds its resources and executes.
	TaskStateRunning TaskState = "running"
	// TaskStatePaused exists for display compatibility with the job source.
	// The scheduler never transitions into or out of it.
	TaskStatePaused TaskState = "paused"
	// TaskStateCompleted indicates the task finished successfully.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed indicates the task exhausted retries or hit a
	// non-retryable error.
	TaskStateFailed TaskState = "failed"
	// TaskStateCancelled indicates the task was cancelled by request.
	TaskStateCancelled TaskState = "cancelled"
)

// Terminal returns true when no further transition can happen.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// TaskExecution is the mutable run record of one job. It is created by the
// scheduler and mutated only by the scheduler (state transitions) and the
// execution engine (progress, terminal result).
type TaskExecution struct {
	ID  string
	Job Job

	State TaskState

	// ScheduledFor is only set while State == scheduled (local time).
	ScheduledFor *time.Time

	// Transition timestamps. Set once on the corresponding transition and
	// never rolled back.
	QueuedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Progress is in [0, 100] and never decreases within one attempt.
	Progress float64
	// CurrentOperation is the human readable description of the current stage.
	CurrentOperation string
	// ProgressData holds supplementary values (attempt counts, dump size...).
	// Additive only, never cleared mid-run.
	ProgressData map[string]string

	// FailureReason is set only when State == failed.
	FailureReason string

	// ResourceKeys is derived from the job at creation time and immutable for
	// the life of the task.
	ResourceKeys []ResourceKey
}

// Copy returns a deep copy of the task so readers never share the mutable
// progress map with the scheduler.
func (t TaskExecution) Copy() TaskExecution {
	c := t
	if t.ProgressData != nil {
		c.ProgressData = make(map[string]string, len(t.ProgressData))
		for k, v := range t.ProgressData {
			c.ProgressData[k] = v
		}
	}
	if t.ResourceKeys != nil {
		c.ResourceKeys = append([]ResourceKey(nil), t.ResourceKeys...)
	}
	return c
}

// TaskSnapshot is a race-free, point-in-time view of the scheduler buckets.
// A task appears in exactly one bucket.
type TaskSnapshot struct {
	Scheduled []TaskExecution
	Active    []TaskExecution
	Finished  []TaskExecution
}
