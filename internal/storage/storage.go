package storage

import (
	"context"

	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// TaskRepository is the interface for task execution persistence. The
// scheduler funnels every mutation through it so readers never observe a task
// in two buckets at once.
type TaskRepository interface {
	CreateTask(ctx context.Context, t model.TaskExecution) error
	GetTask(ctx context.Context, id string) (*model.TaskExecution, error)
	UpdateTask(ctx context.Context, t model.TaskExecution) error
	// ListTasks returns all tasks in submission order.
	ListTasks(ctx context.Context) ([]model.TaskExecution, error)
}
