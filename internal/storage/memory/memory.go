package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/efargas/S7-Tools-sub002/internal/log"
	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.TaskRepository. It is
// the scheduler's live store.
type Repository struct {
	tasks    map[string]model.TaskExecution
	sequence map[string]int
	nextSeq  int
	mu       sync.RWMutex
	logger   log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:    map[string]model.TaskExecution{},
		sequence: map[string]int{},
		logger:   cfg.Logger,
	}, nil
}

// CreateTask creates a new task in the repository.
func (r *Repository) CreateTask(ctx context.Context, t model.TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task with id %s: %w", t.ID, model.ErrAlreadyExists)
	}

	r.tasks[t.ID] = t.Copy()
	r.sequence[t.ID] = r.nextSeq
	r.nextSeq++
	r.logger.Debugf("Created task in repository: %s", t.ID)

	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	taskCopy := task.Copy()
	return &taskCopy, nil
}

// UpdateTask updates an existing task.
func (r *Repository) UpdateTask(ctx context.Context, t model.TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}

	r.tasks[t.ID] = t.Copy()

	return nil
}

// ListTasks returns all tasks in submission order.
func (r *Repository) ListTasks(ctx context.Context) ([]model.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.TaskExecution, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task.Copy())
	}

	sort.Slice(tasks, func(i, j int) bool {
		return r.sequence[tasks[i].ID] < r.sequence[tasks[j].ID]
	})

	return tasks, nil
}
