// Package storagemock has testify mocks for the storage interfaces.
package storagemock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// MockTaskRepository is a mock implementation of storage.TaskRepository.
type MockTaskRepository struct {
	mock.Mock
}

// NewMockTaskRepository creates a new task repository mock that asserts its
// expectations on test cleanup.
func NewMockTaskRepository(t *testing.T) *MockTaskRepository {
	m := &MockTaskRepository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockTaskRepository) CreateTask(ctx context.Context, task model.TaskExecution) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskRepository) GetTask(ctx context.Context, id string) (*model.TaskExecution, error) {
	args := m.Called(ctx, id)
	task, _ := args.Get(0).(*model.TaskExecution)
	return task, args.Error(1)
}

func (m *MockTaskRepository) UpdateTask(ctx context.Context, task model.TaskExecution) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskRepository) ListTasks(ctx context.Context) ([]model.TaskExecution, error) {
	args := m.Called(ctx)
	tasks, _ := args.Get(0).([]model.TaskExecution)
	return tasks, args.Error(1)
}
