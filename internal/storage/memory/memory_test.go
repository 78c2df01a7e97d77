package memory_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efargas/S7-Tools-sub002/internal/model"
	"github.com/efargas/S7-Tools-sub002/internal/storage/memory"
)

func testTask(id string) model.TaskExecution {
	return model.TaskExecution{
		ID:    id,
		State: model.TaskStateQueued,
		Job: model.Job{
			Name:   "job-" + id,
			Serial: model.SerialConfig{Device: "/dev/ttyUSB0", BaudRate: 9600, CharSize: 8},
			Bridge: model.BridgeConfig{TCPPort: 1238},
			Power:  model.PowerConfig{Address: "localhost:502"},
			Memory: model.MemoryRange{Length: 1024},
		},
		ProgressData: map[string]string{},
	}
}

func TestRepositoryCreateTask(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, repo.CreateTask(ctx, testTask("t1")))

	err = repo.CreateTask(ctx, testTask("t1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestRepositoryGetTask(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, repo.CreateTask(ctx, testTask("t1")))

	task, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "job-t1", task.Job.Name)

	// The repository hands out copies, mutating them does not corrupt the
	// stored task.
	task.ProgressData["attempts"] = "9"
	again, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, again.ProgressData)

	_, err = repo.GetTask(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRepositoryUpdateTask(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	task := testTask("t1")
	require.NoError(t, repo.CreateTask(ctx, task))

	task.State = model.TaskStateRunning
	task.Progress = 42
	require.NoError(t, repo.UpdateTask(ctx, task))

	stored, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateRunning, stored.State)
	assert.Equal(t, 42.0, stored.Progress)

	err = repo.UpdateTask(ctx, testTask("missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRepositoryListTasksOrder(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.CreateTask(ctx, testTask(fmt.Sprintf("t%d", i))))
	}

	tasks, err := repo.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 5)

	// Submission order is preserved.
	for i, task := range tasks {
		assert.Equal(t, fmt.Sprintf("t%d", i), task.ID)
	}
}
