package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/efargas/S7-Tools-sub002/internal/dump"
	"github.com/efargas/S7-Tools-sub002/internal/dump/dumpmock"
	"github.com/efargas/S7-Tools-sub002/internal/dump/fake"
	"github.com/efargas/S7-Tools-sub002/internal/model"
	"github.com/efargas/S7-Tools-sub002/internal/resource"
	"github.com/efargas/S7-Tools-sub002/internal/retry"
	"github.com/efargas/S7-Tools-sub002/internal/scheduler"
	"github.com/efargas/S7-Tools-sub002/internal/storage/memory"
)

func testJob(name, device string) model.Job {
	return model.Job{
		Name:       name,
		Serial:     model.SerialConfig{Device: device, BaudRate: 9600, CharSize: 8},
		Bridge:     model.BridgeConfig{TCPHost: "localhost", TCPPort: 1238},
		Power:      model.PowerConfig{Address: "localhost:502"},
		Memory:     model.MemoryRange{Length: 2048},
		OutputPath: "/tmp/" + name + ".bin",
	}
}

func queuedTask(t *testing.T, repo *memory.Repository, id string, job model.Job) model.TaskExecution {
	now := time.Now()
	task := model.TaskExecution{
		ID:           id,
		Job:          job,
		State:        model.TaskStateQueued,
		QueuedAt:     &now,
		ProgressData: map[string]string{},
		ResourceKeys: job.ResourceKeys(),
	}
	require.NoError(t, repo.CreateTask(context.Background(), task))
	return task
}

type engineDeps struct {
	engine      *scheduler.Engine
	repo        *memory.Repository
	coordinator *resource.Coordinator
	dumper      *fake.Dumper
}

func newTestEngine(t *testing.T, dumperCfg fake.DumperConfig, policyCfg retry.PolicyConfig) engineDeps {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	coordinator, err := resource.NewCoordinator(resource.CoordinatorConfig{})
	require.NoError(t, err)

	if dumperCfg.StageDelay == 0 {
		dumperCfg.StageDelay = time.Millisecond
	}
	dumper, err := fake.NewDumper(dumperCfg)
	require.NoError(t, err)

	if policyCfg.InitialDelay == 0 {
		policyCfg.InitialDelay = time.Millisecond
	}
	if policyCfg.MaxDelay == 0 {
		policyCfg.MaxDelay = 10 * time.Millisecond
	}
	policy, err := retry.NewPolicy(policyCfg)
	require.NoError(t, err)

	engine, err := scheduler.NewEngine(scheduler.EngineConfig{
		Dumper:      dumper,
		Coordinator: coordinator,
		Policy:      policy,
		Repository:  repo,
	})
	require.NoError(t, err)

	return engineDeps{engine: engine, repo: repo, coordinator: coordinator, dumper: dumper}
}

func TestEngineRunResourcesBusy(t *testing.T) {
	deps := newTestEngine(t, fake.DumperConfig{}, retry.PolicyConfig{})
	ctx := context.Background()

	task := queuedTask(t, deps.repo, "t1", testJob("j1", "/dev/ttyUSB0"))

	// Another owner already holds the serial device.
	require.True(t, deps.coordinator.TryAcquire("other", task.ResourceKeys[:1]))

	outcome, err := deps.engine.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeResourcesBusy, outcome)

	// The task never left the queue and the dumper was never invoked.
	stored, err := deps.repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateQueued, stored.State)
	assert.Equal(t, 0, deps.dumper.Executions())
}

func TestEngineRunSuccess(t *testing.T) {
	deps := newTestEngine(t, fake.DumperConfig{}, retry.PolicyConfig{})
	ctx := context.Background()

	task := queuedTask(t, deps.repo, "t1", testJob("j1", "/dev/ttyUSB0"))

	outcome, err := deps.engine.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeCompleted, outcome)

	stored, err := deps.repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, stored.State)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 100.0, stored.Progress)
	assert.Equal(t, "1", stored.ProgressData["attempts"])
	assert.Equal(t, "2048", stored.ProgressData["dump_bytes"])
	assert.NotContains(t, stored.ProgressData, "retries")

	// All resources released.
	assert.Empty(t, deps.coordinator.Held())
}

func TestEngineRunRetriesThenSucceeds(t *testing.T) {
	deps := newTestEngine(t,
		fake.DumperConfig{FailTimes: 2},
		retry.PolicyConfig{MaxRetries: map[retry.Category]int{retry.CategoryBootloaderDump: 3}},
	)
	ctx := context.Background()

	task := queuedTask(t, deps.repo, "t1", testJob("j1", "/dev/ttyUSB0"))

	outcome, err := deps.engine.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeCompleted, outcome)

	stored, err := deps.repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, stored.State)
	assert.Equal(t, "3", stored.ProgressData["attempts"])
	assert.Equal(t, "2", stored.ProgressData["retries"])
	assert.Equal(t, 3, deps.dumper.Executions())
	assert.Empty(t, deps.coordinator.Held())
}

func TestEngineRunRetriesExhausted(t *testing.T) {
	deps := newTestEngine(t,
		fake.DumperConfig{FailTimes: 10},
		retry.PolicyConfig{MaxRetries: map[retry.Category]int{retry.CategoryBootloaderDump: 2}},
	)
	ctx := context.Background()

	task := queuedTask(t, deps.repo, "t1", testJob("j1", "/dev/ttyUSB0"))

	outcome, err := deps.engine.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeFailed, outcome)

	// 1 initial attempt plus 2 retries.
	stored, err := deps.repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, stored.State)
	assert.Equal(t, "3", stored.ProgressData["attempts"])
	assert.Equal(t, "2", stored.ProgressData["retries"])
	assert.Contains(t, stored.FailureReason, "after 3 attempts")
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 3, deps.dumper.Executions())
	assert.Empty(t, deps.coordinator.Held())
}

func TestEngineRunNonRetryableFailure(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	coordinator, err := resource.NewCoordinator(resource.CoordinatorConfig{})
	require.NoError(t, err)
	policy, err := retry.NewPolicy(retry.PolicyConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		MaxRetries:   map[retry.Category]int{retry.CategoryBootloaderDump: 0},
	})
	require.NoError(t, err)

	dumper := dumpmock.NewMockDumper(t)
	dumper.On("Execute",
		mock.Anything,
		mock.MatchedBy(func(j model.Job) bool { return j.Name == "j1" }),
		mock.Anything,
	).Once().Return(nil, errors.New("serial port vanished"))

	engine, err := scheduler.NewEngine(scheduler.EngineConfig{
		Dumper:      dumper,
		Coordinator: coordinator,
		Policy:      policy,
		Repository:  repo,
	})
	require.NoError(t, err)

	ctx := context.Background()
	task := queuedTask(t, repo, "t1", testJob("j1", "/dev/ttyUSB0"))

	outcome, err := engine.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeFailed, outcome)

	stored, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, stored.State)
	assert.Contains(t, stored.FailureReason, "serial port vanished")
	assert.Equal(t, "1", stored.ProgressData["attempts"])
	assert.Empty(t, coordinator.Held())
}

func TestEngineRunProgressNeverDecreasesWithinAttempt(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	coordinator, err := resource.NewCoordinator(resource.CoordinatorConfig{})
	require.NoError(t, err)
	policy, err := retry.NewPolicy(retry.PolicyConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	})
	require.NoError(t, err)

	// A regressing stage callback must not lower the stored progress.
	dumper := dumpmock.NewMockDumper(t)
	dumper.On("Execute", mock.Anything, mock.Anything, mock.Anything).Once().
		Run(func(args mock.Arguments) {
			progress := args.Get(2).(dump.ProgressFunc)
			progress(dump.StageReadingMemory, 0.8)
			progress(dump.StageReadingMemory, 0.5)
		}).
		Return(&model.DumpResult{OutputPath: "/tmp/j1.bin", Bytes: 1024}, nil)

	engine, err := scheduler.NewEngine(scheduler.EngineConfig{
		Dumper:      dumper,
		Coordinator: coordinator,
		Policy:      policy,
		Repository:  repo,
	})
	require.NoError(t, err)

	ctx := context.Background()
	task := queuedTask(t, repo, "t1", testJob("j1", "/dev/ttyUSB0"))

	outcome, err := engine.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeCompleted, outcome)

	stored, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 80.0, stored.Progress)
	assert.Equal(t, "Reading memory", stored.CurrentOperation)
	assert.Equal(t, "1024", stored.ProgressData["dump_bytes"])
}

// ctxHonoringRepo rejects writes once the given context is cancelled, like a
// remote store would.
type ctxHonoringRepo struct {
	*memory.Repository
}

func (r ctxHonoringRepo) UpdateTask(ctx context.Context, t model.TaskExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Repository.UpdateTask(ctx, t)
}

func TestEngineRunCancelledTerminalWritePersists(t *testing.T) {
	base, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	coordinator, err := resource.NewCoordinator(resource.CoordinatorConfig{})
	require.NoError(t, err)
	policy, err := retry.NewPolicy(retry.PolicyConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	})
	require.NoError(t, err)

	dumper, err := fake.NewDumper(fake.DumperConfig{StageDelay: 50 * time.Millisecond})
	require.NoError(t, err)

	engine, err := scheduler.NewEngine(scheduler.EngineConfig{
		Dumper:      dumper,
		Coordinator: coordinator,
		Policy:      policy,
		Repository:  ctxHonoringRepo{Repository: base},
	})
	require.NoError(t, err)

	task := queuedTask(t, base, "t1", testJob("j1", "/dev/ttyUSB0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		outcome scheduler.Outcome
		err     error
	}
	resC := make(chan result)
	go func() {
		outcome, err := engine.Run(ctx, task)
		resC <- result{outcome: outcome, err: err}
	}()

	require.Eventually(t, func() bool {
		return dumper.Executions() == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	// The terminal transition must land in the store even though the task
	// context is already cancelled.
	res := <-resC
	require.NoError(t, res.err)
	assert.Equal(t, scheduler.OutcomeCancelled, res.outcome)

	stored, err := base.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCancelled, stored.State)
	assert.NotNil(t, stored.CompletedAt)
	assert.Empty(t, coordinator.Held())
}

func TestEngineRunCancelledDuringRetryDelay(t *testing.T) {
	deps := newTestEngine(t,
		fake.DumperConfig{FailTimes: 10},
		retry.PolicyConfig{
			InitialDelay: 10 * time.Second,
			MaxDelay:     10 * time.Second,
			MaxRetries:   map[retry.Category]int{retry.CategoryBootloaderDump: 5},
		},
	)

	task := queuedTask(t, deps.repo, "t1", testJob("j1", "/dev/ttyUSB0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		outcome scheduler.Outcome
		err     error
	}
	resC := make(chan result)
	go func() {
		outcome, err := deps.engine.Run(ctx, task)
		resC <- result{outcome: outcome, err: err}
	}()

	// Let the first attempt fail and park in the retry delay, then cancel.
	require.Eventually(t, func() bool {
		return deps.dumper.Executions() == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()

	res := <-resC
	require.NoError(t, res.err)
	assert.Equal(t, scheduler.OutcomeCancelled, res.outcome)

	stored, err := deps.repo.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCancelled, stored.State)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 1, deps.dumper.Executions())
	assert.Empty(t, deps.coordinator.Held())
}
