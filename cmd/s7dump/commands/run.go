package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/efargas/S7-Tools-sub002/internal/model"
	"github.com/efargas/S7-Tools-sub002/internal/retry"
	"github.com/efargas/S7-Tools-sub002/internal/scheduler"
	storageio "github.com/efargas/S7-Tools-sub002/internal/storage/io"
	"github.com/efargas/S7-Tools-sub002/internal/storage/memory"
	"github.com/efargas/S7-Tools-sub002/internal/storage/sqlite"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	jobsFile      string
	engine        string
	outputDir     string
	sweepInterval time.Duration
	maxRetries    int
	retryDelay    time.Duration
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run all the jobs of a jobs file until they finish.")

	c.Cmd.Flag("jobs-file", "Path to the YAML jobs file.").Short('f').Required().StringVar(&c.jobsFile)
	c.Cmd.Flag("engine", "Engine type (plc, fake).").Default(EngineTypePLC).EnumVar(&c.engine, EngineTypePLC, EngineTypeFake)
	c.Cmd.Flag("output-dir", "Directory for dump files of jobs without an explicit output.").Default("dumps").StringVar(&c.outputDir)
	c.Cmd.Flag("sweep-interval", "Scheduler sweep interval.").Default("2s").DurationVar(&c.sweepInterval)
	c.Cmd.Flag("max-retries", "Retries allowed per dump.").Default("3").IntVar(&c.maxRetries)
	c.Cmd.Flag("retry-delay", "Initial retry backoff delay.").Default("2s").DurationVar(&c.retryDelay)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Load jobs.
	dir, file := filepath.Split(c.jobsFile)
	if dir == "" {
		dir = "."
	}
	jobsRepo := storageio.NewJobsYAMLRepository(os.DirFS(dir))
	jobs, err := jobsRepo.GetJobs(ctx, file)
	if err != nil {
		return fmt.Errorf("could not load jobs: %w", err)
	}
	for i := range jobs {
		if jobs[i].OutputPath == "" {
			jobs[i].OutputPath = filepath.Join(c.outputDir, jobs[i].Name+".bin")
		}
	}

	// Live store and scheduler stack.
	repo, err := memory.NewRepository(memory.RepositoryConfig{Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}

	dumper, err := newDumper(c.engine, logger)
	if err != nil {
		return fmt.Errorf("could not create dumper: %w", err)
	}

	sched, err := newScheduler(repo, dumper, retry.PolicyConfig{
		InitialDelay:          c.retryDelay,
		UseExponentialBackoff: true,
		MaxRetries: map[retry.Category]int{
			retry.CategoryBootloaderDump: c.maxRetries,
		},
	}, scheduler.SchedulerConfig{
		SweepInterval: c.sweepInterval,
	}, logger)
	if err != nil {
		return err
	}

	// Submit everything before the sweep starts.
	for _, job := range jobs {
		task, err := sched.Submit(ctx, job)
		if err != nil {
			return fmt.Errorf("could not submit job %q: %w", job.Name, err)
		}
		fmt.Fprintf(c.rootCmd.Stdout, "Submitted %s as task %s (%s)\n", job.Name, task.ID, task.State)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	// Scheduler sweep loop.
	g.Add(
		func() error { return sched.Run(ctx) },
		func(_ error) { cancel() },
	)

	// Completion watcher.
	g.Add(
		func() error { return c.waitForCompletion(ctx, sched, len(jobs)) },
		func(_ error) { cancel() },
	)

	if err := g.Run(); err != nil {
		return err
	}

	return c.report(context.Background(), sched)
}

// waitForCompletion polls the scheduler snapshot until every submitted task
// reached a terminal state.
func (c RunCommand) waitForCompletion(ctx context.Context, sched *scheduler.Scheduler, total int) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snapshot, err := sched.Snapshot(ctx)
			if err != nil {
				return fmt.Errorf("could not get scheduler snapshot: %w", err)
			}
			if len(snapshot.Finished) >= total {
				return nil
			}
		}
	}
}

// report prints the final results and archives them into the task history DB.
func (c RunCommand) report(ctx context.Context, sched *scheduler.Scheduler) error {
	snapshot, err := sched.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("could not get scheduler snapshot: %w", err)
	}

	history, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.DBPath,
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not open task history: %w", err)
	}
	defer history.Close()

	failed := 0
	for _, task := range snapshot.Finished {
		if task.State == model.TaskStateFailed {
			failed++
		}
		if err := history.CreateTask(ctx, task); err != nil {
			c.rootCmd.Logger.Warningf("Could not archive task %s: %s", task.ID, err)
		}

		line := fmt.Sprintf("%s: %s", task.Job.Name, task.State)
		if task.FailureReason != "" {
			line += " (" + task.FailureReason + ")"
		}
		fmt.Fprintln(c.rootCmd.Stdout, line)
	}

	if failed > 0 {
		return fmt.Errorf("%d task(s) failed", failed)
	}

	return nil
}
