package commands

import (
	"fmt"

	"github.com/efargas/S7-Tools-sub002/internal/dump"
	"github.com/efargas/S7-Tools-sub002/internal/dump/fake"
	"github.com/efargas/S7-Tools-sub002/internal/dump/plc"
	"github.com/efargas/S7-Tools-sub002/internal/log"
	"github.com/efargas/S7-Tools-sub002/internal/resource"
	"github.com/efargas/S7-Tools-sub002/internal/retry"
	"github.com/efargas/S7-Tools-sub002/internal/scheduler"
	"github.com/efargas/S7-Tools-sub002/internal/storage"
)

// newDumper selects the dumper implementation for the engine type.
func newDumper(engineType string, logger log.Logger) (dump.Dumper, error) {
	switch engineType {
	case EngineTypePLC:
		return plc.NewDumper(plc.DumperConfig{Logger: logger})
	case EngineTypeFake:
		return fake.NewDumper(fake.DumperConfig{Logger: logger})
	}

	return nil, fmt.Errorf("unknown engine type %q", engineType)
}

// newScheduler wires coordinator, retry policy, execution engine and
// scheduler on top of the given live store.
func newScheduler(repo storage.TaskRepository, dumper dump.Dumper, policyCfg retry.PolicyConfig, schedCfg scheduler.SchedulerConfig, logger log.Logger) (*scheduler.Scheduler, error) {
	coordinator, err := resource.NewCoordinator(resource.CoordinatorConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create resource coordinator: %w", err)
	}

	policy, err := retry.NewPolicy(policyCfg)
	if err != nil {
		return nil, fmt.Errorf("could not create retry policy: %w", err)
	}

	engine, err := scheduler.NewEngine(scheduler.EngineConfig{
		Dumper:      dumper,
		Coordinator: coordinator,
		Policy:      policy,
		Repository:  repo,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create execution engine: %w", err)
	}

	schedCfg.Repository = repo
	schedCfg.Executor = engine
	schedCfg.Logger = logger

	sched, err := scheduler.NewScheduler(schedCfg)
	if err != nil {
		return nil, fmt.Errorf("could not create scheduler: %w", err)
	}

	return sched, nil
}
