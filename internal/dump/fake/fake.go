package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/efargas/S7-Tools-sub002/internal/dump"
	"github.com/efargas/S7-Tools-sub002/internal/log"
	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// DumperConfig is the configuration for the fake dumper.
type DumperConfig struct {
	// StageDelay is the simulated duration of each stage.
	StageDelay time.Duration
	// FailTimes makes the first N executions fail with a transient error.
	FailTimes int
	Logger    log.Logger
}

func (c *DumperConfig) defaults() error {
	if c.StageDelay == 0 {
		c.StageDelay = 10 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dump.Fake"})
	return nil
}

// Dumper is a fake implementation of dump.Dumper. It simulates the dump stage
// sequence without touching real hardware.
type Dumper struct {
	stageDelay time.Duration
	failTimes  int
	executions int
	mu         sync.Mutex
	logger     log.Logger
}

// NewDumper creates a new fake dumper.
func NewDumper(cfg DumperConfig) (*Dumper, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Dumper{
		stageDelay: cfg.StageDelay,
		failTimes:  cfg.FailTimes,
		logger:     cfg.Logger,
	}, nil
}

var stages = []string{
	dump.StageValidatingConfiguration,
	dump.StageConfiguringSerialPort,
	dump.StageStartingTCPBridge,
	dump.StagePowerCyclingPLC,
	dump.StageEnteringBootloader,
	dump.StageReadingMemory,
	dump.StageWritingDumpFile,
}

// Execute simulates a dump run, walking every stage and reporting progress.
func (d *Dumper) Execute(ctx context.Context, job model.Job, progress dump.ProgressFunc) (*model.DumpResult, error) {
	d.mu.Lock()
	d.executions++
	mustFail := d.executions <= d.failTimes
	d.mu.Unlock()

	for i, stage := range stages {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.stageDelay):
		}

		if progress != nil {
			progress(stage, float64(i+1)/float64(len(stages)))
		}

		// Fail mid-sequence so retries exercise stage restarts.
		if mustFail && stage == dump.StageEnteringBootloader {
			d.logger.Debugf("Simulating bootloader failure for job %s", job.Name)
			return nil, fmt.Errorf("bootloader handshake timed out on %s", job.Serial.Device)
		}
	}

	d.logger.Infof("Simulated dump finished for job %s", job.Name)

	return &model.DumpResult{
		OutputPath: job.OutputPath,
		Bytes:      int64(job.Memory.Length),
	}, nil
}

// Executions returns how many times Execute has been called.
func (d *Dumper) Executions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executions
}
