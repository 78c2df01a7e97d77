package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/efargas/S7-Tools-sub002/internal/model"
	"github.com/efargas/S7-Tools-sub002/internal/printer"
	"github.com/efargas/S7-Tools-sub002/internal/retry"
	"github.com/efargas/S7-Tools-sub002/internal/scheduler"
	"github.com/efargas/S7-Tools-sub002/internal/storage/memory"
)

type DumpCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	name   string
	engine string
	output string

	serialDevice string
	baudRate     int
	charSize     int
	parity       string

	tcpHost string
	tcpPort int

	modbusAddress string
	modbusUnit    int
	modbusCoil    int

	memoryStart  uint32
	memoryLength uint32

	maxRetries int
	retryDelay time.Duration
}

// NewDumpCommand returns the dump command.
func NewDumpCommand(rootCmd *RootCommand, app *kingpin.Application) *DumpCommand {
	c := &DumpCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("dump", "Run a single memory dump to completion.")

	c.Cmd.Flag("name", "Name for the job.").Short('n').Required().StringVar(&c.name)
	c.Cmd.Flag("engine", "Engine type (plc, fake).").Default(EngineTypePLC).EnumVar(&c.engine, EngineTypePLC, EngineTypeFake)
	c.Cmd.Flag("output", "Path of the dump file.").Required().StringVar(&c.output)

	c.Cmd.Flag("serial-device", "Serial device of the PLC link.").Required().StringVar(&c.serialDevice)
	c.Cmd.Flag("baud-rate", "Serial baud rate.").Default("9600").IntVar(&c.baudRate)
	c.Cmd.Flag("char-size", "Serial character size.").Default("8").IntVar(&c.charSize)
	c.Cmd.Flag("parity", "Serial parity (none, even, odd).").Default("none").EnumVar(&c.parity, "none", "even", "odd")

	c.Cmd.Flag("tcp-host", "TCP bridge host.").Default("localhost").StringVar(&c.tcpHost)
	c.Cmd.Flag("tcp-port", "TCP bridge port.").Default("1238").IntVar(&c.tcpPort)

	c.Cmd.Flag("modbus-address", "Power controller address (host:port).").Required().StringVar(&c.modbusAddress)
	c.Cmd.Flag("modbus-unit", "Power controller Modbus unit id.").Default("1").IntVar(&c.modbusUnit)
	c.Cmd.Flag("modbus-coil", "Power supply coil.").Default("0").IntVar(&c.modbusCoil)

	c.Cmd.Flag("memory-start", "Memory start address.").Default("0").Uint32Var(&c.memoryStart)
	c.Cmd.Flag("memory-length", "Memory length in bytes.").Default("65536").Uint32Var(&c.memoryLength)

	c.Cmd.Flag("max-retries", "Retries allowed for the dump.").Default("3").IntVar(&c.maxRetries)
	c.Cmd.Flag("retry-delay", "Initial retry backoff delay.").Default("2s").DurationVar(&c.retryDelay)

	return c
}

func (c DumpCommand) Name() string { return c.Cmd.FullCommand() }

func (c DumpCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	job := model.Job{
		Name: c.name,
		Serial: model.SerialConfig{
			Device:   c.serialDevice,
			BaudRate: c.baudRate,
			CharSize: c.charSize,
			Parity:   c.parity,
		},
		Bridge: model.BridgeConfig{
			TCPHost: c.tcpHost,
			TCPPort: c.tcpPort,
		},
		Power: model.PowerConfig{
			Address: c.modbusAddress,
			UnitID:  byte(c.modbusUnit),
			Coil:    uint16(c.modbusCoil),
		},
		Memory: model.MemoryRange{
			Start:  c.memoryStart,
			Length: c.memoryLength,
		},
		OutputPath: c.output,
	}

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
		SweepInterval: 200 * time.Millisecond,
	}, logger)
	if err != nil {
		return err
	}

	task, err := sched.Submit(ctx, job)
	if err != nil {
		return fmt.Errorf("could not submit job: %w", err)
	}

	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(schedCtx) }()

	// Poll until the task settles.
	final, err := c.waitForTask(ctx, sched, task.ID)
	cancel()
	<-done
	if err != nil {
		return err
	}

	p := printer.NewTablePrinter(c.rootCmd.Stdout)
	if err := p.PrintStatus(*final); err != nil {
		return fmt.Errorf("could not print task: %w", err)
	}

	if final.State != model.TaskStateCompleted {
		return fmt.Errorf("dump did not complete (state %s)", final.State)
	}

	return nil
}

func (c DumpCommand) waitForTask(ctx context.Context, sched *scheduler.Scheduler, taskID string) (*model.TaskExecution, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		select {
		case <-done:
			// Cancel once, then let the engine observe the cancellation and
			// settle the task while we keep polling on the ticker.
			done = nil
			if err := sched.Cancel(context.Background(), taskID); err != nil {
				return nil, fmt.Errorf("could not cancel task: %w", err)
			}
		case <-ticker.C:
		}

		snapshot, err := sched.Snapshot(context.Background())
		if err != nil {
			return nil, fmt.Errorf("could not get scheduler snapshot: %w", err)
		}

		for _, task := range snapshot.Finished {
			if task.ID == taskID {
				taskCopy := task.Copy()
				return &taskCopy, nil
			}
		}
	}
}
