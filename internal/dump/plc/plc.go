package plc

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/goburrow/modbus"

	"github.com/efargas/S7-Tools-sub002/internal/dump"
	"github.com/efargas/S7-Tools-sub002/internal/log"
	"github.com/efargas/S7-Tools-sub002/internal/model"
)

const (
	// Bootloader sync/ack bytes of the PLC serial bootloader.
	syncByte = 0x7F
	ackByte  = 0x79

	// readMemoryCmd asks the bootloader for a block of memory.
	readMemoryCmd = 0x11

	// blockSize is the bootloader read granularity.
	blockSize = 256

	coilOn  = 0xFF00
	coilOff = 0x0000
)

// DumperConfig is the configuration for the PLC dumper.
type DumperConfig struct {
	SttyBin  string
	SocatBin string
	// BridgeTimeout bounds how long the socat bridge may take to come up.
	BridgeTimeout time.Duration
	// PowerOffTime is how long the PLC stays powered off during the cycle.
	PowerOffTime time.Duration
	// ReadTimeout applies to every bootloader read on the bridge connection.
	ReadTimeout time.Duration
	Logger      log.Logger
}

func (c *DumperConfig) defaults() error {
	if c.SttyBin == "" {
		c.SttyBin = "stty"
	}
	if c.SocatBin == "" {
		c.SocatBin = "socat"
	}
	if c.BridgeTimeout == 0 {
		c.BridgeTimeout = 10 * time.Second
	}
	if c.PowerOffTime == 0 {
		c.PowerOffTime = 2 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dump.PLC"})
	return nil
}

// Dumper drives the real hardware dump: serial setup through stty, socat TCP
// bridge, Modbus power cycle into the bootloader and block reads over the
// bridge connection.
type Dumper struct {
	sttyBin       string
	socatBin      string
	bridgeTimeout time.Duration
	powerOffTime  time.Duration
	readTimeout   time.Duration
	logger        log.Logger
}

// NewDumper creates a new PLC dumper.
func NewDumper(cfg DumperConfig) (*Dumper, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Dumper{
		sttyBin:       cfg.SttyBin,
		socatBin:      cfg.SocatBin,
		bridgeTimeout: cfg.BridgeTimeout,
		powerOffTime:  cfg.PowerOffTime,
		readTimeout:   cfg.ReadTimeout,
		logger:        cfg.Logger,
	}, nil
}

// Execute runs the full dump sequence for the job.
func (d *Dumper) Execute(ctx context.Context, job model.Job, progress dump.ProgressFunc) (*model.DumpResult, error) {
	report := func(stage string, fraction float64) {
		if progress != nil {
			progress(stage, fraction)
		}
	}

	// Validation.
	report(dump.StageValidatingConfiguration, 0.02)
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	args := sttyArgs(job.Serial)
	if err := ValidateCommand(d.sttyBin + " " + strings.Join(args, " ")); err != nil {
		return nil, fmt.Errorf("serial setup rejected: %w", err)
	}

	// Serial device configuration.
	report(dump.StageConfiguringSerialPort, 0.08)
	cmd := exec.CommandContext(ctx, d.sttyBin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("stty failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	// TCP bridge.
	report(dump.StageStartingTCPBridge, 0.15)
	br := newBridge(d.socatBin, job.Bridge, job.Serial, d.logger)
	if err := br.start(ctx, d.bridgeTimeout); err != nil {
		return nil, fmt.Errorf("could not start bridge: %w", err)
	}
	defer br.stop()

	// Power cycle into the bootloader.
	report(dump.StagePowerCyclingPLC, 0.25)
	if err := d.powerCycle(ctx, job.Power); err != nil {
		return nil, fmt.Errorf("could not power cycle PLC: %w", err)
	}

	// Bootloader handshake.
	report(dump.StageEnteringBootloader, 0.35)
	conn, err := net.DialTimeout("tcp", br.addr(), d.bridgeTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not connect to bridge: %w", err)
	}
	defer conn.Close()

	if err := d.handshake(ctx, conn); err != nil {
		return nil, fmt.Errorf("bootloader handshake failed: %w", err)
	}

	// Memory read.
	data, err := d.readMemory(ctx, conn, job.Memory, func(fraction float64) {
		// Map block progress into the 0.40-0.95 window of the run.
		report(dump.StageReadingMemory, 0.40+0.55*fraction)
	})
	if err != nil {
		return nil, fmt.Errorf("memory read failed: %w", err)
	}

	// Dump file.
	report(dump.StageWritingDumpFile, 0.98)
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	if err := os.WriteFile(job.OutputPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("could not write dump file: %w", err)
	}

	report(dump.StageWritingDumpFile, 1)
	d.logger.Infof("Dumped %d bytes from %s to %s", len(data), job.Serial.Device, job.OutputPath)

	return &model.DumpResult{
		OutputPath: job.OutputPath,
		Bytes:      int64(len(data)),
	}, nil
}

// powerCycle toggles the PLC supply coil off and on through the Modbus
// gateway so the PLC boots into its bootloader.
func (d *Dumper) powerCycle(ctx context.Context, cfg model.PowerConfig) error {
	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.Timeout = d.readTimeout
	handler.SlaveId = cfg.UnitID

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("could not connect to power controller: %w", err)
	}
	defer handler.Close()

	client := modbus.NewClient(handler)

	if _, err := client.WriteSingleCoil(cfg.Coil, coilOff); err != nil {
		return fmt.Errorf("could not power off: %w", err)
	}

	select {
	case <-ctx.Done():
		// Leave the PLC powered on when aborting mid-cycle.
		_, _ = client.WriteSingleCoil(cfg.Coil, coilOn)
		return ctx.Err()
	case <-time.After(d.powerOffTime):
	}

	if _, err := client.WriteSingleCoil(cfg.Coil, coilOn); err != nil {
		return fmt.Errorf("could not power on: %w", err)
	}

	return nil
}

// handshake syncs with the bootloader: send the sync byte until it answers
// with an ack.
func (d *Dumper) handshake(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, 1)
	for attempt := 0; attempt < 10; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := conn.Write([]byte{syncByte}); err != nil {
			return fmt.Errorf("could not send sync: %w", err)
		}

		_ = conn.SetReadDeadline(time.Now().Add(d.readTimeout))
		if _, err := conn.Read(buf); err != nil {
			continue
		}
		if buf[0] == ackByte {
			return nil
		}
	}

	return fmt.Errorf("bootloader did not ack after 10 sync attempts")
}

// readMemory reads the requested window block by block.
func (d *Dumper) readMemory(ctx context.Context, conn net.Conn, mem model.MemoryRange, onBlock func(fraction float64)) ([]byte, error) {
	data := make([]byte, 0, mem.Length)
	total := int(mem.Length)

	for offset := 0; offset < total; offset += blockSize {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		size := blockSize
		if remaining := total - offset; remaining < size {
			size = remaining
		}

		block, err := d.readBlock(conn, mem.Start+uint32(offset), size)
		if err != nil {
			return nil, fmt.Errorf("block at 0x%08X: %w", mem.Start+uint32(offset), err)
		}
		data = append(data, block...)

		onBlock(float64(offset+size) / float64(total))
	}

	return data, nil
}

// readBlock requests one block: command byte, big-endian address, size-1,
// each followed by its XOR checksum, then the raw payload.
func (d *Dumper) readBlock(conn net.Conn, address uint32, size int) ([]byte, error) {
	frame := []byte{readMemoryCmd, ^byte(readMemoryCmd)}

	addr := make([]byte, 4)
	binary.BigEndian.PutUint32(addr, address)
	frame = append(frame, addr...)
	frame = append(frame, addr[0]^addr[1]^addr[2]^addr[3])

	n := byte(size - 1)
	frame = append(frame, n, ^n)

	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("could not send read command: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(d.readTimeout))

	ack := make([]byte, 1)
	if _, err := conn.Read(ack); err != nil {
		return nil, fmt.Errorf("no ack: %w", err)
	}
	if ack[0] != ackByte {
		return nil, fmt.Errorf("bootloader rejected read (0x%02X)", ack[0])
	}

	block := make([]byte, size)
	read := 0
	for read < size {
		_ = conn.SetReadDeadline(time.Now().Add(d.readTimeout))
		n, err := conn.Read(block[read:])
		if err != nil {
			return nil, fmt.Errorf("short read (%d/%d bytes): %w", read, size, err)
		}
		read += n
	}

	return block, nil
}
