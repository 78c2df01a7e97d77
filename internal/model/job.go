package model

import (
	"fmt"
	"strconv"
	"time"
)

// Job is an immutable description of one bootloader memory dump: the physical
// resources it needs and an optional future run time. Jobs are produced by the
// profile/jobs-file collaborator and only read by the scheduler at submit time.
type Job struct {
	Name   string
	Serial SerialConfig
	Bridge BridgeConfig
	Power  PowerConfig
	Memory MemoryRange

	// RunAt schedules the job for the future (local time). Nil means run as
	// soon as resources allow. One-shot only, there is no recurrence.
	RunAt *time.Time

	// OutputPath is where the dump file is written.
	OutputPath string
}

// SerialConfig is the serial device configuration for the PLC link.
type SerialConfig struct {
	Device   string
	BaudRate int
	CharSize int
	Parity   string // none, even or odd.
}

// BridgeConfig is the socat TCP<->serial bridge configuration.
type BridgeConfig struct {
	TCPHost string
	TCPPort int
}

// PowerConfig is the Modbus power controller used to power-cycle the PLC into
// its bootloader.
type PowerConfig struct {
	Address string // host:port of the Modbus TCP gateway.
	UnitID  byte
	Coil    uint16
}

// MemoryRange is the PLC memory window to dump.
type MemoryRange struct {
	Start  uint32
	Length uint32
}

// Validate validates the job description.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("name is required: %w", ErrNotValid)
	}
	if j.Serial.Device == "" {
		return fmt.Errorf("serial device is required: %w", ErrNotValid)
	}
	if j.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial baud rate must be positive: %w", ErrNotValid)
	}
	switch j.Serial.CharSize {
	case 5, 6, 7, 8:
	default:
		return fmt.Errorf("serial char size must be 5-8: %w", ErrNotValid)
	}
	switch j.Serial.Parity {
	case "", "none", "even", "odd":
	default:
		return fmt.Errorf("serial parity must be none, even or odd: %w", ErrNotValid)
	}
	if j.Bridge.TCPPort <= 0 || j.Bridge.TCPPort > 65535 {
		return fmt.Errorf("bridge tcp port must be in 1-65535: %w", ErrNotValid)
	}
	if j.Power.Address == "" {
		return fmt.Errorf("power controller address is required: %w", ErrNotValid)
	}
	if j.Memory.Length == 0 {
		return fmt.Errorf("memory length must be positive: %w", ErrNotValid)
	}
	return nil
}

// ResourceKeys derives the physical resource set of the job. The derivation is
// deterministic, the same job always maps to the same keys.
func (j *Job) ResourceKeys() []ResourceKey {
	return []ResourceKey{
		{Kind: ResourceKindSerial, ID: j.Serial.Device},
		{Kind: ResourceKindTCP, ID: strconv.Itoa(j.Bridge.TCPPort)},
		{Kind: ResourceKindModbus, ID: j.Power.Address},
	}
}

// DumpResult is the outcome of a successful dump operation.
type DumpResult struct {
	OutputPath string
	Bytes      int64
}
