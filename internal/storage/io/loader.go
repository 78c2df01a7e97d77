package io

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// JobsYAMLRepository loads job descriptions from YAML files.
type JobsYAMLRepository struct {
	fs fs.FS
}

// NewJobsYAMLRepository creates a new YAML jobs repository.
func NewJobsYAMLRepository(filesystem fs.FS) *JobsYAMLRepository {
	return &JobsYAMLRepository{fs: filesystem}
}

// GetJobs loads the jobs from a YAML file and returns validated domain models.
func (r *JobsYAMLRepository) GetJobs(ctx context.Context, path string) ([]model.Job, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading jobs file: %w", err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var file JobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if len(file.Jobs) == 0 {
		return nil, fmt.Errorf("jobs file has no jobs")
	}

	jobs := make([]model.Job, 0, len(file.Jobs))
	for i, jc := range file.Jobs {
		job, err := jc.toModel()
		if err != nil {
			return nil, fmt.Errorf("job %d (%s): %w", i, jc.Name, err)
		}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("job %d (%s): invalid configuration: %w", i, jc.Name, err)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// JobsFile represents the YAML structure of a jobs file.
type JobsFile struct {
	Jobs []JobConfig `yaml:"jobs"`
}

// JobConfig represents the YAML structure of one job.
type JobConfig struct {
	Name   string       `yaml:"name"`
	Serial SerialConfig `yaml:"serial"`
	Bridge BridgeConfig `yaml:"bridge"`
	Power  PowerConfig  `yaml:"power"`
	Memory MemoryConfig `yaml:"memory"`
	Output string       `yaml:"output"`

	// RunAt is an absolute RFC 3339 timestamp, RunIn a relative duration.
	// At most one may be set.
	RunAt string `yaml:"run_at,omitempty"`
	RunIn string `yaml:"run_in,omitempty"`
}

// SerialConfig represents the YAML structure of the serial section.
type SerialConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	CharSize int    `yaml:"char_size"`
	Parity   string `yaml:"parity"`
}

// BridgeConfig represents the YAML structure of the bridge section.
type BridgeConfig struct {
	TCPHost string `yaml:"tcp_host"`
	TCPPort int    `yaml:"tcp_port"`
}

// PowerConfig represents the YAML structure of the power section.
type PowerConfig struct {
	Address string `yaml:"address"`
	UnitID  int    `yaml:"unit_id"`
	Coil    int    `yaml:"coil"`
}

// MemoryConfig represents the YAML structure of the memory section.
type MemoryConfig struct {
	Start  uint32 `yaml:"start"`
	Length uint32 `yaml:"length"`
}

func (c JobConfig) toModel() (model.Job, error) {
	job := model.Job{
		Name: c.Name,
		Serial: model.SerialConfig{
			Device:   c.Serial.Device,
			BaudRate: c.Serial.BaudRate,
			CharSize: c.Serial.CharSize,
			Parity:   c.Serial.Parity,
		},
		Bridge: model.BridgeConfig{
			TCPHost: c.Bridge.TCPHost,
			TCPPort: c.Bridge.TCPPort,
		},
		Power: model.PowerConfig{
			Address: c.Power.Address,
			UnitID:  byte(c.Power.UnitID),
			Coil:    uint16(c.Power.Coil),
		},
		Memory: model.MemoryRange{
			Start:  c.Memory.Start,
			Length: c.Memory.Length,
		},
		OutputPath: c.Output,
	}

	// Defaults match the stock socat bridge profile.
	if job.Serial.BaudRate == 0 {
		job.Serial.BaudRate = 9600
	}
	if job.Serial.CharSize == 0 {
		job.Serial.CharSize = 8
	}
	if job.Bridge.TCPHost == "" {
		job.Bridge.TCPHost = "localhost"
	}
	if job.Bridge.TCPPort == 0 {
		job.Bridge.TCPPort = 1238
	}

	if c.RunAt != "" && c.RunIn != "" {
		return model.Job{}, fmt.Errorf("run_at and run_in are mutually exclusive")
	}
	if c.RunAt != "" {
		t, err := time.ParseInLocation(time.RFC3339, c.RunAt, time.Local)
		if err != nil {
			return model.Job{}, fmt.Errorf("invalid run_at: %w", err)
		}
		job.RunAt = &t
	}
	if c.RunIn != "" {
		d, err := time.ParseDuration(c.RunIn)
		if err != nil {
			return model.Job{}, fmt.Errorf("invalid run_in: %w", err)
		}
		t := time.Now().Add(d)
		job.RunAt = &t
	}

	return job, nil
}
