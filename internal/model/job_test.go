package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efargas/S7-Tools-sub002/internal/model"
)

func goodJob() model.Job {
	return model.Job{
		Name: "plc-dump",
		Serial: model.SerialConfig{
			Device:   "/dev/ttyUSB0",
			BaudRate: 9600,
			CharSize: 8,
			Parity:   "none",
		},
		Bridge: model.BridgeConfig{TCPHost: "localhost", TCPPort: 1238},
		Power:  model.PowerConfig{Address: "192.168.0.30:502", UnitID: 1, Coil: 0},
		Memory: model.MemoryRange{Start: 0x0800_0000, Length: 0x1_0000},
	}
}

func TestJobValidate(t *testing.T) {
	tests := map[string]struct {
		mutate func(j *model.Job)
		expErr bool
	}{
		"Valid job passes": {
			mutate: func(j *model.Job) {},
		},
		"Missing name fails": {
			mutate: func(j *model.Job) { j.Name = "" },
			expErr: true,
		},
		"Missing serial device fails": {
			mutate: func(j *model.Job) { j.Serial.Device = "" },
			expErr: true,
		},
		"Zero baud rate fails": {
			mutate: func(j *model.Job) { j.Serial.BaudRate = 0 },
			expErr: true,
		},
		"Char size out of range fails": {
			mutate: func(j *model.Job) { j.Serial.CharSize = 9 },
			expErr: true,
		},
		"Unknown parity fails": {
			mutate: func(j *model.Job) { j.Serial.Parity = "mark" },
			expErr: true,
		},
		"Empty parity is allowed": {
			mutate: func(j *model.Job) { j.Serial.Parity = "" },
		},
		"Invalid bridge port fails": {
			mutate: func(j *model.Job) { j.Bridge.TCPPort = 70000 },
			expErr: true,
		},
		"Missing power address fails": {
			mutate: func(j *model.Job) { j.Power.Address = "" },
			expErr: true,
		},
		"Zero memory length fails": {
			mutate: func(j *model.Job) { j.Memory.Length = 0 },
			expErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			job := goodJob()
			tt.mutate(&job)

			err := job.Validate()

			if tt.expErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrNotValid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJobResourceKeys(t *testing.T) {
	job := goodJob()

	keys := job.ResourceKeys()

	exp := []model.ResourceKey{
		{Kind: model.ResourceKindSerial, ID: "/dev/ttyUSB0"},
		{Kind: model.ResourceKindTCP, ID: "1238"},
		{Kind: model.ResourceKindModbus, ID: "192.168.0.30:502"},
	}
	assert.Equal(t, exp, keys)

	// Derivation is deterministic.
	assert.Equal(t, keys, job.ResourceKeys())
}
