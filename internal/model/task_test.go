package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/efargas/S7-Tools-sub002/internal/model"
)

func TestTaskStateTerminal(t *testing.T) {
	tests := map[string]struct {
		state       model.TaskState
		expTerminal bool
	}{
		"Scheduled is not terminal": {state: model.TaskStateScheduled},
		"Queued is not terminal":    {state: model.TaskStateQueued},
		"Running is not terminal":   {state: model.TaskStateRunning},
		"Paused is not terminal":    {state: model.TaskStatePaused},
		"Completed is terminal":     {state: model.TaskStateCompleted, expTerminal: true},
		"Failed is terminal":        {state: model.TaskStateFailed, expTerminal: true},
		"Cancelled is terminal":     {state: model.TaskStateCancelled, expTerminal: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expTerminal, tt.state.Terminal())
		})
	}
}

func TestTaskExecutionCopy(t *testing.T) {
	task := model.TaskExecution{
		ID:           "01TEST",
		State:        model.TaskStateRunning,
		ProgressData: map[string]string{"attempts": "1"},
		ResourceKeys: []model.ResourceKey{{Kind: model.ResourceKindSerial, ID: "/dev/ttyUSB0"}},
	}

	taskCopy := task.Copy()
	taskCopy.ProgressData["attempts"] = "2"
	taskCopy.ResourceKeys[0].ID = "/dev/ttyUSB1"

	assert.Equal(t, "1", task.ProgressData["attempts"])
	assert.Equal(t, "/dev/ttyUSB0", task.ResourceKeys[0].ID)
}

func TestResourceKeyString(t *testing.T) {
	key := model.ResourceKey{Kind: model.ResourceKindTCP, ID: "1238"}
	assert.Equal(t, "tcp:1238", key.String())
}
