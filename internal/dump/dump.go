package dump

import (
	"context"

	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// ProgressFunc receives fine-grained progress from a running dump operation.
// stage is a machine-friendly stage name (see StageLabel) and fraction is the
// overall completion in [0, 1].
type ProgressFunc func(stage string, fraction float64)

// Dumper executes the bootloader memory dump for one job. Implementations
// must honor context cancellation on a best-effort basis and report progress
// through the callback.
type Dumper interface {
	Execute(ctx context.Context, job model.Job, progress ProgressFunc) (*model.DumpResult, error)
}
