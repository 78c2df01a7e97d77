package printer

import "github.com/efargas/S7-Tools-sub002/internal/model"

// Printer knows how to print task information in different formats.
type Printer interface {
	PrintList(tasks []model.TaskExecution) error
	PrintStatus(task model.TaskExecution) error
	PrintSnapshot(snapshot model.TaskSnapshot) error
}
