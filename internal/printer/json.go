package printer

import (
	"encoding/json"
	"io"

	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// JSONPrinter prints task information as JSON.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// PrintList prints tasks as a JSON array.
func (j *JSONPrinter) PrintList(tasks []model.TaskExecution) error {
	return j.encode(tasks)
}

// PrintStatus prints one task as a JSON object.
func (j *JSONPrinter) PrintStatus(task model.TaskExecution) error {
	return j.encode(task)
}

// PrintSnapshot prints the scheduler buckets as a JSON object.
func (j *JSONPrinter) PrintSnapshot(snapshot model.TaskSnapshot) error {
	return j.encode(snapshot)
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
