package printer

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// TablePrinter prints task information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintList prints tasks in a table format.
func (t *TablePrinter) PrintList(tasks []model.TaskExecution) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tJOB\tSTATE\tPROGRESS\tDEVICE\tFINISHED")

	for _, task := range tasks {
		finished := ""
		if task.CompletedAt != nil {
			finished = TimeAgo(*task.CompletedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			task.ID, task.Job.Name, task.State, task.Progress, task.Job.Serial.Device, finished)
	}

	return nil
}

// PrintStatus prints detailed task status.
func (t *TablePrinter) PrintStatus(task model.TaskExecution) error {
	fmt.Fprintf(t.writer, "ID:         %s\n", task.ID)
	fmt.Fprintf(t.writer, "Job:        %s\n", task.Job.Name)
	fmt.Fprintf(t.writer, "State:      %s\n", task.State)
	fmt.Fprintf(t.writer, "Progress:   %.1f%%\n", task.Progress)
	if task.CurrentOperation != "" {
		fmt.Fprintf(t.writer, "Operation:  %s\n", task.CurrentOperation)
	}
	fmt.Fprintf(t.writer, "Device:     %s\n", task.Job.Serial.Device)
	fmt.Fprintf(t.writer, "Bridge:     %s:%d\n", task.Job.Bridge.TCPHost, task.Job.Bridge.TCPPort)
	fmt.Fprintf(t.writer, "Power:      %s\n", task.Job.Power.Address)

	if task.ScheduledFor != nil {
		fmt.Fprintf(t.writer, "Scheduled:  %s\n", FormatTimestamp(*task.ScheduledFor))
	}
	if task.StartedAt != nil {
		fmt.Fprintf(t.writer, "Started:    %s\n", FormatTimestamp(*task.StartedAt))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(t.writer, "Finished:   %s\n", FormatTimestamp(*task.CompletedAt))
	}
	if task.FailureReason != "" {
		fmt.Fprintf(t.writer, "Failure:    %s\n", task.FailureReason)
	}
	if attempts, ok := task.ProgressData["attempts"]; ok {
		fmt.Fprintf(t.writer, "Attempts:   %s\n", attempts)
	}

	return nil
}

// PrintSnapshot prints the three scheduler buckets.
func (t *TablePrinter) PrintSnapshot(snapshot model.TaskSnapshot) error {
	buckets := []struct {
		name  string
		tasks []model.TaskExecution
	}{
		{"SCHEDULED", snapshot.Scheduled},
		{"ACTIVE", snapshot.Active},
		{"FINISHED", snapshot.Finished},
	}

	for _, b := range buckets {
		if len(b.tasks) == 0 {
			continue
		}
		fmt.Fprintf(t.writer, "%s (%d):\n", b.name, len(b.tasks))
		if err := t.PrintList(b.tasks); err != nil {
			return err
		}
	}

	return nil
}
