package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/formatter"
)

var progressDetail string

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Record and show task progress",
	Long: `Progress entries are keyed by task and step; recording the same step again
overwrites it. The hooks record one step per tool name automatically.

Statuses: pending, in_progress, blocked, completed, failed.

Examples:
  warden progress record task-42 tests in_progress --detail "go test ./..."
  warden progress show task-42
  warden progress show`,
}

var progressRecordCmd = &cobra.Command{
	Use:   "record <task-id> <step> <status>",
	Short: "Record the status of a task step",
	Args:  cobra.ExactArgs(3),
	RunE:  runProgressRecord,
}

var progressShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show progress of one task or every task",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProgressShow,
}

func init() {
	rootCmd.AddCommand(progressCmd)
	progressCmd.AddCommand(progressRecordCmd, progressShowCmd)
	progressRecordCmd.Flags().StringVar(&progressDetail, "detail", "", "Free-text detail")
}

func runProgressRecord(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	status := coord.ProgressStatus(args[2])
	if !status.Valid() {
		return fmt.Errorf("unknown status %q (want pending, in_progress, blocked, completed or failed)", args[2])
	}
	if err := a.store.RecordProgress(args[0], args[1], status, progressDetail); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s/%s: %s\n", args[0], args[1], status)
	return nil
}

func runProgressShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	task := ""
	if len(args) == 1 {
		task = args[0]
	}
	entries, err := a.store.Progress(task)
	if err != nil {
		return err
	}

	l := &formatter.Listing{
		Columns: []string{"TASK", "STEP", "STATUS", "UPDATED", "DETAIL"},
		Data:    entries,
		Empty:   "No progress recorded.",
		Widths:  map[int]int{4: 60},
	}
	for _, e := range entries {
		l.AddRow(e.TaskID, e.StepName, string(e.Status), e.UpdatedAt.Local().Format(time.DateTime), e.Detail)
	}
	return render(cmd, a, l)
}
