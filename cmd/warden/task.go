package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/formatter"
)

var (
	taskType      string
	taskWorkspace string
	taskActive    bool
	taskFailed    bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Register and list delegated tasks",
	Long: `Tasks are normally registered by the hooks: a spawn registers the task as
pending, and its first file-touching call makes it active with a workspace.
These commands cover agents that report tasks out of band.

Examples:
  warden task register task-42 --type reviewer
  warden task list --active
  warden task complete task-42
  warden task complete task-42 --failed`,
}

var taskRegisterCmd = &cobra.Command{
	Use:   "register <task-id>",
	Short: "Register a task as pending, or active with --workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRegister,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks of the session",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Mark a task finished and release its locks",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskComplete,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskRegisterCmd, taskListCmd, taskCompleteCmd)
	taskRegisterCmd.Flags().StringVar(&taskType, "type", "", "Task type, e.g. implementer")
	taskRegisterCmd.Flags().StringVar(&taskWorkspace, "workspace", "", "Workspace path; marks the task active")
	taskListCmd.Flags().BoolVar(&taskActive, "active", false, "Only pending and active tasks")
	taskCompleteCmd.Flags().BoolVar(&taskFailed, "failed", false, "Mark the task failed instead of completed")
}

func runTaskRegister(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	id := args[0]
	if err := a.store.RegisterPending(id, taskType); err != nil {
		return err
	}
	if taskWorkspace != "" {
		if err := a.store.RegisterTask(id, taskWorkspace); err != nil {
			return err
		}
	}
	rec, err := a.store.Task(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s registered (%s)\n", id, rec.Status)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	list := a.store.ListTasks
	if taskActive {
		list = a.store.ListActiveTasks
	}
	tasks, err := list()
	if err != nil {
		return err
	}
	l := &formatter.Listing{
		Columns: []string{"TASK", "TYPE", "STATUS", "REGISTERED", "WORKSPACE"},
		Data:    tasks,
		Empty:   "No tasks registered.",
		Widths:  map[int]int{4: 60},
	}
	for _, t := range tasks {
		l.AddRow(t.TaskID, t.TaskType, string(t.Status), t.RegisteredAt.Local().Format(time.DateTime), t.WorkspacePath)
	}
	return render(cmd, a, l)
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	id := args[0]
	status := coord.TaskCompleted
	if taskFailed {
		status = coord.TaskFailed
	}
	if GetDryRun() {
		held, err := a.store.LocksHeldBy(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would mark %s %s and release %d lock(s)\n", id, status, len(held))
		return nil
	}
	ids, err := a.store.FinishTask(id, status)
	if err != nil {
		return err
	}
	n := 0
	for _, tid := range ids {
		released, err := a.store.ReleaseAll(tid)
		if err != nil {
			return err
		}
		n += released
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s; released %d lock(s)\n", strings.Join(ids, ", "), status, n)
	return nil
}
