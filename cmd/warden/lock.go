package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/errs"
	"github.com/boshu2/warden/internal/formatter"
)

var (
	lockTask  string
	lockPrune bool
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect and manage advisory file locks",
	Long: `Locks are taken automatically when a task edits a file and released when
the edit finishes. A lock older than coordination.lock_stale_after may be
taken over by another task.

Examples:
  warden lock list
  warden lock acquire src/main.go --task task-42
  warden lock release src/main.go --task task-42
  warden lock list --prune`,
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <resource>",
	Short: "Acquire a lock without waiting",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockAcquire,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <resource>",
	Short: "Release a lock held by a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockRelease,
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held locks",
	Args:  cobra.NoArgs,
	RunE:  runLockList,
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockListCmd)
	for _, c := range []*cobra.Command{lockAcquireCmd, lockReleaseCmd} {
		c.Flags().StringVar(&lockTask, "task", "", "Holder task ID")
		_ = c.MarkFlagRequired("task")
	}
	lockListCmd.Flags().BoolVar(&lockPrune, "prune", false, "Drop stale locks first")
}

func runLockAcquire(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	ok, err := a.store.AcquireLock(args[0], lockTask)
	var conflict *coord.LockConflictError
	if errors.As(err, &conflict) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s is held by %s since %s\n",
			conflict.Resource, conflict.Holder, conflict.Since.Format(time.RFC3339))
		return &exitError{code: errs.ExitBlock}
	}
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s locked by %s\n", coord.NormalizeResource(args[0]), lockTask)
	}
	return nil
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	ok, err := a.store.ReleaseLock(args[0], lockTask)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not held by %s", coord.NormalizeResource(args[0]), lockTask)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ released %s\n", coord.NormalizeResource(args[0]))
	return nil
}

func runLockList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if lockPrune {
		n, err := a.store.PruneStaleLocks()
		if err != nil {
			return err
		}
		VerbosePrintf("pruned %d stale lock(s)\n", n)
	}
	locks, err := a.store.Locks()
	if err != nil {
		return err
	}
	now := a.store.Now()
	l := &formatter.Listing{
		Columns: []string{"RESOURCE", "HOLDER", "AGE"},
		Data:    locks,
		Empty:   "No locks held.",
	}
	for _, lk := range locks {
		l.AddRow(lk.ResourcePath, lk.HolderTaskID, now.Sub(lk.AcquiredAt).Round(time.Second).String())
	}
	return render(cmd, a, l)
}
