package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/formatter"
	"github.com/boshu2/warden/internal/worktree"
)

var (
	workspaceTaskType string
	workspaceForce    bool
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage isolated task workspaces",
	Long: `Each delegated task that touches files gets its own git worktree on a
dedicated branch under the workspace root. These commands inspect and manage
them outside the hook flow.

Examples:
  warden workspace list
  warden workspace ensure task-42 --type implementer
  warden workspace remove task-42
  warden workspace gc`,
}

var workspaceEnsureCmd = &cobra.Command{
	Use:   "ensure <task-id>",
	Short: "Return the task's workspace, creating it if needed",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceEnsure,
}

var workspaceRemoveCmd = &cobra.Command{
	Use:   "remove <task-id>",
	Short: "Remove a finished task's workspace and merged branch",
	Long: `Remove a task's worktree. The branch is deleted only when it is fully
merged; otherwise it is kept so no commits are lost.

Removal fails while the task is pending or active, while it holds file locks,
or when the worktree has uncommitted changes. --force discards uncommitted
changes, and only when workspace.allow_dirty_removal is enabled.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkspaceRemove,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces of the session",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceList,
}

var workspaceGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run workspace maintenance",
	Long: `Reconcile orphaned records, refresh dirty flags, and remove workspaces of
finished tasks that are idle past workspace.idle_threshold or needed to relieve
disk or count pressure. Dirty workspaces and workspaces of live tasks are never
removed.`,
	Args: cobra.NoArgs,
	RunE: runWorkspaceGC,
}

func init() {
	rootCmd.AddCommand(workspaceCmd)
	workspaceCmd.AddCommand(workspaceEnsureCmd, workspaceRemoveCmd, workspaceListCmd, workspaceGCCmd)
	workspaceEnsureCmd.Flags().StringVar(&workspaceTaskType, "type", "", "Task type used in the branch name")
	workspaceRemoveCmd.Flags().BoolVar(&workspaceForce, "force", false, "Discard uncommitted changes (needs workspace.allow_dirty_removal)")
}

func workspaceListing(recs []coord.WorkspaceRecord, now time.Time) *formatter.Listing {
	l := &formatter.Listing{
		Columns: []string{"TASK", "STATUS", "DIRTY", "IDLE", "BRANCH", "PATH"},
		Data:    recs,
		Empty:   "No workspaces.",
		Widths:  map[int]int{5: 80},
	}
	for _, r := range recs {
		dirty := ""
		if r.HasUncommittedChanges {
			dirty = "yes"
		}
		l.AddRow(r.TaskID, string(r.Status), dirty, now.Sub(r.LastActivityAt).Round(time.Second).String(), r.Branch, r.Path)
	}
	return l
}

func runWorkspaceEnsure(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	mgr, err := a.workspaces()
	if err != nil {
		return err
	}

	if GetDryRun() {
		rec, ok, err := mgr.Get(args[0])
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Workspace exists: %s\n", rec.Path)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would create a workspace for %s under %s\n", args[0], mgr.Root())
		}
		return nil
	}

	rec, err := mgr.EnsureWorkspace(cmd.Context(), args[0], workspaceTaskType)
	if err != nil {
		return err
	}
	return render(cmd, a, workspaceListing([]coord.WorkspaceRecord{rec}, a.store.Now()))
}

func runWorkspaceRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	mgr, err := a.workspaces()
	if err != nil {
		return err
	}

	if GetDryRun() {
		rec, ok, err := mgr.Get(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", worktree.ErrWorkspaceNotFound, args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would remove %s (branch %s)\n", rec.Path, rec.Branch)
		return nil
	}

	res, err := mgr.RemoveWorkspace(cmd.Context(), args[0], worktree.RemoveOptions{Force: workspaceForce})
	if err != nil {
		return err
	}
	return render(cmd, a, cleanupListing([]worktree.CleanupResult{res}, res))
}

func cleanupListing(results []worktree.CleanupResult, data any) *formatter.Listing {
	l := &formatter.Listing{
		Columns: []string{"TASK", "REASON", "BRANCH", "BRANCH DELETED", "NOTE"},
		Data:    data,
		Empty:   "Nothing removed.",
	}
	for _, r := range results {
		deleted := "no"
		if r.BranchDeleted {
			deleted = "yes"
		}
		l.AddRow(r.TaskID, r.Reason, r.Branch, deleted, r.Note)
	}
	return l
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	recs, err := a.store.Workspaces()
	if err != nil {
		return err
	}
	return render(cmd, a, workspaceListing(recs, a.store.Now()))
}

func runWorkspaceGC(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	mgr, err := a.workspaces()
	if err != nil {
		return err
	}
	if GetDryRun() {
		recs, err := mgr.List()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would evaluate %d workspace(s) for cleanup\n", len(recs))
		return nil
	}

	rep, err := mgr.RunMaintenance(cmd.Context())
	if err != nil {
		return err
	}
	f, err := formatter.ParseFormat(a.cfg.Output)
	if err != nil {
		return err
	}
	if f != formatter.FormatTable && f != formatter.FormatMarkdown {
		return formatter.Render(cmd.OutOrStdout(), f, &formatter.Listing{Data: rep})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scanned %d workspace(s); removed %d, kept %d dirty, %d live; %d orphaned record(s); %d stale lock(s) pruned\n",
		rep.Scanned, len(rep.Removed), len(rep.SkippedDirty), len(rep.SkippedActive), len(rep.Orphaned), rep.StaleLocks)
	if rep.DiskPressure {
		fmt.Fprintf(out, "Disk pressure: %d MiB free\n", rep.FreeBytes>>20)
	}
	for _, fl := range rep.Failed {
		fmt.Fprintf(out, "  failed %s: %s\n", fl.TaskID, fl.Error)
	}
	if len(rep.Removed) > 0 {
		fmt.Fprintln(out)
		return formatter.Render(out, formatter.FormatTable, cleanupListing(rep.Removed, rep.Removed))
	}
	return nil
}
