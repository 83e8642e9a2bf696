package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/formatter"
	"github.com/boshu2/warden/internal/hook"
)

var (
	statusRecent   int
	statusSessions bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a session",
	Long: `Summarise the tasks, workspaces and locks of a session and show its most
recent hook decisions.

Examples:
  warden status
  warden status -s 3f2a9c1e --recent 25
  warden status --sessions`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusRecent, "recent", 10, "Number of recent decisions to show")
	statusCmd.Flags().BoolVar(&statusSessions, "sessions", false, "List sessions with stored state instead")
}

type statusReport struct {
	Session    string                   `json:"session" yaml:"session"`
	Repository string                   `json:"repository" yaml:"repository"`
	Isolation  bool                     `json:"isolation" yaml:"isolation"`
	Tasks      map[coord.TaskStatus]int `json:"tasks" yaml:"tasks"`
	Workspaces []coord.WorkspaceRecord  `json:"workspaces" yaml:"workspaces"`
	Locks      []coord.LockRecord       `json:"locks" yaml:"locks"`
	Recent     []hook.Decision          `json:"recent_decisions" yaml:"recent_decisions"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if statusSessions {
		sessions, err := a.storage.Sessions()
		if err != nil {
			return err
		}
		l := &formatter.Listing{Columns: []string{"SESSION"}, Data: sessions, Empty: "No sessions."}
		for _, s := range sessions {
			l.AddRow(s)
		}
		return render(cmd, a, l)
	}

	rep, err := collectStatus(a)
	if err != nil {
		return err
	}

	f, err := formatter.ParseFormat(a.cfg.Output)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if f != formatter.FormatTable && f != formatter.FormatMarkdown {
		return formatter.Render(out, f, &formatter.Listing{Data: rep})
	}

	fmt.Fprintf(out, "Session:    %s\n", rep.Session)
	fmt.Fprintf(out, "Repository: %s\n", rep.Repository)
	if !rep.Isolation {
		fmt.Fprintln(out, "Isolation:  off (not a git repository)")
	}
	fmt.Fprintf(out, "Tasks:      %d pending, %d active, %d stale, %d completed, %d failed\n",
		rep.Tasks[coord.TaskPending], rep.Tasks[coord.TaskActive], rep.Tasks[coord.TaskStale],
		rep.Tasks[coord.TaskCompleted], rep.Tasks[coord.TaskFailed])
	dirty := 0
	for _, w := range rep.Workspaces {
		if w.HasUncommittedChanges {
			dirty++
		}
	}
	fmt.Fprintf(out, "Workspaces: %d (%d dirty)\n", len(rep.Workspaces), dirty)
	fmt.Fprintf(out, "Locks:      %d\n", len(rep.Locks))

	if len(rep.Recent) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Recent decisions:")
	l := &formatter.Listing{
		Columns: []string{"TIME", "EVENT", "TOOL", "TASK", "ACTION", "REASON"},
		Widths:  map[int]int{5: 60},
	}
	for _, d := range rep.Recent {
		reason := d.Reason
		if d.RuleID != "" {
			reason = d.RuleID + ": " + reason
		}
		l.AddRow(d.Time.Local().Format(time.TimeOnly), d.Event, d.Tool, d.TaskID, d.Action, reason)
	}
	return formatter.Render(out, f, l)
}

func collectStatus(a *app) (*statusReport, error) {
	rep := &statusReport{
		Session:    a.store.SessionID(),
		Repository: a.repoRoot,
		Isolation:  a.inRepo,
		Tasks:      make(map[coord.TaskStatus]int),
	}
	tasks, err := a.store.ListTasks()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		rep.Tasks[t.Status]++
	}
	if rep.Workspaces, err = a.store.Workspaces(); err != nil {
		return nil, err
	}
	if rep.Locks, err = a.store.Locks(); err != nil {
		return nil, err
	}

	decisions, err := hook.Decisions(a.store)
	if err != nil {
		return nil, err
	}
	if n := len(decisions); statusRecent >= 0 && n > statusRecent {
		decisions = decisions[n-statusRecent:]
	}
	rep.Recent = decisions
	return rep, nil
}
