package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/boshu2/warden/internal/config"
	"github.com/boshu2/warden/internal/formatter"
)

var configShow bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `View warden configuration.

Configuration priority (highest to lowest):
  1. Command-line flags
  2. Environment variables (WARDEN_*)
  3. Project config (.warden/config.yaml)
  4. Home config (~/.warden/config.yaml)
  5. Defaults

Environment variables:
  WARDEN_CONFIG              - Explicit project config path
  WARDEN_OUTPUT              - Default output format (table, json, jsonl, yaml, markdown)
  WARDEN_BASE_DIR            - Data directory path
  WARDEN_VERBOSE             - Enable verbose output (true/1)
  WARDEN_WORKSPACE_ROOT      - Directory holding task worktrees
  WARDEN_MAX_WORKSPACES      - Maximum concurrent workspaces
  WARDEN_IDLE_THRESHOLD      - Idle time before a finished workspace is reclaimed
  WARDEN_MIN_FREE_DISK_MB    - Free space below which maintenance reclaims workspaces
  WARDEN_ALLOW_DIRTY_REMOVAL - Permit forced removal of dirty workspaces (true/1)
  WARDEN_SECURITY_BUDGET     - Time budget for rule evaluation
  WARDEN_RULES_FILE          - Custom rule file
  WARDEN_LOCK_STALE_AFTER    - Age at which a lock may be taken over
  WARDEN_GIT_TIMEOUT         - Timeout of one git invocation
  WARDEN_LOG_LEVEL           - Hook log level (debug, info, warn, error)
  WARDEN_SESSION_ID          - Session used by inspection commands

Examples:
  warden config --show           # Show resolved configuration
  warden config --show -o json   # Output as JSON`,
	RunE: runConfig,
}

var configEnvVars = []string{
	"WARDEN_CONFIG",
	"WARDEN_OUTPUT",
	"WARDEN_BASE_DIR",
	"WARDEN_VERBOSE",
	"WARDEN_WORKSPACE_ROOT",
	"WARDEN_MAX_WORKSPACES",
	"WARDEN_IDLE_THRESHOLD",
	"WARDEN_MIN_FREE_DISK_MB",
	"WARDEN_ALLOW_DIRTY_REMOVAL",
	"WARDEN_SECURITY_BUDGET",
	"WARDEN_RULES_FILE",
	"WARDEN_LOCK_STALE_AFTER",
	"WARDEN_GIT_TIMEOUT",
	"WARDEN_LOG_LEVEL",
	"WARDEN_SESSION_ID",
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&configShow, "show", false, "Show resolved configuration with sources")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if !configShow {
		return cmd.Help()
	}

	resolved := config.Resolve(GetOutput(), baseDir, GetVerbose())
	out := cmd.OutOrStdout()

	format := GetOutput()
	if format == "" {
		if s, ok := resolved.Output.Value.(string); ok {
			format = s
		}
	}
	f, err := formatter.ParseFormat(format)
	if err != nil {
		return err
	}
	if f == formatter.FormatJSON || f == formatter.FormatYAML {
		return formatter.Render(out, f, &formatter.Listing{Data: resolved})
	}

	fmt.Fprintln(out, "Warden Configuration")
	fmt.Fprintln(out, "====================")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Config files:")
	home, project := config.Files()
	for _, c := range []struct{ label, path string }{{"Home:   ", home}, {"Project:", project}} {
		if _, err := os.Stat(c.path); err == nil {
			fmt.Fprintf(out, "  ✓ %s %s\n", c.label, c.path)
		} else {
			fmt.Fprintf(out, "  ✗ %s %s (not found)\n", c.label, c.path)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Resolved values:")
	values := []struct {
		name string
		v    any
		src  config.Source
	}{
		{"output", resolved.Output.Value, resolved.Output.Source},
		{"base_dir", resolved.BaseDir.Value, resolved.BaseDir.Source},
		{"verbose", resolved.Verbose.Value, resolved.Verbose.Source},
		{"workspace.root", resolved.WorkspaceRoot.Value, resolved.WorkspaceRoot.Source},
		{"workspace.max_concurrent", resolved.MaxWorkspaces.Value, resolved.MaxWorkspaces.Source},
		{"workspace.idle_threshold", resolved.IdleThreshold.Value, resolved.IdleThreshold.Source},
		{"security.budget", resolved.SecurityBudget.Value, resolved.SecurityBudget.Source},
		{"security.rules_file", resolved.RulesFile.Value, resolved.RulesFile.Source},
		{"coordination.lock_stale_after", resolved.LockStaleAfter.Value, resolved.LockStaleAfter.Source},
		{"git.timeout", resolved.GitTimeout.Value, resolved.GitTimeout.Source},
		{"log.level", resolved.LogLevel.Value, resolved.LogLevel.Source},
	}
	for _, v := range values {
		fmt.Fprintf(out, "  %-30s %v  (from %s)\n", v.name+":", v.v, v.src)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Environment variables (if set):")
	anySet := false
	for _, env := range configEnvVars {
		if v := os.Getenv(env); v != "" {
			fmt.Fprintf(out, "  %s=%s\n", env, v)
			anySet = true
		}
	}
	if !anySet {
		fmt.Fprintln(out, "  (none set)")
	}
	return nil
}
