package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/boshu2/warden/internal/formatter"
	"github.com/boshu2/warden/internal/protocol"
)

var (
	// Global flags
	dryRun    bool
	verbose   bool
	output    string
	cfgFile   string
	baseDir   string
	sessionID string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Guard and isolate coding-agent tool calls",
	Long: `warden intercepts the tool calls of a coding agent through its hook
protocol. Every call is checked against security rules; file edits made by
delegated tasks are redirected into per-task git worktrees; concurrent edits
are coordinated through advisory file locks.

Hook Commands:
  hook pre      Handle a PreToolUse event read from stdin
  hook post     Handle a PostToolUse event read from stdin
  hooks         Install or show the hook configuration

Inspection and Maintenance:
  workspace    Manage isolated task workspaces
  lock         Inspect and manage file locks
  progress     Record and show task progress
  task         Register and list delegated tasks
  rules        List and try security rules
  status       Show the state of a session
  config       Show resolved configuration`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		syncConfigFlagToEnv()
	},
}

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Show what would happen without executing")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "Output format (table, json, jsonl, yaml, markdown)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: .warden/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "Data directory (default: .warden in the repository root)")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "Session ID (default: $WARDEN_SESSION_ID or \"default\")")
}

// GetDryRun returns the dry-run flag value for use by subcommands.
func GetDryRun() bool {
	return dryRun
}

// GetVerbose returns the verbose flag value for use by subcommands.
func GetVerbose() bool {
	return verbose
}

// GetOutput returns the output format flag; empty means the configured default.
func GetOutput() string {
	return output
}

// GetConfigFile returns the config file path for use by subcommands.
func GetConfigFile() string {
	return cfgFile
}

// GetSession returns the session the inspection commands operate on.
func GetSession() string {
	if s := strings.TrimSpace(sessionID); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv(protocol.EnvSessionID)); s != "" {
		return s
	}
	return protocol.DefaultSessionID
}

// VerbosePrintf prints to stderr only when verbose mode is enabled.
func VerbosePrintf(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func syncConfigFlagToEnv() {
	path := strings.TrimSpace(GetConfigFile())
	if path == "" {
		return
	}
	_ = os.Setenv("WARDEN_CONFIG", path)
}

// render writes a listing in the resolved output format.
func render(cmd *cobra.Command, a *app, l *formatter.Listing) error {
	f, err := formatter.ParseFormat(a.cfg.Output)
	if err != nil {
		return err
	}
	return formatter.Render(cmd.OutOrStdout(), f, l)
}
