package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"

	"github.com/boshu2/warden/embedded"
	"github.com/boshu2/warden/internal/errs"
	"github.com/boshu2/warden/internal/formatter"
	"github.com/boshu2/warden/internal/rules"
)

var (
	rulesCheckTool    string
	rulesCheckCommand string
	rulesCheckPath    string
	rulesCheckParams  string
	rulesInitForce    bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List and try security rules",
	Long: `Every tool call is evaluated against the built-in rules plus the custom
rules of security.rules_file. Rules marked disableable can be turned off with
security.disabled_rules.

Examples:
  warden rules list
  warden rules check --command "rm -rf /"
  warden rules check --tool Write --path .env
  warden rules init`,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a tool call without running it",
	Long: `Evaluate one tool call against the loaded rules and print the verdict.
Exits 2 when the call would be blocked.`,
	Args: cobra.NoArgs,
	RunE: runRulesCheck,
}

var rulesInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example custom rule file",
	Args:  cobra.NoArgs,
	RunE:  runRulesInit,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd, rulesCheckCmd, rulesInitCmd)
	rulesCheckCmd.Flags().StringVar(&rulesCheckTool, "tool", "", "Tool name (default: Bash with --command, Write with --path)")
	rulesCheckCmd.Flags().StringVar(&rulesCheckCommand, "command", "", "Shell command")
	rulesCheckCmd.Flags().StringVar(&rulesCheckPath, "path", "", "File path")
	rulesCheckCmd.Flags().StringVar(&rulesCheckParams, "params", "", "Raw JSON tool parameters")
	rulesInitCmd.Flags().BoolVar(&rulesInitForce, "force", false, "Overwrite an existing rule file")
}

func runRulesList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	engine, err := a.engine()
	if err != nil {
		return err
	}

	metas := engine.Rules()
	type row struct {
		rules.Meta `yaml:",inline"`
		Enabled    bool `json:"enabled" yaml:"enabled"`
	}
	data := make([]row, 0, len(metas))
	l := &formatter.Listing{
		Columns: []string{"ID", "PRIORITY", "ENABLED", "DESCRIPTION"},
		Empty:   "No rules loaded.",
		Widths:  map[int]int{3: 70},
	}
	for _, m := range metas {
		on := engine.Enabled(m)
		data = append(data, row{Meta: m, Enabled: on})
		enabled := "yes"
		if !on {
			enabled = "no"
		}
		l.AddRow(m.ID, strconv.Itoa(m.Priority), enabled, m.Description)
	}
	l.Data = data
	return render(cmd, a, l)
}

// checkParams builds the tool name and parameters from the check flags.
func checkParams() (string, json.RawMessage, error) {
	tool := rulesCheckTool
	params := []byte(`{}`)
	if rulesCheckParams != "" {
		if !json.Valid([]byte(rulesCheckParams)) {
			return "", nil, fmt.Errorf("--params is not valid JSON")
		}
		params = []byte(rulesCheckParams)
	}
	var err error
	if rulesCheckCommand != "" {
		if tool == "" {
			tool = "Bash"
		}
		if params, err = sjson.SetBytes(params, "command", rulesCheckCommand); err != nil {
			return "", nil, err
		}
	}
	if rulesCheckPath != "" {
		if tool == "" {
			tool = "Write"
		}
		if params, err = sjson.SetBytes(params, "file_path", rulesCheckPath); err != nil {
			return "", nil, err
		}
	}
	if tool == "" {
		return "", nil, fmt.Errorf("nothing to check: pass --command, --path or --tool with --params")
	}
	return tool, params, nil
}

func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	tool, params, err := checkParams()
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	engine, err := a.engine()
	if err != nil {
		return err
	}

	v := engine.Evaluate(rules.NewContext(tool, params, a.repoRoot, environMap()))

	f, err := formatter.ParseFormat(a.cfg.Output)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if f == formatter.FormatJSON || f == formatter.FormatYAML {
		if err := formatter.Render(out, f, &formatter.Listing{Data: v}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%s %s\n", strings.ToUpper(string(v.Action)), tool)
		if v.RuleID != "" {
			fmt.Fprintf(out, "  rule:       %s\n", v.RuleID)
		}
		if v.Class != "" {
			fmt.Fprintf(out, "  class:      %s\n", v.Class)
		}
		if v.Reason != "" {
			fmt.Fprintf(out, "  reason:     %s\n", v.Reason)
		}
		if v.Suggestion != "" {
			fmt.Fprintf(out, "  suggestion: %s\n", v.Suggestion)
		}
		for _, w := range v.Warnings {
			fmt.Fprintf(out, "  warning:    %s\n", w)
		}
		if len(v.Rewritten) > 0 {
			fmt.Fprintf(out, "  rewritten:  %s\n", v.Rewritten)
		}
		if len(v.Skipped) > 0 {
			fmt.Fprintf(out, "  skipped:    %s\n", strings.Join(v.Skipped, ", "))
		}
	}
	if v.Action == rules.ActionBlock {
		return &exitError{code: errs.ExitBlock}
	}
	return nil
}

func runRulesInit(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	path := a.rulesFile()
	if _, err := os.Stat(path); err == nil && !rulesInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if _, err := rules.ParseRuleFile(embedded.ExampleRules); err != nil {
		return fmt.Errorf("example rules: %w", err)
	}

	if GetDryRun() {
		fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] Would write %s\n", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create rules dir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(embedded.ExampleRules)); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", path)
	return nil
}
