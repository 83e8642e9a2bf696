package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/boshu2/warden/embedded"
)

var (
	hooksGlobal  bool
	hooksForce   bool
	hooksCommand string
)

// hookEvents are the host events warden handles, in install order.
var hookEvents = []string{"PreToolUse", "PostToolUse"}

// HookEntry represents a single hook command (e.g., {"type": "command", "command": "..."}).
type HookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// HookGroup represents a hook group with optional matcher and a hooks array.
type HookGroup struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []HookEntry `json:"hooks"`
}

// HooksManifest is the embedded hooks.json document.
type HooksManifest struct {
	Hooks map[string][]HookGroup `json:"hooks"`
}

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Manage the host agent hook configuration",
	Long: `The hooks command wires warden into the host agent's settings.json.

Subcommands:
  install   Merge warden's PreToolUse and PostToolUse hooks into settings.json
  show      Display which events call warden

By default the project settings (.claude/settings.json in the repository
root) are used; --global targets ~/.claude/settings.json.`,
}

var hooksInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install warden hooks into settings.json",
	Long: `Install warden hooks into settings.json.

This command:
  1. Reads existing settings.json (if any)
  2. Replaces earlier warden hook groups and keeps every other hook
  3. Creates a timestamped backup of the original settings
  4. Writes the updated configuration atomically

Use --dry-run to print the resulting settings without writing them.`,
	Args: cobra.NoArgs,
	RunE: runHooksInstall,
}

var hooksShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current hook configuration",
	Args:  cobra.NoArgs,
	RunE:  runHooksShow,
}

func init() {
	rootCmd.AddCommand(hooksCmd)
	hooksCmd.AddCommand(hooksInstallCmd, hooksShowCmd)
	hooksCmd.PersistentFlags().BoolVar(&hooksGlobal, "global", false, "Use ~/.claude/settings.json instead of the project settings")
	hooksInstallCmd.Flags().BoolVar(&hooksForce, "force", false, "Reinstall even if warden hooks are present")
	hooksInstallCmd.Flags().StringVar(&hooksCommand, "command", "", "Command used to invoke warden (default: warden)")
}

func settingsPath(cmd *cobra.Command) (string, error) {
	if hooksGlobal {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		return filepath.Join(home, ".claude", "settings.json"), nil
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return "", err
	}
	defer a.close()
	return filepath.Join(a.repoRoot, ".claude", "settings.json"), nil
}

// loadManifest returns the embedded manifest with the warden invocation
// replaced by command when it is set.
func loadManifest(command string) (*HooksManifest, error) {
	var m HooksManifest
	if err := json.Unmarshal(embedded.HooksJSON, &m); err != nil {
		return nil, fmt.Errorf("parse embedded hooks manifest: %w", err)
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return &m, nil
	}
	for _, groups := range m.Hooks {
		for i := range groups {
			for j := range groups[i].Hooks {
				h := &groups[i].Hooks[j]
				h.Command = command + strings.TrimPrefix(h.Command, "warden")
			}
		}
	}
	return &m, nil
}

func loadHooksSettings(path string) (map[string]any, error) {
	rawSettings := make(map[string]any)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(bytes.TrimSpace(data)) == 0 {
			return rawSettings, nil
		}
		if err := json.Unmarshal(data, &rawSettings); err != nil {
			return nil, fmt.Errorf("parse existing settings: %w", err)
		}
		return rawSettings, nil
	}
	if os.IsNotExist(err) {
		return rawSettings, nil
	}
	return nil, fmt.Errorf("read settings: %w", err)
}

func cloneHooksMap(rawSettings map[string]any) map[string]any {
	hooksMap := make(map[string]any)
	if existing, ok := rawSettings["hooks"].(map[string]any); ok {
		for k, v := range existing {
			hooksMap[k] = v
		}
	}
	return hooksMap
}

// mergeHookEvents replaces warden groups for each event with the manifest's
// and returns the number of events written.
func mergeHookEvents(hooksMap map[string]any, m *HooksManifest) int {
	installed := 0
	for _, event := range hookEvents {
		groups := filterForeignHookGroups(hooksMap, event)
		newGroups := m.Hooks[event]
		for _, g := range newGroups {
			groups = append(groups, hookGroupToMap(g))
		}
		if len(newGroups) > 0 {
			hooksMap[event] = groups
			installed++
		}
	}
	return installed
}

func backupHooksSettings(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings for backup: %w", err)
	}
	backupPath := fmt.Sprintf("%s.backup.%s", path, time.Now().Format("20060102-150405"))
	if err := atomic.WriteFile(backupPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	fmt.Fprintf(w, "Backed up existing settings to %s\n", backupPath)
	return nil
}

func writeHooksSettings(path string, rawSettings map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	data, err := json.MarshalIndent(rawSettings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func runHooksInstall(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path, err := settingsPath(cmd)
	if err != nil {
		return err
	}
	rawSettings, err := loadHooksSettings(path)
	if err != nil {
		return err
	}
	manifest, err := loadManifest(hooksCommand)
	if err != nil {
		return err
	}

	existing, _ := rawSettings["hooks"].(map[string]any)
	if !hooksForce && existing != nil && hookGroupContainsWarden(existing, "PreToolUse") && hookGroupContainsWarden(existing, "PostToolUse") {
		fmt.Fprintln(out, "warden hooks already installed. Use --force to reinstall.")
		return nil
	}

	hooksMap := cloneHooksMap(rawSettings)
	installed := mergeHookEvents(hooksMap, manifest)
	rawSettings["hooks"] = hooksMap

	if GetDryRun() {
		fmt.Fprintln(out, "[dry-run] Would write to", path)
		data, err := json.MarshalIndent(rawSettings, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal hooks settings: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if err := backupHooksSettings(out, path); err != nil {
		return err
	}
	if err := writeHooksSettings(path, rawSettings); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Installed warden hooks to %s (%d events)\n", path, installed)
	for _, event := range hookEvents {
		for _, g := range manifest.Hooks[event] {
			for _, h := range g.Hooks {
				fmt.Fprintf(out, "  %s: %s\n", event, h.Command)
			}
		}
	}
	return nil
}

func runHooksShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path, err := settingsPath(cmd)
	if err != nil {
		return err
	}
	rawSettings, err := loadHooksSettings(path)
	if err != nil {
		return err
	}
	hooksMap, _ := rawSettings["hooks"].(map[string]any)

	fmt.Fprintf(out, "Settings: %s\n\n", path)
	installed := 0
	for _, event := range hookEvents {
		groups, _ := hooksMap[event].([]any)
		mark := "✗"
		if hookGroupContainsWarden(hooksMap, event) {
			mark = "✓"
			installed++
		}
		fmt.Fprintf(out, "  %s %-12s %d group(s)\n", mark, event, len(groups))
	}
	fmt.Fprintln(out)
	if installed == len(hookEvents) {
		fmt.Fprintln(out, "✓ warden hooks are installed")
	} else {
		fmt.Fprintln(out, "⚠ warden hooks incomplete. Run 'warden hooks install' to set up.")
	}
	return nil
}

// rawGroupIsWarden reports whether a raw hook group runs warden.
func rawGroupIsWarden(group map[string]any) bool {
	hooks, ok := group["hooks"].([]any)
	if !ok {
		return false
	}
	for _, h := range hooks {
		hook, ok := h.(map[string]any)
		if !ok {
			continue
		}
		if cmd, ok := hook["command"].(string); ok && isWardenHookCommand(cmd) {
			return true
		}
	}
	return false
}

// hookGroupContainsWarden checks if any hook group of event runs warden.
func hookGroupContainsWarden(hooksMap map[string]any, event string) bool {
	groups, ok := hooksMap[event].([]any)
	if !ok {
		return false
	}
	for _, g := range groups {
		if group, ok := g.(map[string]any); ok && rawGroupIsWarden(group) {
			return true
		}
	}
	return false
}

// filterForeignHookGroups returns the groups of event that don't run warden.
func filterForeignHookGroups(hooksMap map[string]any, event string) []any {
	result := make([]any, 0)
	groups, ok := hooksMap[event].([]any)
	if !ok {
		return result
	}
	for _, g := range groups {
		group, ok := g.(map[string]any)
		if !ok || !rawGroupIsWarden(group) {
			result = append(result, g)
		}
	}
	return result
}

func isWardenHookCommand(cmd string) bool {
	if !strings.Contains(cmd, "warden") {
		return false
	}
	return strings.Contains(cmd, "hook pre") || strings.Contains(cmd, "hook post")
}

// hookGroupToMap converts a HookGroup to a map for JSON serialization.
func hookGroupToMap(g HookGroup) map[string]any {
	hooks := make([]any, len(g.Hooks))
	for i, h := range g.Hooks {
		entry := map[string]any{
			"type":    h.Type,
			"command": h.Command,
		}
		if h.Timeout > 0 {
			entry["timeout"] = h.Timeout
		}
		hooks[i] = entry
	}
	result := map[string]any{
		"hooks": hooks,
	}
	if g.Matcher != "" {
		result["matcher"] = g.Matcher
	}
	return result
}
