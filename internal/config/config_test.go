package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolateConfigEnv points HOME and the project config at an empty temp dir
// and clears WARDEN_* variables for the duration of the test.
func isolateConfigEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("WARDEN_CONFIG", filepath.Join(dir, "missing.yaml"))
	for _, key := range []string{
		"WARDEN_OUTPUT", "WARDEN_BASE_DIR", "WARDEN_VERBOSE", "WARDEN_WORKSPACE_ROOT",
		"WARDEN_MAX_WORKSPACES", "WARDEN_IDLE_THRESHOLD", "WARDEN_MIN_FREE_DISK_MB",
		"WARDEN_ALLOW_DIRTY_REMOVAL", "WARDEN_SECURITY_BUDGET", "WARDEN_RULES_FILE",
		"WARDEN_LOCK_STALE_AFTER", "WARDEN_GIT_TIMEOUT", "WARDEN_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Output != "table" {
		t.Errorf("Default Output = %q, want %q", cfg.Output, "table")
	}
	if cfg.BaseDir != ".warden" {
		t.Errorf("Default BaseDir = %q, want %q", cfg.BaseDir, ".warden")
	}
	if cfg.Workspace.MaxConcurrent != 10 {
		t.Errorf("Default MaxConcurrent = %d, want 10", cfg.Workspace.MaxConcurrent)
	}
	if cfg.Security.Budget != 4*time.Millisecond {
		t.Errorf("Default Budget = %s, want 4ms", cfg.Security.Budget)
	}
	if cfg.Security.SlowRuleThreshold != time.Millisecond {
		t.Errorf("Default SlowRuleThreshold = %s, want 1ms", cfg.Security.SlowRuleThreshold)
	}
	if cfg.Security.MaxTraversalDepth != 10 {
		t.Errorf("Default MaxTraversalDepth = %d, want 10", cfg.Security.MaxTraversalDepth)
	}
	if cfg.Coordination.LockStaleAfter != 5*time.Minute {
		t.Errorf("Default LockStaleAfter = %s, want 5m", cfg.Coordination.LockStaleAfter)
	}
	if cfg.Git.Timeout != 30*time.Second {
		t.Errorf("Default Git.Timeout = %s, want 30s", cfg.Git.Timeout)
	}
	if cfg.Workspace.AllowDirtyRemoval {
		t.Error("Default AllowDirtyRemoval = true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestMerge(t *testing.T) {
	dst := Default()
	src := &Config{
		Output:  "json",
		BaseDir: "/custom/path",
		Security: SecurityConfig{
			ProtectedExceptions: []string{"fixtures/*.pem"},
		},
	}

	result := merge(dst, src)

	if result.Output != "json" {
		t.Errorf("merge Output = %q, want %q", result.Output, "json")
	}
	if result.BaseDir != "/custom/path" {
		t.Errorf("merge BaseDir = %q, want %q", result.BaseDir, "/custom/path")
	}
	if len(result.Security.ProtectedExceptions) != 1 {
		t.Errorf("merge ProtectedExceptions = %v", result.Security.ProtectedExceptions)
	}
	// Defaults should be preserved when not overridden
	if result.Workspace.MaxConcurrent != 10 {
		t.Errorf("merge preserved MaxConcurrent = %d, want 10", result.Workspace.MaxConcurrent)
	}
}

func TestMerge_BooleanOnlyEnables(t *testing.T) {
	dst := Default()
	dst.Workspace.AllowDirtyRemoval = true
	result := merge(dst, &Config{Output: "json"})
	if !result.Workspace.AllowDirtyRemoval {
		t.Error("a layer that leaves a boolean unset must not reset it")
	}
}

func TestLoad_ProjectFile(t *testing.T) {
	dir := isolateConfigEnv(t)
	path := filepath.Join(dir, "project.yaml")
	content := `workspace:
  max_concurrent: 4
  idle_threshold: 10m
security:
  budget: 8ms
  disabled_rules: [protected-file]
git:
  timeout: 5s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WARDEN_CONFIG", path)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.Workspace.MaxConcurrent)
	}
	if cfg.Workspace.IdleThreshold != 10*time.Minute {
		t.Errorf("IdleThreshold = %s, want 10m", cfg.Workspace.IdleThreshold)
	}
	if cfg.Security.Budget != 8*time.Millisecond {
		t.Errorf("Budget = %s, want 8ms", cfg.Security.Budget)
	}
	if cfg.Git.Timeout != 5*time.Second {
		t.Errorf("Git.Timeout = %s, want 5s", cfg.Git.Timeout)
	}
	if len(cfg.Security.DisabledRules) != 1 || cfg.Security.DisabledRules[0] != "protected-file" {
		t.Errorf("DisabledRules = %v", cfg.Security.DisabledRules)
	}
}

func TestLoad_MalformedProjectFile(t *testing.T) {
	dir := isolateConfigEnv(t)
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("workspace: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WARDEN_CONFIG", path)

	if _, err := Load(nil); err == nil {
		t.Fatal("expected parse error for malformed config")
	}
}

func TestLoad_EnvOverridesProject(t *testing.T) {
	dir := isolateConfigEnv(t)
	path := filepath.Join(dir, "project.yaml")
	if err := os.WriteFile(path, []byte("output: yaml\nworkspace:\n  max_concurrent: 4\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WARDEN_CONFIG", path)
	t.Setenv("WARDEN_OUTPUT", "json")
	t.Setenv("WARDEN_MAX_WORKSPACES", "7")
	t.Setenv("WARDEN_SECURITY_BUDGET", "not-a-duration")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Output != "json" {
		t.Errorf("Output = %q, want json", cfg.Output)
	}
	if cfg.Workspace.MaxConcurrent != 7 {
		t.Errorf("MaxConcurrent = %d, want 7", cfg.Workspace.MaxConcurrent)
	}
	if cfg.Security.Budget != 4*time.Millisecond {
		t.Errorf("invalid env duration should be ignored, Budget = %s", cfg.Security.Budget)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("WARDEN_OUTPUT", "json")

	cfg, err := Load(&Config{Output: "yaml"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Output != "yaml" {
		t.Errorf("Output = %q, want yaml", cfg.Output)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Workspace.MaxConcurrent = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for max_concurrent = 0")
	}

	cfg = Default()
	cfg.Git.RetryAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for retry_attempts = 0")
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := Default()
	repo := "/repo"

	if got := cfg.DataDir(repo); got != filepath.Join("/repo", ".warden") {
		t.Errorf("DataDir = %q", got)
	}
	if got := cfg.WorkspaceRoot(repo); got != filepath.Join("/repo", ".warden", "workspaces") {
		t.Errorf("WorkspaceRoot default = %q", got)
	}
	cfg.Workspace.Root = "/scratch/ws"
	if got := cfg.WorkspaceRoot(repo); got != "/scratch/ws" {
		t.Errorf("WorkspaceRoot absolute = %q", got)
	}
	if got := cfg.LogFile(repo); got != filepath.Join("/repo", ".warden", "logs", "warden.log") {
		t.Errorf("LogFile = %q", got)
	}
}

func TestResolve_Sources(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("WARDEN_LOG_LEVEL", "debug")

	rc := Resolve("json", "", false)

	if rc.Output.Source != SourceFlag || rc.Output.Value != "json" {
		t.Errorf("Output = %+v, want flag/json", rc.Output)
	}
	if rc.BaseDir.Source != SourceDefault {
		t.Errorf("BaseDir source = %s, want default", rc.BaseDir.Source)
	}
	if rc.LogLevel.Source != SourceEnv || rc.LogLevel.Value != "debug" {
		t.Errorf("LogLevel = %+v, want env/debug", rc.LogLevel)
	}
	if rc.Verbose.Value != false {
		t.Errorf("Verbose = %+v, want false", rc.Verbose)
	}
}
