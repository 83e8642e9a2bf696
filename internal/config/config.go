// Package config provides configuration management for warden.
// Configuration is loaded from (highest to lowest priority):
// 1. Command-line flags
// 2. Environment variables (WARDEN_*)
// 3. Project config (.warden/config.yaml in cwd)
// 4. Home config (~/.warden/config.yaml)
// 5. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all warden configuration.
type Config struct {
	// Output controls the default output format (table, json, yaml).
	Output string `yaml:"output" json:"output"`

	// BaseDir is the warden data directory, relative to the repository root
	// unless absolute (default: .warden).
	BaseDir string `yaml:"base_dir" json:"base_dir"`

	// Verbose enables verbose output.
	Verbose bool `yaml:"verbose" json:"verbose"`

	Workspace    WorkspaceConfig    `yaml:"workspace" json:"workspace"`
	Security     SecurityConfig     `yaml:"security" json:"security"`
	Coordination CoordinationConfig `yaml:"coordination" json:"coordination"`
	Git          GitConfig          `yaml:"git" json:"git"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

// WorkspaceConfig holds isolated-workspace lifecycle settings.
type WorkspaceConfig struct {
	// Root is the isolated-workspace root. Empty means <base_dir>/workspaces.
	Root string `yaml:"root" json:"root"`

	// MaxConcurrent caps live workspaces per session. Default: 10.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// IdleThreshold is the inactivity age after which a workspace becomes
	// eligible for cleanup. Default: 30m.
	IdleThreshold time.Duration `yaml:"idle_threshold" json:"idle_threshold"`

	// MinFreeDiskMB triggers disk-pressure cleanup when free space on the
	// workspace volume drops below it. Default: 1024.
	MinFreeDiskMB int `yaml:"min_free_disk_mb" json:"min_free_disk_mb"`

	// AllowDirtyRemoval permits removing workspaces with uncommitted changes
	// when the caller also asks for it explicitly. Default: false.
	AllowDirtyRemoval bool `yaml:"allow_dirty_removal" json:"allow_dirty_removal"`

	// BranchPrefix prefixes every workspace branch. Default: warden.
	BranchPrefix string `yaml:"branch_prefix" json:"branch_prefix"`
}

// SecurityConfig holds rule engine settings.
type SecurityConfig struct {
	// Budget caps total rule evaluation time per call. Default: 4ms.
	Budget time.Duration `yaml:"budget" json:"budget"`

	// SlowRuleThreshold logs rules slower than this. Default: 1ms.
	SlowRuleThreshold time.Duration `yaml:"slow_rule_threshold" json:"slow_rule_threshold"`

	// MaxTraversalDepth is the maximum number of ".." segments a path may
	// contain. Default: 10.
	MaxTraversalDepth int `yaml:"max_traversal_depth" json:"max_traversal_depth"`

	// RulesFile is a YAML file of user-defined rules. Empty means rules.yaml
	// in the data directory.
	RulesFile string `yaml:"rules_file" json:"rules_file"`

	// ProtectedExceptions are glob patterns exempt from protected-file checks.
	ProtectedExceptions []string `yaml:"protected_exceptions" json:"protected_exceptions"`

	// DisabledRules lists rule IDs to skip. Non-disableable rules ignore it.
	DisabledRules []string `yaml:"disabled_rules" json:"disabled_rules"`

	// CacheSize bounds the verdict cache. 0 disables caching. Default: 256.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// CoordinationConfig holds coordination store settings.
type CoordinationConfig struct {
	// LockStaleAfter is the age at which a held lock may be reassigned.
	// Default: 5m.
	LockStaleAfter time.Duration `yaml:"lock_stale_after" json:"lock_stale_after"`

	// FileLockTimeout bounds the wait for the registry file mutex. Default: 2s.
	FileLockTimeout time.Duration `yaml:"file_lock_timeout" json:"file_lock_timeout"`
}

// GitConfig holds version-control executor settings.
type GitConfig struct {
	// Timeout bounds every git invocation. Default: 30s.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// RetryAttempts bounds retries of transient git failures. Default: 3.
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level" json:"level"`

	// File is the hook-mode log file. Empty means <base_dir>/logs/warden.log.
	File string `yaml:"file" json:"file"`
}

// Default config values (used in resolution and validation).
const (
	defaultOutput            = "table"
	defaultBaseDir           = ".warden"
	defaultMaxConcurrent     = 10
	defaultIdleThreshold     = 30 * time.Minute
	defaultMinFreeDiskMB     = 1024
	defaultBranchPrefix      = "warden"
	defaultBudget            = 4 * time.Millisecond
	defaultSlowRuleThreshold = time.Millisecond
	defaultMaxTraversalDepth = 10
	defaultCacheSize         = 256
	defaultLockStaleAfter    = 5 * time.Minute
	defaultFileLockTimeout   = 2 * time.Second
	defaultGitTimeout        = 30 * time.Second
	defaultGitRetryAttempts  = 3
	defaultLogLevel          = "info"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Output:  defaultOutput,
		BaseDir: defaultBaseDir,
		Workspace: WorkspaceConfig{
			MaxConcurrent: defaultMaxConcurrent,
			IdleThreshold: defaultIdleThreshold,
			MinFreeDiskMB: defaultMinFreeDiskMB,
			BranchPrefix:  defaultBranchPrefix,
		},
		Security: SecurityConfig{
			Budget:            defaultBudget,
			SlowRuleThreshold: defaultSlowRuleThreshold,
			MaxTraversalDepth: defaultMaxTraversalDepth,
			CacheSize:         defaultCacheSize,
		},
		Coordination: CoordinationConfig{
			LockStaleAfter:  defaultLockStaleAfter,
			FileLockTimeout: defaultFileLockTimeout,
		},
		Git: GitConfig{
			Timeout:       defaultGitTimeout,
			RetryAttempts: defaultGitRetryAttempts,
		},
		Log: LogConfig{
			Level: defaultLogLevel,
		},
	}
}

// Load loads configuration with proper precedence.
// Priority: flags > env > project > home > defaults
func Load(flagOverrides *Config) (*Config, error) {
	cfg := Default()

	homeConfig, err := loadFromPath(homeConfigPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("home config: %w", err)
	}
	if homeConfig != nil {
		cfg = merge(cfg, homeConfig)
	}

	projectConfig, err := loadFromPath(projectConfigPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("project config: %w", err)
	}
	if projectConfig != nil {
		cfg = merge(cfg, projectConfig)
	}

	cfg = applyEnv(cfg)

	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}

	return cfg, cfg.Validate()
}

// Validate rejects values that would disable a safety bound.
func (c *Config) Validate() error {
	switch {
	case c.Workspace.MaxConcurrent < 1:
		return fmt.Errorf("workspace.max_concurrent must be >= 1 (got %d)", c.Workspace.MaxConcurrent)
	case c.Workspace.IdleThreshold <= 0:
		return fmt.Errorf("workspace.idle_threshold must be > 0")
	case c.Security.Budget <= 0:
		return fmt.Errorf("security.budget must be > 0")
	case c.Security.MaxTraversalDepth < 0:
		return fmt.Errorf("security.max_traversal_depth must be >= 0")
	case c.Coordination.LockStaleAfter <= 0:
		return fmt.Errorf("coordination.lock_stale_after must be > 0")
	case c.Git.Timeout <= 0:
		return fmt.Errorf("git.timeout must be > 0")
	case c.Git.RetryAttempts < 1:
		return fmt.Errorf("git.retry_attempts must be >= 1")
	}
	return nil
}

// DataDir returns the absolute data directory for a repository.
func (c *Config) DataDir(repoRoot string) string {
	if filepath.IsAbs(c.BaseDir) {
		return c.BaseDir
	}
	return filepath.Join(repoRoot, c.BaseDir)
}

// WorkspaceRoot returns the absolute isolated-workspace root for a repository.
func (c *Config) WorkspaceRoot(repoRoot string) string {
	root := c.Workspace.Root
	if root == "" {
		return filepath.Join(c.DataDir(repoRoot), "workspaces")
	}
	if filepath.IsAbs(root) {
		return root
	}
	return filepath.Join(repoRoot, root)
}

// LogFile returns the hook-mode log file for a repository.
func (c *Config) LogFile(repoRoot string) string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.DataDir(repoRoot), "logs", "warden.log")
}

// homeConfigPath returns the home config path.
func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".warden", "config.yaml")
}

// projectConfigPath returns the project config path.
func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("WARDEN_CONFIG")); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".warden", "config.yaml")
}

// Files returns the home and project config paths consulted by Load.
func Files() (home, project string) {
	return homeConfigPath(), projectConfigPath()
}

// loadFromPath loads config from a YAML file. A missing file yields
// os.ErrNotExist so callers can ignore it while surfacing parse errors.
func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) *Config {
	if v := os.Getenv("WARDEN_OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv("WARDEN_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if isTruthy(os.Getenv("WARDEN_VERBOSE")) {
		cfg.Verbose = true
	}
	if v := os.Getenv("WARDEN_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	envInt("WARDEN_MAX_WORKSPACES", &cfg.Workspace.MaxConcurrent)
	envDuration("WARDEN_IDLE_THRESHOLD", &cfg.Workspace.IdleThreshold)
	envInt("WARDEN_MIN_FREE_DISK_MB", &cfg.Workspace.MinFreeDiskMB)
	if isTruthy(os.Getenv("WARDEN_ALLOW_DIRTY_REMOVAL")) {
		cfg.Workspace.AllowDirtyRemoval = true
	}
	envDuration("WARDEN_SECURITY_BUDGET", &cfg.Security.Budget)
	if v := os.Getenv("WARDEN_RULES_FILE"); v != "" {
		cfg.Security.RulesFile = v
	}
	envDuration("WARDEN_LOCK_STALE_AFTER", &cfg.Coordination.LockStaleAfter)
	envDuration("WARDEN_GIT_TIMEOUT", &cfg.Git.Timeout)
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return cfg
}

func isTruthy(v string) bool {
	return v == "true" || v == "1"
}

// envInt sets *dst from key when the value parses as an integer.
func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envDuration sets *dst from key when the value parses as a duration.
func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// mergeStr overwrites dst with src when src is non-empty.
func mergeStr(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// mergeInt overwrites dst with src when src is non-zero.
func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

// mergeDuration overwrites dst with src when src is non-zero.
func mergeDuration(dst *time.Duration, src time.Duration) {
	if src != 0 {
		*dst = src
	}
}

// mergeList overwrites dst with src when src is non-empty.
func mergeList(dst *[]string, src []string) {
	if len(src) > 0 {
		*dst = append([]string(nil), src...)
	}
}

// merge merges src into dst, with src values taking precedence.
// Booleans can only be switched on by a higher layer.
func merge(dst, src *Config) *Config {
	mergeStr(&dst.Output, src.Output)
	mergeStr(&dst.BaseDir, src.BaseDir)
	if src.Verbose {
		dst.Verbose = true
	}

	mergeWorkspace(&dst.Workspace, &src.Workspace)
	mergeSecurity(&dst.Security, &src.Security)
	mergeDuration(&dst.Coordination.LockStaleAfter, src.Coordination.LockStaleAfter)
	mergeDuration(&dst.Coordination.FileLockTimeout, src.Coordination.FileLockTimeout)
	mergeDuration(&dst.Git.Timeout, src.Git.Timeout)
	mergeInt(&dst.Git.RetryAttempts, src.Git.RetryAttempts)
	mergeStr(&dst.Log.Level, src.Log.Level)
	mergeStr(&dst.Log.File, src.Log.File)

	return dst
}

func mergeWorkspace(dst, src *WorkspaceConfig) {
	mergeStr(&dst.Root, src.Root)
	mergeInt(&dst.MaxConcurrent, src.MaxConcurrent)
	mergeDuration(&dst.IdleThreshold, src.IdleThreshold)
	mergeInt(&dst.MinFreeDiskMB, src.MinFreeDiskMB)
	if src.AllowDirtyRemoval {
		dst.AllowDirtyRemoval = true
	}
	mergeStr(&dst.BranchPrefix, src.BranchPrefix)
}

func mergeSecurity(dst, src *SecurityConfig) {
	mergeDuration(&dst.Budget, src.Budget)
	mergeDuration(&dst.SlowRuleThreshold, src.SlowRuleThreshold)
	mergeInt(&dst.MaxTraversalDepth, src.MaxTraversalDepth)
	mergeStr(&dst.RulesFile, src.RulesFile)
	mergeList(&dst.ProtectedExceptions, src.ProtectedExceptions)
	mergeList(&dst.DisabledRules, src.DisabledRules)
	mergeInt(&dst.CacheSize, src.CacheSize)
}

// Source represents where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceHome    Source = "~/.warden/config.yaml"
	SourceProject Source = ".warden/config.yaml"
	SourceEnv     Source = "environment"
	SourceFlag    Source = "flag"
)

type resolved struct {
	Value  interface{} `json:"value" yaml:"value"`
	Source Source      `json:"source" yaml:"source"`
}

// ResolvedConfig shows config values with their sources.
type ResolvedConfig struct {
	Output         resolved `json:"output" yaml:"output"`
	BaseDir        resolved `json:"base_dir" yaml:"base_dir"`
	Verbose        resolved `json:"verbose" yaml:"verbose"`
	WorkspaceRoot  resolved `json:"workspace_root" yaml:"workspace_root"`
	MaxWorkspaces  resolved `json:"max_workspaces" yaml:"max_workspaces"`
	IdleThreshold  resolved `json:"idle_threshold" yaml:"idle_threshold"`
	SecurityBudget resolved `json:"security_budget" yaml:"security_budget"`
	RulesFile      resolved `json:"rules_file" yaml:"rules_file"`
	LockStaleAfter resolved `json:"lock_stale_after" yaml:"lock_stale_after"`
	GitTimeout     resolved `json:"git_timeout" yaml:"git_timeout"`
	LogLevel       resolved `json:"log_level" yaml:"log_level"`
}

// resolveStringField resolves a string through the precedence chain.
func resolveStringField(home, project, env, flag, def string) resolved {
	result := resolved{Value: def, Source: SourceDefault}
	if home != "" {
		result = resolved{Value: home, Source: SourceHome}
	}
	if project != "" {
		result = resolved{Value: project, Source: SourceProject}
	}
	if env != "" {
		result = resolved{Value: env, Source: SourceEnv}
	}
	if flag != "" {
		result = resolved{Value: flag, Source: SourceFlag}
	}
	return result
}

// layer is the set of string-rendered values a single config layer sets.
type layer struct {
	output, baseDir, workspaceRoot, maxWorkspaces, idleThreshold string
	budget, rulesFile, lockStale, gitTimeout, logLevel          string
	verbose                                                      bool
}

func layerOf(cfg *Config) layer {
	if cfg == nil {
		return layer{}
	}
	return layer{
		output:        cfg.Output,
		baseDir:       cfg.BaseDir,
		workspaceRoot: cfg.Workspace.Root,
		maxWorkspaces: intString(cfg.Workspace.MaxConcurrent),
		idleThreshold: durationString(cfg.Workspace.IdleThreshold),
		budget:        durationString(cfg.Security.Budget),
		rulesFile:     cfg.Security.RulesFile,
		lockStale:     durationString(cfg.Coordination.LockStaleAfter),
		gitTimeout:    durationString(cfg.Git.Timeout),
		logLevel:      cfg.Log.Level,
		verbose:       cfg.Verbose,
	}
}

func envLayer() layer {
	return layer{
		output:        os.Getenv("WARDEN_OUTPUT"),
		baseDir:       os.Getenv("WARDEN_BASE_DIR"),
		workspaceRoot: os.Getenv("WARDEN_WORKSPACE_ROOT"),
		maxWorkspaces: os.Getenv("WARDEN_MAX_WORKSPACES"),
		idleThreshold: os.Getenv("WARDEN_IDLE_THRESHOLD"),
		budget:        os.Getenv("WARDEN_SECURITY_BUDGET"),
		rulesFile:     os.Getenv("WARDEN_RULES_FILE"),
		lockStale:     os.Getenv("WARDEN_LOCK_STALE_AFTER"),
		gitTimeout:    os.Getenv("WARDEN_GIT_TIMEOUT"),
		logLevel:      os.Getenv("WARDEN_LOG_LEVEL"),
		verbose:       isTruthy(os.Getenv("WARDEN_VERBOSE")),
	}
}

func intString(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func durationString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// Resolve returns configuration with source tracking.
// Uses precedence chain: flags > env > project > home > defaults.
func Resolve(flagOutput, flagBaseDir string, flagVerbose bool) *ResolvedConfig {
	homeConfig, _ := loadFromPath(homeConfigPath())       //nolint:errcheck // absent layers resolve to defaults
	projectConfig, _ := loadFromPath(projectConfigPath()) //nolint:errcheck // absent layers resolve to defaults

	home, project, env := layerOf(homeConfig), layerOf(projectConfig), envLayer()

	rc := &ResolvedConfig{
		Output:         resolveStringField(home.output, project.output, env.output, flagOutput, defaultOutput),
		BaseDir:        resolveStringField(home.baseDir, project.baseDir, env.baseDir, flagBaseDir, defaultBaseDir),
		Verbose:        resolved{Value: false, Source: SourceDefault},
		WorkspaceRoot:  resolveStringField(home.workspaceRoot, project.workspaceRoot, env.workspaceRoot, "", "<base_dir>/workspaces"),
		MaxWorkspaces:  resolveStringField(home.maxWorkspaces, project.maxWorkspaces, env.maxWorkspaces, "", strconv.Itoa(defaultMaxConcurrent)),
		IdleThreshold:  resolveStringField(home.idleThreshold, project.idleThreshold, env.idleThreshold, "", defaultIdleThreshold.String()),
		SecurityBudget: resolveStringField(home.budget, project.budget, env.budget, "", defaultBudget.String()),
		RulesFile:      resolveStringField(home.rulesFile, project.rulesFile, env.rulesFile, "", "<base_dir>/rules.yaml"),
		LockStaleAfter: resolveStringField(home.lockStale, project.lockStale, env.lockStale, "", defaultLockStaleAfter.String()),
		GitTimeout:     resolveStringField(home.gitTimeout, project.gitTimeout, env.gitTimeout, "", defaultGitTimeout.String()),
		LogLevel:       resolveStringField(home.logLevel, project.logLevel, env.logLevel, "", defaultLogLevel),
	}

	// Verbose has OR semantics through the chain.
	if home.verbose {
		rc.Verbose = resolved{Value: true, Source: SourceHome}
	}
	if project.verbose {
		rc.Verbose = resolved{Value: true, Source: SourceProject}
	}
	if env.verbose {
		rc.Verbose = resolved{Value: true, Source: SourceEnv}
	}
	if flagVerbose {
		rc.Verbose = resolved{Value: true, Source: SourceFlag}
	}

	return rc
}
