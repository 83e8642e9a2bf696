package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/boshu2/warden/internal/config"
	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/gitops"
	"github.com/boshu2/warden/internal/logging"
	"github.com/boshu2/warden/internal/pathguard"
	"github.com/boshu2/warden/internal/rules"
	"github.com/boshu2/warden/internal/storage"
	"github.com/boshu2/warden/internal/worktree"
)

// app is the wiring shared by every command for one repository and session.
type app struct {
	cfg      *config.Config
	repoRoot string
	// inRepo is false when dir is not inside a git repository; workspaces
	// are then unavailable.
	inRepo  bool
	logger  *zap.Logger
	storage *storage.FileStorage
	store   *coord.Store
	git     *gitops.Executor
	mgr     *worktree.Manager
	guard   *pathguard.Validator
}

type appOptions struct {
	dir     string
	session string
	// hookMode logs to the data-dir log file instead of stderr.
	hookMode bool
}

// loadApp resolves configuration, the repository root and the session
// store for opts.dir.
func loadApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(&config.Config{Output: GetOutput(), BaseDir: baseDir, Verbose: GetVerbose()})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dir := opts.dir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
	}
	a := &app{cfg: cfg, repoRoot: dir}
	root, err := gitops.FindRepoRoot(ctx, dir, cfg.Git.Timeout)
	switch {
	case err == nil:
		a.repoRoot, a.inRepo = root, true
	case errors.Is(err, gitops.ErrNotGitRepo):
	default:
		return nil, err
	}

	if opts.hookMode {
		logger, lerr := logging.NewHookLogger(cfg.LogFile(a.repoRoot), cfg.Log.Level)
		a.logger = logger
		if lerr != nil {
			fmt.Fprintf(os.Stderr, "warden: %v\n", lerr)
		}
	} else {
		a.logger = logging.NewCLILogger(cfg.Verbose)
	}

	a.storage = storage.NewFileStorage(
		storage.WithBaseDir(cfg.DataDir(a.repoRoot)),
		storage.WithLockTimeout(cfg.Coordination.FileLockTimeout),
	)
	if err := a.storage.Init(); err != nil {
		return nil, err
	}
	a.store, err = coord.Open(a.storage, opts.session, coord.WithStaleAfter(cfg.Coordination.LockStaleAfter))
	if err != nil {
		return nil, err
	}

	a.guard = pathguard.New(cfg.Security.MaxTraversalDepth)
	if a.inRepo {
		a.git = gitops.New(a.repoRoot,
			gitops.WithTimeout(cfg.Git.Timeout),
			gitops.WithAttempts(cfg.Git.RetryAttempts),
			gitops.WithLogger(a.logger),
		)
		a.mgr = worktree.New(a.git, a.store, cfg.Workspace, cfg.WorkspaceRoot(a.repoRoot),
			worktree.WithLogger(a.logger),
			worktree.WithValidator(a.guard),
		)
	}
	a.logger.Debug("loaded configuration",
		zap.String("repo", a.repoRoot),
		zap.Bool("git", a.inRepo),
		zap.String("session", opts.session),
		zap.String("data_dir", a.storage.BaseDir),
	)
	return a, nil
}

// openApp loads the app for the current directory and the --session flag.
func openApp(ctx context.Context) (*app, error) {
	return loadApp(ctx, appOptions{session: GetSession()})
}

// rulesFile is the custom rule file: security.rules_file resolved against
// the repository root, or rules.yaml in the data directory.
func (a *app) rulesFile() string {
	path := a.cfg.Security.RulesFile
	switch {
	case path == "":
		return filepath.Join(a.cfg.DataDir(a.repoRoot), "rules.yaml")
	case filepath.IsAbs(path):
		return path
	default:
		return filepath.Join(a.repoRoot, path)
	}
}

func (a *app) engine() (*rules.Engine, error) {
	sec := a.cfg.Security
	sec.RulesFile = a.rulesFile()
	return rules.FromConfig(sec, a.logger)
}

func (a *app) workspaces() (*worktree.Manager, error) {
	if a.mgr == nil {
		return nil, fmt.Errorf("%s is not inside a git repository: isolated workspaces are unavailable", a.repoRoot)
	}
	return a.mgr, nil
}

func (a *app) close() {
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
}
