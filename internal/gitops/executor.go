// Package gitops runs git commands for workspace management: every call is
// timeout-bounded, killed on deadline, checked against a deny-list of
// destructive shapes, and retried only for transient repository contention.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Defaults for an Executor.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultAttempts = 3
)

// Sentinel errors for the gitops package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrDeniedCommand is returned for commands on the destructive deny-list.
	ErrDeniedCommand = errors.New("git command denied")

	// ErrTimeout is returned when a git command exceeds its deadline.
	ErrTimeout = errors.New("git command timed out")

	// ErrNotGitRepo is returned when a directory is not inside a repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrResolveHEAD is returned when HEAD cannot be resolved (e.g. no commits).
	ErrResolveHEAD = errors.New("unable to resolve HEAD commit")
)

// CommandError carries a failed git invocation and its combined output.
type CommandError struct {
	Args      []string
	Output    string
	Err       error
	Transient bool
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v (output: %s)", strings.Join(e.Args, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

// transientMarkers identify failures caused by concurrent git processes or
// filesystem contention rather than by the command itself.
var transientMarkers = []string{
	"index.lock",
	"cannot lock ref",
	"unable to create",
	"another git process",
	"resource temporarily unavailable",
	"could not lock config file",
}

func isTransientOutput(out string) bool {
	lower := strings.ToLower(out)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Executor runs git in a repository.
type Executor struct {
	repoRoot string
	timeout  time.Duration
	attempts int
	logger   *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout sets the per-command deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithAttempts bounds attempts for transient failures.
func WithAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an executor rooted at repoRoot.
func New(repoRoot string, opts ...Option) *Executor {
	e := &Executor{
		repoRoot: repoRoot,
		timeout:  DefaultTimeout,
		attempts: DefaultAttempts,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RepoRoot returns the repository the executor operates on.
func (e *Executor) RepoRoot() string { return e.repoRoot }

// Run executes git with args in the repository root.
func (e *Executor) Run(ctx context.Context, args ...string) (string, error) {
	return e.RunIn(ctx, e.repoRoot, args...)
}

// RunIn executes git with args in dir. Denied shapes are rejected before
// any process starts. Transient failures are retried with exponential
// backoff; timeouts and other failures are not.
func (e *Executor) RunIn(ctx context.Context, dir string, args ...string) (string, error) {
	if denied := Deny(args); denied != nil {
		e.logger.Warn("refused destructive git command",
			zap.Strings("args", args),
			zap.String("shape", denied.Shape),
		)
		return "", denied
	}

	var out string
	attempt := 0
	op := func() error {
		attempt++
		var err error
		out, err = e.runOnce(ctx, dir, args)
		if err == nil {
			return nil
		}
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.Transient && attempt < e.attempts {
			e.logger.Debug("transient git failure, retrying",
				zap.Strings("args", args),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.attempts-1)), ctx))
	return out, err
}

func (e *Executor) runOnce(ctx context.Context, dir string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.WaitDelay = time.Second

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	output := buf.String()
	e.logger.Debug("git",
		zap.Strings("args", args),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	if err == nil {
		return strings.TrimSpace(output), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: git %s timed out after %s", ErrTimeout, firstArg(args), e.timeout)
	}
	return "", &CommandError{Args: args, Output: output, Err: err, Transient: isTransientOutput(output)}
}

func firstArg(args []string) string {
	sub, _ := splitSubcommand(args)
	return sub
}

// FindRepoRoot returns the top-level directory of the repository containing
// dir. From inside a linked worktree it returns the main checkout that owns
// the shared git directory.
func FindRepoRoot(ctx context.Context, dir string, timeout time.Duration) (string, error) {
	out, err := New(dir, WithTimeout(timeout), WithAttempts(1)).RunIn(ctx, dir, "rev-parse", "--show-toplevel", "--git-common-dir")
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return "", err
		}
		return "", ErrNotGitRepo
	}
	lines := strings.Split(out, "\n")
	top := filepath.Clean(strings.TrimSpace(lines[0]))
	if len(lines) < 2 {
		return top, nil
	}
	common := strings.TrimSpace(lines[1])
	if !filepath.IsAbs(common) {
		common = filepath.Join(dir, common)
	}
	// Submodules and custom GIT_DIR layouts keep the plain top level.
	if filepath.Base(common) != ".git" {
		return top, nil
	}
	root := filepath.Dir(filepath.Clean(common))
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return root, nil
}

// HeadCommit returns the SHA of HEAD.
func (e *Executor) HeadCommit(ctx context.Context) (string, error) {
	out, err := e.Run(ctx, "rev-parse", "--verify", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolveHEAD, err)
	}
	if out == "" {
		return "", ErrResolveHEAD
	}
	return out, nil
}

// BranchExists reports whether refs/heads/name exists.
func (e *Executor) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := e.Run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		var exitErr *exec.ExitError
		if errors.As(cmdErr.Err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
	}
	return false, err
}

// CreateBranch creates name at base without checking it out. Git refuses to
// overwrite an existing branch.
func (e *Executor) CreateBranch(ctx context.Context, name, base string) error {
	_, err := e.Run(ctx, "branch", name, base)
	return err
}

// DeleteBranchAt deletes refs/heads/name only if it still points at sha.
// Used to roll back a branch this process just created.
func (e *Executor) DeleteBranchAt(ctx context.Context, name, sha string) error {
	_, err := e.Run(ctx, "update-ref", "-d", "refs/heads/"+name, sha)
	return err
}

// DeleteMergedBranch deletes name with 'git branch -d', which fails if the
// branch has commits not merged into HEAD.
func (e *Executor) DeleteMergedBranch(ctx context.Context, name string) error {
	_, err := e.Run(ctx, "branch", "-d", name)
	return err
}

// AddWorktree checks branch out into a new worktree at path.
func (e *Executor) AddWorktree(ctx context.Context, path, branch string) error {
	_, err := e.Run(ctx, "worktree", "add", path, branch)
	return err
}

// RemoveWorktree removes a clean worktree. Git itself refuses when the
// worktree has modified or untracked files.
func (e *Executor) RemoveWorktree(ctx context.Context, path string) error {
	_, err := e.Run(ctx, "worktree", "remove", path)
	return err
}

// PruneWorktrees drops administrative entries for vanished worktrees.
func (e *Executor) PruneWorktrees(ctx context.Context) error {
	_, err := e.Run(ctx, "worktree", "prune")
	return err
}

// IsDirty reports whether dir has staged, unstaged or untracked changes.
func (e *Executor) IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := e.RunIn(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Worktrees lists the paths of all worktrees registered in the repository.
func (e *Executor) Worktrees(ctx context.Context) ([]string, error) {
	out, err := e.Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, filepath.Clean(strings.TrimSpace(p)))
		}
	}
	return paths, nil
}
