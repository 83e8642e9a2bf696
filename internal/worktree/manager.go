// Package worktree manages isolated workspaces: one git worktree on its own
// branch per delegated task, created lazily on the task's first file-touching
// tool call and retired by maintenance once the task is done.
//
// Layout:
//
//	<workspace_root>/<session8>/<tasktype>-<task8>    worktree directory
//	<prefix>/<tasktype>/<session8>-<task8>-<ts>-<hex>  branch
//
// Creation is transactional (branch, worktree, registry record, task
// activation) and rolls back completed steps in reverse order on failure.
// Removal never discards uncommitted work unless configuration and caller
// both allow it, and never force-deletes a branch.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boshu2/warden/internal/config"
	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/gitops"
	"github.com/boshu2/warden/internal/pathguard"
	"github.com/boshu2/warden/internal/storage"
)

// defaultCreateWait bounds the wait for another process creating the same
// task's workspace.
const defaultCreateWait = 30 * time.Second

// Manager is the workspace lifecycle manager for one session.
type Manager struct {
	git    *gitops.Executor
	store  *coord.Store
	cfg    config.WorkspaceConfig
	root   string
	guard  *pathguard.Validator
	logger *zap.Logger
	now    func() time.Time

	diskFree   func(string) (uint64, error)
	newSuffix  func() string
	createWait time.Duration

	// beforeStep, when set, runs before each creation step. Tests use it to
	// inject failures.
	beforeStep func(string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithDiskProbe overrides free-space measurement.
func WithDiskProbe(probe func(path string) (uint64, error)) Option {
	return func(m *Manager) {
		if probe != nil {
			m.diskFree = probe
		}
	}
}

// WithValidator sets the path validator used to confine workspace paths.
func WithValidator(v *pathguard.Validator) Option {
	return func(m *Manager) {
		if v != nil {
			m.guard = v
		}
	}
}

// New returns a manager placing this session's workspaces under
// workspaceRoot/<session8>.
func New(git *gitops.Executor, store *coord.Store, cfg config.WorkspaceConfig, workspaceRoot string, opts ...Option) *Manager {
	m := &Manager{
		git:        git,
		store:      store,
		cfg:        cfg,
		root:       filepath.Join(workspaceRoot, shortID(store.SessionID())),
		guard:      pathguard.New(pathguard.DefaultMaxTraversalDepth),
		logger:     zap.NewNop(),
		now:        time.Now,
		diskFree:   freeBytes,
		newSuffix:  randomSuffix,
		createWait: defaultCreateWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the session workspace root.
func (m *Manager) Root() string { return m.root }

func (m *Manager) taskMutex(taskID string) *storage.FileMutex {
	return storage.NewFileMutex(filepath.Join(m.store.Dir(), "workspace-"+refComponent(taskID)+".lock"))
}

// Get returns the live workspace owned by taskID.
func (m *Manager) Get(taskID string) (coord.WorkspaceRecord, bool, error) {
	rec, ok, err := m.store.Workspace(taskID)
	if err != nil || !ok || rec.Status == coord.WorkspaceRemoved {
		return coord.WorkspaceRecord{}, false, err
	}
	return rec, true, nil
}

// List returns every live workspace of the session.
func (m *Manager) List() ([]coord.WorkspaceRecord, error) {
	all, err := m.store.Workspaces()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Status != coord.WorkspaceRemoved {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Touch records activity on taskID's workspace. A task without a workspace
// is not an error.
func (m *Manager) Touch(taskID string) error {
	if taskID == "" {
		return nil
	}
	now := m.now().UTC()
	return m.store.UpdateWorkspaces(func(ws map[string]*coord.WorkspaceRecord) error {
		rec, ok := ws[taskID]
		if !ok || rec.Status == coord.WorkspaceRemoved {
			return nil
		}
		rec.LastActivityAt = now
		if rec.Status == coord.WorkspaceIdle {
			rec.Status = coord.WorkspaceActive
		}
		return nil
	})
}

// EnsureWorkspace returns taskID's workspace, creating it on first use.
// Repeated calls return the same path and never create a second branch.
func (m *Manager) EnsureWorkspace(ctx context.Context, taskID, taskType string) (coord.WorkspaceRecord, error) {
	if strings.TrimSpace(taskID) == "" {
		return coord.WorkspaceRecord{}, ErrEmptyTaskID
	}
	if rec, ok, err := m.existing(ctx, taskID); err != nil || ok {
		return rec, err
	}

	mu := m.taskMutex(taskID)
	if err := mu.Lock(m.createWait); err != nil {
		return coord.WorkspaceRecord{}, fmt.Errorf("wait for workspace creation: %w", err)
	}
	defer func() {
		if err := mu.Unlock(); err != nil {
			m.logger.Warn("release workspace mutex", zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	// Another process may have finished while we waited.
	if rec, ok, err := m.existing(ctx, taskID); err != nil || ok {
		return rec, err
	}

	if err := m.ensureCapacity(ctx); err != nil {
		return coord.WorkspaceRecord{}, err
	}
	if taskType == "" {
		if task, err := m.store.Task(taskID); err == nil {
			taskType = task.TaskType
		}
	}
	return m.create(ctx, taskID, taskType)
}

// existing returns a usable record for taskID. A record whose directory
// vanished is dropped so the caller recreates it.
func (m *Manager) existing(ctx context.Context, taskID string) (coord.WorkspaceRecord, bool, error) {
	rec, ok, err := m.Get(taskID)
	if err != nil || !ok {
		return coord.WorkspaceRecord{}, false, err
	}
	if _, statErr := os.Stat(rec.Path); statErr == nil {
		if err := m.Touch(taskID); err != nil {
			return coord.WorkspaceRecord{}, false, err
		}
		if task, err := m.store.Task(taskID); err == nil && task.Status == coord.TaskStale {
			if err := m.store.RegisterTask(taskID, rec.Path); err != nil {
				return coord.WorkspaceRecord{}, false, err
			}
		}
		rec.LastActivityAt = m.now().UTC()
		return rec, true, nil
	}
	m.logger.Warn("workspace directory vanished, recreating",
		zap.String("task_id", taskID),
		zap.String("path", rec.Path),
	)
	err = m.store.UpdateWorkspaces(func(ws map[string]*coord.WorkspaceRecord) error {
		delete(ws, taskID)
		return nil
	})
	if err != nil {
		return coord.WorkspaceRecord{}, false, err
	}
	return coord.WorkspaceRecord{}, false, m.git.PruneWorktrees(ctx)
}

func (m *Manager) liveCount() (int, error) {
	live, err := m.List()
	return len(live), err
}

// ensureCapacity runs one maintenance pass when the session is at its
// workspace limit, then fails if that did not free a slot.
func (m *Manager) ensureCapacity(ctx context.Context) error {
	if m.cfg.MaxConcurrent <= 0 {
		return nil
	}
	n, err := m.liveCount()
	if err != nil || n < m.cfg.MaxConcurrent {
		return err
	}
	if _, err := m.runMaintenance(ctx, 1); err != nil {
		m.logger.Warn("maintenance before workspace creation failed", zap.Error(err))
	}
	if n, err = m.liveCount(); err != nil {
		return err
	}
	if n >= m.cfg.MaxConcurrent {
		return fmt.Errorf("%w (%d)", ErrCapacity, m.cfg.MaxConcurrent)
	}
	return nil
}

// freeBranch picks the first unused branch name from base.
func (m *Manager) freeBranch(ctx context.Context, base string, from int) (string, int, error) {
	for attempt := from; attempt < maxNameAttempts; attempt++ {
		name := branchCandidate(base, attempt)
		exists, err := m.git.BranchExists(ctx, name)
		if err != nil {
			return "", attempt, err
		}
		if !exists {
			return name, attempt, nil
		}
		m.logger.Debug("workspace branch exists, trying next", zap.String("branch", name))
	}
	return "", maxNameAttempts, ErrBranchCollision
}

func (m *Manager) create(ctx context.Context, taskID, taskType string) (coord.WorkspaceRecord, error) {
	base, err := m.git.HeadCommit(ctx)
	if err != nil {
		return coord.WorkspaceRecord{}, err
	}

	now := m.now().UTC()
	suffix := m.newSuffix()
	branchRoot := branchBase(m.cfg.BranchPrefix, taskType, m.store.SessionID(), taskID, now, suffix)

	dir := filepath.Join(m.root, dirName(taskType, taskID))
	if _, statErr := os.Lstat(dir); statErr == nil {
		dir += "-" + suffix
	}
	path, err := m.confine(dir)
	if err != nil {
		return coord.WorkspaceRecord{}, err
	}

	rec := coord.WorkspaceRecord{
		WorkspaceID:    uuid.NewString(),
		TaskID:         taskID,
		TaskType:       taskType,
		Path:           path,
		BaseRevision:   base,
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         coord.WorkspaceActive,
	}

	steps := []step{
		{
			name: "create branch",
			do: func(ctx context.Context) error {
				name, err := m.createBranch(ctx, branchRoot, base)
				rec.Branch = name
				return err
			},
			undo: func(ctx context.Context) error {
				return m.git.DeleteBranchAt(ctx, rec.Branch, base)
			},
		},
		{
			name: "add worktree",
			do: func(ctx context.Context) error {
				return m.addWorktree(ctx, path, rec.Branch)
			},
			undo: func(ctx context.Context) error {
				return m.discardWorktree(ctx, path)
			},
		},
		{
			name: "register workspace",
			do: func(context.Context) error {
				return m.store.UpdateWorkspaces(func(ws map[string]*coord.WorkspaceRecord) error {
					r := rec
					ws[taskID] = &r
					return nil
				})
			},
			undo: func(context.Context) error {
				return m.store.UpdateWorkspaces(func(ws map[string]*coord.WorkspaceRecord) error {
					delete(ws, taskID)
					return nil
				})
			},
		},
		{
			name: "activate task",
			do: func(context.Context) error {
				return m.store.RegisterTask(taskID, path)
			},
		},
	}

	if err := runSteps(ctx, m.logger, m.beforeStep, steps); err != nil {
		m.logger.Error("workspace creation rolled back",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return coord.WorkspaceRecord{}, err
	}

	m.logger.Info("workspace created",
		zap.String("task_id", taskID),
		zap.String("workspace_id", rec.WorkspaceID),
		zap.String("branch", rec.Branch),
		zap.String("path", rec.Path),
	)
	return rec, nil
}

// createBranch creates the first free candidate name. A name taken between
// the existence check and creation counts as a collision.
func (m *Manager) createBranch(ctx context.Context, base, rev string) (string, error) {
	attempt := 0
	for {
		name, at, err := m.freeBranch(ctx, base, attempt)
		if err != nil {
			return "", err
		}
		err = m.git.CreateBranch(ctx, name, rev)
		if err == nil {
			return name, nil
		}
		var cmdErr *gitops.CommandError
		if !errors.As(err, &cmdErr) || !strings.Contains(cmdErr.Output, "already exists") {
			return "", err
		}
		attempt = at + 1
	}
}

// addWorktree adds the worktree and leaves no directory behind on failure.
func (m *Manager) addWorktree(ctx context.Context, path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}
	err := m.git.AddWorktree(ctx, path, branch)
	if err == nil {
		return nil
	}
	if cleanupErr := m.discardWorktree(context.WithoutCancel(ctx), path); cleanupErr != nil {
		m.logger.Warn("cleanup after failed worktree add", zap.String("path", path), zap.Error(cleanupErr))
	}
	return err
}

// discardWorktree removes a worktree this process created and still
// considers disposable. Git refuses a dirty tree, so fall back to removing
// the directory and pruning the administrative entry.
func (m *Manager) discardWorktree(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return m.git.PruneWorktrees(ctx)
	}
	if err := m.git.RemoveWorktree(ctx, path); err == nil {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace directory: %w", err)
	}
	return m.git.PruneWorktrees(ctx)
}

// confine checks that dir resolves inside the session workspace root.
func (m *Manager) confine(dir string) (string, error) {
	canon, err := m.guard.Validate(dir, m.root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOutsideRoot, err)
	}
	root, err := m.guard.Validate(m.root, m.root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOutsideRoot, err)
	}
	if canon == root {
		return "", ErrOutsideRoot
	}
	return canon, nil
}

// existingAncestor returns path or its nearest existing parent.
func existingAncestor(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
