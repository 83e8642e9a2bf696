package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/gitops"
)

// RemoveOptions controls workspace removal.
type RemoveOptions struct {
	// Force discards uncommitted changes. It only takes effect when the
	// configuration also allows dirty removal.
	Force bool
}

// CleanupResult describes one removed workspace.
type CleanupResult struct {
	TaskID        string `json:"task_id" yaml:"task_id"`
	WorkspaceID   string `json:"workspace_id" yaml:"workspace_id"`
	Path          string `json:"path" yaml:"path"`
	Branch        string `json:"branch" yaml:"branch"`
	BranchDeleted bool   `json:"branch_deleted" yaml:"branch_deleted"`
	Discarded     bool   `json:"discarded_changes" yaml:"discarded_changes"`
	Reason        string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Note          string `json:"note,omitempty" yaml:"note,omitempty"`
}

// RemoveWorkspace removes taskID's worktree and, when fully merged, its
// branch. It fails without side effects when the task is still live, holds
// locks, or has uncommitted changes that may not be discarded.
func (m *Manager) RemoveWorkspace(ctx context.Context, taskID string, opts RemoveOptions) (CleanupResult, error) {
	if taskID == "" {
		return CleanupResult{}, ErrEmptyTaskID
	}
	mu := m.taskMutex(taskID)
	if err := mu.Lock(m.createWait); err != nil {
		return CleanupResult{}, fmt.Errorf("wait for workspace mutex: %w", err)
	}
	defer func() {
		if err := mu.Unlock(); err != nil {
			m.logger.Warn("release workspace mutex", zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	rec, ok, err := m.Get(taskID)
	if err != nil {
		return CleanupResult{}, err
	}
	if !ok {
		return CleanupResult{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, taskID)
	}
	return m.remove(ctx, rec, opts.Force, "requested")
}

// checkRemovable enforces the preconditions shared by explicit removal and
// maintenance. It reports whether the worktree is dirty.
func (m *Manager) checkRemovable(ctx context.Context, rec coord.WorkspaceRecord) (bool, error) {
	task, err := m.store.Task(rec.TaskID)
	switch {
	case err == nil && task.Status.Live():
		return false, fmt.Errorf("%w: %s is %s", ErrTaskActive, rec.TaskID, task.Status)
	case err != nil && !errors.Is(err, coord.ErrTaskNotFound):
		return false, err
	}

	if _, err := m.store.PruneStaleLocks(); err != nil {
		return false, err
	}
	held, err := m.store.LocksHeldBy(rec.TaskID)
	if err != nil {
		return false, err
	}
	if len(held) > 0 {
		return false, fmt.Errorf("%w: %d lock(s), first %s", ErrLocksHeld, len(held), held[0].ResourcePath)
	}

	if _, statErr := os.Stat(rec.Path); os.IsNotExist(statErr) {
		return false, nil
	}
	return m.git.IsDirty(ctx, rec.Path)
}

func (m *Manager) remove(ctx context.Context, rec coord.WorkspaceRecord, force bool, reason string) (CleanupResult, error) {
	dirty, err := m.checkRemovable(ctx, rec)
	if err != nil {
		return CleanupResult{}, err
	}
	discard := false
	if dirty {
		if err := m.setDirty(rec.TaskID, true); err != nil {
			m.logger.Warn("record dirty workspace", zap.String("task_id", rec.TaskID), zap.Error(err))
		}
		if !force || !m.cfg.AllowDirtyRemoval {
			return CleanupResult{}, fmt.Errorf("%w: %s (commit or stash first)", ErrUncommittedChanges, rec.TaskID)
		}
		discard = true
	}

	if err := m.setStatus(rec.TaskID, coord.WorkspacePendingCleanup); err != nil {
		return CleanupResult{}, err
	}

	if discard {
		if err := os.RemoveAll(rec.Path); err != nil {
			return CleanupResult{}, fmt.Errorf("remove workspace directory: %w", err)
		}
		err = m.git.PruneWorktrees(ctx)
	} else if _, statErr := os.Stat(rec.Path); os.IsNotExist(statErr) {
		err = m.git.PruneWorktrees(ctx)
	} else {
		err = m.git.RemoveWorktree(ctx, rec.Path)
	}
	if err != nil {
		if serr := m.setStatus(rec.TaskID, rec.Status); serr != nil {
			m.logger.Warn("restore workspace status", zap.String("task_id", rec.TaskID), zap.Error(serr))
		}
		return CleanupResult{}, fmt.Errorf("remove worktree: %w", err)
	}

	res := CleanupResult{
		TaskID:      rec.TaskID,
		WorkspaceID: rec.WorkspaceID,
		Path:        rec.Path,
		Branch:      rec.Branch,
		Discarded:   discard,
		Reason:      reason,
	}
	if rec.Branch != "" {
		if err := m.git.DeleteMergedBranch(ctx, rec.Branch); err != nil {
			res.Note = "branch kept: it has commits not merged into HEAD"
			var cmdErr *gitops.CommandError
			if !errors.As(err, &cmdErr) {
				res.Note = "branch kept: " + err.Error()
			}
		} else {
			res.BranchDeleted = true
		}
	}

	if err := m.store.UpdateWorkspaces(func(ws map[string]*coord.WorkspaceRecord) error {
		delete(ws, rec.TaskID)
		return nil
	}); err != nil {
		return res, err
	}

	m.logger.Info("workspace removed",
		zap.String("task_id", rec.TaskID),
		zap.String("reason", reason),
		zap.Bool("branch_deleted", res.BranchDeleted),
		zap.Bool("discarded_changes", discard),
	)
	return res, nil
}

func (m *Manager) setStatus(taskID string, status coord.WorkspaceStatus) error {
	return m.store.UpdateWorkspaces(func(ws map[string]*coord.WorkspaceRecord) error {
		if rec, ok := ws[taskID]; ok {
			rec.Status = status
		}
		return nil
	})
}

func (m *Manager) setDirty(taskID string, dirty bool) error {
	return m.store.UpdateWorkspaces(func(ws map[string]*coord.WorkspaceRecord) error {
		if rec, ok := ws[taskID]; ok {
			rec.HasUncommittedChanges = dirty
		}
		return nil
	})
}
