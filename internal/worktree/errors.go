package worktree

import "errors"

// Sentinel errors for the worktree package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrEmptyTaskID is returned when a workspace is requested without a task.
	ErrEmptyTaskID = errors.New("task ID is required for an isolated workspace")

	// ErrBranchCollision is returned after every candidate branch name for a
	// new workspace already existed.
	ErrBranchCollision = errors.New("failed to find a free workspace branch name after 10 attempts")

	// ErrWorkspaceNotFound is returned when a task owns no workspace.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrUncommittedChanges is returned when removal would discard work.
	ErrUncommittedChanges = errors.New("workspace has uncommitted changes")

	// ErrTaskActive is returned when removal is attempted while the owning
	// task is still pending or active.
	ErrTaskActive = errors.New("owning task is still active")

	// ErrLocksHeld is returned when removal is attempted while the owning
	// task holds file locks.
	ErrLocksHeld = errors.New("owning task still holds file locks")

	// ErrCapacity is returned when the session already has the maximum number
	// of live workspaces and maintenance could not reclaim one.
	ErrCapacity = errors.New("maximum concurrent workspaces reached")

	// ErrOutsideRoot is returned when a computed workspace path escapes the
	// session workspace root.
	ErrOutsideRoot = errors.New("workspace path escapes the workspace root")
)
