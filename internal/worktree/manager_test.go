package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boshu2/warden/internal/config"
	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/gitops"
	"github.com/boshu2/warden/internal/storage"
)

const testSession = "session-abcdef123"

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func runGit(t *testing.T, cwd string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

type fixture struct {
	repo  string
	store *coord.Store
	mgr   *Manager
	now   time.Time
	free  uint64
}

func newFixture(t *testing.T, mutate func(*config.WorkspaceConfig)) *fixture {
	t.Helper()
	f := &fixture{
		repo: initGitRepo(t),
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		free: 1 << 40,
	}
	fs := storage.NewFileStorage(storage.WithBaseDir(filepath.Join(f.repo, ".warden")))
	require.NoError(t, fs.Init())

	store, err := coord.Open(fs, testSession, coord.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.store = store

	cfg := config.Default().Workspace
	if mutate != nil {
		mutate(&cfg)
	}
	f.mgr = New(gitops.New(f.repo), store, cfg, filepath.Join(f.repo, ".warden", "workspaces"),
		WithClock(func() time.Time { return f.now }),
		WithDiskProbe(func(string) (uint64, error) { return f.free, nil }),
	)
	return f
}

func (f *fixture) branches(t *testing.T) []string {
	t.Helper()
	out := runGit(t, f.repo, "branch", "--format=%(refname:short)", "--list", "warden/*")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func (f *fixture) complete(t *testing.T, taskID string) {
	t.Helper()
	require.NoError(t, f.store.SetTaskStatus(taskID, coord.TaskCompleted))
}

func TestEnsureWorkspace_CreatesAndIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.mgr.EnsureWorkspace(ctx, "task-1234abcd-ef", "implementer")
	require.NoError(t, err)

	assert.DirExists(t, first.Path)
	assert.FileExists(t, filepath.Join(first.Path, "README.md"))
	assert.True(t, strings.HasPrefix(first.Path, f.mgr.Root()+string(filepath.Separator)), first.Path)
	assert.Equal(t, "implementer-task1234", filepath.Base(first.Path))
	assert.Regexp(t, regexp.MustCompile(`^warden/implementer/sessiona-task1234-20260301120000-[0-9a-f]{4}$`), first.Branch)
	assert.NotEmpty(t, first.WorkspaceID)
	assert.Equal(t, coord.WorkspaceActive, first.Status)
	assert.Equal(t, runGit(t, f.repo, "rev-parse", "HEAD"), first.BaseRevision)

	task, err := f.store.Task("task-1234abcd-ef")
	require.NoError(t, err)
	assert.Equal(t, coord.TaskActive, task.Status)
	assert.Equal(t, first.Path, task.WorkspacePath)

	f.now = f.now.Add(time.Minute)
	second, err := f.mgr.EnsureWorkspace(ctx, "task-1234abcd-ef", "implementer")
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, first.Branch, second.Branch)
	assert.Len(t, f.branches(t), 1, "second call must not create a branch")
	assert.Equal(t, f.now, second.LastActivityAt)
}

func TestEnsureWorkspace_EmptyTask(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.mgr.EnsureWorkspace(context.Background(), "  ", "x")
	assert.ErrorIs(t, err, ErrEmptyTaskID)
}

func TestEnsureWorkspace_UsesRegisteredTaskType(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.RegisterPending("t-1", "Code Reviewer"))

	rec, err := f.mgr.EnsureWorkspace(context.Background(), "t-1", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.Branch, "warden/code-reviewer/"), rec.Branch)
	assert.Equal(t, "Code Reviewer", rec.TaskType)
}

func TestEnsureWorkspace_RollsBackEveryStep(t *testing.T) {
	for _, failAt := range []string{"create branch", "add worktree", "register workspace", "activate task"} {
		t.Run(failAt, func(t *testing.T) {
			f := newFixture(t, nil)
			injected := errors.New("injected failure")
			f.mgr.beforeStep = func(name string) error {
				if name == failAt {
					return injected
				}
				return nil
			}

			_, err := f.mgr.EnsureWorkspace(context.Background(), "task-rollback", "tester")
			require.ErrorIs(t, err, injected)
			var stepErr *StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, failAt, stepErr.Step)
			assert.NoError(t, stepErr.RollbackErr)

			assert.Empty(t, f.branches(t), "no branch may survive")
			entries, _ := os.ReadDir(f.mgr.Root())
			assert.Empty(t, entries, "no directory may survive")
			_, ok, err := f.mgr.Get("task-rollback")
			require.NoError(t, err)
			assert.False(t, ok, "no registry entry may survive")
			assert.NotContains(t, runGit(t, f.repo, "worktree", "list"), "tester-")
		})
	}
}

func TestEnsureWorkspace_BranchCollision(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.newSuffix = func() string { return "beef" }
	base := branchBase("warden", "tester", testSession, "task-9", f.now, "beef")

	runGit(t, f.repo, "branch", base)
	rec, err := f.mgr.EnsureWorkspace(context.Background(), "task-9", "tester")
	require.NoError(t, err)
	assert.Equal(t, base+"-2", rec.Branch)
	assert.Equal(t, runGit(t, f.repo, "rev-parse", "HEAD"), runGit(t, f.repo, "rev-parse", base), "existing branch untouched")
}

func TestEnsureWorkspace_BranchCollisionExhausted(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.newSuffix = func() string { return "beef" }
	base := branchBase("warden", "tester", testSession, "task-9", f.now, "beef")
	for i := 0; i < maxNameAttempts; i++ {
		runGit(t, f.repo, "branch", branchCandidate(base, i))
	}

	_, err := f.mgr.EnsureWorkspace(context.Background(), "task-9", "tester")
	require.ErrorIs(t, err, ErrBranchCollision)
	assert.Len(t, f.branches(t), maxNameAttempts)
	_, ok, _ := f.mgr.Get("task-9")
	assert.False(t, ok)
}

func TestEnsureWorkspace_RecreatesVanishedDirectory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec, err := f.mgr.EnsureWorkspace(ctx, "task-v", "tester")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(rec.Path))
	again, err := f.mgr.EnsureWorkspace(ctx, "task-v", "tester")
	require.NoError(t, err)
	assert.DirExists(t, again.Path)
	assert.NotEqual(t, rec.WorkspaceID, again.WorkspaceID)
}

func TestTouch(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.mgr.EnsureWorkspace(context.Background(), "task-t", "tester")
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Minute)
	require.NoError(t, f.mgr.Touch("task-t"))
	rec, ok, err := f.mgr.Get("task-t")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.now, rec.LastActivityAt)

	assert.NoError(t, f.mgr.Touch("unknown"))
	assert.NoError(t, f.mgr.Touch(""))
}

func TestRemoveWorkspace_Preconditions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec, err := f.mgr.EnsureWorkspace(ctx, "task-r", "tester")
	require.NoError(t, err)

	_, err = f.mgr.RemoveWorkspace(ctx, "task-r", RemoveOptions{})
	assert.ErrorIs(t, err, ErrTaskActive)

	f.complete(t, "task-r")
	ok, err := f.store.AcquireLock("src/a.go", "task-r")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.mgr.RemoveWorkspace(ctx, "task-r", RemoveOptions{})
	assert.ErrorIs(t, err, ErrLocksHeld)
	_, err = f.store.ReleaseLock("src/a.go", "task-r")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(rec.Path, "wip.txt"), []byte("unsaved"), 0o644))
	_, err = f.mgr.RemoveWorkspace(ctx, "task-r", RemoveOptions{})
	assert.ErrorIs(t, err, ErrUncommittedChanges)
	_, err = f.mgr.RemoveWorkspace(ctx, "task-r", RemoveOptions{Force: true})
	assert.ErrorIs(t, err, ErrUncommittedChanges, "force needs configuration consent")
	assert.FileExists(t, filepath.Join(rec.Path, "wip.txt"))

	got, ok, err := f.mgr.Get("task-r")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.HasUncommittedChanges)
	assert.Equal(t, coord.WorkspaceActive, got.Status)

	require.NoError(t, os.Remove(filepath.Join(rec.Path, "wip.txt")))
	res, err := f.mgr.RemoveWorkspace(ctx, "task-r", RemoveOptions{})
	require.NoError(t, err)
	assert.True(t, res.BranchDeleted)
	assert.NoDirExists(t, rec.Path)
	assert.Empty(t, f.branches(t))
	_, ok, err = f.mgr.Get("task-r")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.mgr.RemoveWorkspace(ctx, "task-r", RemoveOptions{})
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestRemoveWorkspace_ForceWhenAllowed(t *testing.T) {
	f := newFixture(t, func(c *config.WorkspaceConfig) { c.AllowDirtyRemoval = true })
	ctx := context.Background()
	rec, err := f.mgr.EnsureWorkspace(ctx, "task-f", "tester")
	require.NoError(t, err)
	f.complete(t, "task-f")
	require.NoError(t, os.WriteFile(filepath.Join(rec.Path, "README.md"), []byte("changed"), 0o644))

	_, err = f.mgr.RemoveWorkspace(ctx, "task-f", RemoveOptions{})
	require.ErrorIs(t, err, ErrUncommittedChanges)

	res, err := f.mgr.RemoveWorkspace(ctx, "task-f", RemoveOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, res.Discarded)
	assert.NoDirExists(t, rec.Path)
	assert.NotContains(t, runGit(t, f.repo, "worktree", "list"), rec.Path)
}

func TestRemoveWorkspace_KeepsUnmergedBranch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec, err := f.mgr.EnsureWorkspace(ctx, "task-c", "tester")
	require.NoError(t, err)
	f.complete(t, "task-c")

	require.NoError(t, os.WriteFile(filepath.Join(rec.Path, "feature.go"), []byte("package x\n"), 0o644))
	runGit(t, rec.Path, "add", "feature.go")
	runGit(t, rec.Path, "commit", "-m", "feature")

	res, err := f.mgr.RemoveWorkspace(ctx, "task-c", RemoveOptions{})
	require.NoError(t, err)
	assert.False(t, res.BranchDeleted)
	assert.NotEmpty(t, res.Note)
	assert.Equal(t, []string{rec.Branch}, f.branches(t), "unmerged work stays reachable")
}

func TestRunMaintenance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"idle-clean", "idle-dirty", "still-active", "orphan", "fresh-done"} {
		_, err := f.mgr.EnsureWorkspace(ctx, id, "tester")
		require.NoError(t, err)
	}
	for _, id := range []string{"idle-clean", "idle-dirty", "orphan", "fresh-done"} {
		f.complete(t, id)
	}
	dirty, _, _ := f.mgr.Get("idle-dirty")
	require.NoError(t, os.WriteFile(filepath.Join(dirty.Path, "wip.txt"), []byte("x"), 0o644))
	orphan, _, _ := f.mgr.Get("orphan")
	require.NoError(t, os.RemoveAll(orphan.Path))

	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.mgr.Touch("fresh-done"))
	ok, err := f.store.AcquireLock("src/a.go", "still-active")
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := f.mgr.RunMaintenance(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, rep.Scanned)
	assert.Equal(t, []string{"orphan"}, rep.Orphaned)
	require.Len(t, rep.Removed, 1)
	assert.Equal(t, "idle-clean", rep.Removed[0].TaskID)
	assert.Equal(t, ReasonIdle, rep.Removed[0].Reason)
	assert.Equal(t, []string{"idle-dirty"}, rep.SkippedDirty)
	assert.Equal(t, []string{"still-active"}, rep.SkippedActive)
	assert.False(t, rep.DiskPressure)
	assert.False(t, rep.CountPressure)

	got, ok, err := f.mgr.Get("idle-dirty")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.HasUncommittedChanges)
	assert.Equal(t, coord.WorkspaceIdle, got.Status)

	_, ok, _ = f.mgr.Get("fresh-done")
	assert.True(t, ok, "recently active workspaces are kept")
	assert.DirExists(t, dirty.Path)
}

func TestRunMaintenance_DiskPressure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.mgr.EnsureWorkspace(ctx, "done", "tester")
	require.NoError(t, err)
	f.complete(t, "done")

	f.free = 10 << 20
	rep, err := f.mgr.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.True(t, rep.DiskPressure)
	require.Len(t, rep.Removed, 1)
	assert.Equal(t, ReasonDiskPressure, rep.Removed[0].Reason)
}

func TestEnsureWorkspace_CapacityReclaimsFinishedWorkspace(t *testing.T) {
	f := newFixture(t, func(c *config.WorkspaceConfig) { c.MaxConcurrent = 2 })
	ctx := context.Background()

	_, err := f.mgr.EnsureWorkspace(ctx, "a", "tester")
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	_, err = f.mgr.EnsureWorkspace(ctx, "b", "tester")
	require.NoError(t, err)

	_, err = f.mgr.EnsureWorkspace(ctx, "c", "tester")
	require.ErrorIs(t, err, ErrCapacity, "both tasks are live")

	f.complete(t, "a")
	f.complete(t, "b")
	_, err = f.mgr.EnsureWorkspace(ctx, "c", "tester")
	require.NoError(t, err)

	live, err := f.mgr.List()
	require.NoError(t, err)
	assert.Len(t, live, 2)
	_, ok, _ := f.mgr.Get("a")
	assert.False(t, ok, "the longest idle finished workspace is reclaimed first")
}

func TestRunMaintenance_DemotesIdleActiveTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.mgr.EnsureWorkspace(ctx, "abandoned", "tester")
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	rep, err := f.mgr.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.SkippedActive)
	require.Len(t, rep.Removed, 1)
	assert.Equal(t, "abandoned", rep.Removed[0].TaskID)
	assert.Equal(t, ReasonIdle, rep.Removed[0].Reason)
	assert.NoDirExists(t, first.Path)

	task, err := f.store.Task("abandoned")
	require.NoError(t, err)
	assert.Equal(t, coord.TaskStale, task.Status)

	// A late call from the same task gets a fresh workspace and is live again.
	_, err = f.mgr.EnsureWorkspace(ctx, "abandoned", "tester")
	require.NoError(t, err)
	task, err = f.store.Task("abandoned")
	require.NoError(t, err)
	assert.Equal(t, coord.TaskActive, task.Status)
}

func TestRunMaintenance_StaleTaskRegainsLiveness(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.mgr.EnsureWorkspace(ctx, "slow", "tester")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(rec.Path, "wip.txt"), []byte("x"), 0o644))

	f.now = f.now.Add(2 * time.Hour)
	rep, err := f.mgr.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"slow"}, rep.SkippedDirty)

	task, err := f.store.Task("slow")
	require.NoError(t, err)
	assert.Equal(t, coord.TaskStale, task.Status)

	got, err := f.mgr.EnsureWorkspace(ctx, "slow", "tester")
	require.NoError(t, err)
	assert.Equal(t, rec.Path, got.Path)
	task, err = f.store.Task("slow")
	require.NoError(t, err)
	assert.Equal(t, coord.TaskActive, task.Status)
}
