package worktree

import (
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/worker"
)

// maintenanceWorkers bounds concurrent git status probes.
const maintenanceWorkers = 4

// Cleanup reasons, in the order they are considered.
const (
	ReasonIdle          = "idle"
	ReasonDiskPressure  = "disk_pressure"
	ReasonCountPressure = "count_pressure"
)

// MaintenanceFailure records a workspace maintenance could not process.
type MaintenanceFailure struct {
	TaskID string `json:"task_id" yaml:"task_id"`
	Error  string `json:"error" yaml:"error"`
}

// MaintenanceReport summarises one maintenance pass.
type MaintenanceReport struct {
	Scanned       int                  `json:"scanned" yaml:"scanned"`
	Removed       []CleanupResult      `json:"removed,omitempty" yaml:"removed,omitempty"`
	SkippedDirty  []string             `json:"skipped_dirty,omitempty" yaml:"skipped_dirty,omitempty"`
	SkippedActive []string             `json:"skipped_active,omitempty" yaml:"skipped_active,omitempty"`
	Orphaned      []string             `json:"orphaned,omitempty" yaml:"orphaned,omitempty"`
	Failed        []MaintenanceFailure `json:"failed,omitempty" yaml:"failed,omitempty"`
	StaleLocks    int                  `json:"stale_locks_pruned" yaml:"stale_locks_pruned"`
	DiskPressure  bool                 `json:"disk_pressure" yaml:"disk_pressure"`
	CountPressure bool                 `json:"count_pressure" yaml:"count_pressure"`
	FreeBytes     uint64               `json:"free_bytes" yaml:"free_bytes"`
}

type inspection struct {
	rec   coord.WorkspaceRecord
	idle  time.Duration
	live  bool
	dirty bool
}

// RunMaintenance reconciles orphaned records, refreshes dirty flags, and
// removes workspaces of finished tasks that are idle past the threshold or
// needed to relieve disk or count pressure. Dirty workspaces and workspaces
// of live tasks are never removed.
func (m *Manager) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	return m.runMaintenance(ctx, 0)
}

// runMaintenance reserves need additional slots when computing count
// pressure.
func (m *Manager) runMaintenance(ctx context.Context, need int) (MaintenanceReport, error) {
	var rep MaintenanceReport
	now := m.now().UTC()

	if n, err := m.store.PruneStaleLocks(); err != nil {
		m.logger.Warn("prune stale locks", zap.Error(err))
	} else {
		rep.StaleLocks = n
	}

	recs, err := m.List()
	if err != nil {
		return rep, err
	}
	rep.Scanned = len(recs)

	present, err := m.reconcileOrphans(ctx, recs, &rep)
	if err != nil {
		return rep, err
	}

	pool := worker.NewPool[coord.WorkspaceRecord, inspection](maintenanceWorkers)
	results := pool.Process(ctx, present, func(ctx context.Context, rec coord.WorkspaceRecord) (inspection, error) {
		return m.inspect(ctx, rec, now)
	})

	var inspected []inspection
	for i, r := range results {
		if r.Err != nil {
			rep.Failed = append(rep.Failed, MaintenanceFailure{TaskID: present[i].TaskID, Error: r.Err.Error()})
			continue
		}
		inspected = append(inspected, r.Value)
	}
	if err := m.persistInspections(inspected); err != nil {
		return rep, err
	}

	if free, err := m.diskFree(m.root); err != nil {
		m.logger.Debug("measure free disk space", zap.Error(err))
	} else {
		rep.FreeBytes = free
		rep.DiskPressure = m.cfg.MinFreeDiskMB > 0 && free < uint64(m.cfg.MinFreeDiskMB)<<20
	}
	excess := 0
	if m.cfg.MaxConcurrent > 0 {
		excess = len(present) + need - m.cfg.MaxConcurrent
	}
	rep.CountPressure = excess > 0

	sort.SliceStable(inspected, func(i, j int) bool { return inspected[i].idle > inspected[j].idle })
	for _, in := range inspected {
		if ctx.Err() != nil {
			break
		}
		if in.live {
			rep.SkippedActive = append(rep.SkippedActive, in.rec.TaskID)
			continue
		}
		reason := m.cleanupReason(in, rep.DiskPressure, excess > 0)
		if reason == "" {
			continue
		}
		if in.dirty {
			rep.SkippedDirty = append(rep.SkippedDirty, in.rec.TaskID)
			continue
		}
		res, err := m.removeIfFree(ctx, in.rec, reason)
		switch {
		case errors.Is(err, ErrTaskActive), errors.Is(err, ErrLocksHeld), errors.Is(err, errBusy):
			rep.SkippedActive = append(rep.SkippedActive, in.rec.TaskID)
		case errors.Is(err, ErrUncommittedChanges):
			rep.SkippedDirty = append(rep.SkippedDirty, in.rec.TaskID)
		case err != nil:
			rep.Failed = append(rep.Failed, MaintenanceFailure{TaskID: in.rec.TaskID, Error: err.Error()})
		default:
			rep.Removed = append(rep.Removed, res)
			excess--
		}
	}

	m.logger.Info("workspace maintenance",
		zap.Int("scanned", rep.Scanned),
		zap.Int("removed", len(rep.Removed)),
		zap.Int("skipped_dirty", len(rep.SkippedDirty)),
		zap.Int("orphaned", len(rep.Orphaned)),
		zap.Bool("disk_pressure", rep.DiskPressure),
		zap.Bool("count_pressure", rep.CountPressure),
	)
	return rep, ctx.Err()
}

// cleanupReason is the cleanup-priority function: idle beyond the threshold
// first, then disk pressure, then count pressure. Empty means keep.
func (m *Manager) cleanupReason(in inspection, disk, count bool) string {
	switch {
	case m.cfg.IdleThreshold > 0 && in.idle >= m.cfg.IdleThreshold:
		return ReasonIdle
	case disk:
		return ReasonDiskPressure
	case count:
		return ReasonCountPressure
	}
	return ""
}

// reconcileOrphans drops records whose directory vanished and prunes git's
// worktree metadata for them.
func (m *Manager) reconcileOrphans(ctx context.Context, recs []coord.WorkspaceRecord, rep *MaintenanceReport) ([]coord.WorkspaceRecord, error) {
	var present []coord.WorkspaceRecord
	for _, rec := range recs {
		if _, err := os.Stat(rec.Path); os.IsNotExist(err) {
			rep.Orphaned = append(rep.Orphaned, rec.TaskID)
			continue
		}
		present = append(present, rec)
	}
	if len(rep.Orphaned) == 0 {
		return present, nil
	}
	err := m.store.UpdateWorkspaces(func(ws map[string]*coord.WorkspaceRecord) error {
		for _, id := range rep.Orphaned {
			delete(ws, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.git.PruneWorktrees(ctx); err != nil {
		m.logger.Warn("git worktree prune", zap.Error(err))
	}
	return present, nil
}

func (m *Manager) inspect(ctx context.Context, rec coord.WorkspaceRecord, now time.Time) (inspection, error) {
	in := inspection{rec: rec, idle: now.Sub(rec.LastActivityAt)}
	task, err := m.store.Task(rec.TaskID)
	switch {
	case err == nil:
		in.live = task.Status.Live()
		if task.Status == coord.TaskActive && m.cfg.IdleThreshold > 0 && in.idle >= m.cfg.IdleThreshold {
			stale, err := m.demote(rec.TaskID)
			if err != nil {
				return in, err
			}
			in.live = !stale
		}
	case !errors.Is(err, coord.ErrTaskNotFound):
		return in, err
	}
	dirty, err := m.git.IsDirty(ctx, rec.Path)
	if err != nil {
		return in, err
	}
	in.dirty = dirty
	return in, nil
}

// demote marks an active task stale once its workspace has been idle past
// the threshold and it holds no locks, so its workspace becomes reclaimable.
func (m *Manager) demote(taskID string) (bool, error) {
	held, err := m.store.LocksHeldBy(taskID)
	if err != nil {
		return false, err
	}
	if len(held) > 0 {
		return false, nil
	}
	if err := m.store.SetTaskStatus(taskID, coord.TaskStale); err != nil {
		return false, err
	}
	m.logger.Info("idle task marked stale", zap.String("task_id", taskID))
	return true, nil
}

func (m *Manager) persistInspections(inspected []inspection) error {
	if len(inspected) == 0 {
		return nil
	}
	return m.store.UpdateWorkspaces(func(ws map[string]*coord.WorkspaceRecord) error {
		for _, in := range inspected {
			rec, ok := ws[in.rec.TaskID]
			if !ok {
				continue
			}
			rec.HasUncommittedChanges = in.dirty
			if rec.Status == coord.WorkspaceActive && m.cfg.IdleThreshold > 0 && in.idle >= m.cfg.IdleThreshold {
				rec.Status = coord.WorkspaceIdle
			}
		}
		return nil
	})
}

var errBusy = errors.New("workspace is being modified by another process")

// removeIfFree removes rec unless another process holds its task mutex.
func (m *Manager) removeIfFree(ctx context.Context, rec coord.WorkspaceRecord, reason string) (CleanupResult, error) {
	mu := m.taskMutex(rec.TaskID)
	if err := mu.TryLock(); err != nil {
		return CleanupResult{}, errBusy
	}
	defer func() {
		if err := mu.Unlock(); err != nil {
			m.logger.Warn("release workspace mutex", zap.String("task_id", rec.TaskID), zap.Error(err))
		}
	}()
	return m.remove(ctx, rec, false, reason)
}
