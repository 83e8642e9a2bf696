// Package coord implements the coordination store shared by every hook
// process of one orchestration session: the task registry, advisory file
// locks, per-step progress, and the workspace table.
//
// State lives in four JSON documents under the session directory:
//
//	tasks.json       TaskRecord by task ID
//	locks.json       LockRecord by resource path
//	progress.json    ProgressEntry by task ID and step
//	workspaces.json  WorkspaceRecord by task ID
//
// Locks are advisory and non-blocking. A hold older than the staleness
// timeout is presumed abandoned by a crashed process and is reassigned.
package coord

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/boshu2/warden/internal/storage"
)

// Registry file names inside a session directory.
const (
	TasksFile      = "tasks.json"
	LocksFile      = "locks.json"
	ProgressFile   = "progress.json"
	WorkspacesFile = "workspaces.json"
	DecisionsFile  = "decisions.jsonl"
)

// DefaultStaleAfter is the default lock staleness timeout.
const DefaultStaleAfter = 5 * time.Minute

// Sentinel errors for the coord package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrLockConflict is returned when another task holds a fresh lock.
	ErrLockConflict = errors.New("resource is locked by another task")

	// ErrEmptyResource is returned for an empty lock resource path.
	ErrEmptyResource = errors.New("resource path is required")

	// ErrEmptyTaskID is returned when a task ID is required but empty.
	ErrEmptyTaskID = errors.New("task ID is required")

	// ErrTaskNotFound is returned when a task is not registered.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidStatus is returned for an unknown progress status.
	ErrInvalidStatus = errors.New("invalid progress status")
)

// LockConflictError reports the current holder of a contested resource.
type LockConflictError struct {
	Resource string
	Holder   string
	Since    time.Time
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("%s is locked by task %s since %s", e.Resource, e.Holder, e.Since.Format(time.RFC3339))
}

func (e *LockConflictError) Is(target error) bool { return target == ErrLockConflict }

// Store is the coordination store for one session.
type Store struct {
	sessionID   string
	dir         string
	staleAfter  time.Duration
	lockTimeout time.Duration
	now         func() time.Time

	tasks      *storage.Document[taskTable]
	locks      *storage.Document[lockTable]
	progress   *storage.Document[progressTable]
	workspaces *storage.Document[workspaceTable]
}

// Option configures a Store.
type Option func(*Store)

// WithStaleAfter sets the lock staleness timeout.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open returns the store for sessionID under fs. Nothing is written until
// the first mutation.
func Open(fs *storage.FileStorage, sessionID string, opts ...Option) (*Store, error) {
	dir, err := fs.SessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	s := &Store{
		sessionID:   sessionID,
		dir:         dir,
		staleAfter:  DefaultStaleAfter,
		lockTimeout: fs.LockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tasks = storage.NewDocument[taskTable](filepath.Join(dir, TasksFile), s.lockTimeout)
	s.locks = storage.NewDocument[lockTable](filepath.Join(dir, LocksFile), s.lockTimeout)
	s.progress = storage.NewDocument[progressTable](filepath.Join(dir, ProgressFile), s.lockTimeout)
	s.workspaces = storage.NewDocument[workspaceTable](filepath.Join(dir, WorkspacesFile), s.lockTimeout)
	return s, nil
}

// SessionID returns the session this store belongs to.
func (s *Store) SessionID() string { return s.sessionID }

// Dir returns the session directory.
func (s *Store) Dir() string { return s.dir }

// DecisionLogPath returns the JSONL audit log of hook verdicts.
func (s *Store) DecisionLogPath() string { return filepath.Join(s.dir, DecisionsFile) }

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now().UTC() }

// NormalizeResource canonicalizes a lock key: slash-separated, cleaned,
// without a leading "./".
func NormalizeResource(resource string) string {
	resource = strings.TrimSpace(filepath.ToSlash(resource))
	if resource == "" {
		return ""
	}
	return path.Clean(resource)
}

func (s *Store) stale(rec *LockRecord) bool {
	return s.now().Sub(rec.AcquiredAt) >= s.staleAfter
}

// AcquireLock grants resource to taskID if it is unheld, already held by
// taskID (the hold is refreshed), or held past the staleness timeout. It
// never blocks: a fresh hold by another task yields false and a
// *LockConflictError.
func (s *Store) AcquireLock(resource, taskID string) (bool, error) {
	resource = NormalizeResource(resource)
	if resource == "" {
		return false, ErrEmptyResource
	}
	if taskID == "" {
		return false, ErrEmptyTaskID
	}

	var conflict *LockConflictError
	err := s.locks.Update(func(t *lockTable) error {
		if t.Locks == nil {
			t.Locks = make(map[string]*LockRecord)
		}
		if cur, ok := t.Locks[resource]; ok && cur.HolderTaskID != taskID && !s.stale(cur) {
			conflict = &LockConflictError{Resource: resource, Holder: cur.HolderTaskID, Since: cur.AcquiredAt}
			return conflict
		}
		t.Locks[resource] = &LockRecord{
			ResourcePath: resource,
			HolderTaskID: taskID,
			AcquiredAt:   s.Now(),
		}
		return nil
	})
	if conflict != nil {
		return false, conflict
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	return true, nil
}

// ReleaseLock drops the hold on resource if taskID is the holder.
func (s *Store) ReleaseLock(resource, taskID string) (bool, error) {
	resource = NormalizeResource(resource)
	if resource == "" {
		return false, ErrEmptyResource
	}

	released := false
	err := s.locks.Update(func(t *lockTable) error {
		cur, ok := t.Locks[resource]
		if !ok || cur.HolderTaskID != taskID {
			return nil
		}
		delete(t.Locks, resource)
		released = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	return released, nil
}

// ReleaseAll drops every lock held by taskID and returns how many.
func (s *Store) ReleaseAll(taskID string) (int, error) {
	n := 0
	err := s.locks.Update(func(t *lockTable) error {
		for key, rec := range t.Locks {
			if rec.HolderTaskID == taskID {
				delete(t.Locks, key)
				n++
			}
		}
		return nil
	})
	return n, err
}

// PruneStaleLocks removes every hold past the staleness timeout.
func (s *Store) PruneStaleLocks() (int, error) {
	n := 0
	err := s.locks.Update(func(t *lockTable) error {
		for key, rec := range t.Locks {
			if s.stale(rec) {
				delete(t.Locks, key)
				n++
			}
		}
		return nil
	})
	return n, err
}

// Locks returns the fresh locks sorted by resource path.
func (s *Store) Locks() ([]LockRecord, error) {
	t, err := s.locks.Load()
	if err != nil {
		return nil, err
	}
	out := make([]LockRecord, 0, len(t.Locks))
	for _, rec := range t.Locks {
		if !s.stale(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourcePath < out[j].ResourcePath })
	return out, nil
}

// LocksHeldBy returns the fresh locks held by taskID.
func (s *Store) LocksHeldBy(taskID string) ([]LockRecord, error) {
	all, err := s.Locks()
	if err != nil {
		return nil, err
	}
	var out []LockRecord
	for _, rec := range all {
		if rec.HolderTaskID == taskID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func progressKey(taskID, step string) string {
	return taskID + "\x00" + step
}

// RecordProgress upserts the entry keyed by (taskID, step).
func (s *Store) RecordProgress(taskID, step string, status ProgressStatus, detail string) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.progress.Update(func(t *progressTable) error {
		if t.Entries == nil {
			t.Entries = make(map[string]*ProgressEntry)
		}
		t.Entries[progressKey(taskID, step)] = &ProgressEntry{
			TaskID:    taskID,
			StepName:  step,
			Status:    status,
			Detail:    detail,
			UpdatedAt: s.Now(),
		}
		return nil
	})
}

// Progress returns entries for taskID (all tasks when empty), ordered by
// task then update time.
func (s *Store) Progress(taskID string) ([]ProgressEntry, error) {
	t, err := s.progress.Load()
	if err != nil {
		return nil, err
	}
	var out []ProgressEntry
	for _, e := range t.Entries {
		if taskID == "" || e.TaskID == taskID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// RegisterPending records a spawned task that has not touched files yet.
// Re-registering a known task only fills in a missing type.
func (s *Store) RegisterPending(taskID, taskType string) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	return s.tasks.Update(func(t *taskTable) error {
		if t.Tasks == nil {
			t.Tasks = make(map[string]*TaskRecord)
		}
		now := s.Now()
		if cur, ok := t.Tasks[taskID]; ok {
			if cur.TaskType == "" {
				cur.TaskType = taskType
				cur.UpdatedAt = now
			}
			return nil
		}
		t.Tasks[taskID] = &TaskRecord{
			TaskID:       taskID,
			TaskType:     taskType,
			Status:       TaskPending,
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		return nil
	})
}

// RegisterTask marks taskID active with its workspace path.
func (s *Store) RegisterTask(taskID, workspacePath string) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	return s.tasks.Update(func(t *taskTable) error {
		if t.Tasks == nil {
			t.Tasks = make(map[string]*TaskRecord)
		}
		now := s.Now()
		rec, ok := t.Tasks[taskID]
		if !ok {
			rec = &TaskRecord{TaskID: taskID, RegisteredAt: now}
			t.Tasks[taskID] = rec
		}
		rec.WorkspacePath = workspacePath
		rec.Status = TaskActive
		rec.UpdatedAt = now
		return nil
	})
}

// SetTaskStatus transitions a registered task.
func (s *Store) SetTaskStatus(taskID string, status TaskStatus) error {
	return s.tasks.Update(func(t *taskTable) error {
		rec, ok := t.Tasks[taskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		rec.Status = status
		rec.UpdatedAt = s.Now()
		return nil
	})
}

// AdoptSpawn links a task id seen for the first time to the oldest pending
// delegation of the same type that has no agent yet, and returns the
// delegation id. Known ids and unmatched ones return "".
func (s *Store) AdoptSpawn(agentID, taskType string) (string, error) {
	if agentID == "" {
		return "", ErrEmptyTaskID
	}
	var spawnID string
	err := s.tasks.Update(func(t *taskTable) error {
		if t.Tasks == nil {
			t.Tasks = make(map[string]*TaskRecord)
		}
		if cur, ok := t.Tasks[agentID]; ok {
			spawnID = cur.SpawnedBy
			return nil
		}
		adopted := make(map[string]bool)
		for _, rec := range t.Tasks {
			if rec.SpawnedBy != "" {
				adopted[rec.SpawnedBy] = true
			}
		}
		var pick *TaskRecord
		for _, rec := range t.Tasks {
			if rec.Status != TaskPending || adopted[rec.TaskID] {
				continue
			}
			if taskType != "" && rec.TaskType != "" && rec.TaskType != taskType {
				continue
			}
			if pick == nil || rec.RegisteredAt.Before(pick.RegisteredAt) ||
				(rec.RegisteredAt.Equal(pick.RegisteredAt) && rec.TaskID < pick.TaskID) {
				pick = rec
			}
		}
		if pick == nil {
			return nil
		}
		now := s.Now()
		pick.Status = TaskActive
		pick.UpdatedAt = now
		if taskType == "" {
			taskType = pick.TaskType
		}
		t.Tasks[agentID] = &TaskRecord{
			TaskID:       agentID,
			TaskType:     taskType,
			Status:       TaskPending,
			SpawnedBy:    pick.TaskID,
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		spawnID = pick.TaskID
		return nil
	})
	return spawnID, err
}

// FinishTask moves taskID and every task it spawned to status and returns
// the ids it changed, taskID first.
func (s *Store) FinishTask(taskID string, status TaskStatus) ([]string, error) {
	var ids []string
	err := s.tasks.Update(func(t *taskTable) error {
		rec, ok := t.Tasks[taskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		now := s.Now()
		rec.Status = status
		rec.UpdatedAt = now
		ids = append(ids, taskID)
		var linked []string
		for id, other := range t.Tasks {
			if other.SpawnedBy == taskID {
				other.Status = status
				other.UpdatedAt = now
				linked = append(linked, id)
			}
		}
		sort.Strings(linked)
		ids = append(ids, linked...)
		return nil
	})
	return ids, err
}

// Task returns the record for taskID.
func (s *Store) Task(taskID string) (TaskRecord, error) {
	t, err := s.tasks.Load()
	if err != nil {
		return TaskRecord{}, err
	}
	rec, ok := t.Tasks[taskID]
	if !ok {
		return TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return *rec, nil
}

// ListTasks returns every registered task ordered by registration time.
func (s *Store) ListTasks() ([]TaskRecord, error) {
	t, err := s.tasks.Load()
	if err != nil {
		return nil, err
	}
	out := make([]TaskRecord, 0, len(t.Tasks))
	for _, rec := range t.Tasks {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

// ListActiveTasks returns pending and active tasks.
func (s *Store) ListActiveTasks() ([]TaskRecord, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []TaskRecord
	for _, rec := range all {
		if rec.Status.Live() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Workspace returns the workspace record owned by taskID.
func (s *Store) Workspace(taskID string) (WorkspaceRecord, bool, error) {
	t, err := s.workspaces.Load()
	if err != nil {
		return WorkspaceRecord{}, false, err
	}
	rec, ok := t.Workspaces[taskID]
	if !ok {
		return WorkspaceRecord{}, false, nil
	}
	return *rec, true, nil
}

// Workspaces returns every workspace record ordered by creation time.
func (s *Store) Workspaces() ([]WorkspaceRecord, error) {
	t, err := s.workspaces.Load()
	if err != nil {
		return nil, err
	}
	out := make([]WorkspaceRecord, 0, len(t.Workspaces))
	for _, rec := range t.Workspaces {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateWorkspaces applies fn to the workspace table under the document
// mutex. The map is keyed by owning task ID and is never nil.
func (s *Store) UpdateWorkspaces(fn func(map[string]*WorkspaceRecord) error) error {
	return s.workspaces.Update(func(t *workspaceTable) error {
		if t.Workspaces == nil {
			t.Workspaces = make(map[string]*WorkspaceRecord)
		}
		return fn(t.Workspaces)
	})
}
