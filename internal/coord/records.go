package coord

import "time"

// TaskStatus is the lifecycle state of a delegated task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	// TaskStale marks an active task whose workspace went unused past the
	// idle threshold. Its next tool call makes it active again.
	TaskStale     TaskStatus = "stale"
)

// Live reports whether the task may still issue tool calls.
func (s TaskStatus) Live() bool {
	return s == TaskPending || s == TaskActive
}

// TaskRecord describes one delegated task of the session.
type TaskRecord struct {
	TaskID        string     `json:"task_id" yaml:"task_id"`
	TaskType      string     `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	WorkspacePath string     `json:"workspace_path,omitempty" yaml:"workspace_path,omitempty"`
	Status        TaskStatus `json:"status" yaml:"status"`
	// SpawnedBy is the marker id of the delegation that started this task
	// when the host reports its own agent id instead.
	SpawnedBy     string     `json:"spawned_by,omitempty" yaml:"spawned_by,omitempty"`
	RegisteredAt  time.Time  `json:"registered_at" yaml:"registered_at"`
	UpdatedAt     time.Time  `json:"updated_at" yaml:"updated_at"`
}

// LockRecord is an advisory hold on a repository-relative resource path.
type LockRecord struct {
	ResourcePath string    `json:"resource_path" yaml:"resource_path"`
	HolderTaskID string    `json:"holder_task_id" yaml:"holder_task_id"`
	AcquiredAt   time.Time `json:"acquired_at" yaml:"acquired_at"`
}

// ProgressStatus is the state of one task step.
type ProgressStatus string

const (
	ProgressPending    ProgressStatus = "pending"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressBlocked    ProgressStatus = "blocked"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
)

// Valid reports whether s is a known progress status.
func (s ProgressStatus) Valid() bool {
	switch s {
	case ProgressPending, ProgressInProgress, ProgressBlocked, ProgressCompleted, ProgressFailed:
		return true
	}
	return false
}

// ProgressEntry is keyed by (TaskID, StepName); later writes overwrite.
type ProgressEntry struct {
	TaskID    string         `json:"task_id" yaml:"task_id"`
	StepName  string         `json:"step_name" yaml:"step_name"`
	Status    ProgressStatus `json:"status" yaml:"status"`
	Detail    string         `json:"detail,omitempty" yaml:"detail,omitempty"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
}

// WorkspaceStatus is the lifecycle state of an isolated workspace.
type WorkspaceStatus string

const (
	WorkspaceActive         WorkspaceStatus = "active"
	WorkspaceIdle           WorkspaceStatus = "idle"
	WorkspacePendingCleanup WorkspaceStatus = "pending_cleanup"
	WorkspaceRemoved        WorkspaceStatus = "removed"
)

// WorkspaceRecord describes one isolated working copy. Owned by the
// workspace lifecycle manager; stored here so every hook process sees it.
type WorkspaceRecord struct {
	WorkspaceID           string          `json:"workspace_id" yaml:"workspace_id"`
	TaskID                string          `json:"owning_task_id" yaml:"owning_task_id"`
	TaskType              string          `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	Path                  string          `json:"filesystem_path" yaml:"filesystem_path"`
	Branch                string          `json:"branch_name" yaml:"branch_name"`
	BaseRevision          string          `json:"base_revision" yaml:"base_revision"`
	CreatedAt             time.Time       `json:"created_at" yaml:"created_at"`
	LastActivityAt        time.Time       `json:"last_activity_at" yaml:"last_activity_at"`
	Status                WorkspaceStatus `json:"status" yaml:"status"`
	HasUncommittedChanges bool            `json:"has_uncommitted_changes" yaml:"has_uncommitted_changes"`
}

// On-disk documents. Each is rewritten whole on every mutation.

type taskTable struct {
	Tasks map[string]*TaskRecord `json:"tasks" yaml:"tasks"`
}

type lockTable struct {
	Locks map[string]*LockRecord `json:"locks" yaml:"locks"`
}

type progressTable struct {
	Entries map[string]*ProgressEntry `json:"entries" yaml:"entries"`
}

type workspaceTable struct {
	Workspaces map[string]*WorkspaceRecord `json:"workspaces" yaml:"workspaces"`
}
