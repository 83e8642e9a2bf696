// Package hook runs one intercepted tool call through security evaluation,
// workspace isolation and coordination, and produces the host response.
//
// A pre-execution event moves through
//
//	Received → Parsed → SecurityEvaluated → Blocked
//	                                      ↘ WorkspaceResolved → ParametersRewritten → LockCoordinated → Responded
//
// A block leaves the workspace and coordination layers untouched. Any
// failure while establishing isolation blocks as well. Post-execution
// events release locks, record progress and never block.
package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/errs"
	"github.com/boshu2/warden/internal/pathguard"
	"github.com/boshu2/warden/internal/protocol"
	"github.com/boshu2/warden/internal/rules"
	"github.com/boshu2/warden/internal/storage"
	"github.com/boshu2/warden/internal/worktree"
)

// Stage is a state of the per-event state machine.
type Stage string

const (
	StageReceived            Stage = "received"
	StageParsed              Stage = "parsed"
	StageSecurityEvaluated   Stage = "security_evaluated"
	StageBlocked             Stage = "blocked"
	StageWorkspaceResolved   Stage = "workspace_resolved"
	StageParametersRewritten Stage = "parameters_rewritten"
	StageLockCoordinated     Stage = "lock_coordinated"
	StageResponded           Stage = "responded"
)

const (
	// maxDetail bounds the command text kept in progress entries.
	maxDetail = 100

	taskMarkerFormat = "[warden task: %s]"
)

var taskMarker = regexp.MustCompile(`\[warden task: ([A-Za-z0-9._-]+)\]`)

// Outcome is the result of handling one event.
type Outcome struct {
	Response *protocol.Response
	Verdict  rules.Verdict
	ExitCode int
	Stage    Stage
	// Err is the classified cause of a block or of a logged post-event
	// failure.
	Err       error
	Workspace *coord.WorkspaceRecord
}

// Pipeline handles hook events for one repository and session.
type Pipeline struct {
	engine    *rules.Engine
	store     *coord.Store
	workspace *worktree.Manager
	roles     RoleCatalog
	guard     *pathguard.Validator
	logger    *zap.Logger
	repoRoot  string
	newTaskID func() string
	audit     bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkspaces enables workspace isolation for delegated tasks. Without
// it, events carrying a task id run in the main checkout.
func WithWorkspaces(m *worktree.Manager) Option {
	return func(p *Pipeline) { p.workspace = m }
}

// WithRoles sets the catalog of tracked task types.
func WithRoles(r RoleCatalog) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.roles = r
		}
	}
}

// WithValidator sets the validator confining rewritten paths.
func WithValidator(v *pathguard.Validator) Option {
	return func(p *Pipeline) {
		if v != nil {
			p.guard = v
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTaskIDs overrides generation of ids for spawned tasks.
func WithTaskIDs(gen func() string) Option {
	return func(p *Pipeline) {
		if gen != nil {
			p.newTaskID = gen
		}
	}
}

// WithoutAudit disables the decision log.
func WithoutAudit() Option {
	return func(p *Pipeline) { p.audit = false }
}

// New returns a pipeline evaluating calls against repoRoot.
func New(engine *rules.Engine, store *coord.Store, repoRoot string, opts ...Option) *Pipeline {
	if root, err := filepath.EvalSymlinks(repoRoot); err == nil {
		repoRoot = root
	}
	p := &Pipeline{
		engine:    engine,
		store:     store,
		roles:     AnyRole{},
		guard:     pathguard.New(pathguard.DefaultMaxTraversalDepth),
		logger:    zap.NewNop(),
		repoRoot:  repoRoot,
		newTaskID: func() string { return "task-" + uuid.NewString()[:8] },
		audit:     true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes ev and returns the response to send to the host.
func (p *Pipeline) Handle(ctx context.Context, ev *protocol.ToolCallEvent) Outcome {
	var out Outcome
	if ev.Kind == protocol.EventPost {
		out = p.handlePost(ctx, ev)
	} else {
		out = p.handlePre(ctx, ev)
	}
	p.record(ev, out)
	return out
}

// event carries per-call state through the pre-event stages.
type event struct {
	*protocol.ToolCallEvent
	params    json.RawMessage
	changed   bool
	warnings  []string
	workspace *coord.WorkspaceRecord
	loc       locator
}

func (p *Pipeline) handlePre(ctx context.Context, ev *protocol.ToolCallEvent) Outcome {
	e := &event{ToolCallEvent: ev, params: ev.Params}
	e.loc = locator{cwd: canonicalDir(ev.WorkingDir), repoRoot: p.repoRoot, guard: p.guard}

	verdict := p.engine.Evaluate(rules.NewContext(ev.ToolName, ev.Params, p.evaluationRoot(e), ev.Env))
	if verdict.Blocked() {
		return p.block(ev, verdict, StageSecurityEvaluated, errs.Security(verdict.Reason, verdict.Suggestion))
	}
	if verdict.Action == rules.ActionModify && len(verdict.Rewritten) > 0 {
		e.params, e.changed = verdict.Rewritten, true
	}
	e.warnings = append(e.warnings, verdict.Warnings...)

	if IsSpawn(ev.ToolName) {
		if err := p.spawn(e); err != nil {
			return p.block(ev, verdict, StageSecurityEvaluated, err)
		}
	}

	p.adopt(e)
	if err := p.resolveWorkspace(ctx, e); err != nil {
		return p.block(ev, verdict, StageSecurityEvaluated, err)
	}
	if err := p.rewrite(e); err != nil {
		return p.block(ev, verdict, StageWorkspaceResolved, err)
	}
	if err := p.acquireLocks(e); err != nil {
		return p.block(ev, verdict, StageParametersRewritten, err)
	}

	p.progress(e.TaskID, ev.ToolName, coord.ProgressInProgress, progressDetail(ev.ToolName, e.params))
	p.touch(e.TaskID)

	var rewritten json.RawMessage
	if e.changed {
		rewritten = e.params
	}
	return Outcome{
		Response:  protocol.Allow(ev.Kind, rewritten, e.warnings),
		Verdict:   verdict,
		ExitCode:  errs.ExitAllow,
		Stage:     StageResponded,
		Workspace: e.workspace,
	}
}

func (p *Pipeline) block(ev *protocol.ToolCallEvent, v rules.Verdict, stage Stage, err error) Outcome {
	reason, suggestion := v.Reason, v.Suggestion
	if errs.KindOf(err) != errs.KindSecurity {
		reason = blockReason(err)
		suggestion = errs.SuggestionOf(err)
		v = rules.Verdict{Action: rules.ActionBlock, Reason: reason, Suggestion: suggestion, Warnings: v.Warnings}
	}
	p.logger.Info("blocked tool call",
		zap.String("tool", ev.ToolName),
		zap.String("task_id", ev.TaskID),
		zap.String("after", string(stage)),
		zap.String("rule", v.RuleID),
		zap.Error(err),
	)
	return Outcome{
		Response: protocol.Block(ev.Kind, reason, suggestion),
		Verdict:  v,
		ExitCode: errs.ExitBlock,
		Stage:    StageBlocked,
		Err:      err,
	}
}

// blockReason renders err for the model. Lock conflicts say who holds the
// file; other failures say isolation could not be established.
func blockReason(err error) string {
	var conflict *coord.LockConflictError
	switch {
	case errors.As(err, &conflict):
		return fmt.Sprintf("%s is being edited by task %s; retry after it finishes", conflict.Resource, conflict.Holder)
	case errs.KindOf(err) == errs.KindWorkspace:
		var boundary *pathguard.BoundaryError
		if errors.As(err, &boundary) || errors.Is(err, ErrOutsideRepository) {
			return "path cannot be mapped into the task workspace: " + err.Error()
		}
		return "isolated workspace could not be prepared: " + err.Error()
	default:
		return err.Error()
	}
}

// evaluationRoot is the directory file access is confined to: the task's
// workspace when every path already points into it, otherwise the
// repository.
func (p *Pipeline) evaluationRoot(e *event) string {
	root := p.repoRoot
	if root == "" {
		root = e.loc.cwd
	}
	if e.TaskID == "" {
		return root
	}
	rec, ok, err := p.store.Workspace(e.TaskID)
	if err != nil || !ok || rec.Status == coord.WorkspaceRemoved {
		return root
	}
	paths := pathValues(e.Params)
	if len(paths) == 0 {
		return root
	}
	for _, v := range paths {
		if !within(e.loc.abs(v), rec.Path) {
			return root
		}
	}
	return rec.Path
}

// spawn registers the delegated task and tags its prompt so the matching
// post-event can find it.
func (p *Pipeline) spawn(e *event) error {
	taskType := gjson.GetBytes(e.params, "subagent_type").String()
	if !p.roles.Known(taskType) {
		return nil
	}
	id := p.newTaskID()
	if err := p.store.RegisterPending(id, taskType); err != nil {
		return errs.Coordination("register task", err, true)
	}
	prompt := gjson.GetBytes(e.params, "prompt").String()
	notice := fmt.Sprintf("File edits made by this task are redirected into an isolated git worktree on a dedicated branch. "+
		"Commit your work there before finishing.\n"+taskMarkerFormat, id)
	if prompt != "" {
		prompt += "\n\n"
	}
	params, err := sjson.SetBytes(e.params, "prompt", prompt+notice)
	if err != nil {
		return errs.Coordination("tag task prompt", err, false)
	}
	e.params, e.changed = params, true
	p.logger.Info("registered delegated task", zap.String("task_id", id), zap.String("task_type", taskType))
	return nil
}

func (p *Pipeline) resolveWorkspace(ctx context.Context, e *event) error {
	if e.TaskID == "" || p.workspace == nil || !NeedsWorkspace(e.ToolName, e.params) {
		return nil
	}
	rec, err := p.workspace.EnsureWorkspace(ctx, e.TaskID, e.TaskType)
	if err != nil {
		return errs.Workspace("ensure workspace", err, errors.Is(err, worktree.ErrCapacity))
	}
	e.workspace = &rec
	e.loc.workspace = rec.Path
	return nil
}

func (p *Pipeline) rewrite(e *event) error {
	if e.workspace == nil {
		return nil
	}
	params, changed, err := rewritePaths(e.params, e.loc)
	if err != nil {
		return errs.Workspace("rewrite paths", err, false)
	}
	if changed {
		e.params, e.changed = params, true
		p.logger.Debug("rewrote paths into workspace",
			zap.String("task_id", e.TaskID),
			zap.String("workspace", e.workspace.Path),
		)
	}
	return nil
}

func (p *Pipeline) holder(ev *protocol.ToolCallEvent) string {
	if ev.TaskID != "" {
		return ev.TaskID
	}
	return "session:" + ev.SessionID
}

func (p *Pipeline) resources(ev *protocol.ToolCallEvent, l locator, params json.RawMessage) []string {
	if !IsMutating(ev.ToolName) {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, v := range pathValues(params) {
		r := l.resource(v)
		if r != "" && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func (p *Pipeline) acquireLocks(e *event) error {
	holder := p.holder(e.ToolCallEvent)
	var held []string
	for _, r := range p.resources(e.ToolCallEvent, e.loc, e.params) {
		ok, err := p.store.AcquireLock(r, holder)
		if err == nil && !ok {
			err = coord.ErrLockConflict
		}
		if err != nil {
			for _, h := range held {
				if _, rerr := p.store.ReleaseLock(h, holder); rerr != nil {
					p.logger.Warn("release lock after conflict", zap.String("resource", h), zap.Error(rerr))
				}
			}
			cerr := errs.Coordination("acquire lock", err, errors.Is(err, coord.ErrLockConflict))
			if cerr.Transient {
				cerr.Suggestion = "work on another file or retry shortly"
			}
			return cerr
		}
		held = append(held, r)
	}
	return nil
}

func (p *Pipeline) handlePost(ctx context.Context, ev *protocol.ToolCallEvent) Outcome {
	out := Outcome{
		Response: protocol.Allow(ev.Kind, nil, nil),
		Verdict:  rules.Allow(),
		ExitCode: errs.ExitAllow,
		Stage:    StageResponded,
	}

	l := locator{cwd: canonicalDir(ev.WorkingDir), repoRoot: p.repoRoot, guard: p.guard}
	if ev.TaskID != "" {
		if rec, ok, err := p.store.Workspace(ev.TaskID); err == nil && ok {
			l.workspace = rec.Path
			out.Workspace = &rec
		}
	}
	holder := p.holder(ev)
	for _, r := range p.resources(ev, l, ev.Params) {
		if _, err := p.store.ReleaseLock(r, holder); err != nil {
			out.Err = errs.Coordination("release lock", err, true)
			p.logger.Warn("release lock", zap.String("resource", r), zap.Error(err))
		}
	}

	status := coord.ProgressCompleted
	if !ev.Succeeded() {
		status = coord.ProgressFailed
	}
	p.progress(ev.TaskID, ev.ToolName, status, progressDetail(ev.ToolName, ev.Params))

	if IsSpawn(ev.ToolName) {
		p.finishTask(ctx, ev)
	}
	p.touch(ev.TaskID)
	return out
}

// finishTask closes the task spawned by a Task call and reclaims
// workspaces that became eligible.
// adopt links a sub-agent that reports its own id to the delegation that
// started it, so finishing the delegation also finishes the sub-agent.
func (p *Pipeline) adopt(e *event) {
	if e.TaskID == "" {
		return
	}
	spawnID, err := p.store.AdoptSpawn(e.TaskID, e.TaskType)
	if err != nil {
		p.logger.Warn("link sub-agent to delegation", zap.String("task_id", e.TaskID), zap.Error(err))
		return
	}
	if spawnID != "" && e.TaskType == "" {
		if task, err := p.store.Task(spawnID); err == nil {
			e.TaskType = task.TaskType
		}
	}
}

func (p *Pipeline) finishTask(ctx context.Context, ev *protocol.ToolCallEvent) {
	m := taskMarker.FindStringSubmatch(gjson.GetBytes(ev.Params, "prompt").String())
	if m == nil {
		return
	}
	id := m[1]
	status := coord.TaskCompleted
	if !ev.Succeeded() {
		status = coord.TaskFailed
	}
	ids, err := p.store.FinishTask(id, status)
	if err != nil {
		p.logger.Warn("update task status", zap.String("task_id", id), zap.Error(err))
		return
	}
	for _, tid := range ids {
		if n, err := p.store.ReleaseAll(tid); err != nil {
			p.logger.Warn("release task locks", zap.String("task_id", tid), zap.Error(err))
		} else if n > 0 {
			p.logger.Info("released locks of finished task", zap.String("task_id", tid), zap.Int("count", n))
		}
	}
	p.logger.Info("task finished",
		zap.String("task_id", id),
		zap.Strings("agents", ids[1:]),
		zap.String("status", string(status)),
	)

	if p.workspace == nil {
		return
	}
	rep, err := p.workspace.RunMaintenance(ctx)
	if err != nil {
		p.logger.Warn("workspace maintenance", zap.Error(err))
		return
	}
	if len(rep.Removed) > 0 || len(rep.Failed) > 0 {
		p.logger.Info("workspace maintenance",
			zap.Int("removed", len(rep.Removed)),
			zap.Int("failed", len(rep.Failed)),
			zap.Int("skipped_dirty", len(rep.SkippedDirty)),
		)
	}
}

func (p *Pipeline) progress(taskID, step string, status coord.ProgressStatus, detail string) {
	if taskID == "" {
		return
	}
	if err := p.store.RecordProgress(taskID, step, status, detail); err != nil {
		p.logger.Warn("record progress", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (p *Pipeline) touch(taskID string) {
	if taskID == "" || p.workspace == nil {
		return
	}
	if err := p.workspace.Touch(taskID); err != nil && !errors.Is(err, worktree.ErrWorkspaceNotFound) {
		p.logger.Debug("touch workspace", zap.String("task_id", taskID), zap.Error(err))
	}
}

// progressDetail summarizes a call for its progress entry.
func progressDetail(tool string, params json.RawMessage) string {
	if strings.EqualFold(tool, "Bash") {
		cmd := strings.TrimSpace(gjson.GetBytes(params, "command").String())
		if r := []rune(cmd); len(r) > maxDetail {
			cmd = string(r[:maxDetail]) + "..."
		}
		return cmd
	}
	if IsSpawn(tool) {
		return gjson.GetBytes(params, "description").String()
	}
	for _, key := range rules.PathParams {
		if v := gjson.GetBytes(params, key); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func canonicalDir(dir string) string {
	if dir == "" {
		return ""
	}
	if c, err := filepath.EvalSymlinks(dir); err == nil {
		return c
	}
	return filepath.Clean(dir)
}

// Decision is one line of the audit log.
type Decision struct {
	Time      time.Time `json:"time" yaml:"time"`
	Event     string    `json:"event" yaml:"event"`
	Tool      string    `json:"tool" yaml:"tool"`
	TaskID    string    `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Action    string    `json:"action" yaml:"action"`
	RuleID    string    `json:"rule_id,omitempty" yaml:"rule_id,omitempty"`
	Class     string    `json:"class,omitempty" yaml:"class,omitempty"`
	Reason    string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Stage     Stage     `json:"stage" yaml:"stage"`
	Workspace string    `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Rewritten bool      `json:"rewritten,omitempty" yaml:"rewritten,omitempty"`
	ExitCode  int       `json:"exit_code" yaml:"exit_code"`
}

// Decisions reads the audit log of the store's session.
func Decisions(store *coord.Store) ([]Decision, error) {
	return storage.ReadJSONL[Decision](store.DecisionLogPath())
}

func (p *Pipeline) record(ev *protocol.ToolCallEvent, out Outcome) {
	if !p.audit {
		return
	}
	d := Decision{
		Time:      p.store.Now(),
		Event:     ev.Kind.HookEventName(),
		Tool:      ev.ToolName,
		TaskID:    ev.TaskID,
		Action:    string(out.Verdict.Action),
		RuleID:    out.Verdict.RuleID,
		Class:     out.Verdict.Class,
		Reason:    out.Verdict.Reason,
		Stage:     out.Stage,
		Rewritten: out.Response != nil && len(out.Response.RewrittenParameters) > 0,
		ExitCode:  out.ExitCode,
	}
	if out.Workspace != nil {
		d.Workspace = out.Workspace.Path
	}
	if err := storage.AppendJSONL(p.store.DecisionLogPath(), d); err != nil {
		p.logger.Warn("append decision log", zap.Error(err))
	}
}
