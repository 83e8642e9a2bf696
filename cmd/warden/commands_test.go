package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/formatter"
)

func setCheckFlags(t *testing.T, tool, command, path, params string) {
	t.Helper()
	old := [4]string{rulesCheckTool, rulesCheckCommand, rulesCheckPath, rulesCheckParams}
	rulesCheckTool, rulesCheckCommand, rulesCheckPath, rulesCheckParams = tool, command, path, params
	t.Cleanup(func() {
		rulesCheckTool, rulesCheckCommand, rulesCheckPath, rulesCheckParams = old[0], old[1], old[2], old[3]
	})
}

func TestCheckParams(t *testing.T) {
	setCheckFlags(t, "", "ls -la", "", "")
	tool, params, err := checkParams()
	if err != nil {
		t.Fatal(err)
	}
	if tool != "Bash" || gjson.GetBytes(params, "command").Str != "ls -la" {
		t.Errorf("got %s %s", tool, params)
	}

	setCheckFlags(t, "Edit", "", ".env", `{"old_string":"a"}`)
	tool, params, err = checkParams()
	if err != nil {
		t.Fatal(err)
	}
	if tool != "Edit" || gjson.GetBytes(params, "file_path").Str != ".env" || gjson.GetBytes(params, "old_string").Str != "a" {
		t.Errorf("got %s %s", tool, params)
	}

	setCheckFlags(t, "", "", "", "")
	if _, _, err := checkParams(); err == nil {
		t.Error("expected an error with no flags")
	}

	setCheckFlags(t, "Write", "", "", "{bad")
	if _, _, err := checkParams(); err == nil {
		t.Error("expected an error for invalid --params")
	}
}

func TestWorkspaceListing(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []coord.WorkspaceRecord{{
		TaskID:                "task-1",
		Status:                coord.WorkspaceActive,
		Branch:                "warden/impl/task-1",
		Path:                  "/repo/.warden/workspaces/s/impl-task-1",
		LastActivityAt:        now.Add(-90 * time.Second),
		HasUncommittedChanges: true,
	}}

	var buf bytes.Buffer
	if err := formatter.Render(&buf, formatter.FormatTable, workspaceListing(recs, now)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"TASK", "task-1", "active", "yes", "1m30s", "warden/impl/task-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := formatter.Render(&buf, formatter.FormatTable, workspaceListing(nil, now)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No workspaces.") {
		t.Errorf("expected the empty message, got %q", buf.String())
	}
}

func TestCollectStatus(t *testing.T) {
	isolateConfig(t)
	repo := gitRepo(t)

	a, err := loadApp(context.Background(), appOptions{dir: repo, session: "sess-status"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.close()

	if err := a.store.RegisterPending("task-a", "reviewer"); err != nil {
		t.Fatal(err)
	}
	if err := a.store.RegisterTask("task-b", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := a.store.AcquireLock("src/a.go", "task-b"); err != nil {
		t.Fatal(err)
	}

	rep, err := collectStatus(a)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Isolation {
		t.Error("expected isolation inside a git repository")
	}
	if rep.Tasks[coord.TaskPending] != 1 || rep.Tasks[coord.TaskActive] != 1 {
		t.Errorf("task counts = %v", rep.Tasks)
	}
	if len(rep.Locks) != 1 || rep.Locks[0].HolderTaskID != "task-b" {
		t.Errorf("locks = %+v", rep.Locks)
	}
	if len(rep.Recent) != 0 {
		t.Errorf("expected no decisions yet, got %d", len(rep.Recent))
	}
}
