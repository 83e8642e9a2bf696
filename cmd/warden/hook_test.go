package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/boshu2/warden/internal/errs"
	"github.com/boshu2/warden/internal/protocol"
)

// isolateConfig points every config layer at an empty temp home.
func isolateConfig(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("WARDEN_CONFIG", filepath.Join(home, "none.yaml"))
	for _, k := range configEnvVars {
		if k != "WARDEN_CONFIG" {
			t.Setenv(k, "")
		}
	}
}

func gitRepo(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
		{"commit", "--allow-empty", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
		}
	}
	return dir
}

func payload(t *testing.T, event, cwd, tool string, input map[string]any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"session_id":      "sess-cli",
		"cwd":             cwd,
		"hook_event_name": event,
		"tool_name":       tool,
		"tool_input":      input,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func noEnv(string) string { return "" }

func TestRunHookEvent_BlocksDangerousCommand(t *testing.T) {
	isolateConfig(t)
	repo := gitRepo(t)

	var stdout, stderr bytes.Buffer
	in := payload(t, "PreToolUse", repo, "Bash", map[string]any{"command": "rm -rf /"})
	code := runHookEvent(context.Background(), protocol.EventPre, strings.NewReader(in), &stdout, &stderr, noEnv)

	if code != errs.ExitBlock {
		t.Fatalf("exit code = %d, want %d (stderr: %s)", code, errs.ExitBlock, stderr.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, stdout.String())
	}
	if resp["action"] != "block" {
		t.Errorf("action = %v, want block", resp["action"])
	}
	if stderr.Len() == 0 {
		t.Error("expected the block reason on stderr")
	}
}

func TestRunHookEvent_AllowsRead(t *testing.T) {
	isolateConfig(t)
	repo := gitRepo(t)
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	in := payload(t, "PreToolUse", repo, "Read", map[string]any{"file_path": "README.md"})
	code := runHookEvent(context.Background(), protocol.EventPre, strings.NewReader(in), &stdout, &stderr, noEnv)
	if code != errs.ExitAllow {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"allow"`) {
		t.Errorf("expected an allow response, got %s", stdout.String())
	}

	if _, err := os.Stat(filepath.Join(repo, ".warden", "sessions")); err != nil {
		t.Errorf("expected session state under .warden: %v", err)
	}
}

func TestRunHookEvent_MalformedInput(t *testing.T) {
	isolateConfig(t)

	var stdout, stderr bytes.Buffer
	code := runHookEvent(context.Background(), protocol.EventPre, strings.NewReader("{not json"), &stdout, &stderr, noEnv)
	if code != errs.ExitProtocol {
		t.Fatalf("exit code = %d, want %d", code, errs.ExitProtocol)
	}
	if stdout.Len() != 0 {
		t.Errorf("expected no response on stdout, got %s", stdout.String())
	}
}

func TestRunHookEvent_WrongHook(t *testing.T) {
	isolateConfig(t)
	repo := gitRepo(t)

	var stdout, stderr bytes.Buffer
	in := payload(t, "PostToolUse", repo, "Read", map[string]any{"file_path": "README.md"})
	code := runHookEvent(context.Background(), protocol.EventPre, strings.NewReader(in), &stdout, &stderr, noEnv)
	if code != errs.ExitProtocol {
		t.Fatalf("exit code = %d, want %d", code, errs.ExitProtocol)
	}
}

func TestRunHookEvent_OutsideGitRepoStillGuards(t *testing.T) {
	isolateConfig(t)
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	in := payload(t, "PreToolUse", dir, "Write", map[string]any{"file_path": "notes.txt", "content": "x"})
	if code := runHookEvent(context.Background(), protocol.EventPre, strings.NewReader(in), &stdout, &stderr, noEnv); code != errs.ExitAllow {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr.String())
	}

	stdout.Reset()
	in = payload(t, "PreToolUse", dir, "Bash", map[string]any{"command": "mkfs.ext4 /dev/sda1"})
	if code := runHookEvent(context.Background(), protocol.EventPre, strings.NewReader(in), &stdout, &stderr, noEnv); code != errs.ExitBlock {
		t.Fatalf("exit code = %d, want %d", code, errs.ExitBlock)
	}
}

func TestSetupFailure(t *testing.T) {
	var stdout, stderr bytes.Buffer
	pre := &protocol.ToolCallEvent{Kind: protocol.EventPre, ToolName: "Write"}
	if code := setupFailure(pre, &stdout, &stderr, os.ErrPermission); code != errs.ExitBlock {
		t.Errorf("pre: exit code = %d, want %d", code, errs.ExitBlock)
	}
	if !strings.Contains(stdout.String(), "warden could not start") {
		t.Errorf("pre: expected a block response, got %s", stdout.String())
	}

	stdout.Reset()
	post := &protocol.ToolCallEvent{Kind: protocol.EventPost, ToolName: "Write"}
	if code := setupFailure(post, &stdout, &stderr, os.ErrPermission); code != errs.ExitInternal {
		t.Errorf("post: exit code = %d, want %d", code, errs.ExitInternal)
	}
	if stdout.Len() != 0 {
		t.Errorf("post: expected no response, got %s", stdout.String())
	}
}
