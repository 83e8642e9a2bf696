package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boshu2/warden/internal/pathguard"
)

func workspace(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func testBoundaryRule() PathBoundaryRule {
	return PathBoundaryRule{Validator: &pathguard.Validator{MaxTraversalDepth: 10, HomeDir: "/home/dev"}}
}

func TestPathBoundary_FileParams(t *testing.T) {
	root := workspace(t)
	r := testBoundaryRule()

	ctx := NewContext("Read", json.RawMessage(`{"file_path":"../../../etc/passwd"}`), "/workspace", nil)
	v := r.Evaluate(ctx)
	require.Equal(t, ActionBlock, v.Action)
	assert.Equal(t, ClassPathBoundary, v.Class)
	assert.Contains(t, v.Reason, "boundary")

	ctx = NewContext("Write", json.RawMessage(`{"file_path":"src/main.go"}`), root, nil)
	assert.Equal(t, ActionAllow, r.Evaluate(ctx).Action)

	ctx = NewContext("Edit", json.RawMessage(`{"file_path":"/etc/hosts"}`), root, nil)
	assert.Equal(t, ActionBlock, r.Evaluate(ctx).Action)

	outside := workspace(t)
	ctx = NewContext("Grep", json.RawMessage(`{"pattern":"x","path":"`+outside+`"}`), root, nil)
	assert.Equal(t, ActionBlock, r.Evaluate(ctx).Action)
}

func TestPathBoundary_OutsideRootForAnyRoot(t *testing.T) {
	r := testBoundaryRule()
	for _, root := range []string{"/workspace", "/srv/app", workspace(t)} {
		ctx := NewContext("Read", json.RawMessage(`{"file_path":"../outside.txt"}`), root, nil)
		assert.Equal(t, ActionBlock, r.Evaluate(ctx).Action, root)
	}
}

func TestPathBoundary_SymlinkOut(t *testing.T) {
	root := workspace(t)
	outside := workspace(t)
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	ctx := NewContext("Write", json.RawMessage(`{"file_path":"escape/new.txt"}`), root, nil)
	assert.Equal(t, ActionBlock, testBoundaryRule().Evaluate(ctx).Action)
}

func TestPathBoundary_NoRootStillGuardsSystemDirs(t *testing.T) {
	r := testBoundaryRule()
	ctx := NewContext("Read", json.RawMessage(`{"file_path":"/etc/shadow"}`), "", nil)
	assert.Equal(t, ActionBlock, r.Evaluate(ctx).Action)

	ctx = NewContext("Read", json.RawMessage(`{"file_path":"notes.md"}`), "", nil)
	assert.Equal(t, ActionAllow, r.Evaluate(ctx).Action)
}

func TestPathBoundary_ShellArguments(t *testing.T) {
	root := workspace(t)
	r := testBoundaryRule()

	blocked := []string{
		"cat /etc/passwd",
		"cp x ../../../../outside",
		"ls ~/.ssh",
		"echo hi > /etc/motd",
		"tar -czf out.tgz --directory=/etc .",
	}
	for _, cmd := range blocked {
		ctx := bashContext(t, cmd, nil)
		ctx.WorkspaceRoot = root
		assert.Equal(t, ActionBlock, r.Evaluate(ctx).Action, cmd)
	}

	allowed := []string{
		"go test ./...",
		"cat src/../README.md",
		"ls /tmp",
		"git log HEAD..main",
		"make 2>/dev/null",
		"curl https://example.com/a/../b",
		"/usr/bin/env python3 script.py",
	}
	for _, cmd := range allowed {
		ctx := bashContext(t, cmd, nil)
		ctx.WorkspaceRoot = root
		v := r.Evaluate(ctx)
		assert.Equal(t, ActionAllow, v.Action, "%s: %s", cmd, v.Reason)
	}
}
