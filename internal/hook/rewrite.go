package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/boshu2/warden/internal/coord"
	"github.com/boshu2/warden/internal/pathguard"
	"github.com/boshu2/warden/internal/rules"
)

// ErrOutsideRepository is returned when a path to be isolated lies outside
// both the repository and the task's workspace.
var ErrOutsideRepository = errors.New("path is outside the repository")

// locator resolves tool paths for one event.
type locator struct {
	cwd       string
	repoRoot  string
	workspace string
	guard     *pathguard.Validator
}

func (l locator) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	base := l.cwd
	if base == "" {
		base = l.repoRoot
	}
	return filepath.Join(base, p)
}

func within(p, root string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// intoWorkspace maps a path addressed at the main checkout onto the same
// location inside the workspace and confines the result to it.
func (l locator) intoWorkspace(p string) (string, error) {
	abs := l.abs(p)
	var target string
	switch {
	case within(abs, l.workspace):
		target = abs
	case within(abs, l.repoRoot):
		rel, err := filepath.Rel(l.repoRoot, abs)
		if err != nil {
			return "", err
		}
		target = filepath.Join(l.workspace, rel)
	default:
		return "", fmt.Errorf("%w: %s", ErrOutsideRepository, p)
	}
	return l.guard.Validate(target, l.workspace)
}

// resource returns the repository-relative lock key for p. Paths inside the
// workspace map to the same key as their main-checkout counterpart.
func (l locator) resource(p string) string {
	abs := l.abs(p)
	for _, root := range []string{l.workspace, l.repoRoot} {
		if within(abs, root) {
			if rel, err := filepath.Rel(root, abs); err == nil {
				return coord.NormalizeResource(rel)
			}
		}
	}
	return coord.NormalizeResource(abs)
}

// pathValues returns the path parameters present in params, by key.
func pathValues(params json.RawMessage) map[string]string {
	out := map[string]string{}
	for _, key := range rules.PathParams {
		if v := gjson.GetBytes(params, key); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			out[key] = v.Str
		}
	}
	return out
}

// rewritePaths returns params with every path parameter mapped into the
// workspace. Unknown fields are left untouched.
func rewritePaths(params json.RawMessage, l locator) (json.RawMessage, bool, error) {
	out := params
	changed := false
	for _, key := range rules.PathParams {
		v := gjson.GetBytes(out, key)
		if v.Type != gjson.String || strings.TrimSpace(v.Str) == "" {
			continue
		}
		mapped, err := l.intoWorkspace(v.Str)
		if err != nil {
			return nil, false, err
		}
		if mapped == v.Str {
			continue
		}
		next, err := sjson.SetBytes(out, key, mapped)
		if err != nil {
			return nil, false, fmt.Errorf("rewrite %s: %w", key, err)
		}
		out, changed = next, true
	}
	return out, changed, nil
}
