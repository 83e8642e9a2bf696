package hook

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/boshu2/warden/internal/rules"
)

// Tool classes for the workspace predicate.
var (
	mutatingTools = map[string]bool{
		"write": true, "edit": true, "multiedit": true, "notebookedit": true,
	}
	nonFileTools = map[string]bool{
		"bash": true, "task": true, "webfetch": true, "websearch": true,
		"todowrite": true, "bashoutput": true, "killbash": true,
	}
)

// IsMutating reports whether tool edits files.
func IsMutating(tool string) bool {
	return mutatingTools[strings.ToLower(tool)]
}

// IsSpawn reports whether tool delegates a sub-task.
func IsSpawn(tool string) bool {
	return strings.EqualFold(tool, "Task")
}

// hasPath reports whether params carry a non-empty path parameter.
func hasPath(params json.RawMessage) bool {
	for _, key := range rules.PathParams {
		if v := gjson.GetBytes(params, key); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return true
		}
	}
	return false
}

// NeedsWorkspace is the single rule deciding whether a tool call requires an
// isolated workspace. File-mutating tools always do and shell or web tools
// never do. Read, Grep, Glob, LS and unknown tools do when they carry a path.
func NeedsWorkspace(tool string, params json.RawMessage) bool {
	t := strings.ToLower(tool)
	switch {
	case mutatingTools[t]:
		return true
	case nonFileTools[t]:
		return false
	default:
		return hasPath(params)
	}
}
