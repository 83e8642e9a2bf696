package rules

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/boshu2/warden/internal/pathguard"
)

// ClassPathBoundary is the pattern class for workspace escapes.
const ClassPathBoundary = "path_boundary"

// PathBoundaryRule confines file parameters to the workspace root and keeps
// shell arguments out of system directories. It cannot be disabled.
type PathBoundaryRule struct {
	Validator *pathguard.Validator
}

// NewPathBoundaryRule returns the rule with the given traversal limit.
func NewPathBoundaryRule(maxDepth int) PathBoundaryRule {
	return PathBoundaryRule{Validator: pathguard.New(maxDepth)}
}

func (PathBoundaryRule) Meta() Meta {
	return Meta{
		ID:          "path-boundary",
		Description: "blocks paths that resolve outside the workspace or into system directories",
		Priority:    10,
	}
}

func (r PathBoundaryRule) Evaluate(ctx *Context) Verdict {
	v := r.Validator
	if v == nil {
		v = pathguard.New(-1)
	}

	for _, p := range ctx.Paths() {
		if ctx.WorkspaceRoot == "" {
			if abs := expandHome(p, v.HomeDir); filepath.IsAbs(abs) && v.IsSystemPath(abs) {
				return boundaryBlock(p, "system directories are off limits")
			}
			continue
		}
		if _, err := v.Validate(p, ctx.WorkspaceRoot); err != nil {
			return boundaryVerdict(err)
		}
	}

	a := ctx.Shell()
	if a == nil {
		return Allow()
	}
	for _, c := range a.Commands {
		for _, arg := range c.Args {
			if verdict, blocked := r.checkWord(v, arg, ctx.WorkspaceRoot); blocked {
				return verdict
			}
		}
	}
	for _, target := range a.Redirects {
		if verdict, blocked := r.checkWord(v, target, ctx.WorkspaceRoot); blocked {
			return verdict
		}
	}
	return Allow()
}

// checkWord inspects one shell argument: absolute and home paths must not
// be system locations, and relative paths must not climb out of root.
func (r PathBoundaryRule) checkWord(v *pathguard.Validator, word, root string) (Verdict, bool) {
	if strings.HasPrefix(word, "-") {
		_, val, ok := strings.Cut(word, "=")
		if !ok {
			return Verdict{}, false
		}
		word = val
	}
	word = strings.TrimSpace(word)
	if word == "" || strings.Contains(word, "://") || strings.ContainsAny(word, " \t\n") {
		return Verdict{}, false
	}

	abs := expandHome(word, v.HomeDir)
	if filepath.IsAbs(abs) {
		if v.IsSystemPath(filepath.Clean(abs)) {
			return boundaryBlock(word, "system directories are off limits"), true
		}
		return Verdict{}, false
	}
	if root != "" && hasParentSegment(word) {
		if _, err := v.Validate(word, root); err != nil {
			return boundaryVerdict(err), true
		}
	}
	return Verdict{}, false
}

func expandHome(p, home string) string {
	if home != "" && (p == "~" || strings.HasPrefix(p, "~/")) {
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

func hasParentSegment(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func boundaryVerdict(err error) Verdict {
	var be *pathguard.BoundaryError
	if errors.As(err, &be) {
		detail := be.Detail
		if detail == "" {
			detail = string(be.Violation)
		}
		return boundaryBlock(be.Path, detail)
	}
	return boundaryBlock("", err.Error())
}

func boundaryBlock(p, detail string) Verdict {
	return Block(ClassPathBoundary,
		fmt.Sprintf("path boundary violation for %q: %s", p, detail),
		"use a path inside the workspace")
}
