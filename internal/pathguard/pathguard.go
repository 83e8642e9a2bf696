// Package pathguard canonicalizes filesystem paths and confines them to a
// workspace root.
//
// Existing paths are canonicalized through symlinks. Paths that do not exist
// yet are resolved component by component against the root, through the
// deepest existing ancestor, so a not-yet-created file under a symlinked
// directory is judged by where it will actually land.
package pathguard

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultMaxTraversalDepth is the default limit on ".." segments.
const DefaultMaxTraversalDepth = 10

// ErrBoundary matches every *BoundaryError.
var ErrBoundary = errors.New("path boundary violation")

// Violation classifies a rejected path.
type Violation string

const (
	ViolationInvalid      Violation = "invalid_path"
	ViolationEncoded      Violation = "encoded_traversal"
	ViolationDepth        Violation = "traversal_depth"
	ViolationOutsideRoot  Violation = "outside_workspace"
	ViolationSystemPath   Violation = "system_path"
	ViolationEmptyRoot    Violation = "no_workspace_root"
	ViolationUNC          Violation = "network_path"
	ViolationHomeShortcut Violation = "home_directory"
)

// BoundaryError reports why a path was rejected. Path is the path exactly as
// the caller supplied it; canonical forms are kept out of the message.
type BoundaryError struct {
	Path      string
	Violation Violation
	Detail    string
}

func (e *BoundaryError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("path %q rejected (%s): %s", e.Path, e.Violation, e.Detail)
	}
	return fmt.Sprintf("path %q rejected (%s)", e.Path, e.Violation)
}

func (e *BoundaryError) Is(target error) bool { return target == ErrBoundary }

// systemPrefixes are absolute locations no workspace path may resolve into,
// whatever the workspace root. Entries are matched on component boundaries.
var systemPrefixes = []string{
	"/etc", "/usr", "/bin", "/sbin", "/boot", "/sys", "/proc", "/root",
	"/lib", "/lib32", "/lib64", "/opt/local/etc",
	"/var/log", "/var/lib", "/var/run", "/var/spool", "/var/db", "/var/mail", "/var/cache",
	"/private/etc", "/private/var/db", "/private/var/log", "/private/var/root",
	"/System", "/Library",
}

// systemExact are locations that are denied themselves but whose other
// children (e.g. /var/folders, /dev/null) remain reachable.
var systemExact = []string{"/", "/var", "/private", "/private/var", "/dev", "/opt", "/home", "/Users"}

var windowsSystemPrefixes = []string{
	`c:\windows`, `c:\program files`, `c:\program files (x86)`, `c:\programdata`,
}

// credentialDirs are home-relative directories holding secrets.
var credentialDirs = []string{
	".ssh", ".aws", ".gnupg", ".kube", ".docker", ".azure",
	filepath.Join(".config", "gcloud"), filepath.Join(".config", "gh"),
}

// lookalikeSlashes render as "/" but are not path separators.
var lookalikeSlashes = []string{"\uFF0F", "\u2044", "\u2215", "\u29F8"}

// Validator confines paths to a workspace root.
type Validator struct {
	MaxTraversalDepth int
	// HomeDir is used for "~" expansion and credential-directory checks.
	HomeDir string
}

// New returns a validator with the given traversal limit; values < 0 select
// the default.
func New(maxDepth int) *Validator {
	if maxDepth < 0 {
		maxDepth = DefaultMaxTraversalDepth
	}
	home, _ := os.UserHomeDir() //nolint:errcheck // empty home disables credential checks
	return &Validator{MaxTraversalDepth: maxDepth, HomeDir: home}
}

// Validate resolves p (relative paths are taken relative to root) and
// returns its canonical absolute form if it lies inside root and outside
// every system location. Otherwise it returns a *BoundaryError.
func (v *Validator) Validate(p, root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", &BoundaryError{Path: p, Violation: ViolationEmptyRoot}
	}
	if err := v.checkSyntax(p); err != nil {
		return "", err
	}

	canonRoot := canonicalize(absClean(root))

	target := p
	if target == "~" || strings.HasPrefix(target, "~/") {
		if v.HomeDir == "" {
			return "", &BoundaryError{Path: p, Violation: ViolationHomeShortcut}
		}
		target = filepath.Join(v.HomeDir, strings.TrimPrefix(target, "~"))
	}

	var resolved string
	if filepath.IsAbs(target) || isWindowsAbs(target) {
		resolved = canonicalize(filepath.Clean(target))
	} else {
		r, err := resolveUnder(canonRoot, target)
		if err != nil {
			return "", &BoundaryError{Path: p, Violation: ViolationOutsideRoot, Detail: "resolves above the workspace root"}
		}
		resolved = r
	}

	if v.isSystemPath(resolved) && !sameOrWithin(resolved, canonRoot) || isDeniedExact(resolved) {
		return "", &BoundaryError{Path: p, Violation: ViolationSystemPath, Detail: "system directories are off limits"}
	}
	if v.isCredentialPath(resolved) {
		return "", &BoundaryError{Path: p, Violation: ViolationSystemPath, Detail: "credential directories are off limits"}
	}
	if !sameOrWithin(resolved, canonRoot) {
		return "", &BoundaryError{Path: p, Violation: ViolationOutsideRoot, Detail: "outside the workspace root"}
	}
	return resolved, nil
}

// IsSystemPath reports whether p (absolute, cleaned) is a system location.
func (v *Validator) IsSystemPath(p string) bool {
	p = filepath.Clean(p)
	return v.isSystemPath(p) || isDeniedExact(p) || v.isCredentialPath(p)
}

// checkSyntax rejects encodings and separators that must never reach the
// filesystem, and enforces the traversal-depth limit.
func (v *Validator) checkSyntax(p string) error {
	if strings.TrimSpace(p) == "" {
		return &BoundaryError{Path: p, Violation: ViolationInvalid, Detail: "empty path"}
	}
	for _, r := range p {
		if r == 0 || (r < 0x20 && r != '\t') || r == 0x7f {
			return &BoundaryError{Path: p, Violation: ViolationInvalid, Detail: "control characters"}
		}
	}
	for _, s := range lookalikeSlashes {
		if strings.Contains(p, s) {
			return &BoundaryError{Path: p, Violation: ViolationEncoded, Detail: "unicode slash lookalike"}
		}
	}
	if hasEncodedTraversal(p) {
		return &BoundaryError{Path: p, Violation: ViolationEncoded, Detail: "url-encoded traversal"}
	}
	if strings.HasPrefix(p, `\\`) || (strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "///")) {
		return &BoundaryError{Path: p, Violation: ViolationUNC}
	}
	if runtime.GOOS != "windows" && isWindowsAbs(p) {
		return &BoundaryError{Path: p, Violation: ViolationSystemPath, Detail: "drive-qualified path"}
	}
	if depth := traversalDepth(p); depth > v.MaxTraversalDepth {
		return &BoundaryError{Path: p, Violation: ViolationDepth, Detail: fmt.Sprintf("%d parent segments exceeds limit %d", depth, v.MaxTraversalDepth)}
	}
	return nil
}

// hasEncodedTraversal decodes up to three layers of percent-encoding and
// reports whether any layer introduces a ".." segment or separator.
func hasEncodedTraversal(p string) bool {
	if !strings.Contains(p, "%") {
		return false
	}
	cur := p
	for i := 0; i < 3; i++ {
		dec, err := url.PathUnescape(cur)
		if err != nil || dec == cur {
			return err != nil && strings.Contains(strings.ToLower(cur), "%2e")
		}
		if strings.Contains(dec, "..") || strings.ContainsAny(dec, `\`) && !strings.ContainsAny(cur, `\`) {
			return true
		}
		cur = dec
	}
	return strings.Contains(cur, "%")
}

func traversalDepth(p string) int {
	n := 0
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			n++
		}
	}
	return n
}

func isWindowsAbs(p string) bool {
	if len(p) < 3 {
		return false
	}
	c := p[0] | 0x20
	return c >= 'a' && c <= 'z' && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

func absClean(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// canonicalize resolves symlinks in p. When p does not exist, the deepest
// existing ancestor is resolved and the remainder re-appended. Resolution
// failures fall back to the cleaned path.
func canonicalize(p string) string {
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}
	dir, rest := p, ""
	for {
		parent := filepath.Dir(dir)
		rest = filepath.Join(filepath.Base(dir), rest)
		if parent == dir {
			return p
		}
		dir = parent
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(real, rest)
		}
	}
}

// resolveUnder walks the components of rel starting at root, following
// symlinks of existing prefixes. It fails if ".." would climb above root.
func resolveUnder(root, rel string) (string, error) {
	parts := strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == filepath.Separator })
	stack := []string{}
	for _, part := range parts {
		switch part {
		case ".", "":
			continue
		case "..":
			if len(stack) == 0 {
				return "", ErrBoundary
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, part)
		}
	}
	return canonicalize(filepath.Join(append([]string{root}, stack...)...)), nil
}

func sameOrWithin(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (v *Validator) isSystemPath(p string) bool {
	slash := filepath.ToSlash(p)
	for _, prefix := range systemPrefixes {
		if slash == prefix || strings.HasPrefix(slash, prefix+"/") {
			return true
		}
	}
	lower := strings.ToLower(p)
	for _, prefix := range windowsSystemPrefixes {
		if lower == prefix || strings.HasPrefix(lower, prefix+`\`) {
			return true
		}
	}
	return false
}

func isDeniedExact(p string) bool {
	slash := filepath.ToSlash(p)
	for _, e := range systemExact {
		if slash == e {
			return true
		}
	}
	return false
}

func (v *Validator) isCredentialPath(p string) bool {
	if v.HomeDir == "" {
		return false
	}
	for _, dir := range credentialDirs {
		if sameOrWithin(p, filepath.Join(v.HomeDir, dir)) {
			return true
		}
	}
	return false
}
