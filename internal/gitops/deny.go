package gitops

import (
	"fmt"
	"strings"
)

// DeniedCommandError describes a destructive git command shape.
type DeniedCommandError struct {
	Shape      string
	Suggestion string
}

func (e *DeniedCommandError) Error() string {
	return fmt.Sprintf("destructive git command refused: %s", e.Shape)
}

func (e *DeniedCommandError) Is(target error) bool { return target == ErrDeniedCommand }

// globalOptsWithValue are git options that consume the following argument.
var globalOptsWithValue = map[string]bool{
	"-C": true, "-c": true, "--git-dir": true, "--work-tree": true,
	"--namespace": true, "--exec-path": true, "--config-env": true,
}

// splitSubcommand skips git's global options and returns the subcommand and
// its arguments.
func splitSubcommand(args []string) (string, []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if globalOptsWithValue[a] {
			i++
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a, args[i+1:]
	}
	return "", nil
}

// shortFlags reports whether arg is a bundle of single-letter flags
// (e.g. -xdf) containing letter.
func shortFlags(arg string, letter byte) bool {
	if len(arg) < 2 || arg[0] != '-' || arg[1] == '-' {
		return false
	}
	return strings.IndexByte(arg[1:], letter) >= 0
}

func hasArg(args []string, want ...string) bool {
	for _, a := range args {
		for _, w := range want {
			if a == w {
				return true
			}
		}
	}
	return false
}

// Deny checks a git argument vector (without the leading "git") against the
// fixed deny-list of destructive shapes. It returns nil for permitted
// commands.
func Deny(args []string) *DeniedCommandError {
	sub, rest := splitSubcommand(args)
	switch sub {
	case "reset":
		if hasArg(rest, "--hard") {
			return &DeniedCommandError{Shape: "git reset --hard", Suggestion: "use 'git stash' to set changes aside or 'git reset --soft'"}
		}
	case "clean":
		for _, a := range rest {
			if a == "--force" || shortFlags(a, 'f') {
				return &DeniedCommandError{Shape: "git clean --force", Suggestion: "preview with 'git clean -n' and remove specific files by name"}
			}
		}
	case "push":
		for _, a := range rest {
			switch {
			case a == "--force-with-lease" || strings.HasPrefix(a, "--force-with-lease=") || a == "--force-if-includes":
				continue
			case a == "--force" || shortFlags(a, 'f'):
				return &DeniedCommandError{Shape: "git push --force", Suggestion: "use 'git push --force-with-lease'"}
			case a == "--mirror":
				return &DeniedCommandError{Shape: "git push --mirror", Suggestion: "push the specific branch you changed"}
			case strings.HasPrefix(a, "+") && len(a) > 1:
				return &DeniedCommandError{Shape: "git push +refspec", Suggestion: "use 'git push --force-with-lease'"}
			}
		}
	case "branch":
		force := hasArg(rest, "--force") || anyShort(rest, 'f')
		del := hasArg(rest, "--delete") || anyShort(rest, 'd')
		if anyShort(rest, 'D') || (force && del) {
			return &DeniedCommandError{Shape: "git branch -D", Suggestion: "use 'git branch -d', which refuses to drop unmerged commits"}
		}
	case "checkout":
		if hasArg(rest, "--force") || anyShort(rest, 'f') {
			return &DeniedCommandError{Shape: "git checkout --force", Suggestion: "commit or stash changes before switching"}
		}
		if pathspecIsEverything(rest) {
			return &DeniedCommandError{Shape: "git checkout .", Suggestion: "use 'git stash' or restore individual files by name"}
		}
	case "restore":
		if !hasArg(rest, "--staged", "-S") && pathspecIsEverything(rest) {
			return &DeniedCommandError{Shape: "git restore .", Suggestion: "use 'git stash' or restore individual files by name"}
		}
	case "worktree":
		if len(rest) > 0 && rest[0] == "remove" && (hasArg(rest[1:], "--force") || anyShort(rest[1:], 'f')) {
			return &DeniedCommandError{Shape: "git worktree remove --force", Suggestion: "commit or stash the worktree's changes first"}
		}
	case "stash":
		if len(rest) > 0 && rest[0] == "clear" {
			return &DeniedCommandError{Shape: "git stash clear", Suggestion: "drop individual entries with 'git stash drop <n>'"}
		}
	}
	return nil
}

func anyShort(args []string, letter byte) bool {
	for _, a := range args {
		if shortFlags(a, letter) {
			return true
		}
	}
	return false
}

// pathspecIsEverything reports whether the pathspec after options (or after
// "--") names the whole tree.
func pathspecIsEverything(args []string) bool {
	for _, a := range args {
		switch a {
		case ".", "./", ":/", "*", ":(top)":
			return true
		}
	}
	return false
}
