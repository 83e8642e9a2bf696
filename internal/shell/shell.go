// Package shell breaks a shell command line into the simple commands it
// would execute, so that rules can reason about argv vectors instead of raw
// text.
//
// Two independent analyses run on every input: a tree-sitter bash parse and
// a quote-aware splitter. Their results are merged, so a construct one of
// them misreads is still seen by the other.
package shell

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// maxNesting bounds recursion into `sh -c`, eval and command substitutions.
const maxNesting = 4

// Command is one simple command after expansion and wrapper stripping.
type Command struct {
	// Name is the lowercased base name of argv[0] ("/bin/RM" -> "rm").
	Name string
	// Args are the remaining words, expanded and unquoted, original case.
	Args []string
	// Wrappers are stripped prefixes such as sudo or env, in order.
	Wrappers []string
}

// Privileged reports whether the command runs under sudo or doas.
func (c Command) Privileged() bool {
	for _, w := range c.Wrappers {
		if w == "sudo" || w == "doas" {
			return true
		}
	}
	return false
}

// String renders the command as a single normalized line.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Analysis is everything extracted from one command line.
type Analysis struct {
	// Raw is the input, lowercased with whitespace collapsed.
	Raw string
	// Commands are the simple commands found, nested ones included.
	Commands []Command
	// Redirects are redirection targets (`> file`, `2>> log`).
	Redirects []string
	// ParseError is set when the bash grammar could not parse the input
	// cleanly; the fallback splitter's results are still present.
	ParseError bool
}

// Words returns every argument and redirect target across all commands.
func (a *Analysis) Words() []string {
	var out []string
	for _, c := range a.Commands {
		out = append(out, c.Args...)
	}
	return append(out, a.Redirects...)
}

// Analyze parses command. env supplies variable values for expansion; HOME
// falls back to the process environment when env does not set it.
func Analyze(command string, env map[string]string) *Analysis {
	a := &Analysis{Raw: Normalize(command)}
	x := &expander{env: env}
	seen := map[string]bool{}
	analyze(a, x, command, 0, seen)
	return a
}

func analyze(a *Analysis, x *expander, command string, depth int, seen map[string]bool) {
	if depth > maxNesting || strings.TrimSpace(command) == "" {
		return
	}

	raw := parseTree(command)
	if raw.failed {
		a.ParseError = true
	}
	raw.merge(splitFallback(command))

	for _, r := range raw.redirects {
		a.Redirects = append(a.Redirects, x.expand(unquote(r)))
	}
	for _, words := range raw.commands {
		expanded := make([]string, 0, len(words))
		for _, w := range words {
			expanded = append(expanded, x.expand(unquote(w)))
		}
		cmd, ok := stripWrappers(expanded)
		if !ok {
			continue
		}
		key := strings.ToLower(strings.Join(cmd.Wrappers, " ") + "\x00" + cmd.String())
		if seen[key] {
			continue
		}
		seen[key] = true
		a.Commands = append(a.Commands, cmd)

		if inner, ok := innerScript(cmd); ok {
			analyze(a, x, inner, depth+1, seen)
		}
	}
	for _, sub := range substitutions(command) {
		analyze(a, x, sub, depth+1, seen)
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize lowercases s and collapses whitespace runs to single spaces.
func Normalize(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(strings.ToLower(s), " "))
}

type expander struct {
	env map[string]string
}

func (x *expander) lookup(name string) (string, bool) {
	if v, ok := x.env[name]; ok {
		return v, true
	}
	if name == "HOME" {
		if h, err := os.UserHomeDir(); err == nil {
			return h, true
		}
	}
	return "", false
}

// expand substitutes $VAR and ${VAR}. Unknown variables are left literal so
// that "$HOME" and friends remain recognizable to later checks.
func (x *expander) expand(word string) string {
	if !strings.Contains(word, "$") {
		return word
	}
	return os.Expand(word, func(name string) string {
		if v, ok := x.lookup(name); ok {
			return v
		}
		return "$" + name
	})
}

// Home returns the expansion of $HOME under env.
func Home(env map[string]string) string {
	v, _ := (&expander{env: env}).lookup("HOME")
	return v
}

// wrappers maps prefix commands to the number of option arguments that
// take a value (those are skipped along with the option).
var wrappers = map[string]map[string]bool{
	"sudo":    {"-u": true, "-g": true, "-h": true, "-p": true, "-C": true, "-U": true, "-r": true, "-t": true},
	"doas":    {"-u": true, "-C": true},
	"env":     {"-u": true, "-C": true, "-S": true},
	"command": {},
	"exec":    {"-a": true},
	"nohup":   {},
	"time":    {"-f": true, "-o": true},
	"nice":    {"-n": true},
	"ionice":  {"-c": true, "-n": true},
	"timeout": {"-s": true, "-k": true},
	"stdbuf":  {},
	"builtin": {},
}

var assignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// stripWrappers drops leading assignments and wrapper commands, returning
// the effective command.
func stripWrappers(words []string) (Command, bool) {
	var cmd Command
	i := 0
	for i < len(words) {
		w := words[i]
		if assignment.MatchString(w) {
			i++
			continue
		}
		name := strings.ToLower(filepath.Base(w))
		opts, isWrapper := wrappers[name]
		if !isWrapper {
			break
		}
		cmd.Wrappers = append(cmd.Wrappers, name)
		i++
		for i < len(words) && strings.HasPrefix(words[i], "-") {
			if words[i] == "--" {
				i++
				break
			}
			if opts[words[i]] {
				i++
			}
			i++
		}
		if name == "timeout" && i < len(words) {
			i++ // duration
		}
	}
	if i >= len(words) || words[i] == "" {
		return cmd, false
	}
	cmd.Name = strings.ToLower(filepath.Base(words[i]))
	cmd.Args = words[i+1:]
	return cmd, true
}

var shells = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "fish": true}

// innerScript returns the script run by `sh -c '...'` or `eval ...`.
func innerScript(c Command) (string, bool) {
	if c.Name == "eval" && len(c.Args) > 0 {
		return strings.Join(c.Args, " "), true
	}
	if !shells[c.Name] {
		return "", false
	}
	for i, a := range c.Args {
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.Contains(a, "c") && i+1 < len(c.Args) {
			return c.Args[i+1], true
		}
	}
	return "", false
}

// unquote removes shell quoting from a word. Escapes outside single quotes
// drop the backslash.
func unquote(w string) string {
	if !strings.ContainsAny(w, `'"\`) {
		return w
	}
	var b strings.Builder
	inSingle, inDouble := false, false
	for i := 0; i < len(w); i++ {
		ch := w[i]
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case ch == '\\' && !inSingle && i+1 < len(w):
			i++
			b.WriteByte(w[i])
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
