package rules

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/boshu2/warden/internal/gitops"
	"github.com/boshu2/warden/internal/shell"
)

// Pattern classes reported by DangerousCommandRule.
const (
	ClassRecursiveDelete = "recursive_delete"
	ClassPermissions     = "mass_permission_change"
	ClassProcessKill     = "mass_process_kill"
	ClassDiskWrite       = "raw_disk_write"
	ClassForkBomb        = "fork_bomb"
	ClassDestructiveGit  = "destructive_git"
)

var (
	forkBomb   = regexp.MustCompile(`([a-z_:][a-z0-9_:]*)\s*\(\s*\)\s*\{\s*(\S+)\s*\|\s*(\S+)\s*&\s*;?\s*\}\s*;\s*(\S+)`)
	diskDevice = regexp.MustCompile(`^/dev/(sd|hd|vd|xvd|nvme|mmcblk|disk|rdisk)`)
)

// rootishDirs are targets whose recursive removal is always a block.
var rootishDirs = map[string]bool{
	"/": true, "/*": true, "~": true, "~/": true, "~/*": true,
	"$home": true, "${home}": true, "$home/*": true, "${home}/*": true,
	"*": true, ".": true, "./": true, "./*": true, "..": true, "../": true, "../*": true,
	"/etc": true, "/usr": true, "/var": true, "/bin": true, "/sbin": true, "/lib": true,
	"/boot": true, "/home": true, "/users": true, "/root": true, "/opt": true, "/system": true,
	"/library": true, "/private": true, "/dev": true, "/proc": true, "/sys": true,
}

// DangerousCommandRule blocks shell commands that destroy data or the
// system. It cannot be disabled.
type DangerousCommandRule struct{}

func (DangerousCommandRule) Meta() Meta {
	return Meta{
		ID:          "dangerous-command",
		Description: "blocks destructive shell commands (recursive root removal, disk writes, mass kills, destructive git)",
		Priority:    0,
	}
}

func (r DangerousCommandRule) Evaluate(ctx *Context) Verdict {
	a := ctx.Shell()
	if a == nil {
		return Allow()
	}
	if m := forkBomb.FindStringSubmatch(a.Raw); m != nil && m[1] == m[2] && m[2] == m[3] && m[3] == m[4] {
		return Block(ClassForkBomb, "fork bomb: a function that recursively spawns itself", "")
	}

	home := shell.Home(ctx.Env)
	var warn *Verdict
	for _, c := range a.Commands {
		v := checkCommand(c, home)
		switch v.Action {
		case ActionBlock:
			return v
		case ActionWarn:
			if warn == nil {
				warn = &v
			}
		}
	}
	for _, target := range a.Redirects {
		if diskDevice.MatchString(target) {
			return Block(ClassDiskWrite, fmt.Sprintf("direct write to disk device %s", target), "")
		}
	}
	if warn != nil {
		return *warn
	}
	return Allow()
}

func checkCommand(c shell.Command, home string) Verdict {
	switch {
	case c.Name == "rm":
		return checkRm(c, home)
	case c.Name == "chmod":
		return checkChmod(c, home)
	case c.Name == "chown" || c.Name == "chgrp":
		return checkChown(c, home)
	case c.Name == "kill":
		return checkKill(c)
	case c.Name == "pkill" || c.Name == "killall":
		return checkPatternKill(c)
	case c.Name == "killall5":
		return Block(ClassProcessKill, "killall5 signals every process on the system", "kill specific PIDs instead")
	case c.Name == "mkfs" || strings.HasPrefix(c.Name, "mkfs.") || c.Name == "mke2fs" || c.Name == "wipefs":
		return Block(ClassDiskWrite, "filesystem formatting command: "+c.Name, "")
	case c.Name == "dd":
		for _, arg := range c.Args {
			if dev, ok := strings.CutPrefix(strings.ToLower(arg), "of="); ok && diskDevice.MatchString(dev) {
				return Block(ClassDiskWrite, fmt.Sprintf("direct disk write with dd to %s", dev), "write to a regular file instead")
			}
		}
	case c.Name == "shred":
		for _, arg := range c.Args {
			if diskDevice.MatchString(arg) {
				return Block(ClassDiskWrite, fmt.Sprintf("shred of disk device %s", arg), "")
			}
		}
	case c.Name == "git":
		if denied := gitops.Deny(c.Args); denied != nil {
			return Block(ClassDestructiveGit, "destructive git command: "+denied.Shape, denied.Suggestion)
		}
	}
	return Allow()
}

type rmFlags struct {
	recursive, force, noPreserveRoot bool
	targets                          []string
}

func parseRm(args []string) rmFlags {
	var f rmFlags
	endOpts := false
	for _, arg := range args {
		lower := strings.ToLower(arg)
		switch {
		case endOpts || !strings.HasPrefix(arg, "-") || arg == "-":
			f.targets = append(f.targets, arg)
		case arg == "--":
			endOpts = true
		case lower == "--recursive":
			f.recursive = true
		case lower == "--force":
			f.force = true
		case lower == "--no-preserve-root":
			f.noPreserveRoot = true
		case !strings.HasPrefix(arg, "--"):
			f.recursive = f.recursive || strings.ContainsAny(arg, "rR")
			f.force = f.force || strings.ContainsAny(arg, "fF")
		}
	}
	return f
}

func checkRm(c shell.Command, home string) Verdict {
	f := parseRm(c.Args)
	if f.noPreserveRoot {
		return Block(ClassRecursiveDelete, "rm --no-preserve-root disables the last guard against deleting /", "remove specific files by name")
	}
	if !f.recursive {
		return Allow()
	}
	for _, t := range f.targets {
		if isRootish(t, home) {
			return Block(ClassRecursiveDelete,
				fmt.Sprintf("recursive deletion of root path %s", t),
				"use a specific file name instead of a wildcard or root directory")
		}
	}
	if c.Privileged() {
		return Block(ClassRecursiveDelete, "privileged recursive deletion (sudo rm -r)", "run without sudo and name the files to remove")
	}
	if f.force {
		return Warn(ClassRecursiveDelete, "forced recursive deletion of "+strings.Join(f.targets, " "), "double-check the target paths")
	}
	return Allow()
}

// isRootish reports whether target names the filesystem root, the home
// directory, a system directory, or a bare wildcard/dot.
func isRootish(target, home string) bool {
	t := strings.ToLower(strings.TrimSpace(target))
	if t == "" {
		return false
	}
	if rootishDirs[t] {
		return true
	}
	if !strings.ContainsAny(t, "*$~") {
		clean := filepath.ToSlash(filepath.Clean(t))
		if rootishDirs[clean] {
			return true
		}
		t = clean
	}
	if home != "" {
		h := strings.ToLower(filepath.ToSlash(filepath.Clean(home)))
		if t == h || t == h+"/*" || t == h+"/" {
			return true
		}
		if rest, ok := strings.CutPrefix(t, h+"/"); ok {
			t = "~/" + rest
		}
	}
	return strings.Contains(t, "*") && rootGlob(t)
}

// rootGlob reports whether t is a root, home, or working directory followed
// only by bare wildcard components, such as /*/ or ~/*/*.
func rootGlob(t string) bool {
	parts := strings.Split(strings.TrimRight(t, "/"), "/")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts[1:] {
		if p != "*" && p != "" {
			return false
		}
	}
	switch parts[0] {
	case "", "~", "$home", "${home}", ".", "..", "*":
		return true
	}
	return false
}

func checkChmod(c shell.Command, home string) Verdict {
	recursive := false
	var mode string
	var targets []string
	for _, arg := range c.Args {
		switch {
		case arg == "-R" || arg == "--recursive" || (strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.Contains(arg, "R")):
			recursive = true
		case strings.HasPrefix(arg, "-") && !isSymbolicMode(arg):
		case mode == "":
			mode = strings.ToLower(arg)
		default:
			targets = append(targets, arg)
		}
	}
	if !recursive {
		return Allow()
	}
	switch {
	case unreadable(mode):
		return Block(ClassPermissions, "recursive chmod "+mode+" makes files completely unreadable", "change permissions on specific files")
	case worldWritable[mode]:
		for _, t := range targets {
			if isRootish(t, home) {
				return Block(ClassPermissions, fmt.Sprintf("recursive chmod %s on %s", mode, t), "grant only the permissions needed on specific paths")
			}
		}
		return Warn(ClassPermissions, "recursive chmod "+mode+" makes every file world-writable", "grant only the permissions needed")
	}
	for _, t := range targets {
		if t == "/" || t == "/*" {
			return Block(ClassPermissions, "recursive chmod on the filesystem root", "")
		}
	}
	return Allow()
}

var worldWritable = map[string]bool{"777": true, "0777": true, "a+rwx": true, "ugo+rwx": true, "a=rwx": true}

// unreadable reports whether mode leaves no read permission for the owner,
// the group, and others alike.
func unreadable(mode string) bool {
	if mode == "" {
		return false
	}
	if n, err := strconv.ParseUint(mode, 8, 32); err == nil {
		return n&0o444 == 0
	}
	if strings.Trim(mode, "ugoa+-=rwxXst,") != "" {
		return false
	}
	removed := map[byte]bool{}
	for _, clause := range strings.Split(mode, ",") {
		i := 0
		for i < len(clause) && strings.IndexByte("ugoa", clause[i]) >= 0 {
			i++
		}
		who := clause[:i]
		if who == "" || strings.Contains(who, "a") {
			who = "ugo"
		}
		for i < len(clause) {
			op := clause[i]
			j := i + 1
			for j < len(clause) && strings.IndexByte("+-=", clause[j]) < 0 {
				j++
			}
			perms := clause[i+1 : j]
			for k := 0; k < len(who); k++ {
				switch op {
				case '-':
					if strings.Contains(perms, "r") {
						removed[who[k]] = true
					}
				case '+':
					if strings.Contains(perms, "r") {
						removed[who[k]] = false
					}
				case '=':
					removed[who[k]] = !strings.Contains(perms, "r")
				}
			}
			i = j
		}
	}
	return removed['u'] && removed['g'] && removed['o']
}

func isSymbolicMode(arg string) bool {
	return len(arg) > 1 && arg[0] == '-' && strings.Trim(arg[1:], "rwxXst") == ""
}

func checkChown(c shell.Command, home string) Verdict {
	recursive := false
	var positional []string
	for _, arg := range c.Args {
		if arg == "--recursive" || (strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.Contains(arg, "R")) {
			recursive = true
			continue
		}
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
		}
	}
	if !recursive || len(positional) < 2 {
		return Allow()
	}
	for _, t := range positional[1:] {
		if isRootish(t, home) {
			return Block(ClassPermissions, fmt.Sprintf("recursive %s of %s", c.Name, t), "change ownership of specific paths")
		}
	}
	return Allow()
}

func checkKill(c shell.Command) Verdict {
	for i, arg := range c.Args {
		if arg == "-1" && i > 0 {
			return Block(ClassProcessKill, "kill targeting pid -1 signals every process", "kill specific PIDs instead")
		}
		if arg == "--" && i+1 < len(c.Args) && c.Args[i+1] == "-1" {
			return Block(ClassProcessKill, "kill targeting pid -1 signals every process", "kill specific PIDs instead")
		}
	}
	return Allow()
}

var (
	// matchAllPatterns are process patterns that select every process.
	matchAllPatterns = map[string]bool{"": true, ".": true, ".*": true, ".+": true, "^": true, "$": true, "^.*": true, "^.*$": true}

	killValueOpts = map[string]map[string]bool{
		"pkill": {
			"-u": true, "-U": true, "-g": true, "-G": true, "-P": true, "-s": true, "-t": true, "-F": true,
			"--euid": true, "--uid": true, "--pgroup": true, "--group": true, "--parent": true,
			"--session": true, "--terminal": true, "--pidfile": true, "--signal": true, "--ns": true, "--nslist": true,
		},
		"killall": {
			"-u": true, "-s": true, "-o": true, "-y": true, "-n": true,
			"--user": true, "--signal": true, "--older-than": true, "--younger-than": true, "--ns": true,
		},
	}
	killUserOpts = map[string]bool{"-u": true, "-U": true, "--euid": true, "--uid": true, "--user": true}
)

// checkPatternKill blocks pkill and killall invocations that select every
// process, either through a match-everything pattern or a user selector
// without a name.
func checkPatternKill(c shell.Command) Verdict {
	valued := killValueOpts[c.Name]
	regex := c.Name == "pkill"
	byUser := false
	var patterns []string
	for i := 0; i < len(c.Args); i++ {
		arg := c.Args[i]
		if arg == "--" {
			patterns = append(patterns, c.Args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			patterns = append(patterns, arg)
			continue
		}
		opt, hasValue := arg, false
		switch {
		case strings.HasPrefix(arg, "--"):
			opt, _, hasValue = strings.Cut(arg, "=")
		case len(arg) > 2 && valued[arg[:2]]:
			opt, hasValue = arg[:2], true
		}
		if killUserOpts[opt] {
			byUser = true
		}
		if opt == "-r" || opt == "--regexp" {
			regex = true
		}
		if valued[opt] && !hasValue {
			i++
		}
	}

	if regex {
		for _, p := range patterns {
			if matchAllPatterns[p] {
				return Block(ClassProcessKill,
					fmt.Sprintf("%s pattern %q matches every process", c.Name, p),
					"name the exact process to stop")
			}
		}
	}
	if byUser && len(patterns) == 0 {
		return Block(ClassProcessKill,
			fmt.Sprintf("%s by user without a process name signals every process of that user", c.Name),
			"name the exact process to stop")
	}
	return Allow()
}
