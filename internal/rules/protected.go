package rules

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ClassProtectedFile is the pattern class for secret-bearing files.
const ClassProtectedFile = "protected_file"

// protectedNames are base-name globs (lowercase) of secret-bearing files.
var protectedNames = []string{
	".env", "*.env", ".env.*",
	"*.env.local", "*.env.production", "*.env.staging", "*.env.development", "*.env.test",
	"*.key", "*.pem", "*.p12", "*.pfx", "*.credentials",
	"id_rsa", "id_dsa", "id_ecdsa", "id_ed25519",
	".netrc", ".pgpass",
}

// protectedSuffixes are slash-separated path suffixes of secret files.
var protectedSuffixes = []string{"config/secrets.yml", "config/secrets.yaml", ".aws/credentials", ".docker/config.json"}

// allowedNames are documentation variants that are never protected.
var allowedNames = []string{
	"*.env.example", "*.env.sample", "*.env.template", "*.env.dist",
	"stack.env", "*.pub",
}

// ProtectedFileRule blocks access to environment files, private keys and
// credential stores, for file tools and for paths named in shell commands.
type ProtectedFileRule struct {
	// Exceptions are extra allow-list globs, matched against the base name
	// and the slash-separated path.
	Exceptions []string
}

func (ProtectedFileRule) Meta() Meta {
	return Meta{
		ID:          "protected-file",
		Description: "blocks reading or writing secret files (.env, keys, credentials)",
		Priority:    20,
		Disableable: true,
	}
}

func (r ProtectedFileRule) Evaluate(ctx *Context) Verdict {
	for _, p := range ctx.Paths() {
		if r.Protected(p) {
			return r.block(ctx.ToolName, p)
		}
	}
	if a := ctx.Shell(); a != nil {
		for _, w := range a.Words() {
			// Quoted prose (commit messages, echo text) is not a path.
			if strings.ContainsAny(w, " \t\n") {
				continue
			}
			if strings.HasPrefix(w, "-") {
				if _, v, ok := strings.Cut(w, "="); ok {
					w = v
				} else {
					continue
				}
			}
			if r.Protected(w) {
				return r.block(ctx.ToolName, w)
			}
		}
	}
	return Allow()
}

func (r ProtectedFileRule) block(tool, p string) Verdict {
	return Block(ClassProtectedFile,
		fmt.Sprintf("%s access to protected file %q is blocked to prevent exposure of secrets", tool, p),
		"use a documentation variant such as .env.example, or declare an exception in security.protected_exceptions")
}

// Protected reports whether p names a protected file.
func (r ProtectedFileRule) Protected(p string) bool {
	p = strings.TrimSpace(p)
	if p == "" {
		return false
	}
	slash := strings.ToLower(filepath.ToSlash(p))
	slash = strings.TrimRight(slash, "/")
	base := path.Base(slash)

	for _, g := range allowedNames {
		if ok, _ := path.Match(g, base); ok {
			return false
		}
	}
	for _, g := range r.Exceptions {
		g = strings.ToLower(filepath.ToSlash(g))
		if ok, _ := path.Match(g, base); ok {
			return false
		}
		if ok, _ := path.Match(g, slash); ok {
			return false
		}
	}
	for _, g := range protectedNames {
		if ok, _ := path.Match(g, base); ok {
			return true
		}
	}
	for _, s := range protectedSuffixes {
		if slash == s || strings.HasSuffix(slash, "/"+s) {
			return true
		}
	}
	return false
}
