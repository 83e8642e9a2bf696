// Package rules decides whether an intercepted tool call may run.
//
// The engine evaluates an ordered set of rules against each call and merges
// their verdicts. Evaluation stops at the first block; warnings and parameter
// rewrites accumulate.
//
// # Threat Model
//
// T1 - Destructive Commands: an agent may issue shell commands that erase
// the filesystem, strip permissions from whole trees, kill every process or
// write to raw disks. The dangerous-command rule parses the command line into
// simple commands (see package shell), expands variables from the event
// environment, strips wrappers such as sudo and env, and matches argv shapes
// rather than raw text, so spacing, case and quoting variants are caught.
//
// T2 - Path Traversal: file parameters and shell arguments may escape the
// workspace via "..", absolute paths, encoded separators or symlinks. The
// path-boundary rule canonicalizes every path with package pathguard and
// blocks anything resolving outside the workspace root or into a system
// directory.
//
// T3 - Secret Exposure: environment files, private keys and credential
// stores must not be read or written by agents. The protected-file rule
// matches file names against a fixed catalogue with an allow-list for
// documentation variants and project-declared exceptions.
//
// T4 - Destructive Git Operations: hard resets, forced cleans, forced pushes
// and similar shapes destroy uncommitted work or rewrite shared history. The
// dangerous-command rule reuses the gitops deny-list and suggests the safe
// alternative (stash, --force-with-lease, branch -d).
//
// # Design Principles
//
// Fail closed: a block always wins, a rule that panics blocks, and the core
// rules (dangerous-command, path-boundary) cannot be disabled.
//
// Bounded latency: the engine tracks elapsed time against a per-call budget.
// Rules slower than the slow-rule threshold are logged. When the budget is
// nearly spent, complex rules (user-defined ones) are skipped and the call is
// allowed with a logged warning.
//
// Cache for latency only: verdicts are cached under a hash of the tool,
// parameters, environment and workspace root, and the cache is dropped when
// the workspace root changes. Verdicts produced while rules were skipped are
// never cached.
package rules
