package worktree

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// maxNameAttempts bounds branch-name collision retries.
const maxNameAttempts = 10

// shortIDLen is the prefix length taken from session and task identifiers.
const shortIDLen = 8

const defaultTaskType = "task"

// refComponent lowercases s and replaces everything outside [a-z0-9-] so the
// result is safe as a single git ref component and directory name.
func refComponent(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !ok {
			if lastDash || b.Len() == 0 {
				continue
			}
			b.WriteByte('-')
			lastDash = true
			continue
		}
		b.WriteRune(r)
		lastDash = false
	}
	return strings.TrimRight(b.String(), "-")
}

// shortID returns the first eight ref-safe characters of id.
func shortID(id string) string {
	c := strings.ReplaceAll(refComponent(id), "-", "")
	if len(c) > shortIDLen {
		c = c[:shortIDLen]
	}
	if c == "" {
		return "00000000"
	}
	return c
}

func taskTypeComponent(taskType string) string {
	c := refComponent(taskType)
	if c == "" {
		return defaultTaskType
	}
	if len(c) > 32 {
		c = strings.TrimRight(c[:32], "-")
	}
	return c
}

// randomSuffix returns 4 hex characters from crypto/rand, falling back to the
// clock when the system source fails.
func randomSuffix() string {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%04x", time.Now().UnixNano()&0xffff)
	}
	return hex.EncodeToString(b)
}

// branchBase builds <prefix>/<type>/<session8>-<task8>-<yyyymmddhhmmss>-<rand>.
func branchBase(prefix, taskType, sessionID, taskID string, now time.Time, suffix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "warden"
	}
	return fmt.Sprintf("%s/%s/%s-%s-%s-%s",
		prefix,
		taskTypeComponent(taskType),
		shortID(sessionID),
		shortID(taskID),
		now.UTC().Format("20060102150405"),
		suffix,
	)
}

// branchCandidate returns the name tried on the given zero-based attempt.
func branchCandidate(base string, attempt int) string {
	if attempt == 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, attempt+1)
}

// dirName returns the workspace directory name under the session root.
func dirName(taskType, taskID string) string {
	return taskTypeComponent(taskType) + "-" + shortID(taskID)
}
