// Package storage persists warden's file-resident state.
//
// Every shared document is rewritten whole through a temp-file-then-rename
// write while a cross-process file mutex is held, so concurrent hook
// processes never observe a partial document. Append-only logs use JSONL.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseDir is the default data directory.
	DefaultBaseDir = ".warden"

	// SessionsDir holds one directory per orchestration session.
	SessionsDir = "sessions"

	// LogsDir holds hook-mode log files.
	LogsDir = "logs"

	// SessionIDMaxLength bounds session directory names.
	SessionIDMaxLength = 64

	// DefaultLockTimeout bounds the wait for a document mutex.
	DefaultLockTimeout = 2 * time.Second
)

// Sentinel errors for the storage package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrSessionIDRequired is returned when a session directory is requested without an ID.
	ErrSessionIDRequired = errors.New("session ID is required")

	// ErrLockTimeout is returned when a document mutex cannot be acquired in time.
	ErrLockTimeout = errors.New("timed out waiting for file lock")

	// ErrCorruptDocument is returned when a document stays unparseable after retries.
	ErrCorruptDocument = errors.New("document is not valid JSON")
)

// FileStorage resolves the on-disk layout under a data directory.
type FileStorage struct {
	// BaseDir is the root directory (e.g., <repo>/.warden).
	BaseDir string

	// LockTimeout bounds the wait for document mutexes.
	LockTimeout time.Duration

	mu sync.Mutex
}

// FileStorageOption configures a FileStorage instance.
type FileStorageOption func(*FileStorage)

// WithBaseDir sets the base directory.
func WithBaseDir(dir string) FileStorageOption {
	return func(fs *FileStorage) {
		fs.BaseDir = dir
	}
}

// WithLockTimeout sets the document mutex wait bound.
func WithLockTimeout(d time.Duration) FileStorageOption {
	return func(fs *FileStorage) {
		if d > 0 {
			fs.LockTimeout = d
		}
	}
}

// NewFileStorage creates a new file-based storage.
func NewFileStorage(opts ...FileStorageOption) *FileStorage {
	fs := &FileStorage{
		BaseDir:     DefaultBaseDir,
		LockTimeout: DefaultLockTimeout,
	}

	for _, opt := range opts {
		opt(fs)
	}

	return fs
}

// Init creates the required directory structure and keeps the data
// directory out of version control.
func (fs *FileStorage) Init() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirs := []string{
		filepath.Join(fs.BaseDir, SessionsDir),
		filepath.Join(fs.BaseDir, LogsDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	ignore := filepath.Join(fs.BaseDir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0600); err != nil {
			return fmt.Errorf("write %s: %w", ignore, err)
		}
	}

	return nil
}

// SessionDir returns the directory holding one session's registries.
func (fs *FileStorage) SessionDir(sessionID string) (string, error) {
	name := sanitizeSessionID(sessionID)
	if name == "" {
		return "", ErrSessionIDRequired
	}
	return filepath.Join(fs.BaseDir, SessionsDir, name), nil
}

// Sessions lists session IDs that have a directory on disk.
func (fs *FileStorage) Sessions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.BaseDir, SessionsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// sanitizeSessionID maps a host-supplied session ID onto a safe directory
// name: path separators and anything outside [A-Za-z0-9._-] become hyphens.
func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), ".-")
	if len(s) > SessionIDMaxLength {
		s = s[:SessionIDMaxLength]
	}
	return s
}
