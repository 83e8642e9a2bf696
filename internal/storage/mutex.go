package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// mutexStaleAfter is the age after which a mutex file is presumed abandoned
// even if its PID is alive (PIDs are recycled). Holds last milliseconds.
const mutexStaleAfter = 30 * time.Second

var errMutexHeld = errors.New("file mutex held")

// FileMutex is a cross-process mutual-exclusion lock backed by an
// exclusively-created file containing the holder's PID and timestamp.
type FileMutex struct {
	path   string
	file   *os.File
	locked bool
}

// NewFileMutex returns an unlocked mutex at path.
func NewFileMutex(path string) *FileMutex {
	return &FileMutex{path: path}
}

// TryLock attempts a single acquisition, breaking a stale mutex file first.
func (m *FileMutex) TryLock() error {
	if m.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := m.create()
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("create lock file: %w", err)
		}
		file, err = m.takeOver()
		if err != nil {
			return err
		}
	}

	m.file = file
	m.locked = true

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := m.file.WriteString(content); err != nil {
		_ = m.Unlock() //nolint:errcheck // cleanup in error path
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

func (m *FileMutex) create() (*os.File, error) {
	return os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
}

// takeOver replaces a stale mutex file. Contenders serialize on a companion
// break file and only remove the file they judged stale if it is still in
// place and still stale.
func (m *FileMutex) takeOver() (*os.File, error) {
	judged, err := os.Stat(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errMutexHeld
		}
		return nil, fmt.Errorf("stat lock file: %w", err)
	}
	if !m.stale() {
		return nil, errMutexHeld
	}

	guard := m.path + ".break"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create break file: %w", err)
		}
		// A contender that died mid-takeover leaves the break file behind.
		if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) > mutexStaleAfter {
			_ = os.Remove(guard) //nolint:errcheck // retried on the next attempt
		}
		return nil, errMutexHeld
	}
	defer func() {
		_ = g.Close()        //nolint:errcheck // empty marker file
		_ = os.Remove(guard) //nolint:errcheck // best effort
	}()

	current, err := os.Stat(m.path)
	switch {
	case err == nil && (!os.SameFile(judged, current) || !m.stale()):
		return nil, errMutexHeld
	case err == nil:
		if rmErr := os.Remove(m.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("remove stale lock file: %w", rmErr)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("stat lock file: %w", err)
	}

	file, err := m.create()
	if err != nil {
		if os.IsExist(err) {
			return nil, errMutexHeld
		}
		return nil, fmt.Errorf("create lock file after removing stale one: %w", err)
	}
	return file, nil
}

// Lock polls TryLock with exponential backoff until timeout elapses.
func (m *FileMutex) Lock(timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		err := m.TryLock()
		if err == nil || errors.Is(err, errMutexHeld) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if errors.Is(err, errMutexHeld) {
		return fmt.Errorf("%w: %s", ErrLockTimeout, filepath.Base(m.path))
	}
	return err
}

// Unlock releases the mutex. Unlocking an unheld mutex is a no-op.
func (m *FileMutex) Unlock() error {
	if !m.locked {
		return nil
	}
	var err error
	if m.file != nil {
		err = m.file.Close()
		m.file = nil
	}
	if rmErr := os.Remove(m.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = fmt.Errorf("remove lock file: %w", rmErr)
	}
	m.locked = false
	return err
}

// stale reports whether the existing mutex file was left by a dead process
// or is older than mutexStaleAfter. Unreadable files count as stale.
func (m *FileMutex) stale() bool {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return os.IsNotExist(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		// A holder may be between create and write; judge by mtime.
		info, statErr := os.Stat(m.path)
		return statErr == nil && time.Since(info.ModTime()) > mutexStaleAfter
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || !processAlive(pid) {
		return true
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(lines[1]))
	return err == nil && time.Since(ts) > mutexStaleAfter
}
