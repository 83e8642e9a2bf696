package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/natefinch/atomic"
)

// readAttempts bounds retries of a transiently unparseable document.
const readAttempts = 3

// Document is a JSON file holding a value of type T. Reads tolerate a
// missing file (zero value) and retry a transiently unparseable one;
// writes are whole-file atomic replacements made under a FileMutex.
type Document[T any] struct {
	path        string
	lockTimeout time.Duration
}

// NewDocument returns a document stored at path.
func NewDocument[T any](path string, lockTimeout time.Duration) *Document[T] {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Document[T]{path: path, lockTimeout: lockTimeout}
}

// Path returns the document location.
func (d *Document[T]) Path() string {
	return d.path
}

// Load reads the current value without taking the mutex.
func (d *Document[T]) Load() (T, error) {
	var value T
	op := func() error {
		v, err := d.read()
		if err != nil {
			if errors.Is(err, ErrCorruptDocument) {
				return err
			}
			return backoff.Permanent(err)
		}
		value = v
		return nil
	}
	if err := backoff.Retry(op, readBackoff()); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// Update applies fn to the current value and atomically persists the result.
// If fn returns an error nothing is written.
func (d *Document[T]) Update(fn func(*T) error) (err error) {
	mu := NewFileMutex(d.path + ".lock")
	if err := mu.Lock(d.lockTimeout); err != nil {
		return err
	}
	defer func() {
		if uerr := mu.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	current, err := d.Load()
	if err != nil {
		return err
	}
	if err := fn(&current); err != nil {
		return err
	}
	return d.write(current)
}

func (d *Document[T]) read() (T, error) {
	var value T
	data, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return value, nil
	}
	if err != nil {
		return value, fmt.Errorf("read %s: %w", filepath.Base(d.path), err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return value, nil
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("%w: %s: %v", ErrCorruptDocument, filepath.Base(d.path), err)
	}
	return value, nil
}

func (d *Document[T]) write(value T) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(d.path), err)
	}
	if err := atomic.WriteFile(d.path, bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(d.path), err)
	}
	return nil
}

func readBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	return backoff.WithMaxRetries(b, readAttempts-1)
}
