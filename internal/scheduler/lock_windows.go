//go:build windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// staleLockAge is how old a lock file may get before it is assumed to belong
// to a coordinator that died without unlocking.
const staleLockAge = 10 * time.Minute

// FileLock approximates flock on Windows with an exclusively created file.
type FileLock struct {
	path   string
	locked bool
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock reports false without error when another process holds the lock.
func (l *FileLock) TryLock() (bool, error) {
	if l.locked {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if errors.Is(err, os.ErrExist) {
		info, serr := os.Stat(l.path)
		if serr != nil || time.Since(info.ModTime()) < staleLockAge {
			return false, nil
		}
		if err := os.Remove(l.path); err != nil {
			return false, nil
		}
		f, err = os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
	}
	if err != nil {
		return false, fmt.Errorf("create lock %s: %w", l.path, err)
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, err
	}
	l.locked = true
	return true, nil
}

func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
