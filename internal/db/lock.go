package db

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// SessionLock is an exclusive advisory lock on one session.
type SessionLock struct {
	file *os.File
}

func lockFile(dir, sessionID string) (*os.File, error) {
	locksDir := filepath.Join(dir, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(locksDir, sessionID+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return file, nil
}

// TryAcquireSessionLock takes the lock without blocking; ok is false when
// another worker holds it.
func TryAcquireSessionLock(dir, sessionID string) (*SessionLock, bool, error) {
	file, err := lockFile(dir, sessionID)
	if err != nil {
		return nil, false, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, false, nil
	}
	return &SessionLock{file: file}, true, nil
}

// Release releases the lock.
func (l *SessionLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
