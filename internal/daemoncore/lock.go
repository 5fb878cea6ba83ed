package daemoncore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"
)

// ErrAlreadyRunning means the PID file is locked by a live process; only
// one daemon instance may run per runtime directory.
var ErrAlreadyRunning = errors.New("daemoncore: daemon already running")

// LockInfo is the JSON metadata written into the PID file.
type LockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held exclusive lock on the PID file.
type Lock struct {
	file *os.File
	path string
}

// Close releases the lock without removing the PID file; callers that own
// a clean shutdown path remove it explicitly afterward.
func (l *Lock) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// AcquireLock opens (creating if needed) the PID file at path and takes an
// exclusive, non-blocking flock on it. If another live process holds it,
// ErrAlreadyRunning is returned so the start path can report
// already_running.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("daemoncore: open pid file: %w", err)
	}

	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyRunning) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("daemoncore: lock pid file: %w", err)
	}

	info := LockInfo{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	enc := json.NewEncoder(f)
	if err := enc.Encode(info); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemoncore: write pid file: %w", err)
	}
	_ = f.Sync()

	return &Lock{file: f, path: path}, nil
}

// ReadLockInfo reads the PID file's JSON metadata without acquiring the
// lock, for the status subcommand.
func ReadLockInfo(path string) (LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockInfo{}, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{}, fmt.Errorf("daemoncore: parse pid file: %w", err)
	}
	return info, nil
}

// ProcessAlive reports whether pid names a live process. On Unix this is
// signal 0, which does not actually deliver anything.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

var _ io.Closer = (*Lock)(nil)
