package daemoncore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockWritesLockInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	lock, err := AcquireLock(path)
	require.NoError(t, err)
	defer lock.Close()

	info, err := ReadLockInfo(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.False(t, info.StartedAt.IsZero())
}

func TestAcquireLockSecondHolderFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	lock, err := AcquireLock(path)
	require.NoError(t, err)
	defer lock.Close()

	_, err = AcquireLock(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquireLockReacquiredAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	lock, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, lock.Close())

	lock2, err := AcquireLock(path)
	require.NoError(t, err)
	defer lock2.Close()
}

func TestReadLockInfoMissingFile(t *testing.T) {
	_, err := ReadLockInfo(filepath.Join(t.TempDir(), "nope.pid"))
	assert.Error(t, err)
}

func TestProcessAliveSelf(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
}

func TestProcessAliveUnusedPID(t *testing.T) {
	// PID 1 is init on most unix systems and typically unreachable for a
	// non-root test process via signal, but a very large unused PID should
	// reliably report not-alive.
	assert.False(t, ProcessAlive(1<<30))
}
