package pane

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tapdaemon/taptools/internal/action"
	"github.com/tapdaemon/taptools/internal/patternstore"
	"github.com/tapdaemon/taptools/internal/tmuxdriver"
)

// fakeTmux writes a tiny shell script masquerading as tmux(1), mirroring the
// approach in internal/tmuxdriver's own tests.
func fakeTmux(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tmux")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o700))
	return path
}

const shellReadyScript = `
case "$1 $2" in
  "list-panes -t") exit 0 ;;
  "list-panes -a") printf '%%1\037dev\0370\0370\037bash\037title\n' ;;
  "capture-pane -p") exit 0 ;;
  "display-message -p") echo "bash" ;;
  "send-keys -t") exit 0 ;;
esac
exit 0
`

func newTestManager(t *testing.T, script string) (*Manager, *action.Queue) {
	t.Helper()
	driver := &tmuxdriver.Driver{Bin: fakeTmux(t, script)}

	storePath := filepath.Join(t.TempDir(), "patterns.toml")
	store, err := patternstore.Open(storePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Add("bash", "[$ ]", patternstore.Ready))

	queue := action.NewQueue(0)
	mgr := New(driver, store, queue, nil, 0)
	return mgr, queue
}

// TestExecuteReadyCheckThenAutoResolve exercises the full happy path: an
// execute call against a pane with no readiness evidence yet opens a
// READY_CHECK action; feeding the prompt transitions it to WATCHING and
// sends the command; feeding the command's output plus the prompt again
// completes it.
func TestExecuteReadyCheckThenAutoResolve(t *testing.T) {
	ctx := context.Background()
	mgr, queue := newTestManager(t, shellReadyScript)

	status, actionID, err := mgr.Execute(ctx, "%1", "echo hi", "")
	require.NoError(t, err)
	require.Equal(t, "ready_check", status)
	require.NotEmpty(t, actionID)

	a, ok := queue.Get(actionID)
	require.True(t, ok)
	require.Equal(t, action.ReadyCheck, a.State)

	mgr.Feed(ctx, "%1", []byte("$ \n"))

	a, ok = queue.Get(actionID)
	require.True(t, ok)
	require.Equal(t, action.Watching, a.State)

	mgr.Feed(ctx, "%1", []byte("hi\n$ \n"))

	a, ok = queue.Get(actionID)
	require.True(t, ok)
	require.Equal(t, action.Completed, a.State)
	require.Equal(t, "hi\n$ ", a.Result["output"])
}

// TestExecuteBusyWhilePending checks the at-most-one-non-terminal-action
// invariant: a second execute call against a pane with an action already in
// flight reports busy instead of queuing a second one.
func TestExecuteBusyWhilePending(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, shellReadyScript)

	status, actionID, err := mgr.Execute(ctx, "%1", "first", "")
	require.NoError(t, err)
	require.Equal(t, "ready_check", status)
	require.NotEmpty(t, actionID)

	status, secondID, err := mgr.Execute(ctx, "%1", "second", "")
	require.NoError(t, err)
	require.Equal(t, "busy", status)
	require.Empty(t, secondID)
}

// TestExecuteUnknownPaneErrors checks that execute against a pane tmux
// doesn't recognize fails instead of silently creating state.
func TestExecuteUnknownPaneErrors(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, `exit 1`)

	status, actionID, err := mgr.Execute(ctx, "%99", "echo hi", "")
	require.Error(t, err)
	require.Equal(t, "error", status)
	require.Empty(t, actionID)
}

// TestResolveIdempotent checks the round-trip law: resolving an already
// resolved action returns the stored result without clobbering it, and
// reports already_resolved.
func TestResolveIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr, queue := newTestManager(t, shellReadyScript)

	_, actionID, err := mgr.Execute(ctx, "%1", "echo hi", "")
	require.NoError(t, err)

	status, already, result, err := mgr.Resolve(actionID, map[string]any{"output": "manual"})
	require.NoError(t, err)
	require.False(t, already)
	require.Equal(t, "COMPLETED", status)
	require.Equal(t, "manual", result["output"])

	status2, already2, result2, err := mgr.Resolve(actionID, map[string]any{"output": "ignored"})
	require.NoError(t, err)
	require.True(t, already2)
	require.Equal(t, status, status2)
	require.Equal(t, "manual", result2["output"])

	a, ok := queue.Get(actionID)
	require.True(t, ok)
	require.Equal(t, action.Completed, a.State)
}

// TestCollectorDisconnectClearsProcess: a collector restart must not
// lose buffered content, but it does clear the cached process identity
// so the next feed re-queries tmux.
func TestCollectorDisconnectClearsProcess(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, shellReadyScript)

	mgr.Feed(ctx, "%1", []byte("hello\n"))
	s, ok := mgr.Get("%1")
	require.True(t, ok)
	require.Equal(t, "bash", s.Process())
	require.Equal(t, uint64(6), s.BytesFed())

	mgr.OnCollectorDisconnect("%1")
	require.Empty(t, s.Process())
	require.False(t, s.PipeActive())
	require.Equal(t, "hello", s.AllContent())
}

// TestCleanupRemovesDeadPanes checks that Cleanup only keeps panes tmux
// still reports.
func TestCleanupRemovesDeadPanes(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, shellReadyScript)

	mgr.Feed(ctx, "%1", []byte("hello\n"))
	mgr.Feed(ctx, "%dead", []byte("gone\n"))

	removed := mgr.Cleanup(ctx)
	require.Equal(t, 1, removed)

	_, ok := mgr.Get("%dead")
	require.False(t, ok)
	_, ok = mgr.Get("%1")
	require.True(t, ok)
}

func TestInterruptSendsDefaultKey(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	script := `echo "$@" >> ` + logPath + "\nexit 0\n"
	mgr, _ := newTestManager(t, script)

	require.NoError(t, mgr.Interrupt(ctx, "%1"))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "send-keys -t %1 C-c")
}
