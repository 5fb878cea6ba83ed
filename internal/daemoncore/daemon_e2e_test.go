package daemoncore_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapdaemon/taptools/internal/action"
	"github.com/tapdaemon/taptools/internal/daemoncore"
	"github.com/tapdaemon/taptools/internal/pane"
	"github.com/tapdaemon/taptools/internal/patternstore"
	"github.com/tapdaemon/taptools/internal/rpcclient"
	"github.com/tapdaemon/taptools/internal/rpcserver"
	"github.com/tapdaemon/taptools/internal/tmuxdriver"
)

// fakeTmux writes a shell script masquerading as tmux(1), the same
// technique internal/tmuxdriver and internal/pane use for their own tests.
func fakeTmux(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tmux")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o700))
	return path
}

const e2eTmuxScript = `
case "$1 $2" in
  "list-panes -t") exit 0 ;;
  "list-panes -a") printf '%%1\x1fdev\x1f0\x1f0\x1fbash\x1ftitle\n' ;;
  "capture-pane -p") exit 0 ;;
  "display-message -p") echo "bash" ;;
  "send-keys -t") exit 0 ;;
esac
exit 0
`

type e2eDaemon struct {
	cfg    daemoncore.Config
	cancel context.CancelFunc
	done   chan error
}

// startTerminalDaemon wires the full terminal variant the way cmd/termtapd
// does — pattern store, queue, pane manager, collector socket, RPC
// registration — and runs it against real Unix sockets in a temp dir.
func startTerminalDaemon(t *testing.T) *e2eDaemon {
	t.Helper()

	cfg := daemoncore.Config{
		RuntimeDir:             t.TempDir(),
		RingBufferMaxLines:     1000,
		WorkerPoolSize:         4,
		BroadcastQueueDepth:    64,
		ActionQueueMaxResolved: 64,
	}
	cfg.PatternStorePath = filepath.Join(cfg.RuntimeDir, "patterns.toml")
	require.NoError(t, cfg.EnsureRuntimeDir())

	store, err := patternstore.Open(cfg.PatternStorePath)
	require.NoError(t, err)
	queue := action.NewQueue(cfg.ActionQueueMaxResolved)
	driver := &tmuxdriver.Driver{Bin: fakeTmux(t, e2eTmuxScript)}

	registry := rpcserver.NewRegistry()
	d, err := daemoncore.New(cfg, registry, nil)
	require.NoError(t, err)

	mgr := pane.New(driver, store, queue, d.Broadcaster, cfg.RingBufferMaxLines)
	pane.Register(registry, mgr, queue, store, nil)

	collector := pane.NewCollectorServer(cfg.Sockets().Collector, mgr)
	d.RegisterTeardown(store.Close)
	d.RegisterTeardown(collector.Close)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = collector.Serve(ctx)
	}()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	sockets := cfg.Sockets()
	require.Eventually(t, func() bool {
		for _, path := range []string{sockets.RPC, sockets.Events, sockets.Collector} {
			conn, err := net.DialTimeout("unix", path, 100*time.Millisecond)
			if err != nil {
				return false
			}
			conn.Close()
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	return &e2eDaemon{cfg: cfg, cancel: cancel, done: done}
}

func (d *e2eDaemon) stop(t *testing.T) {
	t.Helper()
	d.cancel()
	select {
	case err := <-d.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}

func callResult(t *testing.T, client *rpcclient.Client, ctx context.Context, method string, params any) map[string]any {
	t.Helper()
	resp, err := client.Call(ctx, method, params)
	require.NoError(t, err)
	require.Nil(t, resp.Error, "rpc %s: %v", method, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok, "rpc %s result is %T", method, resp.Result)
	return result
}

// TestEndToEndReadyCheckFlow drives the full ready-check path over real
// sockets: execute opens a READY_CHECK action, learning a prompt pattern
// plus a collector feed of the prompt advances it to WATCHING (with the
// command injected), and the next prompt after the output completes it.
func TestEndToEndReadyCheckFlow(t *testing.T) {
	d := startTerminalDaemon(t)
	defer d.stop(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sockets := d.cfg.Sockets()
	client, err := rpcclient.Dial(sockets.RPC, time.Second)
	require.NoError(t, err)
	defer client.Close()

	sub, err := rpcclient.Subscribe(sockets.Events, time.Second)
	require.NoError(t, err)
	defer sub.Close()

	result := callResult(t, client, ctx, "execute", map[string]any{"target": "%1", "command": "echo hi"})
	require.Equal(t, "ready_check", result["status"])
	actionID, _ := result["action_id"].(string)
	require.NotEmpty(t, actionID)

	added, err := sub.Next(ctx, "action_added")
	require.NoError(t, err)
	assert.Contains(t, string(added), actionID)
	assert.Contains(t, string(added), "READY_CHECK")

	callResult(t, client, ctx, "learn_pattern", map[string]any{
		"process": "bash", "pattern": "[$ ]$", "state": "ready",
	})

	feed, err := net.Dial("unix", sockets.Collector)
	require.NoError(t, err)
	defer feed.Close()
	_, err = fmt.Fprint(feed, "%1\n")
	require.NoError(t, err)

	_, err = fmt.Fprint(feed, "user@host $ \n")
	require.NoError(t, err)

	watching, err := sub.Next(ctx, "action_watching")
	require.NoError(t, err)
	assert.Contains(t, string(watching), actionID)

	_, err = fmt.Fprint(feed, "hi\nuser@host $ \n")
	require.NoError(t, err)

	resolved, err := sub.Next(ctx, "action_resolved")
	require.NoError(t, err)
	assert.Contains(t, string(resolved), actionID)

	status := callResult(t, client, ctx, "get_status", map[string]any{"action_id": actionID})
	require.Equal(t, "completed", status["status"])
	inner, ok := status["result"].(map[string]any)
	require.True(t, ok)
	output, _ := inner["output"].(string)
	assert.Contains(t, output, "hi")
}

// TestEndToEndShutdownCleansUp checks the orderly-shutdown contract: the
// socket files and PID file are removed, subscribers see their stream
// close, and a fresh start in the same runtime dir succeeds.
func TestEndToEndShutdownCleansUp(t *testing.T) {
	d := startTerminalDaemon(t)

	sockets := d.cfg.Sockets()
	sub, err := rpcclient.Subscribe(sockets.Events, time.Second)
	require.NoError(t, err)
	defer sub.Close()

	d.stop(t)

	for _, path := range []string{sockets.RPC, sockets.Events, sockets.Collector, d.cfg.PIDFile()} {
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr), "%s should be removed on shutdown", path)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			// Drain any final snapshot; the channel must close afterwards.
			require.Eventually(t, func() bool {
				_, open := <-sub.Events()
				return !open
			}, 2*time.Second, 10*time.Millisecond)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber stream did not close on daemon shutdown")
	}
}

// TestEndToEndConcurrentExecuteSingleAction checks that two clients racing
// execute against the same pane cannot create two non-terminal actions:
// exactly one wins, the other observes busy.
func TestEndToEndConcurrentExecuteSingleAction(t *testing.T) {
	d := startTerminalDaemon(t)
	defer d.stop(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sockets := d.cfg.Sockets()
	clientA, err := rpcclient.Dial(sockets.RPC, time.Second)
	require.NoError(t, err)
	defer clientA.Close()
	clientB, err := rpcclient.Dial(sockets.RPC, time.Second)
	require.NoError(t, err)
	defer clientB.Close()

	first := callResult(t, clientA, ctx, "execute", map[string]any{"target": "%1", "command": "one"})
	require.Equal(t, "ready_check", first["status"])

	second := callResult(t, clientB, ctx, "execute", map[string]any{"target": "%1", "command": "two"})
	require.Equal(t, "busy", second["status"])

	queueSnap := callResult(t, clientA, ctx, "get_queue", nil)
	pending, ok := queueSnap["pending"].([]any)
	require.True(t, ok)
	assert.Len(t, pending, 1)
}
