package daemoncore

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapdaemon/taptools/internal/rpcproto"
	"github.com/tapdaemon/taptools/internal/rpcserver"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{
		RuntimeDir:             t.TempDir(),
		RingBufferMaxLines:     1000,
		WorkerPoolSize:         2,
		BroadcastQueueDepth:    16,
		ActionQueueMaxResolved: 16,
	}
	return cfg
}

func pingRegistry() *rpcserver.Registry {
	reg := rpcserver.NewRegistry()
	reg.Register(&rpcserver.Handler{
		Method: rpcproto.MethodPing,
		Fn: func(ctx context.Context, params json.RawMessage) (any, *rpcproto.Error) {
			return rpcproto.PongResult{}, nil
		},
	})
	return reg
}

func TestDaemonRunServesRPCAndShutsDownCleanly(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, pingRegistry(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	sockets := cfg.Sockets()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("unix", sockets.RPC, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("unix", sockets.RPC)
	require.NoError(t, err)
	writer := rpcproto.NewLineWriter(conn)
	reader := rpcproto.NewLineReader(conn)
	require.NoError(t, writer.WriteJSON(rpcproto.Request{ID: json.RawMessage(`1`), Method: rpcproto.MethodPing}))
	var resp rpcproto.Response
	require.NoError(t, reader.ReadJSON(&resp))
	assert.Nil(t, resp.Error)
	conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}

	_, statErr := ReadLockInfo(cfg.PIDFile())
	assert.Error(t, statErr, "pid file should be removed after clean shutdown")
}

func TestDaemonRunFailsWhenAlreadyLocked(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.EnsureRuntimeDir())
	lock, err := AcquireLock(cfg.PIDFile())
	require.NoError(t, err)
	defer lock.Close()

	d, err := New(cfg, pingRegistry(), nil)
	require.NoError(t, err)

	err = d.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestDaemonRegisterTeardownRunsInReverseOrder(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, pingRegistry(), nil)
	require.NoError(t, err)

	var order []int
	d.RegisterTeardown(func() error { order = append(order, 1); return nil })
	d.RegisterTeardown(func() error { order = append(order, 2); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	sockets := cfg.Sockets()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("unix", sockets.RPC, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}

	assert.Equal(t, []int{2, 1}, order)
}
