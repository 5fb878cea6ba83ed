package pane

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectorServerRoutesBytesAndNotifiesDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, _ := newTestManager(t, shellReadyScript)
	socketPath := filepath.Join(t.TempDir(), "collector.sock")
	srv := NewCollectorServer(socketPath, mgr)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	waitForSocket(t, socketPath)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)

	_, err = conn.Write([]byte("%1\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := mgr.Get("%1")
		return ok && s.BytesFed() == 6
	}, time.Second, 5*time.Millisecond)

	s, _ := mgr.Get("%1")
	s.SetPipeActive(true)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return !s.PipeActive()
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, s.Process())

	require.NoError(t, srv.Close())
	<-serveErr
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("collector socket %s never became available", path)
}
