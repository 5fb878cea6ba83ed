package rpcclient

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapdaemon/taptools/internal/rpcproto"
)

// fakeServer echoes every request back as a successful result carrying the
// method name, after an optional artificial delay, to exercise
// out-of-order response handling.
func fakeServer(t *testing.T, delays map[string]time.Duration) string {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "rpc.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := rpcproto.NewLineReader(conn)
		writer := rpcproto.NewLineWriter(conn)
		for {
			var req rpcproto.Request
			if err := reader.ReadJSON(&req); err != nil {
				return
			}
			go func(req rpcproto.Request) {
				if d, ok := delays[req.Method]; ok {
					time.Sleep(d)
				}
				_ = writer.WriteJSON(rpcproto.NewResult(req.ID, map[string]any{"method": req.Method}))
			}(req)
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return sock
}

func TestClient_CallRoundTrip(t *testing.T) {
	sock := fakeServer(t, nil)
	c, err := Dial(sock, time.Second)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	var result map[string]string
	b, _ := json.Marshal(resp.Result)
	require.NoError(t, json.Unmarshal(b, &result))
	assert.Equal(t, "ping", result["method"])
}

func TestClient_OutOfOrderResponsesRouteByID(t *testing.T) {
	sock := fakeServer(t, map[string]time.Duration{
		"slow": 60 * time.Millisecond,
		"fast": 0,
	})
	c, err := Dial(sock, time.Second)
	require.NoError(t, err)
	defer c.Close()

	slowDone := make(chan rpcproto.Response, 1)
	go func() {
		resp, err := c.Call(context.Background(), "slow", nil)
		require.NoError(t, err)
		slowDone <- resp
	}()

	time.Sleep(5 * time.Millisecond)
	fastResp, err := c.Call(context.Background(), "fast", nil)
	require.NoError(t, err)

	var fastResult map[string]string
	b, _ := json.Marshal(fastResp.Result)
	require.NoError(t, json.Unmarshal(b, &fastResult))
	assert.Equal(t, "fast", fastResult["method"])

	slowResp := <-slowDone
	var slowResult map[string]string
	b, _ = json.Marshal(slowResp.Result)
	require.NoError(t, json.Unmarshal(b, &slowResult))
	assert.Equal(t, "slow", slowResult["method"])
}

func TestClient_ContextCancellationFailsCallExactlyOnce(t *testing.T) {
	sock := fakeServer(t, map[string]time.Duration{"slow": time.Second})
	c, err := Dial(sock, time.Second)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = c.Call(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_CloseFailsPendingCalls(t *testing.T) {
	sock := fakeServer(t, map[string]time.Duration{"slow": time.Second})
	c, err := Dial(sock, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, callErr := c.Call(context.Background(), "slow", nil)
		done <- callErr
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case <-done:
		// call returned (with a transport-error response), as required.
	case <-time.After(time.Second):
		t.Fatal("pending call never resolved after Close")
	}
}
