package pane

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tapdaemon/taptools/internal/patternstore"
	"github.com/tapdaemon/taptools/internal/rpcproto"
	"github.com/tapdaemon/taptools/internal/rpcserver"
)

func newTestRegistry(t *testing.T, script string) (*rpcserver.Registry, *Manager) {
	t.Helper()
	mgr, queue := newTestManager(t, script)
	registry := rpcserver.NewRegistry()
	Register(registry, mgr, queue, mgr.store, nil)
	return registry, mgr
}

func call(t *testing.T, registry *rpcserver.Registry, method string, params any) (any, *rpcproto.Error) {
	t.Helper()
	h, ok := registry.Lookup(method)
	require.True(t, ok, "method %q not registered", method)
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return h.Fn(context.Background(), raw)
}

func TestRPCPing(t *testing.T) {
	registry, _ := newTestRegistry(t, shellReadyScript)
	result, rerr := call(t, registry, rpcproto.MethodPing, nil)
	require.Nil(t, rerr)
	require.Equal(t, rpcproto.PongResult{Pong: true}, result)
}

func TestRPCExecuteAndGetStatus(t *testing.T) {
	registry, _ := newTestRegistry(t, shellReadyScript)

	result, rerr := call(t, registry, rpcproto.MethodExecute, rpcproto.ExecuteParams{Target: "%1", Command: "echo hi"})
	require.Nil(t, rerr)
	execResult := result.(rpcproto.ExecuteResult)
	require.Equal(t, "ready_check", execResult.Status)
	require.NotEmpty(t, execResult.ActionID)

	statusResult, rerr := call(t, registry, rpcproto.MethodGetStatus, rpcproto.GetStatusParams{ActionID: execResult.ActionID})
	require.Nil(t, rerr)
	require.Equal(t, rpcproto.StatusReadyCheck, statusResult.(rpcproto.GetStatusResult).Status)
}

func TestRPCExecuteMissingFieldsRejected(t *testing.T) {
	registry, _ := newTestRegistry(t, shellReadyScript)
	_, rerr := call(t, registry, rpcproto.MethodExecute, rpcproto.ExecuteParams{Target: "%1"})
	require.NotNil(t, rerr)
	require.Equal(t, rpcproto.CodeInvalidParams, rerr.Code)
}

func TestRPCLearnAndGetPatterns(t *testing.T) {
	registry, _ := newTestRegistry(t, shellReadyScript)

	_, rerr := call(t, registry, rpcproto.MethodLearnPattern, rpcproto.PatternParams{
		Process: "node", Pattern: "[>][ ]", State: "ready",
	})
	require.Nil(t, rerr)

	result, rerr := call(t, registry, rpcproto.MethodGetPatterns, rpcproto.GetPatternsParams{Process: "node"})
	require.Nil(t, rerr)
	byProc := result.(map[string]patternstore.Patterns)
	require.Contains(t, byProc["node"].Ready, "[>][ ]")
}

func TestRPCRemovePattern(t *testing.T) {
	registry, _ := newTestRegistry(t, shellReadyScript)

	_, rerr := call(t, registry, rpcproto.MethodRemovePattern, rpcproto.PatternParams{
		Process: "bash", Pattern: "[$ ]", State: "ready",
	})
	require.Nil(t, rerr)

	result, rerr := call(t, registry, rpcproto.MethodGetPatterns, rpcproto.GetPatternsParams{Process: "bash"})
	require.Nil(t, rerr)
	byProc := result.(map[string]patternstore.Patterns)
	require.Empty(t, byProc["bash"].Ready)
}

func TestRPCGetPatternsForProcess(t *testing.T) {
	registry, _ := newTestRegistry(t, shellReadyScript)

	result, rerr := call(t, registry, rpcproto.MethodGetPatterns, rpcproto.GetPatternsParams{Process: "bash"})
	require.Nil(t, rerr)
	byProc := result.(map[string]patternstore.Patterns)
	require.Contains(t, byProc["bash"].Ready, "[$ ]")
}

func TestRPCSelectPaneSingleTargetAutoExecutes(t *testing.T) {
	registry, _ := newTestRegistry(t, shellReadyScript)

	result, rerr := call(t, registry, rpcproto.MethodSelectPane, rpcproto.SelectParams{Command: "echo hi"})
	require.Nil(t, rerr)
	execResult := result.(rpcproto.ExecuteResult)
	require.Equal(t, "ready_check", execResult.Status)
}

func TestRPCInterrupt(t *testing.T) {
	registry, _ := newTestRegistry(t, shellReadyScript)
	_, rerr := call(t, registry, rpcproto.MethodInterrupt, rpcproto.InterruptParams{Target: "%1"})
	require.Nil(t, rerr)
}

func TestRPCCleanup(t *testing.T) {
	registry, mgr := newTestRegistry(t, shellReadyScript)
	mgr.Feed(context.Background(), "%dead", []byte("gone\n"))

	result, rerr := call(t, registry, rpcproto.MethodCleanup, nil)
	require.Nil(t, rerr)
	require.Equal(t, map[string]any{"removed": 1}, result)
}
