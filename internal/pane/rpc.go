package pane

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tapdaemon/taptools/internal/action"
	"github.com/tapdaemon/taptools/internal/patternstore"
	"github.com/tapdaemon/taptools/internal/rpcproto"
	"github.com/tapdaemon/taptools/internal/rpcserver"
	"github.com/tapdaemon/taptools/internal/tmuxdriver"
)

// CollectorCommand builds the shell command tmux's pipe-pane should run
// for a given pane id, so its stdout reaches CollectorServer's socket.
// cmd/termtapd supplies the concrete shape (its own binary invoked with a
// hidden "collector-pipe" subcommand and the socket path baked in).
type CollectorCommand func(paneID string) string

// Register binds every RPC method the terminal variant contributes into
// registry.
func Register(registry *rpcserver.Registry, mgr *Manager, queue *action.Queue, store *patternstore.Store, collectorCmd CollectorCommand) {
	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodPing, Fn: handlePing})

	executeFn := func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleExecute(ctx, mgr, collectorCmd, raw)
	}
	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodExecute, Blocking: true, Mutates: true, Fn: executeFn})
	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodSend, Blocking: true, Mutates: true, Fn: executeFn})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodResolve, Mutates: true, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleResolve(mgr, raw)
	}})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodGetQueue, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleGetQueue(queue), nil
	}})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodGetStatus, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleGetStatus(queue, raw)
	}})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodLearnPattern, Mutates: true, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleLearnPattern(store, raw)
	}})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodRemovePattern, Mutates: true, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleRemovePattern(store, raw)
	}})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodGetPatterns, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleGetPatterns(store, raw)
	}})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodInterrupt, Blocking: true, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleInterrupt(ctx, mgr, raw)
	}})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodLs, Blocking: true, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleLs(ctx, mgr)
	}})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodSelectPane, Blocking: true, Mutates: true, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleSelectPane(ctx, mgr, queue, raw, false)
	}})
	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodSelectPanes, Blocking: true, Mutates: true, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleSelectPane(ctx, mgr, queue, raw, true)
	}})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodCleanup, Blocking: true, Mutates: true, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleCleanup(ctx, mgr), nil
	}})

	registry.Register(&rpcserver.Handler{Method: rpcproto.MethodDebugEval, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleDebugEval(mgr, queue, store, raw)
	}})

	registry.Register(&rpcserver.Handler{Method: "read", Blocking: true, Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		return handleRead(ctx, mgr, raw)
	}})
}

func handlePing(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
	return rpcproto.PongResult{Pong: true}, nil
}

// resolvePaneTarget maps a human-friendly target spec (session:window.pane
// or a bare session name) to its stable "%N" id; pane ids pass through
// without a tmux round trip so reads against dead-but-buffered panes keep
// working.
func resolvePaneTarget(ctx context.Context, mgr *Manager, target string) (string, *rpcproto.Error) {
	if strings.HasPrefix(target, "%") {
		return target, nil
	}
	id, ok := mgr.tmux.ResolveTarget(ctx, target)
	if !ok {
		return "", rpcproto.ErrTargetGone("cannot resolve target " + target)
	}
	return id, nil
}

func handleExecute(ctx context.Context, mgr *Manager, collectorCmd CollectorCommand, raw json.RawMessage) (any, *rpcproto.Error) {
	var params rpcproto.ExecuteParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcproto.ErrInvalidParams("malformed execute params: " + err.Error())
	}
	if params.Target == "" || params.Command == "" {
		return nil, rpcproto.ErrInvalidParams("target and command are required")
	}
	target, rerr := resolvePaneTarget(ctx, mgr, params.Target)
	if rerr != nil {
		return nil, rerr
	}
	params.Target = target

	if collectorCmd != nil {
		if err := mgr.EnsurePipe(ctx, params.Target, collectorCmd(params.Target)); err != nil {
			return nil, rpcproto.ErrTargetGone(err.Error())
		}
	}

	status, actionID, err := mgr.Execute(ctx, params.Target, params.Command, params.ClientPane)
	if err != nil {
		return nil, rpcproto.ErrTargetGone(err.Error())
	}
	return rpcproto.ExecuteResult{Status: status, ActionID: actionID}, nil
}

func handleResolve(mgr *Manager, raw json.RawMessage) (any, *rpcproto.Error) {
	var params rpcproto.ResolveParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcproto.ErrInvalidParams("malformed resolve params: " + err.Error())
	}
	if params.ActionID == "" {
		return nil, rpcproto.ErrInvalidParams("action_id is required")
	}

	status, already, result, err := mgr.Resolve(params.ActionID, params.Result)
	if err != nil {
		return nil, rpcproto.ErrNotFound("unknown action id: " + params.ActionID)
	}
	return rpcproto.ResolveResult{OK: true, Status: status, Result: resolveResultShape(already, result)}, nil
}

func resolveResultShape(already bool, result map[string]any) map[string]any {
	if !already {
		return result
	}
	out := map[string]any{"already_resolved": true}
	for k, v := range result {
		out[k] = v
	}
	return out
}

type queueSnapshotResult struct {
	Pending  []actionView `json:"pending"`
	Resolved []actionView `json:"resolved"`
}

type actionView struct {
	ID       string         `json:"id"`
	TargetID string         `json:"target_id"`
	Command  string         `json:"command"`
	State    string         `json:"state"`
	Result   map[string]any `json:"result,omitempty"`
}

func handleGetQueue(queue *action.Queue) queueSnapshotResult {
	snap := queue.Snapshot()
	out := queueSnapshotResult{
		Pending:  make([]actionView, len(snap.Pending)),
		Resolved: make([]actionView, len(snap.Resolved)),
	}
	for i, a := range snap.Pending {
		out.Pending[i] = toActionView(a)
	}
	for i, a := range snap.Resolved {
		out.Resolved[i] = toActionView(a)
	}
	return out
}

func toActionView(a *action.Action) actionView {
	return actionView{ID: a.ID, TargetID: a.TargetID, Command: a.Command, State: string(a.State), Result: a.Result}
}

func handleGetStatus(queue *action.Queue, raw json.RawMessage) (any, *rpcproto.Error) {
	var params rpcproto.GetStatusParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcproto.ErrInvalidParams("malformed get_status params: " + err.Error())
	}
	if params.ActionID == "" {
		return nil, rpcproto.ErrInvalidParams("action_id is required")
	}

	a, ok := queue.Get(params.ActionID)
	if !ok {
		return rpcproto.GetStatusResult{Status: rpcproto.StatusNotFound}, nil
	}
	return rpcproto.GetStatusResult{Status: statusLabel(a.State), Result: a.Result}, nil
}

func statusLabel(s action.State) string {
	switch s {
	case action.Completed:
		return rpcproto.StatusCompleted
	case action.Cancelled:
		return rpcproto.StatusCancelled
	case action.Watching:
		return rpcproto.StatusWatching
	case action.ReadyCheck:
		return rpcproto.StatusReadyCheck
	case action.SelectingPane:
		return rpcproto.StatusSelecting
	default:
		return rpcproto.StatusUnknown
	}
}

func handleLearnPattern(store *patternstore.Store, raw json.RawMessage) (any, *rpcproto.Error) {
	var params rpcproto.PatternParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcproto.ErrInvalidParams("malformed learn_pattern params: " + err.Error())
	}
	state, rerr := validatePatternState(params.State)
	if rerr != nil {
		return nil, rerr
	}
	if err := store.Add(params.Process, params.Pattern, state); err != nil {
		return nil, rpcproto.ErrInvalidParams(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func handleRemovePattern(store *patternstore.Store, raw json.RawMessage) (any, *rpcproto.Error) {
	var params rpcproto.PatternParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcproto.ErrInvalidParams("malformed remove_pattern params: " + err.Error())
	}
	state, rerr := validatePatternState(params.State)
	if rerr != nil {
		return nil, rerr
	}
	if err := store.Remove(params.Process, params.Pattern, state); err != nil {
		return nil, rpcproto.ErrInvalidParams(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func validatePatternState(raw string) (patternstore.State, *rpcproto.Error) {
	switch patternstore.State(raw) {
	case patternstore.Ready:
		return patternstore.Ready, nil
	case patternstore.Busy:
		return patternstore.Busy, nil
	default:
		return "", rpcproto.ErrInvalidParams(fmt.Sprintf("state must be %q or %q", patternstore.Ready, patternstore.Busy))
	}
}

func handleGetPatterns(store *patternstore.Store, raw json.RawMessage) (any, *rpcproto.Error) {
	var params rpcproto.GetPatternsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, rpcproto.ErrInvalidParams("malformed get_patterns params: " + err.Error())
		}
	}
	if params.Process != "" {
		return map[string]patternstore.Patterns{params.Process: store.Get(params.Process)}, nil
	}
	return store.GetAll(), nil
}

func handleInterrupt(ctx context.Context, mgr *Manager, raw json.RawMessage) (any, *rpcproto.Error) {
	var params rpcproto.InterruptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcproto.ErrInvalidParams("malformed interrupt params: " + err.Error())
	}
	if params.Target == "" {
		return nil, rpcproto.ErrInvalidParams("target is required")
	}
	target, rerr := resolvePaneTarget(ctx, mgr, params.Target)
	if rerr != nil {
		return nil, rerr
	}
	if err := mgr.Interrupt(ctx, target); err != nil {
		return nil, rpcproto.ErrTargetGone(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

type lsResult struct {
	Targets []lsEntry `json:"targets"`
}

type lsEntry struct {
	ID          string `json:"id"`
	SessionName string `json:"session_name"`
	Command     string `json:"command"`
	Title       string `json:"title"`
}

func handleLs(ctx context.Context, mgr *Manager) (any, *rpcproto.Error) {
	panes, err := mgr.tmux.ListPanes(ctx)
	if err != nil {
		return nil, rpcproto.ErrInternal(err.Error())
	}
	sort.Slice(panes, func(i, j int) bool {
		ni, iok := tmuxdriver.ParsePaneNumber(panes[i].ID)
		nj, jok := tmuxdriver.ParsePaneNumber(panes[j].ID)
		if iok && jok {
			return ni < nj
		}
		return panes[i].ID < panes[j].ID
	})
	out := lsResult{Targets: make([]lsEntry, len(panes))}
	for i, p := range panes {
		out.Targets[i] = lsEntry{ID: p.ID, SessionName: p.SessionName, Command: p.Command, Title: p.Title}
	}
	return out, nil
}

// handleSelectPane implements select_pane/select_panes: when exactly
// one target exists it auto-resolves immediately; otherwise it opens a
// SELECTING_PANE action for the (out-of-core) text UI companion to
// resolve.
func handleSelectPane(ctx context.Context, mgr *Manager, queue *action.Queue, raw json.RawMessage, multi bool) (any, *rpcproto.Error) {
	var params rpcproto.SelectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcproto.ErrInvalidParams("malformed select_pane params: " + err.Error())
	}
	if params.Command == "" {
		return nil, rpcproto.ErrInvalidParams("command is required")
	}

	panes, err := mgr.tmux.ListPanes(ctx)
	if err != nil {
		return nil, rpcproto.ErrInternal(err.Error())
	}

	if len(panes) == 1 {
		status, actionID, execErr := mgr.Execute(ctx, panes[0].ID, params.Command, "")
		if execErr != nil {
			return nil, rpcproto.ErrTargetGone(execErr.Error())
		}
		return rpcproto.ExecuteResult{Status: status, ActionID: actionID}, nil
	}

	a := action.New("", params.Command, action.SelectingPane, multi, time.Now())
	queue.Add(a)
	return rpcproto.ExecuteResult{Status: rpcproto.StatusSelecting, ActionID: a.ID}, nil
}

func handleCleanup(ctx context.Context, mgr *Manager) map[string]any {
	removed := mgr.Cleanup(ctx)
	return map[string]any{"removed": removed}
}

func handleRead(ctx context.Context, mgr *Manager, raw json.RawMessage) (any, *rpcproto.Error) {
	var params struct {
		Target string `json:"target"`
		Lines  int    `json:"lines"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcproto.ErrInvalidParams("malformed read params: " + err.Error())
	}
	if params.Target == "" {
		return nil, rpcproto.ErrInvalidParams("target is required")
	}
	target, rerr := resolvePaneTarget(ctx, mgr, params.Target)
	if rerr != nil {
		return nil, rerr
	}
	s, ok := mgr.Get(target)
	if !ok {
		return nil, rpcproto.ErrTargetGone("no ring buffer for target " + target)
	}

	if params.Lines <= 0 {
		return map[string]any{"content": s.AllContent()}, nil
	}
	return map[string]any{"lines": s.LastNLines(params.Lines)}, nil
}

type debugSnapshot struct {
	Queue    queueSnapshotResult              `json:"queue"`
	Panes    []ActionSnapshot                 `json:"panes"`
	Patterns map[string]patternstore.Patterns `json:"patterns"`
}

// handleDebugEval implements the `debug_eval` RPC method: a curated,
// read-only snapshot rather than a real expression evaluator, since the
// daemon has no embedded interpreter and the method exists for diagnostic
// visibility into queue/panes/patterns state.
func handleDebugEval(mgr *Manager, queue *action.Queue, store *patternstore.Store, raw json.RawMessage) (any, *rpcproto.Error) {
	panes := mgr.All()
	snaps := make([]ActionSnapshot, len(panes))
	for i, p := range panes {
		snaps[i] = p.Snapshot()
	}
	return debugSnapshot{
		Queue:    handleGetQueue(queue),
		Panes:    snaps,
		Patterns: store.GetAll(),
	}, nil
}
