package browser

import (
	"context"
	"encoding/json"

	"github.com/tapdaemon/taptools/internal/rpcproto"
	"github.com/tapdaemon/taptools/internal/rpcserver"
	"github.com/tapdaemon/taptools/internal/webtarget"
)

// CDPParams is the raw-passthrough command the gateway forwards opaquely to
// the attached target's CDP session, per the core's no-semantic-proxying
// non-goal.
type CDPParams struct {
	Target string          `json:"target"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type navigateParams struct {
	Target string `json:"target"`
	URL    string `json:"url"`
}

type jsParams struct {
	Target     string `json:"target"`
	Expression string `json:"expression"`
}

type targetOnlyParams struct {
	Target string `json:"target"`
}

type attachParams struct {
	TargetID string `json:"target_id"`
}

// Register wires the browser variant's RPC method set into registry.
func Register(registry *rpcserver.Registry, mgr *Manager, watch *webtarget.WatchSet, notices *webtarget.Notices) {
	registry.Register(&rpcserver.Handler{
		Method: rpcproto.MethodPing,
		Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
			return rpcproto.PongResult{Pong: true}, nil
		},
	})

	registry.Register(&rpcserver.Handler{
		Method:   "cdp",
		Blocking: true,
		Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
			var params CDPParams
			if err := json.Unmarshal(raw, &params); err != nil || params.Target == "" || params.Method == "" {
				return nil, rpcproto.ErrInvalidParams("cdp requires target and method")
			}
			target, ok := mgr.ResolveTargetID(params.Target)
			if !ok {
				return nil, rpcproto.ErrTargetGone(params.Target)
			}
			result, err := target.Execute(ctx, params.Method, params.Params)
			if err != nil {
				return nil, rpcproto.ErrTransport(err.Error())
			}
			return result, nil
		},
	})

	registry.Register(&rpcserver.Handler{
		Method:   "navigate",
		Blocking: true,
		Mutates:  true,
		Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
			var params navigateParams
			if err := json.Unmarshal(raw, &params); err != nil || params.Target == "" || params.URL == "" {
				return nil, rpcproto.ErrInvalidParams("navigate requires target and url")
			}
			target, ok := mgr.ResolveTargetID(params.Target)
			if !ok {
				return nil, rpcproto.ErrTargetGone(params.Target)
			}
			if _, err := target.Execute(ctx, "Page.navigate", map[string]string{"url": params.URL}); err != nil {
				return nil, rpcproto.ErrTransport(err.Error())
			}
			return map[string]any{"ok": true}, nil
		},
	})

	registry.Register(&rpcserver.Handler{
		Method:   "js",
		Blocking: true,
		Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
			var params jsParams
			if err := json.Unmarshal(raw, &params); err != nil || params.Target == "" || params.Expression == "" {
				return nil, rpcproto.ErrInvalidParams("js requires target and expression")
			}
			target, ok := mgr.ResolveTargetID(params.Target)
			if !ok {
				return nil, rpcproto.ErrTargetGone(params.Target)
			}
			result, err := target.Execute(ctx, "Runtime.evaluate", map[string]any{
				"expression":    params.Expression,
				"returnByValue": true,
				"awaitPromise":  true,
			})
			if err != nil {
				return nil, rpcproto.ErrTransport(err.Error())
			}
			return result, nil
		},
	})

	registry.Register(&rpcserver.Handler{
		Method:  "fetch_enable",
		Mutates: true,
		Fn:      fetchToggle(mgr, true),
	})
	registry.Register(&rpcserver.Handler{
		Method:  "fetch_disable",
		Mutates: true,
		Fn:      fetchToggle(mgr, false),
	})

	registry.Register(&rpcserver.Handler{
		Method: rpcproto.MethodLs,
		Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
			out := make([]Snapshot, 0)
			for _, t := range mgr.All() {
				out = append(out, t.Snapshot())
			}
			return out, nil
		},
	})

	registry.Register(&rpcserver.Handler{
		Method:   "attach",
		Blocking: true,
		Mutates:  true,
		Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
			var params attachParams
			if err := json.Unmarshal(raw, &params); err != nil || params.TargetID == "" {
				return nil, rpcproto.ErrInvalidParams("attach requires target_id")
			}
			if err := watch.WatchID(params.TargetID); err != nil {
				return nil, rpcproto.ErrInternal(err.Error())
			}
			if err := mgr.Attach(ctx, webtarget.Info{TargetID: params.TargetID}); err != nil {
				return nil, rpcproto.ErrTransport(err.Error())
			}
			return map[string]any{"ok": true}, nil
		},
	})

	registry.Register(&rpcserver.Handler{
		Method:  "detach",
		Mutates: true,
		Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
			var params targetOnlyParams
			if err := json.Unmarshal(raw, &params); err != nil || params.Target == "" {
				return nil, rpcproto.ErrInvalidParams("detach requires target")
			}
			target, ok := mgr.ResolveTargetID(params.Target)
			if !ok {
				return map[string]any{"ok": true}, nil // already gone: idempotent
			}
			target.Disconnect()
			return map[string]any{"ok": true}, nil
		},
	})

	registry.Register(&rpcserver.Handler{
		Method: "get_notices",
		Fn: func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
			return notices.All(), nil
		},
	})
}

func fetchToggle(mgr *Manager, enable bool) rpcserver.HandlerFunc {
	method := "Fetch.disable"
	if enable {
		method = "Fetch.enable"
	}
	return func(ctx context.Context, raw json.RawMessage) (any, *rpcproto.Error) {
		var params targetOnlyParams
		if err := json.Unmarshal(raw, &params); err != nil || params.Target == "" {
			return nil, rpcproto.ErrInvalidParams("fetch toggle requires target")
		}
		target, ok := mgr.ResolveTargetID(params.Target)
		if !ok {
			return nil, rpcproto.ErrTargetGone(params.Target)
		}
		snap := target.Snapshot()
		if snap.FetchEnabled == enable {
			return map[string]any{"ok": true, "already": true}, nil
		}
		if _, err := target.Execute(ctx, method, nil); err != nil {
			return nil, rpcproto.ErrTransport(err.Error())
		}
		target.SetFetchEnabled(enable)
		return map[string]any{"ok": true}, nil
	}
}
