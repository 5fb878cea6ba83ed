// Package rpcserver implements the RPC dispatcher: a static registry of
// typed handlers served over a newline-delimited JSON Unix socket, with
// per-handler opt-in to worker-pool dispatch for blocking work and to
// mutation-triggered broadcast snapshots.
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tapdaemon/taptools/internal/rpcproto"
)

// HandlerFunc implements one RPC method. It must never panic; the
// dispatcher recovers panics into INTERNAL_ERROR responses as a backstop,
// but handlers are expected to return a typed *rpcproto.Error instead.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, *rpcproto.Error)

// Handler is one registry entry.
type Handler struct {
	Method string
	// Blocking handlers run on the worker pool, which bounds how many run
	// at once; the connection that sent the request waits for the result
	// before reading its next request, so its responses stay in order.
	Blocking bool
	// Mutates marks a handler whose successful completion should trigger
	// a broadcaster snapshot.
	Mutates bool
	Fn      HandlerFunc
}

// Registry is the method-name -> Handler static table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]*Handler{}}
}

// Register adds h, panicking on a duplicate method name since that is
// always a wiring bug caught at daemon startup, never at request time.
func (r *Registry) Register(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Method]; exists {
		panic(fmt.Sprintf("rpcserver: duplicate handler registered for method %q", h.Method))
	}
	r.handlers[h.Method] = h
}

// Lookup returns the handler for method, if registered.
func (r *Registry) Lookup(method string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}
