// Package sessionmux implements the session-multiplexed transport shared by
// both daemon variants: one underlying connection per remote endpoint,
// command/response dispatch via id-keyed futures, and — for the browser
// variant — frame routing by session id to per-target event ingestion.
// Target lifecycle callbacks run off the receive path through a worker pool
// so frame decoding never blocks on them.
package sessionmux

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/workerpool"
)

// Frame is one decoded message off the transport. Exactly one of the id/
// method branches applies: a frame with a nonzero ID and no Method is a
// command response; a frame with a Method is an event (session-scoped if
// SessionID is set, endpoint-level otherwise).
type Frame struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *FrameError     `json:"error,omitempty"`
}

// FrameError mirrors a CDP-style error envelope on a command response.
type FrameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("sessionmux: remote error %d: %s", e.Code, e.Message)
}

// Event is a session-scoped frame handed to a Target's event ingestion path.
type Event struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// Target receives session-scoped events and a single notification when the
// mux tears down (either by explicit Close or a transport read failure).
type Target interface {
	HandleEvent(Event)
	HandleClose()
}

// Lifecycle receives endpoint-level frames that are not addressed to any
// registered session — target creation/destruction and the like. Callbacks
// run off the transport's receive goroutine.
type Lifecycle interface {
	OnLifecycleEvent(ctx context.Context, method string, params json.RawMessage)
}

// Transport abstracts the underlying connection so Mux can be driven by a
// real WebSocket (ws_transport.go) or a fake in an in-process test.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// ErrClosed is returned by Execute and Register after the mux has torn down.
var ErrClosed = fmt.Errorf("sessionmux: closed")

// ErrDuplicateSession is returned by Register when session id is already
// bound to a target.
var ErrDuplicateSession = fmt.Errorf("sessionmux: duplicate session id")

type pendingCall struct {
	resultCh chan Frame
}

// Mux owns one Transport and multiplexes command/response futures and
// session-routed events over it.
type Mux struct {
	transport Transport
	lifecycle Lifecycle
	pool      *workerpool.Pool
	log       *logx.Logger

	nextID int64

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	sessions map[string]Target
	closed   bool

	closeOnce sync.Once
	doneCh    chan struct{}
}

// New wires a Mux around transport. pool may be nil, in which case lifecycle
// callbacks are dispatched on plain goroutines instead of a bounded pool —
// useful for tests that don't care about concurrency bounds.
func New(transport Transport, lifecycle Lifecycle, pool *workerpool.Pool) *Mux {
	m := &Mux{
		transport: transport,
		lifecycle: lifecycle,
		pool:      pool,
		log:       logx.New("sessionmux"),
		pending:   map[int64]*pendingCall{},
		sessions:  map[string]Target{},
		doneCh:    make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// Register binds sessionID to target so future session-scoped frames route
// to it. Duplicate session ids are rejected.
func (m *Mux) Register(sessionID string, target Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, exists := m.sessions[sessionID]; exists {
		return ErrDuplicateSession
	}
	m.sessions[sessionID] = target
	return nil
}

// Unregister removes sessionID's binding without notifying the target; the
// caller is expected to have already handled (or be handling) its own
// teardown.
func (m *Mux) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Execute sends a command frame and blocks until a matching response
// arrives, ctx is done, or timeout elapses, whichever comes first. The
// pending entry's id is released (removed from the map) on every exit path
// so a late response after timeout is simply dropped.
func (m *Mux) Execute(ctx context.Context, sessionID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := atomic.AddInt64(&m.nextID, 1)

	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("sessionmux: marshal params: %w", err)
		}
		paramsRaw = b
	}

	call := &pendingCall{resultCh: make(chan Frame, 1)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.pending[id] = call
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}

	frame := Frame{ID: id, SessionID: sessionID, Method: method, Params: paramsRaw}
	raw, err := json.Marshal(frame)
	if err != nil {
		release()
		return nil, fmt.Errorf("sessionmux: marshal frame: %w", err)
	}
	if err := m.transport.WriteMessage(raw); err != nil {
		release()
		return nil, fmt.Errorf("sessionmux: write: %w", err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-call.resultCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	case <-timeoutCh:
		release()
		return nil, fmt.Errorf("sessionmux: %s timed out after %s", method, timeout)
	}
}

func (m *Mux) readLoop() {
	for {
		raw, err := m.transport.ReadMessage()
		if err != nil {
			m.teardown(fmt.Errorf("sessionmux: transport closed: %w", err))
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			m.log.Errorf("decode frame: %v", err)
			continue
		}

		switch {
		case f.ID != 0 && f.Method == "":
			m.resolveCall(f)
		case f.SessionID != "":
			m.dispatchEvent(f)
		default:
			m.dispatchLifecycle(f)
		}
	}
}

func (m *Mux) resolveCall(f Frame) {
	m.mu.Lock()
	call, ok := m.pending[f.ID]
	if ok {
		delete(m.pending, f.ID)
	}
	m.mu.Unlock()
	if !ok {
		m.log.Debugf("response for unknown id %d dropped", f.ID)
		return
	}
	call.resultCh <- f
}

func (m *Mux) dispatchEvent(f Frame) {
	m.mu.Lock()
	target, ok := m.sessions[f.SessionID]
	m.mu.Unlock()
	if !ok {
		m.log.Debugf("event for unknown session %s dropped (method %s)", f.SessionID, f.Method)
		return
	}
	target.HandleEvent(Event{SessionID: f.SessionID, Method: f.Method, Params: f.Params})
}

// dispatchLifecycle runs the lifecycle callback off the receive goroutine:
// domain re-enables and attach flows the callback triggers are themselves
// synchronous protocol calls, so running them inline here would deadlock
// against this same read loop.
func (m *Mux) dispatchLifecycle(f Frame) {
	if m.lifecycle == nil {
		return
	}
	fn := func(ctx context.Context) (any, error) {
		m.lifecycle.OnLifecycleEvent(ctx, f.Method, f.Params)
		return nil, nil
	}
	if m.pool != nil {
		if _, err := m.pool.Submit(context.Background(), fn); err != nil {
			m.log.Errorf("submit lifecycle callback: %v", err)
		}
		return
	}
	go func() { _, _ = fn(context.Background()) }()
}

// Close tears the mux down: closes the transport, fails all pending calls,
// and notifies every registered target exactly once. Safe to call more than
// once and safe to call concurrently with a transport read failure racing
// it to teardown — only the first caller does the work.
func (m *Mux) Close() error {
	_ = m.transport.Close()
	m.teardown(ErrClosed)
	return nil
}

// Done returns a channel closed once teardown has completed.
func (m *Mux) Done() <-chan struct{} {
	return m.doneCh
}

func (m *Mux) teardown(cause error) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		pending := m.pending
		m.pending = map[int64]*pendingCall{}
		sessions := m.sessions
		m.sessions = map[string]Target{}
		m.mu.Unlock()

		for id, call := range pending {
			call.resultCh <- Frame{ID: id, Error: &FrameError{Code: -1, Message: cause.Error()}}
		}
		for _, target := range sessions {
			target.HandleClose()
		}
		close(m.doneCh)
	})
}
