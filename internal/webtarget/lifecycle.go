package webtarget

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tapdaemon/taptools/internal/logx"
)

// ConnState is a per-target connection state, distinct from an Action's
// state machine: it tracks the CDP session's attach lifecycle rather than
// a single in-flight command.
type ConnState string

const (
	Connecting    ConnState = "CONNECTING"
	Attached      ConnState = "ATTACHED"
	Disconnecting ConnState = "DISCONNECTING"
	Suspended     ConnState = "SUSPENDED"
)

// Info is the subset of CDP TargetInfo the lifecycle manager cares about.
type Info struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	OpenerID string `json:"openerId,omitempty"`
}

// Session is the owning per-target state's disconnect hook. The browser
// variant's per-target state implements this to tear down its own CDP
// session mux registration.
type Session interface {
	Disconnect()
}

// Attacher creates a new session for a target the watch set selected.
type Attacher interface {
	Attach(ctx context.Context, info Info) error
}

// Reenabler re-runs a target's domain-enable calls after a service worker
// reload-after-crash, since those are synchronous protocol calls and must
// not run on the frame-decoding path.
type Reenabler interface {
	ReenableDomains(ctx context.Context, targetID string)
}

// Manager implements the browser variant's Target Lifecycle Manager: it
// owns the watch sets and decides, on each endpoint-level target event,
// whether to trigger an attach, update cached metadata, or tear a session
// down. It satisfies sessionmux.Lifecycle via OnLifecycleEvent.
type Manager struct {
	watch     *WatchSet
	notices   *Notices
	attacher  Attacher
	reenabler Reenabler
	log       *logx.Logger

	// onSnapshot, if set, is called whenever a watched target's cached
	// metadata changes, so the caller can re-broadcast a state snapshot.
	onSnapshot func(targetID string)

	mu       sync.Mutex
	info     map[string]Info
	state    map[string]ConnState
	sessions map[string]Session
	crashed  map[string]bool
}

// New constructs a Manager. onSnapshot may be nil.
func New(watch *WatchSet, notices *Notices, attacher Attacher, reenabler Reenabler, onSnapshot func(targetID string)) *Manager {
	return &Manager{
		watch:      watch,
		notices:    notices,
		attacher:   attacher,
		reenabler:  reenabler,
		onSnapshot: onSnapshot,
		log:        logx.New("webtarget"),
		info:       map[string]Info{},
		state:      map[string]ConnState{},
		sessions:   map[string]Session{},
		crashed:    map[string]bool{},
	}
}

// SetAttacher wires the attacher after construction, for callers where the
// attacher (the browser session mux wiring) and the lifecycle manager
// reference each other and so cannot both be built in one constructor call.
func (m *Manager) SetAttacher(attacher Attacher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attacher = attacher
}

// SetReenabler wires the reenabler after construction, for the same
// mutual-reference reason as SetAttacher.
func (m *Manager) SetReenabler(reenabler Reenabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reenabler = reenabler
}

// RegisterSession records the session owning targetID once attach succeeds.
func (m *Manager) RegisterSession(targetID string, s Session, state ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[targetID] = s
	m.state[targetID] = state
}

// SetState updates targetID's connection state.
func (m *Manager) SetState(targetID string, state ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[targetID] = state
}

// State returns targetID's current connection state, if known.
func (m *Manager) State(targetID string) (ConnState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[targetID]
	return s, ok
}

// Info returns the last cached TargetInfo for targetID, if known.
func (m *Manager) Info(targetID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.info[targetID]
	return i, ok
}

// OnLifecycleEvent implements sessionmux.Lifecycle: endpoint-level Target.*
// frames (no session id) land here, dispatched off the mux's receive path.
func (m *Manager) OnLifecycleEvent(ctx context.Context, method string, params json.RawMessage) {
	switch method {
	case "Target.targetCreated":
		m.onTargetCreated(ctx, params)
	case "Target.targetInfoChanged":
		m.onTargetInfoChanged(ctx, params)
	case "Target.targetDestroyed":
		m.onTargetDestroyed(ctx, params)
	case "Target.detachedFromTarget":
		m.onDetachedFromTarget(ctx, params)
	default:
		m.log.Debugf("unhandled lifecycle event %s", method)
	}
}

func (m *Manager) onTargetCreated(ctx context.Context, params json.RawMessage) {
	var payload struct {
		TargetInfo Info `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		m.log.Errorf("decode targetCreated: %v", err)
		return
	}
	info := payload.TargetInfo

	m.mu.Lock()
	m.info[info.TargetID] = info
	m.mu.Unlock()

	if m.shouldAttach(info) {
		m.triggerAttach(ctx, info)
	}
}

func (m *Manager) onTargetInfoChanged(ctx context.Context, params json.RawMessage) {
	var payload struct {
		TargetInfo Info `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		m.log.Errorf("decode targetInfoChanged: %v", err)
		return
	}
	info := payload.TargetInfo

	m.mu.Lock()
	prev, hadPrev := m.info[info.TargetID]
	m.info[info.TargetID] = info
	_, attached := m.sessions[info.TargetID]
	m.mu.Unlock()

	urlWasEmpty := !hadPrev || prev.URL == ""
	if !attached && urlWasEmpty && m.shouldAttach(info) {
		m.triggerAttach(ctx, info)
		return
	}
	if attached && m.onSnapshot != nil {
		m.onSnapshot(info.TargetID)
	}
}

func (m *Manager) onTargetDestroyed(ctx context.Context, params json.RawMessage) {
	var payload struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		m.log.Errorf("decode targetDestroyed: %v", err)
		return
	}
	m.teardown(payload.TargetID, "targetDestroyed")
}

func (m *Manager) onDetachedFromTarget(ctx context.Context, params json.RawMessage) {
	var payload struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		m.log.Errorf("decode detachedFromTarget: %v", err)
		return
	}
	m.teardown(payload.TargetID, "detachedFromTarget")
}

// teardown locates the owning session, invokes its disconnect callback
// exactly once, and removes it from the registry. A crashed target's
// destroyed event is suppressed so a pending reload-after-crash can still
// find the session to re-enable domains on.
func (m *Manager) teardown(targetID, reason string) {
	m.mu.Lock()
	if m.crashed[targetID] {
		m.mu.Unlock()
		m.log.Debugf("suppressing %s for crashed target %s", reason, targetID)
		return
	}
	s, ok := m.sessions[targetID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, targetID)
	delete(m.info, targetID)
	m.state[targetID] = Disconnecting
	m.mu.Unlock()

	s.Disconnect()
}

// MarkCrashed records a service-worker crash for targetID, suppressing the
// default targetDestroyed teardown until a reload is observed. Called by
// the owning session when it sees Inspector.targetCrashed on its own
// session-scoped event stream.
func (m *Manager) MarkCrashed(targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crashed[targetID] = true
}

// MarkReloadedAfterCrash clears the crash suppression and re-runs domain
// enables off the caller's goroutine, since domain-enable is a synchronous
// protocol call and must not run on the event-handling path that invoked
// this method.
func (m *Manager) MarkReloadedAfterCrash(ctx context.Context, targetID string) {
	m.mu.Lock()
	delete(m.crashed, targetID)
	m.mu.Unlock()

	if m.reenabler == nil {
		return
	}
	go m.reenabler.ReenableDomains(ctx, targetID)
}

// Disconnect tears a target down explicitly (e.g. an RPC-driven detach). It
// is idempotent: a second call against an already-removed target is a
// no-op.
func (m *Manager) Disconnect(targetID string) {
	m.mu.Lock()
	s, ok := m.sessions[targetID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, targetID)
	delete(m.info, targetID)
	delete(m.crashed, targetID)
	m.state[targetID] = Disconnecting
	m.mu.Unlock()

	s.Disconnect()
}

func (m *Manager) shouldAttach(info Info) bool {
	if m.watch.IsWatchedID(info.TargetID) {
		return true
	}
	if info.URL != "" && m.watch.IsWatchedURL(info.URL) {
		return true
	}
	if info.OpenerID != "" && m.watch.IsWatchedID(info.OpenerID) {
		return true
	}
	return false
}

func (m *Manager) triggerAttach(ctx context.Context, info Info) {
	if m.attacher == nil {
		return
	}
	m.mu.Lock()
	m.state[info.TargetID] = Connecting
	m.mu.Unlock()

	if err := m.attacher.Attach(ctx, info); err != nil {
		m.log.Errorf("attach %s: %v", info.TargetID, err)
		m.mu.Lock()
		delete(m.state, info.TargetID)
		m.mu.Unlock()
	}
}
