package browser

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tapdaemon/taptools/internal/eventlog"
	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/sessionmux"
	"github.com/tapdaemon/taptools/internal/webtarget"
)

// Target is the browser variant's Per-Target State: it owns a CDP session
// (a sessionId on the shared endpoint mux), forwards every event it
// receives into the event log, and tracks the inspecting/fetch-enabled
// flags surfaced in snapshots.
type Target struct {
	ID        string // "{port}:{short-id}"
	SessionID string
	PageID    string
	Port      int

	mux    *sessionmux.Mux
	log    *eventlog.Log
	lc     *webtarget.Manager
	logger *logx.Logger

	mu           sync.Mutex
	url          string
	title        string
	inspecting   bool
	fetchEnabled bool
	disconnected bool
	onDisconnect func()
}

// NewTarget constructs a Target bound to sessionID on mux, already
// registered. Construction does not send any protocol calls; the caller
// (Manager.Attach) issues the domain-enable calls separately. onDisconnect,
// if set, is called once Disconnect has finished its own teardown, so the
// owning Manager can drop the target from its registry.
func NewTarget(id, sessionID, pageID string, port int, url, title string, mux *sessionmux.Mux, log *eventlog.Log, lc *webtarget.Manager, onDisconnect func()) *Target {
	return &Target{
		ID:           id,
		SessionID:    sessionID,
		PageID:       pageID,
		Port:         port,
		url:          url,
		title:        title,
		onDisconnect: onDisconnect,
		mux:          mux,
		log:          log,
		lc:           lc,
		logger:       logx.New("browser"),
	}
}

// Execute issues a CDP command scoped to this target's session.
func (t *Target) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.mux.Execute(ctx, t.SessionID, method, params, defaultCallTimeout)
}

// HandleEvent implements sessionmux.Target: every session-scoped frame for
// this target's session id lands here. Events are appended to the log
// unconditionally; a few well-known methods additionally update local
// flags or are routed to the lifecycle manager's crash handling.
func (t *Target) HandleEvent(e sessionmux.Event) {
	now := time.Now()
	if t.log != nil {
		if err := t.log.Append(context.Background(), t.ID, e.Method, e.Params, now); err != nil {
			t.logger.Errorf("append event for %s: %v", t.ID, err)
		}
	}

	switch e.Method {
	case "Debugger.paused":
		t.mu.Lock()
		t.inspecting = true
		t.mu.Unlock()
	case "Debugger.resumed":
		t.mu.Lock()
		t.inspecting = false
		t.mu.Unlock()
	case "Inspector.targetCrashed":
		if t.lc != nil {
			t.lc.MarkCrashed(t.ID)
		}
	case "Inspector.targetReloadedAfterCrash":
		if t.lc != nil {
			t.lc.MarkReloadedAfterCrash(context.Background(), t.ID)
		}
	case "Target.targetInfoChanged":
		var payload struct {
			TargetInfo struct {
				URL   string `json:"url"`
				Title string `json:"title"`
			} `json:"targetInfo"`
		}
		if json.Unmarshal(e.Params, &payload) == nil {
			t.mu.Lock()
			t.url = payload.TargetInfo.URL
			t.title = payload.TargetInfo.Title
			t.mu.Unlock()
		}
	}
}

// HandleClose implements sessionmux.Target: invoked once when the owning
// endpoint mux tears down (transport closed or explicit Close), which is
// distinct from a single-target detach.
func (t *Target) HandleClose() {
	t.mu.Lock()
	t.disconnected = true
	t.mu.Unlock()
}

// Disconnect implements webtarget.Session: called by the lifecycle manager
// on targetDestroyed/detachedFromTarget or an explicit RPC detach. Safe to
// call more than once.
func (t *Target) Disconnect() {
	t.mu.Lock()
	if t.disconnected {
		t.mu.Unlock()
		return
	}
	t.disconnected = true
	t.mu.Unlock()

	t.mux.Unregister(t.SessionID)
	if t.log != nil {
		if err := t.log.DeleteTarget(context.Background(), t.ID); err != nil {
			t.logger.Errorf("delete target events for %s: %v", t.ID, err)
		}
	}
	if t.onDisconnect != nil {
		t.onDisconnect()
	}
}

// SetFetchEnabled records the fetch-interception flag (idempotent toggle
// enforcement lives in the RPC handler).
func (t *Target) SetFetchEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetchEnabled = v
}

// Snapshot is the read-only view exposed in status/list responses.
type Snapshot struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	Inspecting   bool   `json:"inspecting"`
	FetchEnabled bool   `json:"fetch_enabled"`
}

// Snapshot returns a read-only copy of the target's current flags.
func (t *Target) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:           t.ID,
		URL:          t.url,
		Title:        t.title,
		Inspecting:   t.inspecting,
		FetchEnabled: t.fetchEnabled,
	}
}
