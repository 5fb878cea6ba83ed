package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tapdaemon/taptools/internal/eventlog"
	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/sessionmux"
	"github.com/tapdaemon/taptools/internal/webtarget"
)

// domainEnables are issued against every newly attached target, matching
// webtap's services enabling Network/Page/Runtime observation by default.
var domainEnables = []string{"Network.enable", "Page.enable", "Runtime.enable", "Inspector.enable"}

// Manager owns the single browser endpoint connection (one Chrome instance,
// addressed by HTTP debug port), the shared event log, and the registry of
// attached per-target sessions. It implements webtarget.Attacher so the
// lifecycle manager can drive attach decisions without knowing about CDP
// wire details.
type Manager struct {
	port     int
	httpBase string
	mux      *sessionmux.Mux
	log      *eventlog.Log
	lc       *webtarget.Manager
	logger   *logx.Logger

	mu      sync.Mutex
	targets map[string]*Target // keyed by composite target id
}

// New wires a Manager around an already-dialed endpoint transport. Since
// webtarget.Manager and browser.Manager reference each other, the caller
// builds lc first with a nil Attacher and then passes this Manager to
// lc.SetAttacher.
func New(port int, httpBase string, transport sessionmux.Transport, log *eventlog.Log, lc *webtarget.Manager) *Manager {
	m := &Manager{
		port:     port,
		httpBase: httpBase,
		log:      log,
		lc:       lc,
		logger:   logx.New("browser"),
		targets:  map[string]*Target{},
	}
	m.mux = sessionmux.New(transport, lc, nil)
	return m
}

// Mux exposes the underlying session mux for wiring into the lifecycle
// manager as its sessionmux.Lifecycle implementation's event source.
func (m *Manager) Mux() *sessionmux.Mux { return m.mux }

// Attach implements webtarget.Attacher: it asks the browser to attach to
// info.TargetID in flattened mode, records the resulting sessionId, enables
// the default observation domains, and registers the target both with the
// session mux (for event routing) and the lifecycle manager (for
// disconnect bookkeeping).
func (m *Manager) Attach(ctx context.Context, info webtarget.Info) error {
	raw, err := m.mux.Execute(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": info.TargetID,
		"flatten":  true,
	}, defaultCallTimeout)
	if err != nil {
		return fmt.Errorf("browser: attachToTarget %s: %w", info.TargetID, err)
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("browser: decode attachToTarget result: %w", err)
	}

	id := ShortTargetID(m.port, info.TargetID)
	target := NewTarget(id, result.SessionID, info.TargetID, m.port, info.URL, info.Title, m.mux, m.log, m.lc, func() {
		m.Remove(id)
	})

	if err := m.mux.Register(result.SessionID, target); err != nil {
		return fmt.Errorf("browser: register session %s: %w", result.SessionID, err)
	}

	for _, method := range domainEnables {
		if _, err := target.Execute(ctx, method, nil); err != nil {
			m.logger.Errorf("enable %s for %s: %v", method, id, err)
		}
	}

	m.mu.Lock()
	m.targets[id] = target
	m.mu.Unlock()

	m.lc.RegisterSession(info.TargetID, target, webtarget.Attached)
	return nil
}

// Get returns the target for a composite id.
func (m *Manager) Get(id string) (*Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	return t, ok
}

// All returns every currently attached target.
func (m *Manager) All() []*Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	return out
}

// Remove drops id from the registry, called by the Target's own Disconnect
// once it has torn itself down.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.targets, id)
	m.mu.Unlock()
}

// ResolveTargetID accepts either a full composite id ("9222:8c5f3a") or a
// bare page id, returning the registered Target.
func (m *Manager) ResolveTargetID(idOrComposite string) (*Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.targets[idOrComposite]; ok {
		return t, true
	}
	for _, t := range m.targets {
		if t.PageID == idOrComposite || strings.EqualFold(t.PageID, idOrComposite) {
			return t, true
		}
	}
	return nil, false
}

// ReenableDomains implements webtarget.Reenabler: after a service worker
// reloads following a crash, the observation domains must be re-enabled
// from a worker task because they are synchronous protocol calls.
func (m *Manager) ReenableDomains(ctx context.Context, targetID string) {
	m.mu.Lock()
	var target *Target
	for _, t := range m.targets {
		if t.PageID == targetID {
			target = t
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return
	}
	for _, method := range domainEnables {
		if _, err := target.Execute(ctx, method, nil); err != nil {
			m.logger.Errorf("re-enable %s for %s: %v", method, target.ID, err)
		}
	}
}

// Close tears down the endpoint mux, which in turn notifies every attached
// target's HandleClose exactly once.
func (m *Manager) Close() error {
	return m.mux.Close()
}
