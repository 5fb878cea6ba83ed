package pane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tapdaemon/taptools/internal/action"
	"github.com/tapdaemon/taptools/internal/broadcast"
	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/patternstore"
	"github.com/tapdaemon/taptools/internal/tmuxdriver"
)

// Manager is the terminal variant's pane registry: it owns every pane's
// State, tracks pane lifecycle (creation on first byte, removal on
// cleanup), and is the only thing that touches the action queue, pattern
// store, and tmux driver on the terminal variant's behalf.
type Manager struct {
	log     *logx.Logger
	tmux    *tmuxdriver.Driver
	store   *patternstore.Store
	queue   *action.Queue
	bc      *broadcast.Broadcaster
	maxLine int

	mu     sync.Mutex
	panes  map[string]*State
}

// New constructs a Manager. bc may be nil in tests that don't care about
// broadcast events.
func New(tmux *tmuxdriver.Driver, store *patternstore.Store, queue *action.Queue, bc *broadcast.Broadcaster, maxLines int) *Manager {
	return &Manager{
		log:     logx.New("pane"),
		tmux:    tmux,
		store:   store,
		queue:   queue,
		bc:      bc,
		maxLine: maxLines,
		panes:   map[string]*State{},
	}
}

// getOrCreate returns the pane's State, creating one lazily on first
// byte or first query.
func (m *Manager) getOrCreate(paneID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.panes[paneID]
	if !ok {
		s = NewState(paneID, m.maxLine)
		m.panes[paneID] = s
	}
	return s
}

// Get returns the pane's State if it already exists, without creating one.
func (m *Manager) Get(paneID string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.panes[paneID]
	return s, ok
}

// Remove drops a pane's State entirely (used by Cleanup when the pane no
// longer exists in tmux).
func (m *Manager) Remove(paneID string) {
	m.mu.Lock()
	delete(m.panes, paneID)
	m.mu.Unlock()
}

// All returns a snapshot slice of every known pane's State pointers, in
// no particular order.
func (m *Manager) All() []*State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*State, 0, len(m.panes))
	for _, s := range m.panes {
		out = append(out, s)
	}
	return out
}

// broadcastEvent is a no-op if bc is nil, so unit tests can construct a
// Manager without a running broadcaster.
func (m *Manager) broadcastEvent(event any) {
	if m.bc != nil {
		m.bc.Enqueue(event)
	}
}

// actionAddedEvent, actionWatchingEvent, actionResolvedEvent are the
// three per-action event types subscribers receive.
type actionAddedEvent struct {
	Type     string `json:"type"`
	ActionID string `json:"action_id"`
	TargetID string `json:"target_id"`
	State    string `json:"state"`
}

type actionWatchingEvent struct {
	Type     string `json:"type"`
	ActionID string `json:"action_id"`
	TargetID string `json:"target_id"`
}

type actionResolvedEvent struct {
	Type     string `json:"type"`
	ActionID string `json:"action_id"`
	TargetID string `json:"target_id"`
	Status   string `json:"status"`
}

// Feed routes raw collector bytes for paneID into its State, refreshes
// the process identity if unknown, then re-evaluates readiness and drives
// the auto-resolver. It is the single entry point the collector server
// calls for every chunk of pane output, so per-target ordering is exactly
// the ingestion reader's order.
func (m *Manager) Feed(ctx context.Context, paneID string, data []byte) {
	s := m.getOrCreate(paneID)
	bytesSinceWatching := s.Feed(data)

	if s.Process() == "" {
		if cmd, err := m.tmux.CurrentCommand(ctx, paneID); err == nil && cmd != "" {
			s.SetProcess(cmd)
		}
	}

	m.reevaluate(ctx, s, bytesSinceWatching)
}

// Check returns "ready"/"busy"/"" for s's current output: matched via
// the pattern store against the buffer's content since the last Clear,
// falling back to a direct tmux capture-pane when the buffer is empty (a
// freshly cleared pane has nothing buffered until new bytes arrive).
func (m *Manager) Check(ctx context.Context, s *State) (patternstore.State, error) {
	process := s.Process()
	if IsProxy(process) {
		process = ""
	}

	lines := s.OutputLines()
	if len(lines) == 0 {
		captured, err := m.tmux.CapturePane(ctx, s.ID, 0)
		if err != nil {
			return "", nil
		}
		if captured == "" {
			return "", nil
		}
		lines = splitLines(captured)
	}
	return m.store.Match(process, lines)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

// reevaluate re-checks readiness for s's current action (if any) and
// applies the Auto-Resolver transition.
func (m *Manager) reevaluate(ctx context.Context, s *State, bytesSinceWatching uint64) {
	actionID := s.CurrentActionID()
	if actionID == "" {
		return
	}
	a, ok := m.queue.Get(actionID)
	if !ok || a.State.IsTerminal() {
		s.SetCurrentActionID("")
		return
	}

	match, err := m.Check(ctx, s)
	if err != nil {
		return
	}

	transition := action.AutoResolve(a, action.MatchState(match), int(bytesSinceWatching))
	switch transition {
	case action.ToWatching:
		m.applyToWatching(ctx, s, a)
	case action.ToCompleted:
		m.applyToCompleted(s, a)
	}
}

func (m *Manager) applyToWatching(ctx context.Context, s *State, a *action.Action) {
	s.Clear()
	if err := m.tmux.SendKeys(ctx, s.ID, a.Command); err != nil {
		m.log.Errorf("send keys to %s: %v", s.ID, err)
	}

	a.State = action.Watching
	s.ResetBytesSinceWatching()

	m.broadcastEvent(actionWatchingEvent{Type: "action_watching", ActionID: a.ID, TargetID: a.TargetID})
}

func (m *Manager) applyToCompleted(s *State, a *action.Action) {
	result := map[string]any{
		"output":    s.AllContent(),
		"truncated": false,
	}
	_, _, err := m.queue.Resolve(a.ID, action.Completed, result)
	if err != nil {
		m.log.Errorf("resolve %s: %v", a.ID, err)
		return
	}
	s.SetCurrentActionID("")

	m.broadcastEvent(actionResolvedEvent{Type: "action_resolved", ActionID: a.ID, TargetID: a.TargetID, Status: "completed"})
}

// Execute implements the `execute`/`send` RPC semantics: it either
// sends immediately (pane already ready, command injected directly) or
// opens a READY_CHECK action awaiting resolution, depending on the pane's
// last-known state. At most one non-terminal action may exist per pane;
// a pane with one already in flight reports busy.
func (m *Manager) Execute(ctx context.Context, paneID, command, clientPane string) (status string, actionID string, resultErr error) {
	if !m.tmux.PaneExists(ctx, paneID) {
		return "error", "", fmt.Errorf("pane: target %s not found", paneID)
	}

	s := m.getOrCreate(paneID)

	// Serialize the busy check and action creation per pane: execute
	// handlers run concurrently on the worker pool.
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if existingID := s.CurrentActionID(); existingID != "" {
		if existing, ok := m.queue.Get(existingID); ok && !existing.State.IsTerminal() {
			return "busy", "", nil
		}
		s.SetCurrentActionID("")
	}

	match, err := m.Check(ctx, s)
	if err != nil {
		return "error", "", err
	}

	now := time.Now()
	switch match {
	case patternstore.Ready:
		a := action.New(paneID, command, action.Watching, false, now)
		m.queue.Add(a)
		s.SetCurrentActionID(a.ID)
		s.Clear()
		if err := m.tmux.SendKeys(ctx, paneID, command); err != nil {
			return "error", "", err
		}
		s.ResetBytesSinceWatching()
		m.broadcastEvent(actionAddedEvent{Type: "action_added", ActionID: a.ID, TargetID: paneID, State: string(action.Watching)})
		return "watching", a.ID, nil
	case patternstore.Busy:
		return "busy", "", nil
	default:
		a := action.New(paneID, command, action.ReadyCheck, false, now)
		m.queue.Add(a)
		s.SetCurrentActionID(a.ID)
		m.broadcastEvent(actionAddedEvent{Type: "action_added", ActionID: a.ID, TargetID: paneID, State: string(action.ReadyCheck)})
		return "ready_check", a.ID, nil
	}
}

// Resolve implements the `resolve` RPC method. Resolving an already
// resolved action reports already and leaves the stored result intact.
func (m *Manager) Resolve(actionID string, result map[string]any) (status string, already bool, resultOut map[string]any, err error) {
	a, outcome, err := m.queue.Resolve(actionID, action.Completed, result)
	if err != nil {
		return "", false, nil, err
	}
	if outcome == action.AlreadyResolved {
		return string(a.State), true, a.Result, nil
	}
	if s, ok := m.Get(a.TargetID); ok {
		s.SetCurrentActionID("")
	}
	m.broadcastEvent(actionResolvedEvent{Type: "action_resolved", ActionID: a.ID, TargetID: a.TargetID, Status: string(a.State)})
	return string(a.State), false, a.Result, nil
}

// Cancel implements cancellation of a pending action (used by
// select_pane/select_panes disambiguation and error paths).
func (m *Manager) Cancel(actionID string) error {
	a, outcome, err := m.queue.Cancel(actionID, nil)
	if err != nil {
		return err
	}
	if outcome == action.Resolved {
		if s, ok := m.Get(a.TargetID); ok {
			s.SetCurrentActionID("")
		}
	}
	return nil
}

// Interrupt implements the `interrupt` RPC method: injects the
// per-process interrupt key (default Ctrl-C) without an appended Enter.
func (m *Manager) Interrupt(ctx context.Context, paneID string) error {
	s, ok := m.Get(paneID)
	process := ""
	if ok {
		process = s.Process()
	}
	return m.tmux.SendRawKeys(ctx, paneID, InterruptKey(process))
}

// Cleanup implements the `cleanup` RPC method: drops Per-Target State for
// any pane tmux no longer reports.
func (m *Manager) Cleanup(ctx context.Context) int {
	live := map[string]bool{}
	if panes, err := m.tmux.ListPanes(ctx); err == nil {
		for _, p := range panes {
			live[p.ID] = true
		}
	}

	removed := 0
	for _, s := range m.All() {
		if !live[s.ID] {
			m.Remove(s.ID)
			removed++
		}
	}
	return removed
}

// OnCollectorDisconnect marks paneID's pipe inactive and clears its
// cached process identity, so the next `execute` re-issues the pipe
// instruction and the next feed re-queries tmux for the current command.
func (m *Manager) OnCollectorDisconnect(paneID string) {
	s, ok := m.Get(paneID)
	if !ok {
		return
	}
	s.SetPipeActive(false)
	s.ClearProcess()
}

// EnsurePipe starts the pane's collector pipe if it isn't already active,
// verifying the pane still exists in tmux first. At most one pipe may be
// active per pane; re-issuing while one is active is a no-op. shellCmd is
// the collector child command line tmux should pipe raw output into.
func (m *Manager) EnsurePipe(ctx context.Context, paneID, shellCmd string) error {
	s := m.getOrCreate(paneID)
	if s.PipeActive() {
		return nil
	}
	if !m.tmux.PaneExists(ctx, paneID) {
		return fmt.Errorf("pane: %s no longer exists", paneID)
	}
	if err := m.tmux.PipePane(ctx, paneID, shellCmd); err != nil {
		return err
	}
	s.SetPipeActive(true)
	return nil
}
