package pane

import (
	"strings"
	"sync"

	"github.com/tapdaemon/taptools/internal/ring"
)

// State is one tmux pane's identity, its ring screen buffer, the id of
// its current in-flight action (if any), and the byte counters the
// auto-resolver depends on. Created lazily on first byte or first query;
// never shared across panes.
type State struct {
	ID string // stable tmux pane id, e.g. "%42"

	// opMu serializes whole execute-path operations (busy check, action
	// creation, keystroke send) against this pane: blocking RPC handlers
	// run concurrently on the worker pool, and the at-most-one-non-terminal
	// action guarantee needs the check and the create in one critical
	// section. Ordered strictly before mu; never held during Feed.
	opMu sync.Mutex

	mu sync.Mutex

	process string
	buffer  *ring.Buffer

	currentActionID string // "" when no non-terminal action is in flight

	bytesFed           uint64
	bytesSinceWatching uint64

	pipeActive bool
}

// NewState constructs a fresh, empty Per-Target State for paneID.
func NewState(paneID string, maxLines int) *State {
	return &State{ID: paneID, buffer: ring.New(maxLines)}
}

// Feed appends raw bytes to the Ring Screen Buffer and advances both byte
// counters. Returns the new bytesSinceWatching value so the caller can
// hand it straight to the auto-resolver without a second lock round trip.
func (s *State) Feed(data []byte) (bytesSinceWatching uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.Feed(data)
	n := uint64(len(data))
	s.bytesFed += n
	s.bytesSinceWatching += n
	return s.bytesSinceWatching
}

// Process returns the cached process identity, or "" if unknown (never
// queried yet, or cleared by a collector disconnect).
func (s *State) Process() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

// SetProcess updates the cached process identity.
func (s *State) SetProcess(process string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.process = process
}

// ClearProcess resets the cached process identity so the next access
// re-queries tmux, used when the pane's collector stream disconnects.
func (s *State) ClearProcess() {
	s.SetProcess("")
}

// CurrentActionID returns the id of the pane's current non-terminal
// action, or "" if none.
func (s *State) CurrentActionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentActionID
}

// SetCurrentActionID records the pane's current non-terminal action id
// (or clears it with "").
func (s *State) SetCurrentActionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentActionID = id
}

// BytesSinceWatching returns the counter the auto-resolver's WATCHING
// guard consults.
func (s *State) BytesSinceWatching() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSinceWatching
}

// ResetBytesSinceWatching zeroes the counter, called when an action
// transitions into WATCHING.
func (s *State) ResetBytesSinceWatching() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesSinceWatching = 0
}

// BytesFed returns the lifetime byte counter; it survives a collector
// restart.
func (s *State) BytesFed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesFed
}

// PipeActive reports whether the daemon believes a collector pipe is
// currently attached to this pane.
func (s *State) PipeActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeActive
}

// SetPipeActive records the collector pipe's attachment state.
func (s *State) SetPipeActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeActive = active
}

// Clear advances the ring buffer's preserve boundary, called when an
// action transitions from READY_CHECK to WATCHING so the captured output
// on completion excludes whatever was on screen before the command was
// sent.
func (s *State) Clear() {
	s.buffer.Clear()
}

// AllContent returns the buffer's content since the last Clear.
func (s *State) AllContent() string {
	return s.buffer.AllContent()
}

// OutputLines returns AllContent split into lines, the shape the Pattern
// Store's Match expects.
func (s *State) OutputLines() []string {
	content := s.AllContent()
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

// LastNLines returns the last n lines of the full retained scrollback
// (not limited by the preserve boundary), for the `read` RPC method's
// tail mode.
func (s *State) LastNLines(n int) []string {
	return s.buffer.LastNLines(n)
}

// FullDump returns every retained line regardless of the preserve
// boundary, for `ls`/`debug_eval` diagnostics.
func (s *State) FullDump() []string {
	return s.buffer.FullDump()
}

// ActionSnapshot is the read-only view of pane state exposed in snapshots
// and `ls` results.
type ActionSnapshot struct {
	ID              string
	Process         string
	CurrentActionID string
	BytesFed        uint64
	LineCount       int
	PipeActive      bool
}

// Snapshot returns a point-in-time copy of this pane's summary fields.
func (s *State) Snapshot() ActionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ActionSnapshot{
		ID:              s.ID,
		Process:         s.process,
		CurrentActionID: s.currentActionID,
		BytesFed:        s.bytesFed,
		LineCount:       s.buffer.LineCount(),
		PipeActive:      s.pipeActive,
	}
}
