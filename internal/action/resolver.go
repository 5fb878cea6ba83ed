package action

// Transition is the auto-resolver's verdict for one feed cycle. It names
// what the owning per-target state must do next; the resolver itself
// never touches a ring buffer or injects keystrokes; it only computes the
// state-machine step from its Action, the current pattern match state, and
// the byte-delta guard.
type Transition int

const (
	// NoTransition means nothing about the action changes this cycle.
	NoTransition Transition = iota
	// ToWatching means a READY_CHECK action matched "ready": the caller
	// must clear the target's buffer, inject the pending keystrokes,
	// move the action to WATCHING, reset bytes_since_watching, and
	// broadcast action_watching.
	ToWatching
	// ToCompleted means a WATCHING action matched "ready" again with at
	// least one byte ingested since entering WATCHING: the caller must
	// capture all_content as the result, move the action to COMPLETED,
	// clear the per-target current action, and broadcast action_resolved.
	ToCompleted
)

// MatchState mirrors patternstore.State without importing it, so this
// package stays free of a dependency on the pattern store.
type MatchState string

const (
	MatchNone  MatchState = ""
	MatchReady MatchState = "ready"
	MatchBusy  MatchState = "busy"
)

// AutoResolve computes the auto-resolver transition for a, given the
// pattern match state observed on the latest feed and the number of bytes
// ingested since the action entered WATCHING. A nil or already-terminal
// action never transitions.
func AutoResolve(a *Action, match MatchState, bytesSinceWatching int) Transition {
	if a == nil || a.State.IsTerminal() {
		return NoTransition
	}
	switch a.State {
	case ReadyCheck:
		if match == MatchReady {
			return ToWatching
		}
	case Watching:
		if match == MatchReady && bytesSinceWatching > 0 {
			return ToCompleted
		}
	}
	return NoTransition
}
