// Package action implements the Action Queue: the ordered set of in-flight
// commands against targets (panes or attached browser sessions), their
// state machine, and the bounded pending/resolved bookkeeping used by the
// RPC surface and the event broadcaster.
package action

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// State is a position in the Action state machine.
type State string

const (
	ReadyCheck    State = "READY_CHECK"
	Watching      State = "WATCHING"
	SelectingPane State = "SELECTING_PANE"
	Completed     State = "COMPLETED"
	Cancelled     State = "CANCELLED"
)

// IsTerminal reports whether s is a terminal state (COMPLETED/CANCELLED).
func (s State) IsTerminal() bool {
	return s == Completed || s == Cancelled
}

// Action is an outstanding unit of work against a target.
type Action struct {
	ID          string
	TargetID    string
	Command     string
	CreatedAt   time.Time
	State       State
	Result      map[string]any
	MultiSelect bool
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// idSeq is a process-local counter mixed into the id hash so that two
// actions created in the same nanosecond never collide.
var (
	idSeqMu sync.Mutex
	idSeq   uint64
)

// NewID generates a short printable id for an action, in the same spirit
// as the daemon's other short-hash identifiers: a content hash truncated
// and base36-encoded, not a sequential counter a client could guess ahead
// of time.
func NewID(targetID, command string, createdAt time.Time) string {
	idSeqMu.Lock()
	idSeq++
	seq := idSeq
	idSeqMu.Unlock()

	content := fmt.Sprintf("%s|%s|%d|%d", targetID, command, createdAt.UnixNano(), seq)
	sum := sha256.Sum256([]byte(content))
	return "A" + encodeBase36(sum[:4], 6)
}

func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, idAlphabet[mod.Int64()])
	}

	var b strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		b.WriteByte(chars[i])
	}
	str := b.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// New constructs a fresh, non-terminal action in the given starting state
// (typically ReadyCheck or SelectingPane).
func New(targetID, command string, start State, multiSelect bool, now time.Time) *Action {
	return &Action{
		ID:          NewID(targetID, command, now),
		TargetID:    targetID,
		Command:     command,
		CreatedAt:   now,
		State:       start,
		MultiSelect: multiSelect,
	}
}
