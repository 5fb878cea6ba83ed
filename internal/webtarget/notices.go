package webtarget

import (
	"sync"
	"time"
)

// Notice is one user-visible advisory (e.g. "extension outdated").
type Notice struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Notices is a short, purely-additive list surfaced to clients. Entries
// stay until Clear is called; neither daemon calls Clear, so notices are
// not cleared when a client connects.
type Notices struct {
	mu   sync.Mutex
	list []Notice
}

// NewNotices returns an empty Notices list.
func NewNotices() *Notices {
	return &Notices{}
}

// Add appends a notice.
func (n *Notices) Add(message string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, Notice{Message: message, CreatedAt: now})
}

// All returns a copy of the current notices, oldest first.
func (n *Notices) All() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notice, len(n.list))
	copy(out, n.list)
	return out
}

// Clear empties the list.
func (n *Notices) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = nil
}
