// Package ring implements the bounded, line-oriented Ring Screen Buffer fed
// by raw terminal byte streams. It interprets just enough terminal control
// (CR, LF, backspace, tab, bell, CSI/OSC escape sequences) to reconstruct
// line-oriented text from a tmux pane's raw output; it is not a terminal
// emulator and does not track cursor position, color, or alternate screens.
package ring

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxLines is the default bound on retained lines.
const DefaultMaxLines = 5000

// escState tracks progress through an in-flight ANSI escape sequence across
// Feed calls, since a sequence may be split across reads.
type escState int

const (
	scanNormal escState = iota
	scanEsc
	scanCSI
	scanOSC
	scanOSCEsc
)

// Buffer is a bounded line-oriented screen buffer. The zero value is not
// usable; construct with New.
type Buffer struct {
	mu sync.Mutex

	max            int
	lines          []string
	baseIdx        int
	preserveBefore int
	hasBoundary    bool

	partial []rune
	cursor  int
	esc     escState
}

// New creates a Buffer bounded at max lines (DefaultMaxLines if max <= 0).
func New(max int) *Buffer {
	if max <= 0 {
		max = DefaultMaxLines
	}
	return &Buffer{max: max}
}

// Feed appends raw bytes, interpreting terminal control as described in the
// package doc comment.
func (b *Buffer) Feed(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, n := 0, len(data)
	for i < n {
		c := data[i]

		switch b.esc {
		case scanEsc:
			switch c {
			case '[':
				b.esc = scanCSI
				i++
			case ']':
				b.esc = scanOSC
				i++
			default:
				b.esc = scanNormal
			}
			continue
		case scanCSI:
			i++
			if c >= 0x40 && c <= 0x7E {
				b.esc = scanNormal
			}
			continue
		case scanOSC:
			i++
			switch c {
			case 0x07:
				b.esc = scanNormal
			case 0x1B:
				b.esc = scanOSCEsc
			}
			continue
		case scanOSCEsc:
			i++
			if c == '\\' {
				b.esc = scanNormal
			} else {
				b.esc = scanOSC
			}
			continue
		}

		switch {
		case c == 0x1B:
			b.esc = scanEsc
			i++
		case c == '\r':
			b.cursor = 0
			i++
		case c == '\n':
			b.flushLineLocked()
			i++
		case c == 0x08 || c == 0x7F:
			b.backspaceLocked()
			i++
		case c == 0x07:
			i++ // bell, discarded
		case c < 0x20 && c != '\t':
			i++ // other C0 controls, discarded
		default:
			r, size := utf8.DecodeRune(data[i:])
			if r == utf8.RuneError && size <= 1 {
				r = unicode.ReplacementChar
				size = 1
			}
			b.writeRuneLocked(r)
			i += size
		}
	}
}

func (b *Buffer) writeRuneLocked(r rune) {
	if b.cursor < len(b.partial) {
		b.partial[b.cursor] = r
	} else {
		b.partial = append(b.partial, r)
	}
	b.cursor++
}

func (b *Buffer) backspaceLocked() {
	if b.cursor == 0 {
		return
	}
	b.cursor--
	if b.cursor < len(b.partial) {
		b.partial = append(b.partial[:b.cursor], b.partial[b.cursor+1:]...)
	}
}

func (b *Buffer) flushLineLocked() {
	b.lines = append(b.lines, string(b.partial))
	b.partial = nil
	b.cursor = 0
	b.enforceBoundLocked()
}

// enforceBoundLocked drops oldest lines while over the bound, except that
// once a preserve boundary has been established (by Clear), lines at index
// >= preserve_before are never evicted — the bound may be exceeded for the
// duration of the current command. Before the first Clear the whole
// scrollback is ordinary history and evicts freely.
func (b *Buffer) enforceBoundLocked() {
	for len(b.lines) > b.max {
		if b.hasBoundary && b.baseIdx >= b.preserveBefore {
			return
		}
		b.lines = b.lines[1:]
		b.baseIdx++
		if b.preserveBefore < b.baseIdx {
			b.preserveBefore = b.baseIdx
		}
	}
}

// Clear sets preserve_before to the current line count. It does not
// deallocate any lines; AllContent returns empty until new bytes arrive,
// but LastNLines/FullDump of the underlying retained scrollback is
// unaffected.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preserveBefore = b.baseIdx + len(b.lines)
	b.hasBoundary = true
}

// AllContent returns every completed line from preserve_before to the
// current end, joined by newlines. The in-progress partial line (not yet
// terminated by LF) is not included.
func (b *Buffer) AllContent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := b.preserveBefore - b.baseIdx
	if start < 0 {
		start = 0
	}
	if start > len(b.lines) {
		start = len(b.lines)
	}
	return strings.Join(b.lines[start:], "\n")
}

// LastNLines returns the last n completed lines from the whole retained
// buffer (not limited by preserve_before).
func (b *Buffer) LastNLines(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return nil
	}
	start := len(b.lines) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, len(b.lines)-start)
	copy(out, b.lines[start:])
	return out
}

// FullDump returns every retained line regardless of preserve_before,
// used by ls/debug surfaces rather than the readiness pattern matcher.
func (b *Buffer) FullDump() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// LineCount returns the logical line count (base_idx + len(lines)).
func (b *Buffer) LineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseIdx + len(b.lines)
}

// BaseIdx returns the logical index of the first retained line.
func (b *Buffer) BaseIdx() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseIdx
}

// PreserveBefore returns the current preserve boundary.
func (b *Buffer) PreserveBefore() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preserveBefore
}
