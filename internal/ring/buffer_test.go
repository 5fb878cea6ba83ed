package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_FeedSplitsOnNewline(t *testing.T) {
	b := New(0)
	b.Feed([]byte("hello\nworld\n"))
	assert.Equal(t, []string{"hello", "world"}, b.FullDump())
	assert.Equal(t, 2, b.LineCount())
}

func TestBuffer_PartialLineNotYetVisible(t *testing.T) {
	b := New(0)
	b.Feed([]byte("hello\nworld"))
	assert.Equal(t, []string{"hello"}, b.FullDump())
}

func TestBuffer_CarriageReturnRewritesLine(t *testing.T) {
	b := New(0)
	b.Feed([]byte("progress: 10%\rprogress: 99%\n"))
	assert.Equal(t, []string{"progress: 99%"}, b.FullDump())
}

func TestBuffer_CarriageReturnShortOverwriteKeepsTail(t *testing.T) {
	b := New(0)
	// Overwriting a shorter string onto a longer one leaves the
	// untouched tail characters in place, matching raw terminal output.
	b.Feed([]byte("0123456789\rabc\n"))
	assert.Equal(t, []string{"abc3456789"}, b.FullDump())
}

func TestBuffer_BackspaceDeletesCharacter(t *testing.T) {
	b := New(0)
	b.Feed([]byte("abcd\b\b\n"))
	assert.Equal(t, []string{"ab"}, b.FullDump())
}

func TestBuffer_TabIsLiteral(t *testing.T) {
	b := New(0)
	b.Feed([]byte("a\tb\n"))
	assert.Equal(t, []string{"a\tb"}, b.FullDump())
}

func TestBuffer_BellIsDiscarded(t *testing.T) {
	b := New(0)
	b.Feed([]byte("ding\x07ling\n"))
	assert.Equal(t, []string{"dingling"}, b.FullDump())
}

func TestBuffer_CSISequenceStripped(t *testing.T) {
	b := New(0)
	b.Feed([]byte("\x1b[31mred\x1b[0m text\n"))
	assert.Equal(t, []string{"red text"}, b.FullDump())
}

func TestBuffer_CSISequenceSplitAcrossFeeds(t *testing.T) {
	b := New(0)
	b.Feed([]byte("before\x1b[3"))
	b.Feed([]byte("1mred\x1b[0mafter\n"))
	assert.Equal(t, []string{"beforeredafter"}, b.FullDump())
}

func TestBuffer_OSCSequenceTerminatedByBell(t *testing.T) {
	b := New(0)
	b.Feed([]byte("\x1b]0;window title\x07visible\n"))
	assert.Equal(t, []string{"visible"}, b.FullDump())
}

func TestBuffer_OSCSequenceTerminatedByST(t *testing.T) {
	b := New(0)
	b.Feed([]byte("\x1b]0;window title\x1b\\visible\n"))
	assert.Equal(t, []string{"visible"}, b.FullDump())
}

func TestBuffer_InvalidUTF8ReplacedLossy(t *testing.T) {
	b := New(0)
	b.Feed([]byte{'a', 0xFF, 'b', '\n'})
	lines := b.FullDump()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "a")
	assert.Contains(t, lines[0], "b")
}

func TestBuffer_ClearThenAllContentEmptyUntilNewBytes(t *testing.T) {
	b := New(0)
	b.Feed([]byte("old line\n"))
	b.Clear()
	assert.Equal(t, "", b.AllContent())

	b.Feed([]byte("new line\n"))
	assert.Equal(t, "new line", b.AllContent())
	// Old content is still retained for full dumps/last-n-lines reads.
	assert.Equal(t, []string{"old line", "new line"}, b.FullDump())
}

func TestBuffer_LastNLinesIgnoresPreserveBefore(t *testing.T) {
	b := New(0)
	b.Feed([]byte("one\ntwo\nthree\n"))
	b.Clear()
	assert.Equal(t, []string{"two", "three"}, b.LastNLines(2))
}

func TestBuffer_EvictionNeverDropsBelowPreserveBefore(t *testing.T) {
	b := New(3)
	b.Feed([]byte("a\nb\nc\n"))
	b.Clear() // preserve_before = 3, protects a future command's own lines
	b.Feed([]byte("d\ne\nf\ng\n"))

	// Bound is exceeded rather than evicting the protected region: 4
	// lines remain because preserve_before (3) blocks eviction of d.
	assert.Equal(t, []string{"d", "e", "f", "g"}, b.FullDump())
	assert.Equal(t, 3, b.BaseIdx())
	assert.Equal(t, 3, b.PreserveBefore())
	assert.Equal(t, 7, b.LineCount())
}

func TestBuffer_EvictionDropsOldestBeforePreserveBefore(t *testing.T) {
	b := New(2)
	b.Feed([]byte("a\nb\nc\nd\ne\n"))
	// No Clear() call: no preserve boundary is set, so eviction is free to
	// trim down to the max from the front.
	assert.Equal(t, []string{"d", "e"}, b.FullDump())
	assert.Equal(t, 3, b.BaseIdx())
	assert.Equal(t, 5, b.LineCount())
}
