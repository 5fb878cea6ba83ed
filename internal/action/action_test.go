package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewID_IsShortAndPrintable(t *testing.T) {
	id := NewID("%1", "ls", time.Unix(0, 0))
	assert.True(t, len(id) > 1 && len(id) <= 8)
	assert.Equal(t, byte('A'), id[0])
}

func TestNewID_UniqueAcrossCallsSameNanosecond(t *testing.T) {
	now := time.Unix(0, 0)
	a := NewID("%1", "ls", now)
	b := NewID("%1", "ls", now)
	assert.NotEqual(t, a, b)
}

func TestState_IsTerminal(t *testing.T) {
	assert.False(t, ReadyCheck.IsTerminal())
	assert.False(t, Watching.IsTerminal())
	assert.False(t, SelectingPane.IsTerminal())
	assert.True(t, Completed.IsTerminal())
	assert.True(t, Cancelled.IsTerminal())
}

func TestNew_StartsInGivenState(t *testing.T) {
	a := New("%1", "ls", ReadyCheck, false, time.Unix(0, 0))
	assert.Equal(t, ReadyCheck, a.State)
	assert.Equal(t, "%1", a.TargetID)
	assert.Equal(t, "ls", a.Command)
	assert.False(t, a.MultiSelect)
}
