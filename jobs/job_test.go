package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	j := NewJob("square", "; header\nG0 X0\n\nG1 X10 F100\nG1 Y10\n", 5)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, Pending, j.State)
	assert.Equal(t, 3, j.TotalLines)
	assert.Equal(t, PriorityNormal, j.Priority)
	assert.False(t, j.CreatedAt.IsZero())

	assert.Equal(t, MinPriority, NewJob("low", "", 0).Priority)
	assert.Equal(t, MaxPriority, NewJob("high", "", 42).Priority)
	assert.NotEqual(t, j.ID, NewJob("square", j.GCode, 5).ID)
}

func TestJob_UpdateProgress(t *testing.T) {
	j := NewJob("e2e", "G0 X10\nG1 Y20\nG0 Z5", 5)
	require.Equal(t, 3, j.TotalLines)

	j.UpdateProgress(1)
	assert.InDelta(t, 0.333, j.Progress, 0.001)
	assert.Equal(t, 1, j.CurrentLine)

	rem := j.RemainingGCode()
	assert.Contains(t, rem, "Y20")
	assert.Contains(t, rem, "Z5")
	assert.NotContains(t, rem, "X10")
	assert.Equal(t, "G1 Y20\nG0 Z5", rem)

	line, ok := j.NextLine()
	assert.True(t, ok)
	assert.Equal(t, "G1 Y20", line)

	j.UpdateProgress(10)
	assert.Equal(t, 1.0, j.Progress)
	assert.Empty(t, j.RemainingGCode())
	_, ok = j.NextLine()
	assert.False(t, ok)
}

func TestJob_UpdateProgressEmpty(t *testing.T) {
	j := NewJob("empty", "; nothing\n\n", 5)
	assert.Zero(t, j.TotalLines)
	for _, n := range []int{0, 1, 5} {
		j.UpdateProgress(n)
		assert.Equal(t, 1.0, j.Progress)
	}
}

func TestJob_Lifecycle(t *testing.T) {
	j := NewJob("job", "G0 X1\nG0 X2", 5)

	assert.ErrorIs(t, j.Pause(), ErrInvalidTransition)
	require.NoError(t, j.Start())
	require.NotNil(t, j.StartedAt)
	started := *j.StartedAt

	require.NoError(t, j.Pause())
	assert.Equal(t, Paused, j.State)
	require.NoError(t, j.Resume())
	require.NoError(t, j.Pause())
	require.NoError(t, j.Start())
	assert.Equal(t, started, *j.StartedAt)

	j.UpdateProgress(1)
	require.NoError(t, j.Fail("error:9"))
	assert.Equal(t, Failed, j.State)
	assert.Equal(t, "error:9", j.ErrorMessage)
	assert.Equal(t, 1, j.CurrentLine)
	assert.NotNil(t, j.CompletedAt)

	assert.ErrorIs(t, j.Complete(), ErrInvalidTransition)
	assert.ErrorIs(t, j.Cancel(), ErrInvalidTransition)

	k := NewJob("k", "G0 X1", 5)
	require.NoError(t, k.Start())
	require.NoError(t, k.Complete())
	assert.Equal(t, 1.0, k.Progress)
}

func TestJob_LinesAfterDecode(t *testing.T) {
	j := Job{GCode: "G0 X1\n;c\nG0 X2", TotalLines: 2, CurrentLine: 1}
	assert.Equal(t, "G0 X2", j.RemainingGCode())
}
