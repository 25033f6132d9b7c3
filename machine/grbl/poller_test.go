package grbl

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller(t *testing.T) {
	op := &fakeOpener{}
	c := connected(t, op, testConfig())

	p := NewPoller(c, 5*time.Millisecond, nil)
	p.Start()
	p.Start()
	require.Eventually(t, func() bool {
		return strings.Count(op.Port(0).Written(), "?") >= 3
	}, time.Second, time.Millisecond)
	p.Stop()
	p.Stop()

	n := strings.Count(op.Port(0).Written(), "?")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, strings.Count(op.Port(0).Written(), "?"))
}
