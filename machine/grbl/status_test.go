package grbl

import (
	"testing"

	"github.com/mastercactapus/gcnc/coord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	assert.Equal(t, Idle, ParseState("Idle"))
	assert.Equal(t, Idle, ParseState("IDLE"))
	assert.Equal(t, Run, ParseState("run"))
	assert.Equal(t, Hold, ParseState("Hold:0"))
	assert.Equal(t, Door, ParseState("Door:1"))
	assert.Equal(t, Sleep, ParseState(" sleep "))
	assert.Equal(t, Unknown, ParseState(""))
	assert.Equal(t, Unknown, ParseState("Dancing"))
	assert.Equal(t, Unknown, ParseState("\x00\xff"))
}

func TestParseStatusReport(t *testing.T) {
	rep, err := ParseStatusReport(coord.Point{}, "<Idle|MPos:0.000,0.000,0.000|FS:0,0>")
	require.NoError(t, err)
	assert.Equal(t, Report{State: Idle}, rep)

	rep, err = ParseStatusReport(coord.Point{X: 10}, "<Jog|WPos:1.000,2.000,3.000|Bf:15,128|F:750>")
	require.NoError(t, err)
	assert.Equal(t, Jog, rep.State)
	assert.Equal(t, coord.Point{X: 1, Y: 2, Z: 3}, rep.WPos)
	assert.Equal(t, coord.Point{X: 11, Y: 2, Z: 3}, rep.MPos)
	assert.EqualValues(t, 750, rep.FeedRate)

	rep, err = ParseStatusReport(coord.Point{}, "<Hold:1|MPos:5.000,5.000,0.000|FS:1200.5,8000|WCO:1.000,2.000,0.000|Ov:100,100,100>")
	require.NoError(t, err)
	assert.Equal(t, Hold, rep.State)
	assert.Equal(t, coord.Point{X: 4, Y: 3}, rep.WPos)
	assert.EqualValues(t, 1200, rep.FeedRate)
	assert.EqualValues(t, 8000, rep.SpindleSpeed)

	_, err = ParseStatusReport(coord.Point{}, "<Idle|MPos:a,b,c>")
	assert.Error(t, err)
	_, err = ParseStatusReport(coord.Point{}, "ok")
	assert.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	for s, exp := range map[string]Version{
		"GRBL v1.1h":                    {Major: 1, Minor: 1, Build: "h"},
		"GRBL v1.2":                     {Major: 1, Minor: 2},
		"Grbl 1.1f ['$' for help]":      {Major: 1, Minor: 1, Build: "f"},
		"[VER:1.1h.20190825:]\n[OPT:V]": {Major: 1, Minor: 1, Build: "h"},
		"grbl v0.9j":                    {Major: 0, Minor: 9, Build: "j"},
		"GRBL v12.34z":                  {Major: 12, Minor: 34, Build: "z"},
	} {
		v, err := ParseVersion(s)
		require.NoError(t, err, s)
		assert.Equal(t, exp, v, s)
	}
	assert.Equal(t, "1.1h", Version{Major: 1, Minor: 1, Build: "h"}.String())

	_, err := ParseVersion("Marlin 2.0")
	assert.ErrorIs(t, err, ErrNoVersion)
}

func TestJogCommand(t *testing.T) {
	cmd, err := JogCommand("X", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "$J=G91 G21 X10 F600", cmd)

	cmd, err = JogCommand("z", -0.5, 0)
	require.NoError(t, err)
	assert.Equal(t, "$J=G91 G21 Z-0.5 F300", cmd)

	cmd, err = JogCommand("Y", 1.25, 1500)
	require.NoError(t, err)
	assert.Equal(t, "$J=G91 G21 Y1.25 F1500", cmd)

	_, err = JogCommand("B", 1, 100)
	assert.Error(t, err)
}

func TestOverrideRequest_Bytes(t *testing.T) {
	b, err := OverrideRequest{Type: OverrideFeedRate, Value: 100}.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{FeedOvReset}, b)

	b, err = OverrideRequest{Type: OverrideFeedRate, Value: 155}.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x91, 0x91, 0x91, 0x91, 0x91, 0x93, 0x93, 0x93, 0x93, 0x93}, b)

	b, err = OverrideRequest{Type: OverrideSpindleSpeed, Value: 78}.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x99, 0x9B, 0x9B, 0x9D, 0x9D}, b)

	b, err = OverrideRequest{Type: OverrideLaserPower, Value: 0}.Bytes()
	require.NoError(t, err)
	assert.Len(t, b, 10, "clamped to 10 percent")

	_, err = OverrideRequest{Type: OverrideFeedRate, Value: 201}.Bytes()
	assert.Error(t, err)
	_, err = OverrideRequest{Type: "rapid", Value: 50}.Bytes()
	assert.Error(t, err)
}

func TestRingLog(t *testing.T) {
	r := NewRingLog(DefaultLogSize)
	for i := 0; i <= DefaultLogSize; i++ {
		r.Push(string(rune('a' + i%26)))
	}
	entries := r.Entries()
	assert.Len(t, entries, DefaultLogSize)
	assert.Equal(t, "b", entries[0], "oldest entry evicted")
	assert.Equal(t, string(rune('a'+DefaultLogSize%26)), entries[len(entries)-1])

	s, ok := r.Pop()
	assert.True(t, ok)
	assert.Equal(t, "b", s)
	assert.Equal(t, DefaultLogSize-1, r.Len())

	r.Clear()
	assert.Empty(t, r.Entries())
	_, ok = r.Pop()
	assert.False(t, ok)
}
