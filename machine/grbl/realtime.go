package grbl

import (
	"fmt"
	"strings"

	"github.com/mastercactapus/gcnc/gcode"
)

// Realtime command bytes. These bypass the line buffer on the device and
// are written as single bytes.
const (
	StatusQuery          byte = '?'
	CycleStart           byte = '~'
	FeedHold             byte = '!'
	SoftReset            byte = 0x18
	JogCancel            byte = 0x85
	FeedOvReset          byte = 0x90
	FeedOvCoarsePlus     byte = 0x91
	FeedOvCoarseMinus    byte = 0x92
	FeedOvFinePlus       byte = 0x93
	FeedOvFineMinus      byte = 0x94
	SpindleOvReset       byte = 0x99
	SpindleOvCoarsePlus  byte = 0x9A
	SpindleOvCoarseMinus byte = 0x9B
	SpindleOvFinePlus    byte = 0x9C
	SpindleOvFineMinus   byte = 0x9D
)

const (
	defaultJogFeedXY = 600
	defaultJogFeedZ  = 300
)

// JogCommand formats an incremental metric jog, e.g.
// `$J=G91 G21 X-10 F600`. A feed of zero or less uses the default for the
// axis.
func JogCommand(axis string, distance, feed float64) (string, error) {
	axis = strings.ToUpper(strings.TrimSpace(axis))
	switch axis {
	case "X", "Y":
		if feed <= 0 {
			feed = defaultJogFeedXY
		}
	case "Z":
		if feed <= 0 {
			feed = defaultJogFeedZ
		}
	default:
		return "", fmt.Errorf("invalid jog axis %q", axis)
	}
	return fmt.Sprintf("$J=G91 G21 %s%s F%s", axis, gcode.FormatFloat(distance, 3), gcode.FormatFloat(feed, 3)), nil
}

// OverrideType selects what an override adjusts.
type OverrideType string

const (
	OverrideFeedRate     OverrideType = "feed_rate"
	OverrideSpindleSpeed OverrideType = "spindle_speed"
	OverrideLaserPower   OverrideType = "laser_power"
)

// OverrideRequest sets an override to Value percent (0-200).
type OverrideRequest struct {
	Type  OverrideType `json:"override_type"`
	Value int          `json:"value"`
}

const (
	minOverride = 10
	maxOverride = 200
)

// Bytes returns the realtime sequence that moves the override to the
// requested percentage: a reset to 100%, then coarse 10% steps, then fine
// 1% steps. GRBL limits overrides to 10-200%, so values are clamped.
func (r OverrideRequest) Bytes() ([]byte, error) {
	var reset, coarsePlus, coarseMinus, finePlus, fineMinus byte
	switch r.Type {
	case OverrideFeedRate:
		reset, coarsePlus, coarseMinus, finePlus, fineMinus = FeedOvReset, FeedOvCoarsePlus, FeedOvCoarseMinus, FeedOvFinePlus, FeedOvFineMinus
	case OverrideSpindleSpeed, OverrideLaserPower:
		reset, coarsePlus, coarseMinus, finePlus, fineMinus = SpindleOvReset, SpindleOvCoarsePlus, SpindleOvCoarseMinus, SpindleOvFinePlus, SpindleOvFineMinus
	default:
		return nil, fmt.Errorf("invalid override type %q", r.Type)
	}
	if r.Value < 0 || r.Value > maxOverride {
		return nil, fmt.Errorf("override value %d out of range 0-%d", r.Value, maxOverride)
	}
	val := r.Value
	if val < minOverride {
		val = minOverride
	}

	seq := []byte{reset}
	diff := val - 100
	step := func(n int, plus, minus byte) {
		for ; n > 0; n-- {
			seq = append(seq, plus)
		}
		for ; n < 0; n++ {
			seq = append(seq, minus)
		}
	}
	step(diff/10, coarsePlus, coarseMinus)
	step(diff%10, finePlus, fineMinus)
	return seq, nil
}
