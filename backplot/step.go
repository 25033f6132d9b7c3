// Package backplot walks a program move by move so a pendant can preview
// the tool path before it runs.
package backplot

import (
	"strings"

	"github.com/mastercactapus/gcnc/coord"
	"github.com/mastercactapus/gcnc/gcode"
)

type MoveType string

const (
	Rapid  MoveType = "rapid"
	Linear MoveType = "linear"
	ArcCW  MoveType = "arc_cw"
	ArcCCW MoveType = "arc_ccw"
	Dwell  MoveType = "dwell"
	Other  MoveType = "other"
)

// Step is one move of a program.
type Step struct {
	// Line is the 1-based line of the program text.
	Line         int         `json:"line"`
	Start        coord.Point `json:"start"`
	End          coord.Point `json:"end"`
	Command      string      `json:"command"`
	FeedRate     float64     `json:"feed_rate"`
	SpindleSpeed float64     `json:"spindle_speed"`
	Move         MoveType    `json:"move"`
}

func moveType(motion float64) MoveType {
	switch motion {
	case 0:
		return Rapid
	case 1:
		return Linear
	case 2:
		return ArcCW
	case 3:
		return ArcCCW
	}
	return Other
}

// Steps returns a step for every line that moves the tool or dwells.
// System commands ($X, $H, $J=...) are skipped. Arcs are reported by their
// end points.
func Steps(program string) []Step {
	vm := gcode.NewVM()
	var feed, spindle float64
	var steps []Step
	for i, line := range strings.Split(program, "\n") {
		code := strings.TrimSpace(gcode.StripComments(line))
		if code == "" || strings.HasPrefix(code, "$") {
			continue
		}
		b := gcode.BlockOf(gcode.Tokenize(code))
		if ok, f := b.Arg('F'); ok {
			feed = f
		}
		if ok, s := b.Arg('S'); ok {
			spindle = s
		}

		start := vm.Pos()
		vm.Run(b)
		st := Step{
			Line:         i + 1,
			Start:        start,
			End:          vm.Pos(),
			FeedRate:     feed,
			SpindleSpeed: spindle,
		}
		switch {
		case b.Has(gcode.Word{W: 'G', Arg: 4}):
			st.Command = "G4"
			st.Move = Dwell
			st.End = start
		case vm.Moves(b) && !b.Has(gcode.Word{W: 'G', Arg: 92}):
			st.Command = "G" + gcode.FormatFloat(vm.Motion(), 1)
			st.Move = moveType(vm.Motion())
		default:
			continue
		}
		if st.Move == Rapid {
			st.FeedRate = 0
		}
		steps = append(steps, st)
	}
	return steps
}
