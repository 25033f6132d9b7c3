package optimize

import (
	"math"
	"strconv"
	"strings"

	"github.com/mastercactapus/gcnc/coord"
	"github.com/mastercactapus/gcnc/gcode"
)

// minArcRadius is the radius below which an arc is replaced by one line.
const minArcRadius = 0.001

// plane names the two arc axes, their center offset words and the linear
// axis for the active plane selection.
type plane struct {
	a, b, linear byte
	i, j         byte
}

func planeOf(g float64) plane {
	switch g {
	case 18:
		return plane{a: 'Z', b: 'X', linear: 'Y', i: 'K', j: 'I'}
	case 19:
		return plane{a: 'Y', b: 'Z', linear: 'X', i: 'J', j: 'K'}
	}
	return plane{a: 'X', b: 'Y', linear: 'Z', i: 'I', j: 'J'}
}

func axis(p coord.Point, w byte) float64 {
	switch w {
	case 'X':
		return p.X
	case 'Y':
		return p.Y
	}
	return p.Z
}

func setAxis(p *coord.Point, w byte, v float64) {
	switch w {
	case 'X':
		p.X = v
	case 'Y':
		p.Y = v
	default:
		p.Z = v
	}
}

// normalizeDelta wraps an angle difference into (-π, π].
func normalizeDelta(d float64) float64 {
	for d > math.Pi {
		d -= 2 * math.Pi
	}
	for d <= -math.Pi {
		d += 2 * math.Pi
	}
	return d
}

// arc is one G2/G3 move resolved to absolute geometry.
type arc struct {
	start, end coord.Point
	pl         plane
	center     [2]float64
	radius     float64
	degenerate bool
}

// resolveArc computes the arc center from I/J/K offsets or an R word.
// Direction is not taken from cw except to pick the R-format center.
func resolveArc(vm *gcode.VM, b gcode.Block, start, end coord.Point) arc {
	pl := planeOf(vm.Plane())
	a := arc{start: start, end: end, pl: pl}
	sa, sb := axis(start, pl.a), axis(start, pl.b)

	if hasR, r := b.Arg('R'); hasR {
		x := axis(end, pl.a) - sa
		y := axis(end, pl.b) - sb
		d := math.Hypot(x, y)
		h := 4*r*r - x*x - y*y
		if d == 0 || h < 0 {
			a.degenerate = true
			return a
		}
		h = -math.Sqrt(h) / d
		if vm.Motion() == 3 {
			h = -h
		}
		if r < 0 {
			h = -h
		}
		a.center = [2]float64{sa + 0.5*(x-y*h), sb + 0.5*(y+x*h)}
	} else {
		_, oi := b.Arg(pl.i)
		_, oj := b.Arg(pl.j)
		if vm.AbsoluteArcCenter() {
			a.center = [2]float64{oi, oj}
		} else {
			a.center = [2]float64{sa + oi, sb + oj}
		}
	}

	a.radius = math.Hypot(sa-a.center[0], sb-a.center[1])
	a.degenerate = a.radius < minArcRadius
	return a
}

// points samples the arc uniformly in angle. The last point is always the
// exact end point.
func (a arc) points(tolerance float64) []coord.Point {
	if a.degenerate {
		return []coord.Point{a.end}
	}
	pl := a.pl
	ca, cb := a.center[0], a.center[1]
	start := math.Atan2(axis(a.start, pl.b)-cb, axis(a.start, pl.a)-ca)
	end := math.Atan2(axis(a.end, pl.b)-cb, axis(a.end, pl.a)-ca)
	delta := normalizeDelta(end - start)

	n := int(math.Ceil(math.Abs(delta) * a.radius / tolerance))
	if n < 1 {
		n = 1
	}
	l0 := axis(a.start, pl.linear)
	l1 := axis(a.end, pl.linear)

	res := make([]coord.Point, n)
	for i := 1; i < n; i++ {
		f := float64(i) / float64(n)
		theta := start + delta*f
		var p coord.Point
		setAxis(&p, pl.a, ca+a.radius*math.Cos(theta))
		setAxis(&p, pl.b, cb+a.radius*math.Sin(theta))
		setAxis(&p, pl.linear, l0+(l1-l0)*f)
		res[i-1] = p
	}
	res[n-1] = a.end
	return res
}

// keepWord reports whether a word from an arc line is copied onto the
// generated G1 lines. Motion words, axes and arc parameters are replaced.
func keepWord(t gcode.Token) bool {
	switch t.Letter {
	case 'X', 'Y', 'Z', 'I', 'J', 'K', 'R', 'N':
		return false
	case 'G':
		v, err := t.Float()
		return err != nil || (v != 0 && v != 1 && v != 2 && v != 3)
	}
	return true
}

// convertArcs replaces every G2/G3 move with G1 segments no longer than
// the arc tolerance. The start of each arc comes from tracking all
// preceding moves.
func (o *Optimizer) convertArcs(lines []string) []string {
	vm := gcode.NewVM()
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		toks := gcode.Tokenize(gcode.StripComments(line))
		b := gcode.BlockOf(toks)

		start := vm.Pos()
		vm.Apply(b)
		motion := vm.Motion()
		if (motion != 2 && motion != 3) || !vm.Moves(b) {
			vm.Run(b)
			out = append(out, line)
			continue
		}

		end := vm.Target(b)
		a := resolveArc(vm, b, start, end)
		out = append(out, o.segmentLines(a, toks, line, vm.RelativeMotion())...)
		vm.SetPos(end)
	}
	return out
}

func (o *Optimizer) segmentLines(a arc, toks []gcode.Token, line string, relative bool) []string {
	var first, every []string
	for _, t := range toks {
		if !keepWord(t) {
			continue
		}
		if t.Letter == 'F' || t.Letter == 'S' {
			every = append(every, t.String())
		} else {
			first = append(first, t.String())
		}
	}
	var comment string
	if i := strings.IndexByte(line, ';'); i >= 0 {
		comment = line[i:]
	}

	pts := a.points(o.opts.ArcTolerance)
	pl := a.pl
	move3 := axis(a.start, pl.linear) != axis(a.end, pl.linear)
	prev := a.start
	res := make([]string, len(pts))
	for i, p := range pts {
		p = o.quantize(p)
		words := []string{"G1"}
		for _, w := range []byte{'X', 'Y', 'Z'} {
			if w == pl.linear && !move3 {
				continue
			}
			v := axis(p, w)
			if relative {
				words = append(words, string(w)+o.formatDelta(v-axis(prev, w)))
			} else {
				words = append(words, string(w)+o.formatCoord(v))
			}
		}
		if i == 0 {
			words = append(words, first...)
		}
		words = append(words, every...)
		s := strings.Join(words, " ")
		if i == 0 && comment != "" {
			s += " " + comment
		}
		res[i] = s
		prev = p
	}
	return res
}

func (o *Optimizer) places() int {
	if o.opts.TruncateDecimals {
		return o.opts.DecimalPlaces
	}
	return 4
}

func (o *Optimizer) formatCoord(v float64) string {
	if o.opts.TruncateDecimals {
		return truncateNumber(strconv.FormatFloat(v, 'f', -1, 64), o.opts.DecimalPlaces)
	}
	return gcode.FormatFloat(v, 4)
}

func (o *Optimizer) formatDelta(v float64) string {
	return gcode.FormatFloat(v, o.places())
}

// quantize rounds p the same way it will be printed so relative moves do
// not accumulate error.
func (o *Optimizer) quantize(p coord.Point) coord.Point {
	q := func(v float64) float64 {
		f, err := strconv.ParseFloat(o.formatCoord(v), 64)
		if err != nil {
			return v
		}
		return f
	}
	return coord.Point{X: q(p.X), Y: q(p.Y), Z: q(p.Z)}
}
