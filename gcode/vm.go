package gcode

import (
	"github.com/mastercactapus/gcnc/coord"
)

// VM tracks modal state and the programmed tool position across lines.
// Positions are in program units; no unit conversion or work offsets are
// applied.
type VM struct {
	pos   coord.Point
	modal [ModalGroupFeedRate + 1]float64
}

// NewVM constructs a new VM with default state.
func NewVM() *VM {
	vm := &VM{}

	// using grbl defaults
	vm.modal[ModalGroupMotion] = 0
	vm.modal[ModalGroupCoordinateSystem] = 54
	vm.modal[ModalGroupPlaneSelection] = 17
	vm.modal[ModalGroupDistanceMode] = 90
	vm.modal[ModalGroupArcDistanceMode] = 91.1
	vm.modal[ModalGroupFeedRateMode] = 94
	vm.modal[ModalGroupUnits] = 21
	vm.modal[ModalGroupCutterCompensationMode] = 40
	vm.modal[ModalGroupToolLength] = 49
	vm.modal[ModalGroupSpindle] = 5
	vm.modal[ModalGroupCoolant] = 9

	return vm
}

func (vm *VM) Inches() bool         { return vm.modal[ModalGroupUnits] == 20 }
func (vm *VM) RelativeMotion() bool { return vm.modal[ModalGroupDistanceMode] == 91 }

// AbsoluteArcCenter reports whether I/J/K are absolute (G90.1).
func (vm *VM) AbsoluteArcCenter() bool { return vm.modal[ModalGroupArcDistanceMode] == 90.1 }

// Motion returns the active motion mode, e.g. 1 for G1.
func (vm *VM) Motion() float64 { return vm.modal[ModalGroupMotion] }

// Plane returns the active plane, 17, 18 or 19.
func (vm *VM) Plane() float64 { return vm.modal[ModalGroupPlaneSelection] }

func (vm *VM) Pos() coord.Point     { return vm.pos }
func (vm *VM) SetPos(p coord.Point) { vm.pos = p }

// Apply updates modal state from b without moving.
func (vm *VM) Apply(b Block) {
	for _, g := range b {
		mg := g.ModalGroup()
		if mg != ModalGroupNone && mg != ModalGroupNonModal && mg != ModalGroupFeedRate {
			vm.modal[mg] = g.Arg
		}
	}
}

// Moves reports whether b, once applied, moves the tool.
func (vm *VM) Moves(b Block) bool {
	if !b.HasAxis() {
		return false
	}
	for _, g := range b {
		if g.ModalGroup() != ModalGroupNonModal {
			continue
		}
		// G53 is a motion modifier, the others consume axis words
		if g.Arg != 53 {
			return false
		}
	}
	return vm.Motion() != 80
}

func applyAxes(p coord.Point, b Block, relative bool) coord.Point {
	for _, g := range b {
		switch g.W {
		case 'X':
			if relative {
				p.X += g.Arg
			} else {
				p.X = g.Arg
			}
		case 'Y':
			if relative {
				p.Y += g.Arg
			} else {
				p.Y = g.Arg
			}
		case 'Z':
			if relative {
				p.Z += g.Arg
			} else {
				p.Z = g.Arg
			}
		}
	}
	return p
}

// Target returns the end point of b under the current modal state. Axes not
// named in b keep their current value.
func (vm *VM) Target(b Block) coord.Point {
	relative := vm.RelativeMotion() && !b.Has(Word{W: 'G', Arg: 53})
	return applyAxes(vm.pos, b, relative)
}

// Run applies b to the VM.
func (vm *VM) Run(b Block) {
	vm.Apply(b)
	switch {
	case b.Has(Word{W: 'G', Arg: 92}):
		// G92 redefines the current point in program coordinates
		vm.pos = applyAxes(vm.pos, b, false)
	case vm.Moves(b):
		vm.pos = vm.Target(b)
	}
}
