package backplot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mastercactapus/gcnc/coord"
)

type State string

const (
	Idle      State = "idle"
	Running   State = "running"
	Paused    State = "paused"
	Completed State = "completed"
)

var (
	ErrNoSteps   = errors.New("program has no moves")
	ErrStepRange  = errors.New("step out of range")
)

// Plotter steps through a program's moves. It is safe for concurrent use.
type Plotter struct {
	mx    sync.Mutex
	steps []Step
	next  int
	state State
	pos   coord.Point
}

func New(steps []Step) (*Plotter, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	return &Plotter{
		steps: steps,
		state: Idle,
		pos:   steps[0].Start,
	}, nil
}

// StepForward moves to the end of the next step and returns it.
func (p *Plotter) StepForward() (Step, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.next >= len(p.steps) {
		p.state = Completed
		return Step{}, false
	}
	st := p.steps[p.next]
	p.pos = st.End
	p.next++
	if p.next >= len(p.steps) {
		p.state = Completed
	} else {
		p.state = Running
	}
	return st, true
}

// StepBackward undoes the last step, returning to its start.
func (p *Plotter) StepBackward() (Step, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.next == 0 {
		p.state = Idle
		return Step{}, false
	}
	p.next--
	st := p.steps[p.next]
	p.pos = st.Start
	if p.state == Completed {
		p.state = Running
	}
	return st, true
}

// JumpTo positions the plotter just before step n (0-based).
func (p *Plotter) JumpTo(n int) (Step, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if n < 0 || n >= len(p.steps) {
		return Step{}, fmt.Errorf("%w: %d not in 0..%d", ErrStepRange, n, len(p.steps)-1)
	}
	p.next = n
	p.pos = p.steps[0].Start
	if n > 0 {
		p.pos = p.steps[n-1].End
	}
	p.state = Running
	return p.steps[n], nil
}

func (p *Plotter) Pause() {
	p.mx.Lock()
	if p.state == Running {
		p.state = Paused
	}
	p.mx.Unlock()
}

func (p *Plotter) Resume() {
	p.mx.Lock()
	if p.state == Paused {
		p.state = Running
	}
	p.mx.Unlock()
}

// Reset returns to the start of the program.
func (p *Plotter) Reset() {
	p.mx.Lock()
	p.next = 0
	p.pos = p.steps[0].Start
	p.state = Idle
	p.mx.Unlock()
}

// View is a snapshot of the plotter.
type View struct {
	State    State       `json:"state"`
	Step     int         `json:"step"`
	Total    int         `json:"total"`
	Progress float64     `json:"progress"`
	Position coord.Point `json:"position"`
	// Last is the most recently completed step.
	Last *Step `json:"last,omitempty"`
}

func (p *Plotter) View() View {
	p.mx.Lock()
	defer p.mx.Unlock()
	v := View{
		State:    p.state,
		Step:     p.next,
		Total:    len(p.steps),
		Progress: float64(p.next) / float64(len(p.steps)),
		Position: p.pos,
	}
	if p.next > 0 {
		st := p.steps[p.next-1]
		v.Last = &st
	}
	return v
}

// Steps returns a copy of every step.
func (p *Plotter) Steps() []Step {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]Step(nil), p.steps...)
}
