package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mastercactapus/gcnc/gcode"
)

// ErrInvalidTransition is returned when a job cannot move to the requested
// state from its current one.
var ErrInvalidTransition = errors.New("invalid job state transition")

type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Paused    State = "paused"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Priority orders jobs in the queue; higher runs first.
type Priority int

const (
	MinPriority    Priority = 1
	PriorityLow    Priority = 2
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 8
	MaxPriority    Priority = 10
)

// ClampPriority limits p to MinPriority..MaxPriority.
func ClampPriority(p int) Priority {
	switch {
	case p < int(MinPriority):
		return MinPriority
	case p > int(MaxPriority):
		return MaxPriority
	}
	return Priority(p)
}

// Job is a G-code program and its execution progress.
//
// CurrentLine counts executable lines only; blank lines and `;` comment
// lines are skipped. After a pause or failure, RemainingGCode is exactly
// what is left to run.
type Job struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	GCode        string     `json:"gcode"`
	State        State      `json:"state"`
	Priority     Priority   `json:"priority"`
	Progress     float64    `json:"progress"`
	CurrentLine  int        `json:"current_line"`
	TotalLines   int        `json:"total_lines"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	lines []string
}

// NewJob creates a pending job with a fresh ID. Priority is clamped to
// 1..10.
func NewJob(name, program string, priority int) Job {
	lines := gcode.ExecutableLines(program)
	return Job{
		ID:         uuid.NewString(),
		Name:       name,
		GCode:      program,
		State:      Pending,
		Priority:   ClampPriority(priority),
		TotalLines: len(lines),
		CreatedAt:  time.Now(),
		lines:      lines,
	}
}

// Lines returns the executable lines of the program.
func (j *Job) Lines() []string {
	if j.lines == nil {
		j.lines = gcode.ExecutableLines(j.GCode)
	}
	return j.lines
}

// UpdateProgress records that the first n executable lines are done.
func (j *Job) UpdateProgress(n int) {
	if n < 0 {
		n = 0
	}
	if n > j.TotalLines {
		n = j.TotalLines
	}
	j.CurrentLine = n
	if j.TotalLines == 0 {
		j.Progress = 1
		return
	}
	j.Progress = float64(n) / float64(j.TotalLines)
}

// RemainingGCode returns the executable lines from CurrentLine on, joined
// by newlines.
func (j *Job) RemainingGCode() string {
	lines := j.Lines()
	if j.CurrentLine >= len(lines) {
		return ""
	}
	return strings.Join(lines[j.CurrentLine:], "\n")
}

// NextLine returns the line at CurrentLine.
func (j *Job) NextLine() (string, bool) {
	lines := j.Lines()
	if j.CurrentLine >= len(lines) {
		return "", false
	}
	return lines[j.CurrentLine], true
}

func (j *Job) transition(to State, from ...State) error {
	for _, s := range from {
		if j.State == s {
			j.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, j.State, to)
}

// Start moves a pending or paused job to running.
func (j *Job) Start() error {
	err := j.transition(Running, Pending, Paused)
	if err != nil {
		return err
	}
	if j.StartedAt == nil {
		now := time.Now()
		j.StartedAt = &now
	}
	return nil
}

func (j *Job) Pause() error  { return j.transition(Paused, Running) }
func (j *Job) Resume() error { return j.transition(Running, Paused) }

func (j *Job) finish(to State) error {
	if j.State.Terminal() {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	now := time.Now()
	j.CompletedAt = &now
	return nil
}

// Complete marks the job done and sets progress to 1.
func (j *Job) Complete() error {
	err := j.finish(Completed)
	if err != nil {
		return err
	}
	j.UpdateProgress(j.TotalLines)
	return nil
}

// Fail terminates the job with msg. CurrentLine is kept for resumption.
func (j *Job) Fail(msg string) error {
	err := j.finish(Failed)
	if err != nil {
		return err
	}
	j.ErrorMessage = msg
	return nil
}

func (j *Job) Cancel() error { return j.finish(Cancelled) }
