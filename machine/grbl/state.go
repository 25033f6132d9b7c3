package grbl

import "strings"

// State is the machine state reported by GRBL. It is advisory: GRBL itself
// decides whether to accept a command.
type State string

const (
	Unknown State = "Unknown"
	Idle    State = "Idle"
	Run     State = "Run"
	Hold    State = "Hold"
	Jog     State = "Jog"
	Alarm   State = "Alarm"
	Door    State = "Door"
	Check   State = "Check"
	Home    State = "Home"
	Sleep   State = "Sleep"
)

var states = []State{Idle, Run, Hold, Jog, Alarm, Door, Check, Home, Sleep}

// ParseState maps status text to a State, ignoring case and any sub-state
// suffix such as `Hold:0`. Unrecognized text is Unknown.
func ParseState(s string) State {
	s, _, _ = strings.Cut(strings.TrimSpace(s), ":")
	for _, st := range states {
		if strings.EqualFold(s, string(st)) {
			return st
		}
	}
	return Unknown
}
