// Package validate checks G-code programs against the command set of a
// target GRBL version and flags unsafe parameter values.
//
// Validation looks at one line at a time. No modal state is carried between
// lines, so checks like "spindle started but never stopped" are not made.
package validate

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/mastercactapus/gcnc/coord"
	"github.com/mastercactapus/gcnc/gcode"
)

// Named checks that are not tied to a command. They can be toggled with
// SetRuleEnabled like any command rule.
const (
	FeedRateCheck     = "feed_rate_range"
	SpindleSpeedCheck = "spindle_speed_range"
	CoordinateCheck   = "coordinate_syntax"
	AxisLimitCheck    = "axis_limit_check"
)

const (
	maxFeedRate     = 20000
	maxSpindleSpeed = 30000
)

// ErrUnknownRule is returned when toggling a rule that does not exist.
var ErrUnknownRule = errors.New("unknown rule")

// Rule gates a G or M command on a minimum firmware version.
type Rule struct {
	Name       string
	Command    string
	MinVersion GrblVersion
	Severity   Severity
}

// DefaultRules is the built-in command table.
var DefaultRules = []Rule{
	{Name: "G0_rapid_move", Command: "G0", MinVersion: V1_0, Severity: Warning},
	{Name: "G1_linear_move", Command: "G1", MinVersion: V1_0, Severity: Warning},
	{Name: "G2_arc_cw", Command: "G2", MinVersion: V1_1, Severity: Error},
	{Name: "G3_arc_ccw", Command: "G3", MinVersion: V1_1, Severity: Error},
	{Name: "G4_dwell", Command: "G4", MinVersion: V1_0, Severity: Warning},
	{Name: "G10_set_position", Command: "G10", MinVersion: V1_1, Severity: Error},
	{Name: "G28_go_home", Command: "G28", MinVersion: V1_0, Severity: Warning},
	{Name: "G30_go_predefined", Command: "G30", MinVersion: V1_1, Severity: Error},
	{Name: "G38_probe", Command: "G38", MinVersion: V1_1, Severity: Error},
	{Name: "G43_tool_offset", Command: "G43", MinVersion: V1_1, Severity: Error},
	{Name: "G49_tool_cancel", Command: "G49", MinVersion: V1_1, Severity: Error},
	{Name: "M3_spindle_cw", Command: "M3", MinVersion: V1_0, Severity: Warning},
	{Name: "M4_spindle_ccw", Command: "M4", MinVersion: V1_1, Severity: Error},
	{Name: "M5_spindle_stop", Command: "M5", MinVersion: V1_0, Severity: Warning},
}

// Limits bounds literal X/Y/Z values.
type Limits struct {
	Min coord.Point `mapstructure:"min"`
	Max coord.Point `mapstructure:"max"`
}

// Validator checks program lines. It is safe for concurrent use.
type Validator struct {
	mx       sync.RWMutex
	target   GrblVersion
	rules    map[string]Rule
	disabled map[string]bool
	limits   *Limits
}

// New returns a Validator for the target firmware with DefaultRules loaded.
func New(target GrblVersion) *Validator {
	v := &Validator{
		target:   target,
		rules:    make(map[string]Rule, len(DefaultRules)),
		disabled: make(map[string]bool),
	}
	for _, r := range DefaultRules {
		v.rules[r.Command] = r
	}
	return v
}

// Target returns the firmware version lines are checked against.
func (v *Validator) Target() GrblVersion {
	v.mx.RLock()
	defer v.mx.RUnlock()
	return v.target
}

func (v *Validator) SetTarget(target GrblVersion) {
	v.mx.Lock()
	v.target = target
	v.mx.Unlock()
}

// SetLimits enables the axis limit check. A nil value disables it.
func (v *Validator) SetLimits(l *Limits) {
	v.mx.Lock()
	v.limits = l
	v.mx.Unlock()
}

// SetRule adds or replaces the rule for r.Command.
func (v *Validator) SetRule(r Rule) {
	v.mx.Lock()
	v.rules[strings.ToUpper(r.Command)] = r
	v.mx.Unlock()
}

// SetRuleEnabled toggles a rule by name. The command itself (e.g. "G2") or
// one of the check names is also accepted.
func (v *Validator) SetRuleEnabled(name string, enabled bool) error {
	v.mx.Lock()
	defer v.mx.Unlock()

	if r, ok := v.rules[strings.ToUpper(name)]; ok {
		name = r.Name
	} else if !v.knownName(name) {
		return fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	v.disabled[name] = !enabled
	return nil
}

func (v *Validator) knownName(name string) bool {
	switch name {
	case FeedRateCheck, SpindleSpeedCheck, CoordinateCheck, AxisLimitCheck:
		return true
	}
	for _, r := range v.rules {
		if r.Name == name {
			return true
		}
	}
	return false
}

// ValidateProgram validates every executable line of text. Line numbers
// count every line of the input, starting at 1.
func (v *Validator) ValidateProgram(text string) []Issue {
	var issues []Issue
	for i, line := range strings.Split(text, "\n") {
		if !gcode.IsExecutable(line) {
			continue
		}
		issues = append(issues, v.ValidateLine(line, i+1)...)
	}
	return issues
}

// ValidateLine validates a single line.
func (v *Validator) ValidateLine(line string, lineNumber int) []Issue {
	v.mx.RLock()
	defer v.mx.RUnlock()

	var issues []Issue
	add := func(sev Severity, typ, msg, suggestion string) {
		issues = append(issues, Issue{
			Line:       lineNumber,
			Severity:   sev,
			Type:       typ,
			Message:    msg,
			Suggestion: suggestion,
		})
	}

	code := strings.TrimSpace(gcode.StripComments(line))
	if strings.HasPrefix(code, "$") {
		// System commands ($X, $H, $$, $I) carry no words; jogs are
		// checked like any other motion.
		jog, ok := strings.CutPrefix(code, "$J=")
		if !ok {
			return nil
		}
		code = jog
	}

	for _, t := range gcode.Tokenize(code) {
		switch t.Letter {
		case 'G', 'M':
			v.checkCommand(t, add)
		case 'F':
			if v.disabled[FeedRateCheck] {
				continue
			}
			f, err := t.Float()
			switch {
			case err != nil:
				add(Error, "Invalid feed rate", fmt.Sprintf("Feed rate %q is not a number", t.Value), "")
			case f <= 0:
				add(Error, "Invalid feed rate", fmt.Sprintf("Feed rate must be positive, got %s", t.Value), "Use a feed rate greater than 0")
			case f > maxFeedRate:
				add(Warning, "High feed rate", fmt.Sprintf("Feed rate %s exceeds %d", t.Value, maxFeedRate), "Check the machine's maximum feed rate")
			}
		case 'S':
			if v.disabled[SpindleSpeedCheck] {
				continue
			}
			s, err := t.Float()
			switch {
			case err != nil:
				add(Error, "Invalid spindle speed", fmt.Sprintf("Spindle speed %q is not a number", t.Value), "")
			case s < 0:
				add(Error, "Invalid spindle speed", fmt.Sprintf("Spindle speed cannot be negative, got %s", t.Value), "Use a spindle speed of 0 or more")
			case s > maxSpindleSpeed:
				add(Warning, "High spindle speed", fmt.Sprintf("Spindle speed %s exceeds %d", t.Value, maxSpindleSpeed), "Check the spindle's maximum speed")
			}
		case 'X', 'Y', 'Z':
			val, err := t.Float()
			if err != nil {
				if !v.disabled[CoordinateCheck] {
					axis := string(t.Letter)
					add(Error, "Invalid "+axis+" coordinate", fmt.Sprintf("%s value %q is not a number", axis, t.Value), "")
				}
				continue
			}
			if v.limits != nil && !v.disabled[AxisLimitCheck] {
				v.checkLimit(t.Letter, val, add)
			}
		}
	}
	return issues
}

func (v *Validator) lookup(t gcode.Token) (Rule, bool) {
	if r, ok := v.rules[t.Code()]; ok {
		return r, true
	}
	if val, err := t.Float(); err == nil && val != math.Trunc(val) {
		if r, ok := v.rules[string(t.Letter)+gcode.FormatFloat(math.Trunc(val), 0)]; ok {
			return r, true
		}
	}
	r, ok := v.rules[string(t.Letter)]
	return r, ok
}

func (v *Validator) checkCommand(t gcode.Token, add func(Severity, string, string, string)) {
	if _, err := t.Float(); err != nil {
		add(Error, "Invalid command", fmt.Sprintf("Command %s has no numeric value", t), "")
		return
	}
	r, ok := v.lookup(t)
	if !ok || v.disabled[r.Name] {
		return
	}
	if r.MinVersion <= v.target {
		return
	}
	code := t.Code()
	add(r.Severity, "Unsupported command",
		fmt.Sprintf("Command %s requires GRBL %s or later", code, r.MinVersion),
		fmt.Sprintf("Remove %s or upgrade GRBL firmware", code),
	)
}

func (v *Validator) checkLimit(axis byte, val float64, add func(Severity, string, string, string)) {
	var lo, hi float64
	switch axis {
	case 'X':
		lo, hi = v.limits.Min.X, v.limits.Max.X
	case 'Y':
		lo, hi = v.limits.Min.Y, v.limits.Max.Y
	case 'Z':
		lo, hi = v.limits.Min.Z, v.limits.Max.Z
	}
	if val >= lo && val <= hi {
		return
	}
	add(Critical, "Axis limit exceeded",
		fmt.Sprintf("%c%s is outside [%s, %s]", axis, gcode.FormatFloat(val, 4), gcode.FormatFloat(lo, 4), gcode.FormatFloat(hi, 4)),
		"Check work offsets and the program's extents",
	)
}
