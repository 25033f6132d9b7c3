package validate

import (
	"encoding/json"
	"fmt"
)

type Severity int

const (
	Info Severity = iota
	Warning
	Error
	Critical
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

func (s Severity) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	err := json.Unmarshal(data, &name)
	if err != nil {
		return err
	}
	for sev := Info; sev <= Critical; sev++ {
		if sev.String() == name {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", name)
}

// Issue is a single finding for one program line.
type Issue struct {
	Line       int      `json:"line_number"`
	Severity   Severity `json:"severity"`
	Type       string   `json:"issue_type"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

func (i Issue) String() string {
	return fmt.Sprintf("line %d: %s: %s", i.Line, i.Severity, i.Message)
}

// HasCritical reports whether any issue is Critical.
func HasCritical(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == Critical {
			return true
		}
	}
	return false
}

// HasBlocking reports whether any issue is Error or Critical. Programs with
// blocking issues should not be sent to a machine.
func HasBlocking(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity >= Error {
			return true
		}
	}
	return false
}

// Summary counts issues per severity.
func Summary(issues []Issue) map[Severity]int {
	res := make(map[Severity]int, 4)
	for _, i := range issues {
		res[i.Severity]++
	}
	return res
}
