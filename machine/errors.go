package machine

import (
	"errors"
	"fmt"

	"github.com/mastercactapus/gcnc/validate"
)

// ErrRejected is wrapped by RejectedError.
var ErrRejected = errors.New("program rejected")

// RejectedError is returned by Submit when validation finds Error or
// Critical issues. Issues holds everything the validator reported.
type RejectedError struct {
	Issues []validate.Issue
}

func (e *RejectedError) Error() string {
	var n int
	var first validate.Issue
	for _, iss := range e.Issues {
		if iss.Severity < validate.Error {
			continue
		}
		if n == 0 {
			first = iss
		}
		n++
	}
	if n == 0 {
		return ErrRejected.Error()
	}
	return fmt.Sprintf("%s: %d blocking issues, first: %s", ErrRejected, n, first)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }
