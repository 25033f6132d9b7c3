package grbl

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when a port cannot be opened after all
	// retries.
	ErrConnection = errors.New("grbl connection failed")

	// ErrNotConnected is returned by operations that need an open port.
	ErrNotConnected = errors.New("grbl not connected")

	// ErrTimeout is returned when a reply that is required never arrives.
	ErrTimeout = errors.New("grbl reply timeout")

	// ErrCommand is wrapped by CommandError.
	ErrCommand = errors.New("grbl rejected command")

	// ErrUnacknowledged wraps the cause when a line reached the port but
	// no acknowledgement arrived. The device may still execute it.
	ErrUnacknowledged = errors.New("grbl line sent but not acknowledged")

	// ErrGrblReset is returned when the device resets while a command is
	// waiting for acknowledgement.
	ErrGrblReset = errors.New("grbl reset")
)

// CommandError is an `error:N` reply to a line.
type CommandError struct {
	Line string
	Code int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("grbl error:%d for %q", e.Code, e.Line)
}

func (e *CommandError) Unwrap() error { return ErrCommand }
