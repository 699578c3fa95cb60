package model

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a job stopped by the user. It is a terminal outcome,
// not a failure.
var ErrCancelled = errors.New("cancelled")

// CollaboratorError is a failure reported by an external tool or API.
// Diagnostic is the tool's own output, unmodified.
type CollaboratorError struct {
	Stage      string
	Diagnostic string
	Err        error
}

func (e *CollaboratorError) Error() string {
	if e.Diagnostic == "" && e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed:\n%s", e.Stage, e.Diagnostic)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// TransportError is a connection, authentication or protocol failure
// talking to the device.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeviceRejection is reported when the device ends a print in a failure state.
type DeviceRejection struct {
	State string
}

func (e *DeviceRejection) Error() string {
	return fmt.Sprintf("printer reported %s", e.State)
}

// Diagnostic returns the text to surface to an observer for err: the raw
// tool output for collaborator failures, the error string otherwise.
func Diagnostic(err error) string {
	var collab *CollaboratorError
	if errors.As(err, &collab) && collab.Diagnostic != "" {
		return collab.Diagnostic
	}
	return err.Error()
}
