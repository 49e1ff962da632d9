package signald

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnClosed is returned by calls on a connection that has shut down,
	// whether by Close or because the daemon went away.
	ErrConnClosed = errors.New("signald: connection closed")
	// ErrDuplicateID is returned when a correlation id is already in flight.
	ErrDuplicateID = errors.New("signald: correlation id already in flight")
)

// ProtocolError is an error reply from the daemon to one request.
type ProtocolError struct {
	Key     string
	Type    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("signald %s: %s", e.Key, e.Message)
	}
	return fmt.Sprintf("signald %s: %s: %s", e.Key, e.Type, e.Message)
}

// PathError records why one candidate socket could not be used.
type PathError struct {
	Path string
	Err  error
}

// ConnectError is returned when no candidate socket accepted a connection.
type ConnectError struct {
	Attempts []PathError
}

func (e *ConnectError) Error() string {
	if len(e.Attempts) == 0 {
		return "signald: no socket paths configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Path+": "+a.Err.Error())
	}
	return "signald: could not connect to any socket: " + strings.Join(parts, "; ")
}

func (e *ConnectError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
