package chatapi

import (
	"errors"
	"fmt"
)

// RemoteError is returned when the service answered with ok=false.
type RemoteError struct {
	Op         string
	Msg        string
	StatusCode int
}

func (e *RemoteError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "request rejected"
	}
	return fmt.Sprintf("chatapi: %s: %s", e.Op, msg)
}

// TransportError wraps anything that prevented a well-formed answer:
// dial failures, timeouts, unreadable or non-JSON bodies.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chatapi: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRemote reports whether err carries a *RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// IsTransport reports whether err carries a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsRemote returns the *RemoteError carried by err, if any.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
