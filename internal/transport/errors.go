package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = errors.New("transport closed")

var errConnClosed = errors.New("connection closed")

// BindError reports that the listening port could not be bound.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("transport: bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ConnectError reports a failed outbound connection. When the TLS attempt
// fell back to plain TCP both failures are described.
type ConnectError struct {
	Addr        string
	TriedSecure bool
	TriedPlain  bool
	SecureErr   error
	PlainErr    error
}

func (e *ConnectError) Error() string {
	var parts []string
	if e.TriedSecure {
		parts = append(parts, fmt.Sprintf("tls attempt: %v", e.SecureErr))
	}
	if e.TriedPlain {
		parts = append(parts, fmt.Sprintf("tcp attempt: %v", e.PlainErr))
	}
	return fmt.Sprintf("transport: connect %s failed: %s", e.Addr, strings.Join(parts, "; "))
}

func (e *ConnectError) Unwrap() []error {
	var errs []error
	if e.SecureErr != nil {
		errs = append(errs, e.SecureErr)
	}
	if e.PlainErr != nil {
		errs = append(errs, e.PlainErr)
	}
	return errs
}

// dialError marks a failure to reach the peer at all, as opposed to a
// failure of the TLS handshake on an established socket.
type dialError struct {
	err error
}

func (e *dialError) Error() string { return "dial: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }
