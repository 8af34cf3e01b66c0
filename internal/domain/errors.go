// Package domain provides the canonical record shapes and error types shared
// by the bridge's protocol, extraction, and transform layers.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// FaultType categorizes a bridge error so callers can decide whether to
// retry, reconfigure, or surface the failure to the user.
type FaultType string

const (
	// FaultConfiguration indicates a missing or invalid provider/tool
	// configuration. Never retried.
	FaultConfiguration FaultType = "configuration"

	// FaultTransport indicates a network-level failure talking to the
	// upstream automation service.
	FaultTransport FaultType = "transport"

	// FaultProtocol indicates the upstream answered, but with an error in
	// the protocol turn or an unparseable body.
	FaultProtocol FaultType = "protocol"

	// FaultTimeout indicates a polling or per-call deadline was exhausted.
	FaultTimeout FaultType = "timeout"

	// FaultMapping indicates a data-transform failure. Callers receive an
	// empty result set instead of this fault; it exists for logging.
	FaultMapping FaultType = "mapping"
)

// Fault is the canonical bridge error. It wraps an underlying cause and
// carries enough classification for handlers to pick a status code and for
// the tool client to pick a retry policy.
type Fault struct {
	Type      FaultType
	Message   string
	Retryable bool
	Err       error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Type, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// HTTPStatusCode maps the fault type to a response status.
func (f *Fault) HTTPStatusCode() int {
	switch f.Type {
	case FaultConfiguration:
		return http.StatusBadRequest
	case FaultTimeout:
		return http.StatusGatewayTimeout
	case FaultTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrConfiguration creates a non-retryable configuration fault.
func ErrConfiguration(message string) *Fault {
	return &Fault{Type: FaultConfiguration, Message: message}
}

// ErrTransport creates a retryable transport fault wrapping err.
func ErrTransport(message string, err error) *Fault {
	return &Fault{Type: FaultTransport, Message: message, Retryable: true, Err: err}
}

// ErrProtocol creates a protocol fault. The accumulated inputs behind the
// failing submission are preserved by the flow machine, so a retry is left
// to the user rather than the transport layer.
func ErrProtocol(message string, err error) *Fault {
	return &Fault{Type: FaultProtocol, Message: message, Err: err}
}

// ErrTimeout creates a timeout fault wrapping err.
func ErrTimeout(message string, err error) *Fault {
	return &Fault{Type: FaultTimeout, Message: message, Err: err}
}

// ErrMapping creates a mapping fault wrapping err.
func ErrMapping(message string, err error) *Fault {
	return &Fault{Type: FaultMapping, Message: message, Err: err}
}

// FaultTypeOf returns the fault type of err, or FaultProtocol when err is
// not a Fault.
func FaultTypeOf(err error) FaultType {
	var f *Fault
	if errors.As(err, &f) {
		return f.Type
	}
	return FaultProtocol
}

// IsRetryable reports whether err carries a retryable fault.
func IsRetryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}
