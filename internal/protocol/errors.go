package protocol

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error surfaced by a session wraps exactly one of
// these, so callers can branch with errors.Is.
var (
	// ErrTransport covers an unreachable or disconnected device and remote
	// filesystem failures other than "file absent".
	ErrTransport = errors.New("transport error")
	// ErrProtocol covers malformed frames, unknown discriminants and
	// non-zero agent exits.
	ErrProtocol = errors.New("protocol error")
	// ErrAgent is an operation failure reported by the agent itself.
	ErrAgent = errors.New("agent error")
	// ErrProvisioning covers exhausted downloads and upload timeouts.
	ErrProvisioning = errors.New("provisioning error")
)

var kindNames = map[error]string{
	ErrTransport:    "transport",
	ErrProtocol:     "protocol",
	ErrAgent:        "agent",
	ErrProvisioning: "provisioning",
}

// Error is a classified session failure.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func TransportError(cause error, format string, args ...any) *Error {
	return newError(ErrTransport, cause, format, args...)
}

func ProtocolError(cause error, format string, args ...any) *Error {
	return newError(ErrProtocol, cause, format, args...)
}

func AgentError(format string, args ...any) *Error {
	return newError(ErrAgent, nil, format, args...)
}

func ProvisioningError(cause error, format string, args ...any) *Error {
	return newError(ErrProvisioning, cause, format, args...)
}

// KindOf returns the failure kind wrapped by err, or nil if err is not a
// classified failure.
func KindOf(err error) error {
	for kind := range kindNames {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns the wire name of a failure kind ("transport",
// "protocol", "agent", "provisioning"), or "" for unknown kinds.
func KindName(kind error) string {
	return kindNames[kind]
}

// KindByName is the inverse of KindName.
func KindByName(name string) (error, bool) {
	for kind, n := range kindNames {
		if n == name {
			return kind, true
		}
	}
	return nil, false
}
