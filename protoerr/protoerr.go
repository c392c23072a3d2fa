// Package protoerr defines the typed error categories the protocol engine
// raises, so callers can errors.As into a specific category instead of
// matching error strings.
package protoerr

import "fmt"

// MalformedError reports a BER/A-XDR/HDLC structural violation in received
// bytes. The connection remains usable only if it was a link-layer parse
// (drop the frame); a malformed DLMS APDU aborts the current operation.
type MalformedError struct {
	Context string
	Err     error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s: %v", e.Context, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func NewMalformed(context string, err error) *MalformedError {
	return &MalformedError{Context: context, Err: err}
}

// LocalProtocolError reports an event that cannot be sent or received in
// the connection's current state. The connection should be discarded.
type LocalProtocolError struct {
	State string
	Event string
}

func (e *LocalProtocolError) Error() string {
	return fmt.Sprintf("local protocol error: cannot handle %s while in state %s", e.Event, e.State)
}

func NewLocalProtocol(state, event string) *LocalProtocolError {
	return &LocalProtocolError{State: state, Event: event}
}

// ConformanceError reports that a requested service is not in the
// negotiated conformance. Never leaves the core silently; the caller must
// reconnect after renegotiation.
type ConformanceError struct {
	Service string
}

func (e *ConformanceError) Error() string {
	return fmt.Sprintf("service %q is not in the negotiated conformance", e.Service)
}

func NewConformance(service string) *ConformanceError {
	return &ConformanceError{Service: service}
}

// DecryptionError reports a GCM authentication tag mismatch. Always fatal
// for the association; never suppressed.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption error: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func NewDecryption(err error) *DecryptionError {
	return &DecryptionError{Err: err}
}

// ProtectionError reports a missing key/auth-key/system-title when
// protection was requested.
type ProtectionError struct {
	Reason string
}

func (e *ProtectionError) Error() string {
	return fmt.Sprintf("unable to protect apdu: %s", e.Reason)
}

func NewProtection(reason string) *ProtectionError {
	return &ProtectionError{Reason: reason}
}
