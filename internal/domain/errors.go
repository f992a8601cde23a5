package domain

import (
	"context"
	"errors"
	"fmt"
)

// Transport failures. Wrapped with context by the transport that produced them.
var (
	ErrConnection = errors.New("connection error")
	ErrTimeout    = errors.New("timeout")
	ErrIO         = errors.New("i/o error")
)

// FramingError reports a malformed or truncated reply.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

// NewFramingError creates a FramingError with a formatted reason.
func NewFramingError(format string, args ...interface{}) *FramingError {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// ProtocolError is a Modbus exception reported by the device.
type ProtocolError struct {
	Function      byte
	ExceptionCode byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modbus exception %d (%s) for function 0x%02X",
		e.ExceptionCode, ExceptionName(e.ExceptionCode), e.Function)
}

// ExceptionName returns the standard name of a Modbus exception code.
func ExceptionName(code byte) string {
	switch code {
	case 1:
		return "illegal function"
	case 2:
		return "illegal data address"
	case 3:
		return "illegal data value"
	case 4:
		return "server device failure"
	case 5:
		return "acknowledge"
	case 6:
		return "server device busy"
	case 8:
		return "memory parity error"
	case 10:
		return "gateway path unavailable"
	case 11:
		return "gateway target device failed to respond"
	default:
		return "unknown"
	}
}

// Tunnel integrity failure fields.
const (
	TunnelChecksum = "checksum"
	TunnelSerial   = "serial"
	TunnelSequence = "sequence"
	TunnelFrame    = "frame"
)

// TunnelIntegrityError reports a checksum, serial or sequence mismatch in a dongle frame.
type TunnelIntegrityError struct {
	Field  string
	Reason string
}

func (e *TunnelIntegrityError) Error() string {
	return "tunnel integrity error (" + e.Field + "): " + e.Reason
}

// ConfigurationError is a startup-fatal mismatch between configuration and the device.
type ConfigurationError struct {
	Subject string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Subject, e.Reason)
}

// IsFatal reports whether err must abort a session instead of being retried.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsLinkFailure reports whether err leaves the physical link in an unknown state.
// The connector drops its transport on these.
func IsLinkFailure(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrIO) || errors.Is(err, ErrConnection) {
		return true
	}
	var frameErr *FramingError
	return errors.As(err, &frameErr)
}

// IsRetryable reports whether a narrower retry may succeed.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
