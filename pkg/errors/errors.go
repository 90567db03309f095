// Package errors provides the typed error taxonomy of the proxy core.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType represents the category of error that occurred.
type ErrorType string

const (
	// ErrorTypeProtocol covers malformed heads, unsupported transfer codings
	// and truncated body framing.
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeConnectivity covers failed opens and peer disconnects.
	ErrorTypeConnectivity ErrorType = "connectivity"
	// ErrorTypePolicy covers hook handler failures and timeouts.
	ErrorTypePolicy ErrorType = "policy"
)

// Error represents a structured error with context information.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Address   string    `json:"address,omitempty"`
	Hook      string    `json:"hook,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	return false
}

// Clone returns a shallow copy of the error.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeProtocol,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewConnectivityError creates a connectivity error for the given peer address.
func NewConnectivityError(address, message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeConnectivity,
		Message:   message,
		Cause:     cause,
		Address:   address,
		Timestamp: time.Now(),
	}
}

// NewPolicyError creates an error for a failed hook invocation.
func NewPolicyError(hook string, cause error) *Error {
	return &Error{
		Type:      ErrorTypePolicy,
		Message:   fmt.Sprintf("%s hook failed", hook),
		Cause:     cause,
		Hook:      hook,
		Timestamp: time.Now(),
	}
}

// Sentinels for errors.Is checks by type.
var (
	ErrProtocol     = &Error{Type: ErrorTypeProtocol}
	ErrConnectivity = &Error{Type: ErrorTypeConnectivity}
	ErrPolicy       = &Error{Type: ErrorTypePolicy}
)

// GetType returns the type of err, or "" when err is not an *Error.
func GetType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsConnectivity reports whether err is a connectivity error.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsPolicy reports whether err is a policy error.
func IsPolicy(err error) bool {
	return errors.Is(err, ErrPolicy)
}

// IsTimeout reports whether err is a network or context timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
