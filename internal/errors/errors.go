// Package errors defines the error types shared across beacon-mdns.
//
// Three typed errors carry context for callers that need it (network,
// validation, wire format). The sentinels report engine state problems and are
// matched with errors.Is.
package errors

import (
	goerrors "errors"
	"fmt"
)

// Engine sentinels.
var (
	// ErrAlready reports a repeated enable/disable or a duplicate browser/resolver.
	ErrAlready = goerrors.New("already in requested state")
	// ErrInvalidState reports an operation attempted while the engine is disabled.
	ErrInvalidState = goerrors.New("invalid state")
	// ErrDuplicated reports a name conflict to a registration callback.
	ErrDuplicated = goerrors.New("name is duplicated")
	// ErrNotFound reports a lookup that matched nothing.
	ErrNotFound = goerrors.New("not found")
	// ErrInvalidArgs reports a missing or malformed argument.
	ErrInvalidArgs = goerrors.New("invalid arguments")
)

// NetworkError reports a socket or interface failure.
type NetworkError struct {
	Operation string // e.g. "send multicast", "join group"
	Err       error
	Details   string
}

func (e *NetworkError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("network error during %s: %v (%s)", e.Operation, e.Err, e.Details)
	}
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError reports a rejected registration or configuration value.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%v: %s", e.Field, e.Value, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidArgs) match validation failures.
func (e *ValidationError) Unwrap() error { return ErrInvalidArgs }

// WireFormatError reports a malformed received message.
type WireFormatError struct {
	Operation string
	Offset    int
	Err       error
}

func (e *WireFormatError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("wire format error during %s at offset %d: %v", e.Operation, e.Offset, e.Err)
	}
	return fmt.Sprintf("wire format error during %s: %v", e.Operation, e.Err)
}

func (e *WireFormatError) Unwrap() error { return e.Err }
