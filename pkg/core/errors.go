package core

import (
	"errors"
	"fmt"
)

// Code is a stable error tag surfaced over JSON-RPC (spec §6) and checked
// by callers via errors.As(err, &memErr) + memErr.Code, rather than by
// matching error strings.
type Code string

const (
	CodeInvalidArguments   Code = "INVALID_ARGUMENTS"
	CodeInvalidContent     Code = "INVALID_CONTENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeDimensionMismatch  Code = "DIMENSION_MISMATCH"
	CodeInitializing       Code = "INITIALIZING"
	CodeDraining           Code = "DRAINING"
	CodeTimeout            Code = "TIMEOUT"
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeInternal           Code = "INTERNAL"
)

// Class partitions error Codes into the three handling classes of §7.
type Class int

const (
	// ClassCaller errors are surfaced directly to the caller, never retried.
	ClassCaller Class = iota
	// ClassTransient errors are returned to the caller as they occur; the
	// only retry with bounded backoff is the migration controller's
	// GRADUAL re-embedding step.
	ClassTransient
	// ClassFatal is the class of INTERNAL. No error class is mapped to a
	// state change: the domain manager enters failed only when warming
	// fails.
	ClassFatal
)

// ClassOf reports which handling class a Code belongs to.
func ClassOf(c Code) Class {
	switch c {
	case CodeBackendUnavailable, CodeTimeout, CodeDimensionMismatch:
		return ClassTransient
	case CodeInternal:
		return ClassFatal
	default:
		return ClassCaller
	}
}

// Sentinel errors for conditions that do not need a Code attached at the
// point they are raised; wrapped into a MemoryError by the caller.
var (
	ErrNotFound          = errors.New("memory not found")
	ErrInvalidContent    = errors.New("invalid content")
	ErrInvalidArguments  = errors.New("invalid arguments")
	ErrConflict          = errors.New("conflict")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// MemoryError wraps an error with a stable Code and the operation that
// raised it, so the JSON-RPC transport can map it to the correct error
// response without string-matching.
type MemoryError struct {
	Op   string
	Code Code
	Err  error
}

// Error returns a formatted message of the form "memkit: <Op>: <Err>".
func (e *MemoryError) Error() string {
	return fmt.Sprintf("memkit: %s: %v", e.Op, e.Err)
}

// Unwrap enables errors.Is / errors.As against the wrapped error.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError wraps err with op and code. Returns nil if err is nil.
func NewMemoryError(op string, code Code, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{Op: op, Code: code, Err: err}
}

// CodeFor extracts the Code from err if it (or something it wraps) is a
// *MemoryError; otherwise returns CodeInternal.
func CodeFor(err error) Code {
	var me *MemoryError
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeInternal
}
