// Package errs defines the lazyflow error taxonomy.
//
// Construction errors (signature, type, unsupported type) are raised
// synchronously and never reach a runtime. NotFound and CacheMiss are
// expected conditions on the normal control path. ExecutionError carries a
// remote task failure out of a barrier.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes lazyflow errors.
type Code string

const (
	// CodeSignature indicates positional/keyword arity or name mismatch.
	CodeSignature Code = "SIGNATURE"

	// CodeType indicates an argument incompatible with its declared type.
	CodeType Code = "TYPE"

	// CodeUnsupportedType indicates no usable serializer for a type.
	CodeUnsupportedType Code = "UNSUPPORTED_TYPE"

	// CodeNotFound indicates an unknown entry or an absent blob.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConcurrentWorkflow indicates a second workflow entered while one is active.
	CodeConcurrentWorkflow Code = "CONCURRENT_WORKFLOW"

	// CodeCacheMiss indicates a cached result is absent and the op must run.
	CodeCacheMiss Code = "CACHE_MISS"

	// CodeWhiteboardField indicates an unknown, unassigned or doubly assigned field.
	CodeWhiteboardField Code = "WHITEBOARD_FIELD"

	// CodeAlreadyFilled indicates an attempt to rebind a filled entry.
	CodeAlreadyFilled Code = "ALREADY_FILLED"

	// CodeInvalidState indicates an operation not allowed in the current workflow state.
	CodeInvalidState Code = "INVALID_STATE"
)

// Error is a categorized lazyflow error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Details contains additional context (entry id, op name, field...).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + e.Details[k]
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by code, so errors.Is(err, ErrNotFound) holds
// for any NotFound error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Details == nil && t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrSignature          = &Error{Code: CodeSignature}
	ErrType               = &Error{Code: CodeType}
	ErrUnsupportedType    = &Error{Code: CodeUnsupportedType}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrConcurrentWorkflow = &Error{Code: CodeConcurrentWorkflow}
	ErrCacheMiss          = &Error{Code: CodeCacheMiss}
	ErrWhiteboardField    = &Error{Code: CodeWhiteboardField}
	ErrAlreadyFilled      = &Error{Code: CodeAlreadyFilled}
	ErrInvalidState       = &Error{Code: CodeInvalidState}
)

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// With returns a copy of e with an extra detail attached.
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// NewNotFound creates a NotFound error for an entry.
func NewNotFound(entryID, reason string) *Error {
	return New(CodeNotFound, "%s", reason).With("entry", entryID)
}

// NewUnsupportedType creates an UnsupportedType error.
func NewUnsupportedType(typeName, reason string) *Error {
	return New(CodeUnsupportedType, "no usable serializer for %s: %s", typeName, reason)
}

// NewWhiteboardField creates a WhiteboardField error.
func NewWhiteboardField(whiteboard, field, reason string) *Error {
	return New(CodeWhiteboardField, "%s", reason).With("whiteboard", whiteboard).With("field", field)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsSignature returns true if err is a SignatureError.
func IsSignature(err error) bool { return hasCode(err, CodeSignature) }

// IsType returns true if err is a TypeError.
func IsType(err error) bool { return hasCode(err, CodeType) }

// IsUnsupportedType returns true if err is an UnsupportedType error.
func IsUnsupportedType(err error) bool { return hasCode(err, CodeUnsupportedType) }

// IsNotFound returns true if err is a NotFound error.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsConcurrentWorkflow returns true if err is a ConcurrentWorkflowError.
func IsConcurrentWorkflow(err error) bool { return hasCode(err, CodeConcurrentWorkflow) }

// IsCacheMiss returns true if err is a CacheMiss.
func IsCacheMiss(err error) bool { return hasCode(err, CodeCacheMiss) }

// IsWhiteboardField returns true if err is a WhiteboardFieldError.
func IsWhiteboardField(err error) bool { return hasCode(err, CodeWhiteboardField) }

// IsAlreadyFilled returns true if err reports a rebind of a filled entry.
func IsAlreadyFilled(err error) bool { return hasCode(err, CodeAlreadyFilled) }

// IsInvalidState returns true if err reports a workflow state violation.
func IsInvalidState(err error) bool { return hasCode(err, CodeInvalidState) }

// ExecutionError reports a task failure inside a runtime.
type ExecutionError struct {
	// TaskID identifies the failed task (the call node id).
	TaskID string

	// OpName is the failing operation.
	OpName string

	// ReturnCode is the task exit status. 1 for an error returned by the op,
	// 2 for a panic.
	ReturnCode int

	// Description is a human-readable failure description.
	Description string

	// Err is the underlying cause, if the runtime has one.
	Err error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s (op %s) failed with rc=%d: %s", e.TaskID, e.OpName, e.ReturnCode, e.Description)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecution returns true if err is an ExecutionError.
// Uses errors.As to handle wrapped errors.
func IsExecution(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
