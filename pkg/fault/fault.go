// Package fault defines the closed error-kind enumeration of the fabric and
// the structured error every layer raises. Gate rejections are terminal for
// an attempt; transport and handler failures are retryable.
package fault

import (
	"errors"
	"fmt"

	"github.com/sddion/chainbox/pkg/contracts"
)

// Code enumerates every error kind the fabric emits.
type Code string

const (
	CodeExecutionError      Code = "EXECUTION_ERROR"
	CodeExecutionTimeout    Code = "EXECUTION_TIMEOUT"
	CodeMaxCallDepth        Code = "MAX_CALL_DEPTH_EXCEEDED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeFunctionNotFound    Code = "FUNCTION_NOT_FOUND"
	CodeCircuitOpen         Code = "CIRCUIT_OPEN"
	CodeMeshCallFailed      Code = "MESH_CALL_FAILED"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeAdapterNotFound     Code = "ADAPTER_NOT_FOUND"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeTenantQuotaExceeded Code = "TENANT_QUOTA_EXCEEDED"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodePayloadTooLarge     Code = "PAYLOAD_TOO_LARGE"
	CodeInternal            Code = "INTERNAL_ERROR"

	// CodeAccessDenied is reserved. It behaves exactly like FORBIDDEN and is
	// never emitted by the fabric itself.
	CodeAccessDenied Code = "ACCESS_DENIED"
)

// Error is the structured error carried through the pipeline and serialised
// into the wire-level envelope at the root frame.
type Error struct {
	Code     Code
	Message  string
	Function string
	TraceID  string
	Meta     map[string]any
	cause    error
}

// New creates a fault with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a fault with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap lifts an arbitrary error into a fault, preserving the cause chain.
// Wrapping an existing *Error returns it unchanged.
func Wrap(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}

func (e *Error) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("%s: %s (fn=%s)", e.Code, e.Message, e.Function)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithFunction annotates the fault with the capability name.
func (e *Error) WithFunction(fn string) *Error {
	e.Function = fn
	return e
}

// WithTraceID annotates the fault with the invocation trace id.
func (e *Error) WithTraceID(id string) *Error {
	e.TraceID = id
	return e
}

// WithMeta merges a metadata key into the fault.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any, 1)
	}
	e.Meta[key] = value
	return e
}

// Wire converts the fault into its JSON envelope.
func (e *Error) Wire() contracts.WireError {
	return contracts.WireError{
		Error:    string(e.Code),
		Message:  e.Message,
		Function: e.Function,
		TraceID:  e.TraceID,
		Meta:     e.Meta,
	}
}

// FromWire reconstructs a fault from a decoded wire envelope.
func FromWire(w contracts.WireError) *Error {
	code := Code(w.Error)
	if code == "" {
		code = CodeMeshCallFailed
	}
	return &Error{
		Code:     code,
		Message:  w.Message,
		Function: w.Function,
		TraceID:  w.TraceID,
		Meta:     w.Meta,
	}
}

// CodeOf extracts the fault code from an error chain. Unclassified errors
// report EXECUTION_ERROR.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeExecutionError
}

// OutcomeFor maps an error code to its terminal outcome tag.
func OutcomeFor(code Code) contracts.Outcome {
	switch code {
	case CodeExecutionTimeout:
		return contracts.OutcomeTimeout
	case CodeCircuitOpen:
		return contracts.OutcomeCircuitOpen
	case CodeForbidden, CodeAccessDenied:
		return contracts.OutcomeForbidden
	case CodeFunctionNotFound:
		return contracts.OutcomeNotFound
	default:
		return contracts.OutcomeFailure
	}
}

// Retryable reports whether an attempt carrying this code may be retried.
// Gate rejections are terminal.
func Retryable(code Code) bool {
	switch code {
	case CodeForbidden, CodeAccessDenied, CodeMaxCallDepth, CodeRateLimited,
		CodeTenantQuotaExceeded, CodeUnauthorized, CodeInvalidSignature,
		CodeFunctionNotFound, CodeCircuitOpen:
		return false
	default:
		return true
	}
}
