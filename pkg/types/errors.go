package types

import (
	"fmt"
	"runtime"
	"time"
)

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	// Store related errors
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeInvalidRecord    ErrorCode = "INVALID_RECORD"

	// Index related errors
	ErrCodeInconsistentIndex ErrorCode = "INCONSISTENT_INDEX"
	ErrCodeServiceTerminated ErrorCode = "SERVICE_TERMINATED"

	// Snapshot related errors
	ErrCodeSnapshotInvalid  ErrorCode = "SNAPSHOT_INVALID"
	ErrCodeSnapshotNotFound ErrorCode = "SNAPSHOT_NOT_FOUND"
	ErrCodeTransferFailure  ErrorCode = "TRANSFER_FAILURE"

	// Cluster related errors
	ErrCodeLockHeld    ErrorCode = "LOCK_HELD"
	ErrCodeUnknownNode ErrorCode = "UNKNOWN_NODE"

	// Messaging related errors
	ErrCodeCodecFailure ErrorCode = "CODEC_FAILURE"

	// Configuration related errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
)

// Sentinels for errors.Is. Comparison is by code only.
var (
	ErrStoreUnavailable  = &IndexError{Code: ErrCodeStoreUnavailable, Message: "store unavailable"}
	ErrInconsistentIndex = &IndexError{Code: ErrCodeInconsistentIndex, Message: "index is inconsistent"}
	ErrServiceTerminated = &IndexError{Code: ErrCodeServiceTerminated, Message: "service terminated"}
	ErrSnapshotInvalid   = &IndexError{Code: ErrCodeSnapshotInvalid, Message: "snapshot invalid"}
	ErrSnapshotNotFound  = &IndexError{Code: ErrCodeSnapshotNotFound, Message: "snapshot not found"}
	ErrTransferFailure   = &IndexError{Code: ErrCodeTransferFailure, Message: "transfer failure"}
	ErrLockHeld          = &IndexError{Code: ErrCodeLockHeld, Message: "lock held by another node"}
	ErrUnknownNode       = &IndexError{Code: ErrCodeUnknownNode, Message: "unknown node"}
)

// IndexError represents a structured error raised by the replication subsystem
type IndexError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Stack     string                 `json:"stack,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
}

// NewIndexError creates a new IndexError
func NewIndexError(code ErrorCode, message string) *IndexError {
	return &IndexError{
		Code:      code,
		Message:   message,
		Details:   make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// NewIndexErrorWithCause creates a new IndexError with a cause
func NewIndexErrorWithCause(code ErrorCode, message string, cause error) *IndexError {
	err := NewIndexError(code, message)
	err.Cause = cause
	return err
}

// WithDetail adds a detail to the error
func (e *IndexError) WithDetail(key string, value interface{}) *IndexError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithStack captures the current stack trace
func (e *IndexError) WithStack() *IndexError {
	e.Stack = captureStack()
	return e
}

// Error implements the error interface
func (e *IndexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// IsCode checks if this error is of a specific code
func (e *IndexError) IsCode(code ErrorCode) bool {
	return e.Code == code
}

// Is matches any IndexError carrying the same code
func (e *IndexError) Is(target error) bool {
	if ie, ok := target.(*IndexError); ok {
		return e.Code == ie.Code
	}
	return false
}

// IsRetryable reports whether a caller-level retry could succeed.
// Nothing in this module retries on its own.
func (e *IndexError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStoreUnavailable, ErrCodeTransferFailure, ErrCodeLockHeld:
		return true
	default:
		return false
	}
}

func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ErrStoreUnavailableCause wraps a backing-store failure
func ErrStoreUnavailableCause(operation string, cause error) *IndexError {
	return NewIndexErrorWithCause(ErrCodeStoreUnavailable, fmt.Sprintf("store operation failed: %s", operation), cause).
		WithDetail("operation", operation)
}

// ErrInvalidRecord creates an invalid record error
func ErrInvalidRecord(details string) *IndexError {
	return NewIndexError(ErrCodeInvalidRecord, "invalid index operation record").WithDetail("details", details)
}

// ErrInconsistentIndexReason creates an inconsistent index error
func ErrInconsistentIndexReason(reason string) *IndexError {
	return NewIndexError(ErrCodeInconsistentIndex, "index is inconsistent").WithDetail("reason", reason)
}

// ErrServiceTerminatedFor creates a rejection error for a cancelled service
func ErrServiceTerminatedFor(service string) *IndexError {
	return NewIndexError(ErrCodeServiceTerminated, fmt.Sprintf("%s has been cancelled", service)).
		WithDetail("service", service)
}

// ErrSnapshotInvalidCause creates a snapshot validation error
func ErrSnapshotInvalidCause(path string, cause error) *IndexError {
	return NewIndexErrorWithCause(ErrCodeSnapshotInvalid, "snapshot archive failed validation", cause).
		WithDetail("path", path)
}

// ErrSnapshotMissing creates a snapshot not found error
func ErrSnapshotMissing(path string) *IndexError {
	return NewIndexError(ErrCodeSnapshotNotFound, "snapshot not found").WithDetail("path", path)
}

// ErrTransferFailureCause creates a transfer failure error
func ErrTransferFailureCause(operation string, cause error) *IndexError {
	return NewIndexErrorWithCause(ErrCodeTransferFailure, fmt.Sprintf("transfer failed: %s", operation), cause).
		WithDetail("operation", operation)
}

// ErrLockHeldBy creates a lock contention error
func ErrLockHeldBy(lockName, owner string) *IndexError {
	return NewIndexError(ErrCodeLockHeld, "lock held by another node").
		WithDetail("lock", lockName).
		WithDetail("owner", owner)
}

// ErrUnknownNodeID creates an unknown node error
func ErrUnknownNodeID(nodeID string) *IndexError {
	return NewIndexError(ErrCodeUnknownNode, "unknown node").WithDetail("node_id", nodeID)
}

// ErrCodecFailure wraps an envelope encode/decode failure
func ErrCodecFailure(codec string, cause error) *IndexError {
	return NewIndexErrorWithCause(ErrCodeCodecFailure, "message codec failed", cause).WithDetail("codec", codec)
}

// ErrInvalidConfig creates a configuration error
func ErrInvalidConfig(details string) *IndexError {
	return NewIndexError(ErrCodeInvalidConfig, "invalid configuration").WithDetail("details", details)
}

// ErrorCollector collects multiple errors
type ErrorCollector struct {
	Errors []error
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		Errors: make([]error, 0),
	}
}

// Add adds an error to the collector
func (ec *ErrorCollector) Add(err error) {
	if err != nil {
		ec.Errors = append(ec.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	return len(ec.Errors) > 0
}

// Error returns a combined error message
func (ec *ErrorCollector) Error() string {
	if !ec.HasErrors() {
		return ""
	}

	if len(ec.Errors) == 1 {
		return ec.Errors[0].Error()
	}

	result := fmt.Sprintf("multiple errors (%d):", len(ec.Errors))
	for i, err := range ec.Errors {
		result += fmt.Sprintf("\n  %d: %v", i+1, err)
	}

	return result
}

// Unwrap exposes the collected errors to errors.Is / errors.As
func (ec *ErrorCollector) Unwrap() []error {
	return ec.Errors
}

// ToError returns the collected errors as a single error, or nil if no errors
func (ec *ErrorCollector) ToError() error {
	if !ec.HasErrors() {
		return nil
	}
	return ec
}
