// Package errors provides centralized error definitions and error handling utilities
// for taskmesh. It defines the coordination engine's error taxonomy, error
// constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent failures of a specific subsystem:
//   - ConnectionError: the transport is unreachable (surfaced, never retried automatically)
//   - DecryptionError: a frame failed authentication; fatal to the connection
//   - AuthenticationError: a handshake or credential check failed; fatal to the connection
//   - TransitionError: an illegal task state transition was requested
//   - CapabilityError: a worker cannot execute a task type
//   - ExecutionError: a task handler failed; recorded into the task, never a process failure
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewTransitionError(taskID, "running", "assigned")
//	err := errors.NewConnectionError("dial failed", cause).WithAddress("10.0.0.1:7400")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrInvalidTransition) { ... }
//	if errors.IsFatalToConnection(err) { conn.Close() }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Transport-related sentinel errors
var (
	// ErrChannelClosed indicates the secure channel was closed by either peer.
	ErrChannelClosed = New("channel closed")
	// ErrDecryption indicates a frame failed authenticated decryption.
	ErrDecryption = New("frame failed authentication")
	// ErrHandshake indicates the pre-shared key handshake did not complete.
	ErrHandshake = New("handshake failed")
	// ErrFrameTooLarge indicates a frame header announced more bytes than allowed.
	ErrFrameTooLarge = New("frame exceeds maximum size")
)

// Session-related sentinel errors
var (
	// ErrUnauthorized indicates a missing, invalid, expired or revoked token.
	ErrUnauthorized = New("unauthorized")
	// ErrForbidden indicates a valid session lacking the required role.
	ErrForbidden = New("forbidden")
	// ErrBadCredentials indicates a username/password pair did not verify.
	ErrBadCredentials = New("invalid credentials")
)

// Task-related sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrInvalidTransition indicates a transition not permitted from the current status.
	ErrInvalidTransition = New("invalid status transition")
	// ErrAlreadyTerminal indicates a transition was requested on a terminal task.
	ErrAlreadyTerminal = New("task already terminal")
	// ErrNotAssignee indicates a report from a worker that does not hold the task.
	ErrNotAssignee = New("worker is not the task assignee")
	// ErrCapabilityMismatch indicates a worker cannot execute a task type.
	ErrCapabilityMismatch = New("capability mismatch")
	// ErrExecution indicates a task handler failed.
	ErrExecution = New("task execution failed")
)

// Worker-related sentinel errors
var (
	// ErrWorkerNotFound indicates that a worker could not be found.
	ErrWorkerNotFound = New("worker not found")
	// ErrWorkerBusy indicates a worker already holds a task.
	ErrWorkerBusy = New("worker busy")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// MeshError is the base interface for all taskmesh errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type MeshError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to send back
	// to a remote peer.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Message returns the message without context or cause.
func (e *baseError) Message() string {
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show remote peers.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "prefix [k=v, ...]: message: cause".
func (e *baseError) format(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ConnectionError represents an unreachable or broken transport.
// It is surfaced to the caller and never retried automatically.
//
// Example:
//
//	err := errors.NewConnectionError("dial failed", cause).WithAddress("localhost:7400")
//	fmt.Println(err) // "connection error [addr=localhost:7400]: dial failed: ..."
type ConnectionError struct {
	baseError
	Address string
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithAddress adds the remote address to the error context.
func (e *ConnectionError) WithAddress(addr string) *ConnectionError {
	e.Address = addr
	return e
}

// Error returns the formatted error message.
func (e *ConnectionError) Error() string {
	var parts []string
	if e.Address != "" {
		parts = append(parts, fmt.Sprintf("addr=%s", e.Address))
	}
	return e.format("connection error", parts)
}

// Is checks if this error matches the target.
func (e *ConnectionError) Is(target error) bool {
	if _, ok := target.(*ConnectionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// DecryptionError represents a frame whose authentication tag did not verify.
// The connection that produced it must be closed.
type DecryptionError struct {
	baseError
	Sequence uint64
}

// NewDecryptionError creates a new DecryptionError for the frame at seq.
func NewDecryptionError(seq uint64, cause error) *DecryptionError {
	return &DecryptionError{
		baseError: baseError{
			message:    "frame rejected",
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: false,
		},
		Sequence: seq,
	}
}

// Error returns the formatted error message.
func (e *DecryptionError) Error() string {
	return e.format("decryption error", []string{fmt.Sprintf("seq=%d", e.Sequence)})
}

// Is checks if this error matches the target.
func (e *DecryptionError) Is(target error) bool {
	if _, ok := target.(*DecryptionError); ok {
		return true
	}
	if target == ErrDecryption {
		return true
	}
	return e.baseError.Is(target)
}

// AuthenticationError represents a failed handshake or credential check.
// Like DecryptionError it terminates the connection.
type AuthenticationError struct {
	baseError
	Subject string
}

// NewAuthenticationError creates a new AuthenticationError.
func NewAuthenticationError(message string, cause error) *AuthenticationError {
	return &AuthenticationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithSubject records who attempted to authenticate.
func (e *AuthenticationError) WithSubject(subject string) *AuthenticationError {
	e.Subject = subject
	return e
}

// Error returns the formatted error message.
func (e *AuthenticationError) Error() string {
	var parts []string
	if e.Subject != "" {
		parts = append(parts, fmt.Sprintf("subject=%s", e.Subject))
	}
	return e.format("authentication error", parts)
}

// Is checks if this error matches the target.
func (e *AuthenticationError) Is(target error) bool {
	if _, ok := target.(*AuthenticationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TransitionError represents an illegal task state transition. The task's
// state is unchanged when one is returned.
//
// Example:
//
//	err := errors.NewTransitionError("t-1", "completed", "running")
//	fmt.Println(err) // "transition error [task=t-1]: cannot move from completed to running: invalid status transition"
type TransitionError struct {
	baseError
	TaskID string
	From   string
	To     string
}

// NewTransitionError creates a TransitionError wrapping ErrInvalidTransition.
func NewTransitionError(taskID, from, to string) *TransitionError {
	return &TransitionError{
		baseError: baseError{
			message:    fmt.Sprintf("cannot move from %s to %s", from, to),
			cause:      ErrInvalidTransition,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		TaskID: taskID,
		From:   from,
		To:     to,
	}
}

// WithCause replaces the wrapped sentinel, e.g. with ErrAlreadyTerminal.
func (e *TransitionError) WithCause(cause error) *TransitionError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TransitionError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	return e.format("transition error", parts)
}

// Is checks if this error matches the target.
func (e *TransitionError) Is(target error) bool {
	if _, ok := target.(*TransitionError); ok {
		return true
	}
	if target == ErrInvalidTransition {
		return true
	}
	return e.baseError.Is(target)
}

// CapabilityError represents a task type that a worker cannot execute.
type CapabilityError struct {
	baseError
	TaskType string
	WorkerID string
}

// NewCapabilityError creates a new CapabilityError.
func NewCapabilityError(taskType string) *CapabilityError {
	return &CapabilityError{
		baseError: baseError{
			message:    fmt.Sprintf("no handler for task type %q", taskType),
			cause:      ErrCapabilityMismatch,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		TaskType: taskType,
	}
}

// WithWorkerID adds the worker ID to the error context.
func (e *CapabilityError) WithWorkerID(id string) *CapabilityError {
	e.WorkerID = id
	return e
}

// Error returns the formatted error message.
func (e *CapabilityError) Error() string {
	var parts []string
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}
	return e.format("capability error", parts)
}

// Is checks if this error matches the target.
func (e *CapabilityError) Is(target error) bool {
	if _, ok := target.(*CapabilityError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ExecutionError represents a failed task handler. It is captured into the
// task's error field and never crashes the worker.
type ExecutionError struct {
	baseError
	TaskID   string
	TaskType string
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(message string, cause error) *ExecutionError {
	return &ExecutionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithTask adds task identity to the error context.
func (e *ExecutionError) WithTask(id, taskType string) *ExecutionError {
	e.TaskID = id
	e.TaskType = taskType
	return e
}

// Error returns the formatted error message.
func (e *ExecutionError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.TaskType != "" {
		parts = append(parts, fmt.Sprintf("type=%s", e.TaskType))
	}
	return e.format("execution error", parts)
}

// Is checks if this error matches the target.
func (e *ExecutionError) Is(target error) bool {
	if _, ok := target.(*ExecutionError); ok {
		return true
	}
	if target == ErrExecution {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "abc123")
//	fmt.Println(err) // "task 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("progress out of range").WithField("progress").WithValue(140)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out: a correlation wait or
// a heartbeat deadline.
//
// Example:
//
//	err := errors.NewTimeoutError("awaiting task_status response", 5*time.Second)
//	fmt.Println(err) // "timeout error: awaiting task_status response (timeout: 5s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var meshErr MeshError
	if As(err, &meshErr) {
		return meshErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message may be sent to a remote peer
// in an error envelope. Other errors are replaced by a generic message.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var meshErr MeshError
	if As(err, &meshErr) {
		return meshErr.IsUserFacing()
	}

	return Is(err, ErrUnauthorized) || Is(err, ErrForbidden) ||
		Is(err, ErrTaskNotFound) || Is(err, ErrInvalidInput)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement MeshError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var meshErr MeshError
	if As(err, &meshErr) {
		return meshErr.Severity()
	}

	return SeverityError
}

// IsFatalToConnection reports whether err must terminate the connection it
// occurred on: closed channels and every transport or crypto failure.
func IsFatalToConnection(err error) bool {
	if err == nil {
		return false
	}

	var decErr *DecryptionError
	var authErr *AuthenticationError
	var connErr *ConnectionError

	return Is(err, ErrChannelClosed) || Is(err, ErrDecryption) ||
		Is(err, ErrHandshake) || Is(err, ErrFrameTooLarge) ||
		As(err, &decErr) || As(err, &authErr) || As(err, &connErr)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil err.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to process request")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
