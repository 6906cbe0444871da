package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed later.
	// Examples: lock timeouts, broker unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates an optimistic concurrency failure.
	// The caller must re-fetch and decide from current state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid input, missing records, unregistered handlers.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeAlreadyExists  = "ALREADY_EXISTS"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeActionTerminal = "ACTION_TERMINAL"
	ErrCodeLockLost       = "LOCK_LOST"
	ErrCodeLockTimeout    = "LOCK_TIMEOUT"
	ErrCodeUnknownHandler = "UNKNOWN_HANDLER"
	ErrCodePollTimeout    = "POLL_TIMEOUT"
	ErrCodeHandlerPanic   = "HANDLER_PANIC"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the record ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode overrides the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewValidationError reports malformed input to a store operation.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewNotFoundError reports a referenced record that does not exist.
func NewNotFoundError(kind, id string) *EngineError {
	return &EngineError{
		Class:    ErrorClassPermanent,
		Code:     ErrCodeNotFound,
		Message:  kind + " not found",
		Resource: id,
	}
}

// NewConflictError reports a version mismatch on a conditional write.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: message, Err: err}
}

// NewLockTimeoutError reports a mutex that could not be acquired in time.
func NewLockTimeoutError(name MutexName, err error) *EngineError {
	return &EngineError{
		Class:    ErrorClassTransient,
		Code:     ErrCodeLockTimeout,
		Message:  "timed out acquiring mutex",
		Resource: string(name),
		Err:      err,
	}
}

// NewUnknownHandlerError reports an (engine, operation) pair with no registered handler.
func NewUnknownHandlerError(engineName string, kind OperationKind) *EngineError {
	return &EngineError{
		Class:     ErrorClassPermanent,
		Code:      ErrCodeUnknownHandler,
		Message:   fmt.Sprintf("no handler registered for %s/%s", engineName, kind),
		Resource:  engineName,
		Operation: string(kind),
	}
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsLockTimeout reports whether err is a LockTimeoutError.
func IsLockTimeout(err error) bool { return hasCode(err, ErrCodeLockTimeout) }

// IsUnknownHandler reports whether err is an UnknownHandlerError.
func IsUnknownHandler(err error) bool { return hasCode(err, ErrCodeUnknownHandler) }

// IsAlreadyExists reports whether a create failed on a duplicate id.
func IsAlreadyExists(err error) bool { return hasCode(err, ErrCodeAlreadyExists) }

// IsConflict returns true if the error is classified as a conflict.
// This covers stale versions, duplicates, terminal actions and lost locks.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// ErrorCode extracts the code of a classified error, or ErrCodeInternal.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}

// ActionError is a handler's domain failure. It is terminal for the action.
type ActionError struct {
	Message string
	Data    map[string]interface{}
	Err     error
}

// NewActionError creates an ActionError with an optional diagnostic payload.
func NewActionError(message string, data map[string]interface{}) *ActionError {
	return &ActionError{Message: message, Data: data}
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ActionError) Unwrap() error {
	return e.Err
}

// Wrap attaches a cause.
func (e *ActionError) Wrap(err error) *ActionError {
	e.Err = err
	return e
}

// Failure converts the error into the payload stored on the action.
func (e *ActionError) Failure() *ActionFailure {
	f := &ActionFailure{Message: e.Error()}
	if len(e.Data) > 0 {
		f.Data = make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			f.Data[k] = v
		}
	}
	return f
}

// AsActionError returns the ActionError in err's chain, if any.
func AsActionError(err error) (*ActionError, bool) {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// FailureFromError builds the stored failure payload for any handler error.
// ActionErrors keep their message and data; classified errors record their code.
func FailureFromError(err error) *ActionFailure {
	if ae, ok := AsActionError(err); ok {
		f := ae.Failure()
		if _, ok := f.Data["code"]; !ok && ae.Err != nil {
			f.setCode(ErrorCode(ae.Err))
		}
		return f
	}
	f := &ActionFailure{Message: err.Error()}
	f.setCode(ErrorCode(err))
	return f
}
