package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors returned by collaborators (stores, registries) and wrapped with %w.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a uniqueness constraint was violated.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStaleRevision indicates an optimistic revision check failed.
	ErrStaleRevision = errors.New("stale revision")
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict (duplicate proposal, commit in flight).
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a failure that will not succeed on retry.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind is the caller-facing error taxonomy of the lifecycle engine.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindValidationFailed   ErrorKind = "validation_failed"
	KindConflict           ErrorKind = "conflict"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindStoreUnavailable   ErrorKind = "store_unavailable"

	// KindRejected is an outright refusal by the deployment backend.
	KindRejected ErrorKind = "rejected"
)

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeMultipleProposals  = "MULTIPLE_PROPOSALS"
	ErrCodeCommitInFlight     = "COMMIT_IN_FLIGHT"
	ErrCodeConcurrentUpdate   = "CONCURRENT_UPDATE"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeRegistryDown       = "REGISTRY_UNAVAILABLE"
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeCheckUnavailable   = "CHECK_UNAVAILABLE"
	ErrCodeBackendRejected    = "BACKEND_REJECTED"
	ErrCodeTimeout            = "TIMEOUT"
)

// FieldError describes a single violation found while validating a proposal.
type FieldError struct {
	// Field is the dotted path of the offending value (e.g. "attributes.nova.port").
	Field string `json:"field"`

	// Message is the human-readable violation message.
	Message string `json:"message"`

	// Source names the check that produced the violation (structure, schema, policy:<name>).
	Source string `json:"source,omitempty"`

	// Code is an optional machine-readable code.
	Code string `json:"code,omitempty"`
}

func (f FieldError) String() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind is the caller-facing error kind.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Status is the HTTP-equivalent result code callers map to responses.
	Status int `json:"status"`

	// Resource is the proposal or target ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the lifecycle operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Fields lists every validation violation for KindValidationFailed.
	Fields []FieldError `json:"fields,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, f.String())
		}
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(parts, "; "))
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
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
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind ErrorKind, class ErrorClass, status int, code, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Kind:    kind,
		Status:  status,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewNotFoundError creates an error for an unknown module, proposal or record.
func NewNotFoundError(message string) *EngineError {
	return newError(KindNotFound, ErrorClassPermanent, http.StatusNotFound, ErrCodeNotFound, message, nil)
}

// NewValidationError creates an error carrying every collected field violation.
func NewValidationError(message string, fields []FieldError) *EngineError {
	e := newError(KindValidationFailed, ErrorClassPermanent, http.StatusBadRequest, ErrCodeValidation, message, nil)
	e.Fields = fields
	return e
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(KindConflict, ErrorClassConflict, http.StatusConflict, ErrCodeConflict, message, err)
}

// NewBackendUnavailableError creates a transient error for an unreachable backend or registry.
func NewBackendUnavailableError(message string, err error) *EngineError {
	return newError(KindBackendUnavailable, ErrorClassTransient, http.StatusServiceUnavailable, ErrCodeBackendUnavailable, message, err)
}

// NewStoreUnavailableError creates a transient error for unreachable persistence.
func NewStoreUnavailableError(message string, err error) *EngineError {
	return newError(KindStoreUnavailable, ErrorClassTransient, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, message, err)
}

// NewRejectedError creates an error for an outright backend refusal.
// Status codes below 300 are coerced to 400 so a rejection is never read as success.
func NewRejectedError(status int, message string) *EngineError {
	if status < http.StatusMultipleChoices {
		status = http.StatusBadRequest
	}
	return newError(KindRejected, ErrorClassPermanent, status, ErrCodeBackendRejected, message, nil)
}

// NewTransientError creates a new transient error attributed to the backend.
func NewTransientError(message string, err error) *EngineError {
	return NewBackendUnavailableError(message, err)
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

// WithCode adds an error code to an error.
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

// AsEngineError extracts an *EngineError from the chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not an EngineError.
func KindOf(err error) ErrorKind {
	if e, ok := AsEngineError(err); ok {
		return e.Kind
	}
	return ""
}

// StatusCode returns the HTTP-equivalent code for err.
// Unclassified errors map to 500, nil maps to 200.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if e, ok := AsEngineError(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsNotFound returns true if the error is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsValidation returns true if the error carries validation violations.
func IsValidation(err error) bool { return KindOf(err) == KindValidationFailed }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsBackendUnavailable returns true if the deployment backend or registry was unreachable.
func IsBackendUnavailable(err error) bool { return KindOf(err) == KindBackendUnavailable }

// IsStoreUnavailable returns true if persistence was unreachable.
func IsStoreUnavailable(err error) bool { return KindOf(err) == KindStoreUnavailable }

// IsRejected returns true if the backend refused the request outright.
func IsRejected(err error) bool { return KindOf(err) == KindRejected }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	if e, ok := AsEngineError(err); ok {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsRetryable returns true if the caller may retry the operation unchanged.
// Only transient errors are retryable; validation and conflict errors never are.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// storeError classifies an error returned by a store call.
func storeError(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsEngineError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return NewNotFoundError(fmt.Sprintf("%s not found", resource)).WithResource(resource).WithOperation(op)
	case errors.Is(err, ErrAlreadyExists):
		return NewConflictError(fmt.Sprintf("%s already exists", resource), err).
			WithCode(ErrCodeAlreadyExists).WithResource(resource).WithOperation(op)
	case errors.Is(err, ErrStaleRevision):
		return NewConflictError(fmt.Sprintf("%s was modified concurrently", resource), err).
			WithCode(ErrCodeConcurrentUpdate).WithResource(resource).WithOperation(op)
	default:
		return NewStoreUnavailableError("proposal store unavailable", err).WithResource(resource).WithOperation(op)
	}
}
