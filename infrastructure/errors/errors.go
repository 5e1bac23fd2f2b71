// Package errors provides soar-core's coded error taxonomy: transient
// infrastructure failures, validation failures, permission denials,
// business-rule failures, timeouts, and cancellations.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Transient infrastructure errors (1xxx) — retryable: stream/queue/store
	// connectivity blips that resilience.Retry is expected to absorb.
	ErrCodeTransientInfra ErrorCode = "INFRA_1001"
	ErrCodeStoreError     ErrorCode = "INFRA_1002"
	ErrCodeStreamError    ErrorCode = "INFRA_1003"

	// Validation errors (2xxx) — malformed playbook definitions, bindings,
	// or action parameters. Never retried.
	ErrCodeInvalidInput     ErrorCode = "VAL_2001"
	ErrCodeMissingParameter ErrorCode = "VAL_2002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_2003"
	ErrCodeSchemaViolation  ErrorCode = "VAL_2004"

	// Permission errors (3xxx) — cross-tenant or unauthenticated access.
	ErrCodePermissionDenied ErrorCode = "PERM_3001"
	ErrCodeUnauthorized     ErrorCode = "PERM_3002"

	// Resource errors (4xxx).
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Business failure errors (5xxx) — an action ran but the outcome itself
	// is a failure (e.g. a conditional evaluated to a halt state).
	ErrCodeBusinessFailure ErrorCode = "BIZ_5001"
	ErrCodeActionFailed    ErrorCode = "BIZ_5002"

	// Timeout / cancellation errors (6xxx).
	ErrCodeTimeout     ErrorCode = "TIME_6001"
	ErrCodeCancelled   ErrorCode = "TIME_6002"
	ErrCodeDeadLetter  ErrorCode = "TIME_6003"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Transient infrastructure errors.

func StoreError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeStoreError, "store operation failed", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func StreamError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeStreamError, "durable stream operation failed", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

// Validation errors.

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func SchemaViolation(action string, err error) *ServiceError {
	return Wrap(ErrCodeSchemaViolation, "action parameters failed schema validation", http.StatusBadRequest, err).
		WithDetails("action", action)
}

// Permission errors.

func PermissionDenied(resource string) *ServiceError {
	return New(ErrCodePermissionDenied, "permission denied", http.StatusForbidden).
		WithDetails("resource", resource)
}

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

// Resource errors.

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Business failure errors.

func BusinessFailure(message string) *ServiceError {
	return New(ErrCodeBusinessFailure, message, http.StatusUnprocessableEntity)
}

func ActionFailed(action string, err error) *ServiceError {
	return Wrap(ErrCodeActionFailed, "action execution failed", http.StatusUnprocessableEntity, err).
		WithDetails("action", action)
}

// Timeout / cancellation errors.

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func Cancelled(operation string) *ServiceError {
	return New(ErrCodeCancelled, "operation cancelled", http.StatusRequestTimeout).
		WithDetails("operation", operation)
}

func DeadLetter(jobID string, err error) *ServiceError {
	return Wrap(ErrCodeDeadLetter, "job exhausted its retry budget", http.StatusInternalServerError, err).
		WithDetails("job_id", jobID)
}

// Helper functions.

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsPermissionDenied reports whether err is a permission-denial failure —
// one that must abort its execution outright rather than go through an
// onError:continue/retry policy, since another attempt or a fallback branch
// cannot grant an authorization the caller never had.
func IsPermissionDenied(err error) bool {
	svcErr := GetServiceError(err)
	return svcErr != nil && svcErr.Code == ErrCodePermissionDenied
}

// IsRetryable reports whether err represents a transient infrastructure
// failure that resilience.Retry should retry, as opposed to a validation,
// permission, or business failure that retrying cannot fix.
func IsRetryable(err error) bool {
	svcErr := GetServiceError(err)
	if svcErr == nil {
		// Unclassified errors (e.g. raw driver errors) are treated as
		// transient so infrastructure failures fail closed toward retrying.
		return true
	}
	switch svcErr.Code {
	case ErrCodeTransientInfra, ErrCodeStoreError, ErrCodeStreamError, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
