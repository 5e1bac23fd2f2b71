package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodeUnauthorized, "test message", http.StatusUnauthorized),
			want: "[PERM_3002] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeStoreError, "test message", http.StatusServiceUnavailable, errors.New("underlying")),
			want: "[INFRA_1002] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeStoreError, "test", http.StatusServiceUnavailable, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(ErrCodeInvalidInput, "test", http.StatusBadRequest)
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}

	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}

	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestUnauthorized(t *testing.T) {
	err := Unauthorized("test message")

	if err.Code != ErrCodeUnauthorized {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeUnauthorized)
	}
	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnauthorized)
	}
	if err.Message != "test message" {
		t.Errorf("Message = %v, want test message", err.Message)
	}
}

func TestPermissionDenied(t *testing.T) {
	err := PermissionDenied("playbook:123")

	if err.Code != ErrCodePermissionDenied {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePermissionDenied)
	}
	if err.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusForbidden)
	}
	if err.Details["resource"] != "playbook:123" {
		t.Errorf("Details[resource] = %v, want playbook:123", err.Details["resource"])
	}
}

func TestInvalidInput(t *testing.T) {
	err := InvalidInput("email", "invalid format")

	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidInput)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
	if err.Details["field"] != "email" {
		t.Errorf("Details[field] = %v, want email", err.Details["field"])
	}
}

func TestMissingParameter(t *testing.T) {
	err := MissingParameter("user_id")

	if err.Code != ErrCodeMissingParameter {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeMissingParameter)
	}
	if err.Details["parameter"] != "user_id" {
		t.Errorf("Details[parameter] = %v, want user_id", err.Details["parameter"])
	}
}

func TestSchemaViolation(t *testing.T) {
	underlying := errors.New("missing required property 'to'")
	err := SchemaViolation("send_email", underlying)

	if err.Code != ErrCodeSchemaViolation {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeSchemaViolation)
	}
	if err.Details["action"] != "send_email" {
		t.Errorf("Details[action] = %v, want send_email", err.Details["action"])
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("user", "123")

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Details["resource"] != "user" {
		t.Errorf("Details[resource] = %v, want user", err.Details["resource"])
	}
	if err.Details["id"] != "123" {
		t.Errorf("Details[id] = %v, want 123", err.Details["id"])
	}
}

func TestAlreadyExists(t *testing.T) {
	err := AlreadyExists("user", "test@example.com")

	if err.Code != ErrCodeAlreadyExists {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAlreadyExists)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestStoreError(t *testing.T) {
	underlying := errors.New("connection timeout")
	err := StoreError("insert", underlying)

	if err.Code != ErrCodeStoreError {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStoreError)
	}
	if err.Details["operation"] != "insert" {
		t.Errorf("Details[operation] = %v, want insert", err.Details["operation"])
	}
}

func TestStreamError(t *testing.T) {
	underlying := errors.New("listener disconnected")
	err := StreamError("consume", underlying)

	if err.Code != ErrCodeStreamError {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStreamError)
	}
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
}

func TestBusinessFailure(t *testing.T) {
	err := BusinessFailure("conditional step evaluated to halt")

	if err.Code != ErrCodeBusinessFailure {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeBusinessFailure)
	}
	if err.HTTPStatus != http.StatusUnprocessableEntity {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnprocessableEntity)
	}
}

func TestActionFailed(t *testing.T) {
	underlying := errors.New("smtp: connection refused")
	err := ActionFailed("send_email", underlying)

	if err.Code != ErrCodeActionFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeActionFailed)
	}
	if err.Details["action"] != "send_email" {
		t.Errorf("Details[action] = %v, want send_email", err.Details["action"])
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "service error", err: New(ErrCodeTransientInfra, "test", http.StatusServiceUnavailable), want: true},
		{name: "standard error", err: errors.New("standard error"), want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := New(ErrCodeTransientInfra, "test", http.StatusServiceUnavailable)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{name: "service error", err: serviceErr, want: serviceErr},
		{name: "standard error", err: standardErr, want: nil},
		{name: "nil error", err: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "service error", err: New(ErrCodeUnauthorized, "test", http.StatusUnauthorized), want: http.StatusUnauthorized},
		{name: "standard error", err: errors.New("standard error"), want: http.StatusInternalServerError},
		{name: "nil error", err: nil, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConflict(t *testing.T) {
	err := Conflict("resource locked")

	if err.Code != ErrCodeConflict {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConflict)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
	if err.Message != "resource locked" {
		t.Errorf("Message = %v, want resource locked", err.Message)
	}
}

func TestTimeout(t *testing.T) {
	err := Timeout("step execution")

	if err.Code != ErrCodeTimeout {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeTimeout)
	}
	if err.HTTPStatus != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusGatewayTimeout)
	}
	if err.Details["operation"] != "step execution" {
		t.Errorf("Details[operation] = %v, want step execution", err.Details["operation"])
	}
}

func TestCancelled(t *testing.T) {
	err := Cancelled("playbook execution")

	if err.Code != ErrCodeCancelled {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeCancelled)
	}
}

func TestDeadLetter(t *testing.T) {
	underlying := errors.New("max attempts exceeded")
	err := DeadLetter("job-123", underlying)

	if err.Code != ErrCodeDeadLetter {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeDeadLetter)
	}
	if err.Details["job_id"] != "job-123" {
		t.Errorf("Details[job_id] = %v, want job-123", err.Details["job_id"])
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "transient store error", err: StoreError("select", errors.New("x")), want: true},
		{name: "timeout", err: Timeout("op"), want: true},
		{name: "validation error", err: InvalidInput("f", "r"), want: false},
		{name: "business failure", err: BusinessFailure("halt"), want: false},
		{name: "unclassified error", err: errors.New("boom"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
