package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// All handlers and services MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField      ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidLat        ErrorCode = "validation_invalid_latitude"
	ErrCodeValidationInvalidLon        ErrorCode = "validation_invalid_longitude"
	ErrCodeValidationPointOutOfBounds  ErrorCode = "validation_point_out_of_bounds"
	ErrCodeValidationInvalidVariable   ErrorCode = "validation_invalid_variable"
	ErrCodeValidationInvalidIndex      ErrorCode = "validation_invalid_index"
	ErrCodeValidationThreshold         ErrorCode = "validation_threshold_out_of_range"
	ErrCodeValidationInvalidResolution ErrorCode = "validation_invalid_resolution"
	ErrCodeValidationInvalidPeriod     ErrorCode = "validation_invalid_period"
	ErrCodeValidationTooManyIndices    ErrorCode = "validation_too_many_indices"
	ErrCodeValidationIncompatibleInput ErrorCode = "validation_incompatible_index_inputs"
	ErrCodeValidationInvalidStep       ErrorCode = "validation_invalid_step_transition"
	ErrCodeValidationInvalidEmail      ErrorCode = "validation_invalid_email"
	ErrCodeValidationInvalidField      ErrorCode = "validation_invalid_field"

	// Auth (401)
	ErrCodeAuthSessionMissing ErrorCode = "auth_session_missing"
	ErrCodeAuthSessionInvalid ErrorCode = "auth_session_invalid"
	ErrCodeAuthInvalidCreds   ErrorCode = "auth_invalid_credentials"

	// Not Found (404)
	ErrCodeNotFoundSourceFile ErrorCode = "not_found_source_file"
	ErrCodeNotFoundSession    ErrorCode = "not_found_session"
	ErrCodeNotFoundJob        ErrorCode = "not_found_job"
	ErrCodeNotFoundOutput     ErrorCode = "not_found_output"

	// Conflict (409)
	ErrCodeConflictAmbiguousSource  ErrorCode = "conflict_ambiguous_source_file"
	ErrCodeConflictCooldown         ErrorCode = "conflict_submission_cooldown"
	ErrCodeConflictLaunchInProgress ErrorCode = "conflict_launch_in_progress"
	ErrCodeConflictRegistration     ErrorCode = "conflict_registration_pending"
	ErrCodeConflictJobNotRunning    ErrorCode = "conflict_job_not_running"

	// Internal/Upstream (500/502/503/504)
	ErrCodeInternalDB                 ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected         ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamCatalogUnavailable ErrorCode = "upstream_catalog_unavailable"
	ErrCodeUpstreamDataUnavailable    ErrorCode = "upstream_data_unavailable"
	ErrCodeUpstreamQueueFull          ErrorCode = "upstream_queue_full"
	ErrCodeUpstreamJobFailed          ErrorCode = "upstream_job_failed"
	ErrCodeUpstreamJobTimeout         ErrorCode = "upstream_job_timeout"
	ErrCodeUpstreamIdentity           ErrorCode = "upstream_identity_unavailable"
	ErrCodeUpstreamEmailProvider      ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamQueue              ErrorCode = "upstream_task_queue_unavailable"
	ErrCodeUpstreamUnavailable        ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited        ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamQueueFull), s == string(ErrCodeUpstreamRateLimited):
		return http.StatusServiceUnavailable
	case s == string(ErrCodeUpstreamJobTimeout):
		return http.StatusGatewayTimeout
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a user may resubmit the same request later
// and expect a different outcome.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeUpstreamQueueFull, ErrCodeUpstreamRateLimited, ErrCodeConflictCooldown,
		ErrCodeUpstreamCatalogUnavailable, ErrCodeUpstreamUnavailable:
		return true
	}
	return false
}

// AppError is the standard application error type used throughout the service.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{Code: e.Code, Message: e.Message, Err: e.Err, Details: merged}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}

// CodeOf extracts the ErrorCode from an error chain. Errors that are not
// AppErrors report ErrCodeInternalUnexpected.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// NewMissingFieldsError builds the validation error a wizard step returns when
// required inputs are absent. The labels are listed in the order checked.
func NewMissingFieldsError(labels []string) *AppError {
	return NewAppErrorWithDetails(
		ErrCodeValidationMissingField,
		"Please fill: "+strings.Join(labels, ", "),
		nil,
		map[string]any{"missing": labels},
	)
}
