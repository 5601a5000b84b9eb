// Package errors provides unified error handling with structured error codes.
// Codes cover the capture/transcription/AI pipeline and map onto HTTP status
// codes at the API boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies pipeline failures.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeInternal
	CodeInvalid
	CodeNotFound
	CodePermissionDenied
	CodeMissingCredential
	CodeNetworkFailure
	CodeUpstreamStatus
	CodeModelUnavailable
	CodeTimeout
	CodeCancelled
	CodeStoreFailure
)

var codeNames = map[ErrorCode]string{
	CodeUnknown:           "UNKNOWN",
	CodeInternal:          "INTERNAL",
	CodeInvalid:           "INVALID_ARGUMENT",
	CodeNotFound:          "NOT_FOUND",
	CodePermissionDenied:  "PERMISSION_DENIED",
	CodeMissingCredential: "MISSING_CREDENTIAL",
	CodeNetworkFailure:    "NETWORK_FAILURE",
	CodeUpstreamStatus:    "UPSTREAM_STATUS",
	CodeModelUnavailable:  "MODEL_UNAVAILABLE",
	CodeTimeout:           "TIMEOUT",
	CodeCancelled:         "CANCELLED",
	CodeStoreFailure:      "STORE_FAILURE",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// httpCodeMap maps error codes to HTTP status codes for the API surface.
var httpCodeMap = map[ErrorCode]int{
	CodeUnknown:           http.StatusInternalServerError,
	CodeInternal:          http.StatusInternalServerError,
	CodeInvalid:           http.StatusBadRequest,
	CodeNotFound:          http.StatusNotFound,
	CodePermissionDenied:  http.StatusForbidden,
	CodeMissingCredential: http.StatusUnauthorized,
	CodeNetworkFailure:    http.StatusBadGateway,
	CodeUpstreamStatus:    http.StatusBadGateway,
	CodeModelUnavailable:  http.StatusServiceUnavailable,
	CodeTimeout:           http.StatusGatewayTimeout,
	CodeCancelled:         http.StatusConflict,
	CodeStoreFailure:      http.StatusInternalServerError,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     ErrorCode
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the corresponding HTTP status code.
func (e *AppError) HTTPStatus() int {
	if c, ok := httpCodeMap[e.Code]; ok {
		return c
	}
	return http.StatusInternalServerError
}

// New creates a new AppError with the given code and message.
func New(code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// UpstreamStatus creates an UPSTREAM_STATUS error carrying the HTTP status
// returned by a provider.
func UpstreamStatus(status int, body string) *AppError {
	e := Newf(CodeUpstreamStatus, "upstream returned status %d", status)
	e.WithMetadata("status", fmt.Sprintf("%d", status))
	if body != "" {
		e.WithMetadata("body", body)
	}
	return e
}

// As re-exports the standard errors.As so callers need one import.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is re-exports the standard errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// CodeOf extracts the error code from any error in the chain.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error (or any error it wraps) has a specific code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetworkFailure, CodeTimeout, CodeStoreFailure:
		return true
	case CodeUpstreamStatus:
		var appErr *AppError
		if errors.As(err, &appErr) {
			s := appErr.Metadata["status"]
			return s == "429" || (len(s) == 3 && s[0] == '5')
		}
		return false
	default:
		return false
	}
}
