package jobs

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the class of a jobs error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeQuota      ErrorType = "quota"
	ErrorTypeParsing    ErrorType = "parsing"
	ErrorTypeKubernetes ErrorType = "kubernetes"
	ErrorTypeStorage    ErrorType = "storage"
	ErrorTypeInternal   ErrorType = "internal"
)

// TypedError is implemented by every error of this package.
type TypedError interface {
	error
	Type() ErrorType
	HTTPStatus() int
	Details() map[string]any
}

// base carries the fields common to all error types. Message is shown to
// callers verbatim, Data is returned next to it.
type base struct {
	Message string
	Data    map[string]any
	Err     error
}

func (e *base) Error() string {
	return e.Message
}

func (e *base) Unwrap() error {
	return e.Err
}

func (e *base) Details() map[string]any {
	if e.Data == nil {
		return map[string]any{}
	}
	return e.Data
}

// ValidationError is returned for invalid job definitions
type ValidationError struct{ base }

func (e *ValidationError) Type() ErrorType { return ErrorTypeValidation }
func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }

// AuthError is returned when the caller may not act on a tool
type AuthError struct{ base }

func (e *AuthError) Type() ErrorType { return ErrorTypeAuth }
func (e *AuthError) HTTPStatus() int { return http.StatusForbidden }

// NotFoundError is returned for jobs missing in the runtime or the storage
type NotFoundError struct{ base }

func (e *NotFoundError) Type() ErrorType { return ErrorTypeNotFound }
func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// ConflictError is returned when an object with the same name exists
type ConflictError struct{ base }

func (e *ConflictError) Type() ErrorType { return ErrorTypeConflict }
func (e *ConflictError) HTTPStatus() int { return http.StatusConflict }

// QuotaError is returned when the tool ran out of quota
type QuotaError struct{ base }

func (e *QuotaError) Type() ErrorType { return ErrorTypeQuota }
func (e *QuotaError) HTTPStatus() int { return http.StatusBadRequest }

// ParsingError is returned when an object read from the cluster can not be
// turned into a job
type ParsingError struct{ base }

func (e *ParsingError) Type() ErrorType { return ErrorTypeParsing }
func (e *ParsingError) HTTPStatus() int { return http.StatusInternalServerError }

// KubernetesError wraps unexpected Kubernetes API failures
type KubernetesError struct{ base }

func (e *KubernetesError) Type() ErrorType { return ErrorTypeKubernetes }
func (e *KubernetesError) HTTPStatus() int { return http.StatusInternalServerError }

// StorageError wraps failures of the job definition storage
type StorageError struct{ base }

func (e *StorageError) Type() ErrorType { return ErrorTypeStorage }
func (e *StorageError) HTTPStatus() int { return http.StatusInternalServerError }

// InternalError represents internal system errors
type InternalError struct{ base }

func (e *InternalError) Type() ErrorType { return ErrorTypeInternal }
func (e *InternalError) HTTPStatus() int { return http.StatusInternalServerError }

// NewValidationError creates a new validation error
func NewValidationError(message string, data map[string]any) *ValidationError {
	return &ValidationError{base{Message: message, Data: data}}
}

// Validationf creates a validation error without data.
func Validationf(format string, args ...any) *ValidationError {
	return NewValidationError(fmt.Sprintf(format, args...), nil)
}

// NewAuthError creates a new auth error
func NewAuthError(message string) *AuthError {
	return &AuthError{base{Message: message}}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, data map[string]any) *NotFoundError {
	return &NotFoundError{base{Message: message, Data: data}}
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, data map[string]any) *ConflictError {
	return &ConflictError{base{Message: message, Data: data}}
}

// NewQuotaError creates a new quota error
func NewQuotaError(message string, data map[string]any) *QuotaError {
	return &QuotaError{base{Message: message, Data: data}}
}

// NewParsingError creates a new parsing error
func NewParsingError(message string, err error, data map[string]any) *ParsingError {
	return &ParsingError{base{Message: message, Data: data, Err: err}}
}

// NewKubernetesError creates a new Kubernetes error
func NewKubernetesError(message string, err error, data map[string]any) *KubernetesError {
	return &KubernetesError{base{Message: message, Data: data, Err: err}}
}

// NewStorageError creates a new storage error
func NewStorageError(message string, err error, data map[string]any) *StorageError {
	return &StorageError{base{Message: message, Data: data, Err: err}}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *InternalError {
	return &InternalError{base{Message: message, Err: err}}
}

// TypeOf returns the error type of err, ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var typed TypedError
	if errors.As(err, &typed) {
		return typed.Type()
	}
	return ErrorTypeInternal
}

// HTTPStatusFor returns the status code a caller should see for err.
func HTTPStatusFor(err error) int {
	var typed TypedError
	if errors.As(err, &typed) {
		return typed.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// DataFor returns the structured data attached to err, if any.
func DataFor(err error) map[string]any {
	var typed TypedError
	if errors.As(err, &typed) {
		return typed.Details()
	}
	return map[string]any{}
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConflict reports whether err is, or wraps, a *ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a client side error: validation,
// quota or conflict.
func IsValidation(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeValidation, ErrorTypeQuota, ErrorTypeConflict:
		return true
	default:
		return false
	}
}

// IsClientError reports whether err should be blamed on the caller.
func IsClientError(err error) bool {
	status := HTTPStatusFor(err)
	return status >= 400 && status < 500
}

// ErrorSummary is the body returned to API callers
type ErrorSummary struct {
	Type    ErrorType      `json:"-"`
	Message string         `json:"error"`
	Data    map[string]any `json:"data"`
}

// SummarizeError creates an error summary. Messages of foreign errors are
// not shown, they likely carry internal details.
func SummarizeError(err error) *ErrorSummary {
	if err == nil {
		return nil
	}

	var typed TypedError
	if !errors.As(err, &typed) {
		return &ErrorSummary{
			Type:    ErrorTypeInternal,
			Message: "Unknown error, likely an internal bug in the jobs api.",
			Data:    map[string]any{},
		}
	}

	return &ErrorSummary{
		Type:    typed.Type(),
		Message: typed.Error(),
		Data:    typed.Details(),
	}
}
