// internal/common/errors/errors.go
package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// Error codes
// ==========================

type ErrorCode string

const (
	ErrCodeDuplicateSubmission ErrorCode = "DUPLICATE_SUBMISSION"
	ErrCodeInvalidTarget       ErrorCode = "INVALID_TARGET"
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"

	ErrCodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrCodeTransientFailure  ErrorCode = "TRANSIENT_FAILURE"
	ErrCodeCredentialFailure ErrorCode = "CREDENTIAL_FAILURE"

	ErrCodeCacheUnavailable ErrorCode = "CACHE_UNAVAILABLE"
	ErrCodeStorageFailure   ErrorCode = "STORAGE_FAILURE"

	ErrCodeQueueStopped ErrorCode = "QUEUE_STOPPED"
	ErrCodeQueueFull    ErrorCode = "QUEUE_FULL"
	ErrCodeJobNotFound  ErrorCode = "JOB_NOT_FOUND"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata returns the error with key set in its metadata.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// Constructors
// ==========================

func NewDuplicateSubmissionError(key string) *StandardError {
	return &StandardError{
		Code:      ErrCodeDuplicateSubmission,
		Message:   "Submission already processed within the idempotency window",
		Details:   fmt.Sprintf("key: %s", key),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewInvalidTargetError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTarget,
		Message:   "Notification target resolved to no users",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewInvalidRequestError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidRequest,
		Message:   "Request validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewInvalidTokenError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidToken,
		Message:   "Push provider rejected the device token",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewRateLimitedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRateLimited,
		Message:   "Push provider quota exceeded",
		Details:   details,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func NewTransientError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeTransientFailure,
		Message:   fmt.Sprintf("Transient failure calling '%s'", service),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewCredentialFailureError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCredentialFailure,
		Message:   "Push provider credential refresh failed",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewCacheUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCacheUnavailable,
		Message:   "Cache backend unavailable",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewStorageFailureError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStorageFailure,
		Message:   "Storage operation failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewQueueStoppedError() *StandardError {
	return &StandardError{
		Code:      ErrCodeQueueStopped,
		Message:   "Dispatch queue is shutting down",
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func NewQueueFullError(lane string) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueueFull,
		Message:   "Dispatch lane is at capacity",
		Details:   fmt.Sprintf("lane: %s", lane),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func NewJobNotFoundError(jobID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeJobNotFound,
		Message:   "Dispatch job not found",
		Details:   fmt.Sprintf("jobId: %s", jobID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewInternalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// ==========================
// Classification helpers
// ==========================

// GetRetryCount returns how many times a job failing with code may be retried.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeTransientFailure,
		ErrCodeStorageFailure,
		ErrCodeCacheUnavailable:
		return 3

	case ErrCodeRateLimited:
		return 5 // counted separately from generic retries

	default:
		return 0 // permanent errors: no retry
	}
}

func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory groups codes for metrics labels.
func GetErrorCategory(code ErrorCode) string {
	switch {
	case code == ErrCodeDuplicateSubmission ||
		code == ErrCodeInvalidTarget ||
		code == ErrCodeInvalidRequest:
		return "REQUEST"
	case code == ErrCodeInvalidToken ||
		code == ErrCodeRateLimited ||
		code == ErrCodeCredentialFailure:
		return "PROVIDER"
	case strings.HasPrefix(string(code), "QUEUE_") || code == ErrCodeJobNotFound:
		return "QUEUE"
	case code == ErrCodeStorageFailure || code == ErrCodeCacheUnavailable:
		return "INFRASTRUCTURE"
	case code == ErrCodeTransientFailure:
		return "TRANSIENT"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps an error code onto the status returned by the route layer.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeInvalidTarget, ErrCodeJobNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateSubmission:
		return http.StatusConflict
	case ErrCodeQueueStopped, ErrCodeQueueFull, ErrCodeCacheUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
