// internal/common/errors/handler.go
package errors

import (
	"context"
	stderrors "errors"
	"time"
)

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

// ErrorHandler reports terminal job failures in one consistent shape.
type ErrorHandler struct {
	logger Logger
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleJobFailure logs err against the job and returns its normalized form.
func (h *ErrorHandler) HandleJobFailure(jobID, lane string, attempts int, err error) *StandardError {
	stdErr := Normalize(err)
	h.logger.Error("Job failed", map[string]interface{}{
		"jobId":     jobID,
		"lane":      lane,
		"attempts":  attempts,
		"errorCode": string(stdErr.Code),
		"category":  GetErrorCategory(stdErr.Code),
		"message":   stdErr.Message,
		"details":   stdErr.Details,
		"retryable": stdErr.Retryable,
	})
	return stdErr
}

// Normalize maps any error onto a StandardError.
func Normalize(err error) *StandardError {
	if err == nil {
		return nil
	}

	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return &StandardError{
			Code:      ErrCodeTransientFailure,
			Message:   "Operation timed out",
			Details:   err.Error(),
			Retryable: true,
			Timestamp: time.Now().UTC(),
			cause:     err,
		}
	}
	if stderrors.Is(err, context.Canceled) {
		return &StandardError{
			Code:      ErrCodeTransientFailure,
			Message:   "Operation canceled",
			Details:   err.Error(),
			Retryable: true,
			Timestamp: time.Now().UTC(),
			cause:     err,
		}
	}

	return NewInternalError(err)
}

// CodeOf returns the code of err, or INTERNAL_ERROR for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return Normalize(err).Code
}
