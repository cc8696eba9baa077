package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrRecordNotFound           = errors.New("ingestion record not found")
	ErrIntegrity                = errors.New("ingestion record integrity violation")
	ErrObjectNotFound           = errors.New("object not found")
	ErrUnsupportedFormat        = errors.New("unsupported file format")
	ErrMissingContinuationToken = errors.New("continuation token is required")
	ErrNoJobID                  = errors.New("ocr engine returned no job id")
	ErrJobFailed                = errors.New("ocr job did not succeed")
	ErrStaleJob                 = errors.New("ocr job is not the record's current job")
	ErrRecordCancelled          = errors.New("ingestion record is cancelled")
	ErrExecutionMismatch        = errors.New("execution does not belong to this orchestrator")
	ErrExecutionNotFound        = errors.New("execution not found")
	ErrTaskNotFound             = errors.New("task token not found")
	ErrNotImplemented           = errors.New("not available in this orchestrator mode")
	ErrInvalidInput             = errors.New("invalid input")
	ErrInternal                 = errors.New("internal error")
	ErrTimeout                  = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrExecutionNotFound), errors.Is(err, ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrExecutionMismatch), errors.Is(err, ErrMissingContinuationToken):
		return http.StatusBadRequest
	case errors.Is(err, ErrRecordCancelled), errors.Is(err, ErrStaleJob):
		return http.StatusConflict
	case errors.Is(err, ErrIntegrity), errors.Is(err, ErrObjectNotFound), errors.Is(err, ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrJobFailed), errors.Is(err, ErrNoJobID):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
