package common

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Error taxonomy. Callers classify with errors.Is.
var (
	// ErrTransient marks failures worth retrying: timeouts, rate limits, 5xx, open breakers.
	ErrTransient = errors.New("transient error")
	// ErrPermanent marks failures retrying cannot fix: malformed input, invalid destination.
	ErrPermanent = errors.New("permanent error")
	// ErrIntegrity marks ciphertext that fails authentication or a digest mismatch.
	ErrIntegrity = errors.New("integrity check failed")

	ErrAccessDenied      = errors.New("access denied")
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrJobBusy           = errors.New("job is being processed by another worker")
	ErrFieldsImmutable   = errors.New("extracted fields are immutable")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrInternal          = errors.New("internal error")
	ErrDatabase          = errors.New("database error")
	ErrValidation        = errors.New("validation failed")
	ErrQueueFull         = errors.New("queue is full")
	ErrShuttingDown      = errors.New("shutting down")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsTransient reports whether err is worth retrying. Deadline expiry counts as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrIntegrity) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

var kinds = []struct {
	err  error
	kind string
}{
	{ErrAccessDenied, "access_denied"},
	{ErrUnauthenticated, "unauthenticated"},
	{ErrIntegrity, "integrity"},
	{ErrNotFound, "not_found"},
	{ErrUnsupportedFormat, "unsupported_format"},
	{ErrPayloadTooLarge, "payload_too_large"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrJobBusy, "job_busy"},
	{ErrFieldsImmutable, "fields_immutable"},
	{ErrExtractionFailed, "extraction_failed"},
	{ErrPermanent, "permanent"},
	{ErrTransient, "transient"},
	{context.DeadlineExceeded, "timeout"},
	{context.Canceled, "canceled"},
	{ErrInvalidInput, "invalid_input"},
	{ErrValidation, "invalid_input"},
	{ErrQueueFull, "queue_full"},
	{ErrDatabase, "database"},
}

// Kind returns a short, value-free classification of err for audit records and logs.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "internal"
}

// ToStatus maps a domain error onto a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, ErrAccessDenied):
		return status.Error(codes.PermissionDenied, "access denied")
	case errors.Is(err, ErrNotFound):
		return NotFoundError(err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupportedFormat):
		return InvalidArgumentError(err.Error())
	case errors.Is(err, ErrPayloadTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrFieldsImmutable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrJobBusy):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrIntegrity):
		return status.Error(codes.DataLoss, "integrity check failed")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return InternalError("internal error")
	}
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func NotFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}

func InternalError(message string) error {
	return status.Error(codes.Internal, message)
}

func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}

func InternalErrorf(format string, args ...interface{}) error {
	return InternalError(fmt.Sprintf(format, args...))
}
