package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// RedisTimeoutMessage describes a Redis call that ran out of time.
	RedisTimeoutMessage = "redis operation timed out"
	// UpstreamErrorMessage describes a failed call to the research backend.
	UpstreamErrorMessage = "research backend request failed"
)

// Sentinel errors for the failure kinds surfaced by the session, chat and
// guided packages. Match them with errors.Is.
var (
	ErrStaleRun             = errors.New("run superseded by a newer submission")
	ErrProtocolViolation    = errors.New("result stream protocol violation")
	ErrStreamAborted        = errors.New("result stream reported an error")
	ErrRunFailed            = errors.New("run failed")
	ErrMalformedResult      = errors.New("malformed result payload")
	ErrTurnInFlight         = errors.New("a chat turn is already in flight")
	ErrAwaitingConfirmation = errors.New("escalation is awaiting confirmation")
	ErrNoPendingEscalation  = errors.New("no escalation is pending")
	ErrNoActiveRun          = errors.New("no committed run to chat about")
	ErrSelectionCount       = errors.New("guided flow requires exactly one selected item")
	ErrLookupTimeout        = errors.New("fee lookup timed out")
	ErrNonPositivePrice     = errors.New("price must be greater than zero")
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// WrapStatus maps a non-success response from the research backend to an
// AppError. Upstream 5xx responses collapse to 502; client errors keep their
// status so callers can tell a bad request from an outage.
func WrapStatus(status int, body string) error {
	err := fmt.Errorf("%w: status %d", ErrRunFailed, status)
	if body != "" {
		err = fmt.Errorf("%w: status %d: %s", ErrRunFailed, status, body)
	}
	if status >= http.StatusInternalServerError {
		return New(err, http.StatusBadGateway, UpstreamErrorMessage)
	}
	return New(err, status, UpstreamErrorMessage)
}

// StatusOf returns the HTTP status carried by err, or 500 when err is not an AppError.
func StatusOf(err error) int {
	var app *AppError
	if errors.As(err, &app) {
		return app.Status
	}
	return http.StatusInternalServerError
}
