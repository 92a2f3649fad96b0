package scheduler

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/sony/gobreaker"
)

// Sentinel errors returned by scheduler operations.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("conflicting task update")
	ErrValidation        = errors.New("invalid task")
	ErrCycle             = errors.New("dependency cycle")
	ErrMissingDependency = errors.New("missing dependency")
	ErrNotRetryable      = errors.New("task is not retryable")
	ErrAlreadyTerminal   = errors.New("task already terminal")
	ErrAttemptSuperseded = errors.New("attempt superseded")
)

// ErrorType classifies execution failures. The set is closed.
type ErrorType string

const (
	ErrorNone             ErrorType = ""
	ErrorTimeout          ErrorType = "timeout"
	ErrorDependencyFailed ErrorType = "dependency_failed"
	ErrorAgent            ErrorType = "agent_error"
	ErrorTool             ErrorType = "tool_error"
	ErrorValidation       ErrorType = "validation_error"
	ErrorExternalService  ErrorType = "external_service"
	ErrorCancelled        ErrorType = "cancelled"
	ErrorUnknown          ErrorType = "unknown"
)

// ErrorTypes lists every classified error type.
var ErrorTypes = []ErrorType{
	ErrorTimeout,
	ErrorDependencyFailed,
	ErrorAgent,
	ErrorTool,
	ErrorValidation,
	ErrorExternalService,
	ErrorCancelled,
	ErrorUnknown,
}

// ParseErrorType maps a string to an ErrorType, falling back to unknown.
func ParseErrorType(s string) ErrorType {
	for _, et := range ErrorTypes {
		if string(et) == s {
			return et
		}
	}
	return ErrorUnknown
}

// TypedError carries an explicit classification from an executor.
type TypedError struct {
	Type ErrorType
	Err  error
}

func (e *TypedError) Error() string { return e.Err.Error() }
func (e *TypedError) Unwrap() error { return e.Err }

// WithType wraps err so Classify reports errType for it.
func WithType(err error, errType ErrorType) error {
	if err == nil {
		return nil
	}
	return &TypedError{Type: errType, Err: err}
}

// Classify maps an execution error onto the closed taxonomy.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorNone
	}

	var typed *TypedError
	if errors.As(err, &typed) {
		return ParseErrorType(string(typed.Type))
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrorExternalService
	case errors.Is(err, ErrValidation):
		return ErrorValidation
	}
	return ErrorUnknown
}

// truncatedSuffix marks error strings cut by TruncateError.
const truncatedSuffix = "…(truncated)"

// TruncateError shortens msg to at most max bytes without splitting a rune.
func TruncateError(msg string, max int) string {
	if max <= 0 || len(msg) <= max {
		return msg
	}
	cut := max - len(truncatedSuffix)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + truncatedSuffix
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}
