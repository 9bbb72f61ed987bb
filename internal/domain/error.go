package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeAlreadyExists    ErrorCode = "ALREADY_EXISTS"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrAddressInUse     = errors.New("group socket address in use")
	ErrDraining         = errors.New("group is shutting down")
	ErrDuplicateRequest = errors.New("request already hosted")
	ErrPluginInit       = errors.New("plugin initialization failed")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrExecutorStopped  = errors.New("executor stopped")
)

// Error is an error with a stable code. Op names the failing operation.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

// Wrap attaches op to err. An *Error inside err keeps its own code.
func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		wrapped := *existing
		wrapped.Op = op
		return &wrapped
	}
	return E(code, op, "", err)
}

// CodeFrom extracts the code of err, mapping the sentinel errors when err is
// not an *Error.
func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrFrameTooLarge):
		return CodeInvalidArgument, true
	case errors.Is(err, ErrAddressInUse), errors.Is(err, ErrDuplicateRequest):
		return CodeAlreadyExists, true
	case errors.Is(err, ErrDraining), errors.Is(err, ErrExecutorStopped):
		return CodeUnavailable, true
	case errors.Is(err, ErrPluginInit):
		return CodeFailedPrecond, true
	default:
		return "", false
	}
}
