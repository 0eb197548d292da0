package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error for the HTTP boundary.
type Kind string

const (
	KindValidation Kind = "VALIDATION_ERROR"
	KindNotFound   Kind = "NOT_FOUND"
	KindUpstream   Kind = "UPSTREAM_ERROR"
	KindInternal   Kind = "INTERNAL_ERROR"
)

// AppError carries a Kind, a caller-facing message and an optional cause.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface. When a cause is present its text is
// appended so callers see the raw underlying description.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another *AppError by kind, so errors.Is(err, ErrNotFound) works
// for any not-found error regardless of message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation = &AppError{Kind: KindValidation}
	ErrNotFound   = &AppError{Kind: KindNotFound}
	ErrUpstream   = &AppError{Kind: KindUpstream}
	ErrInternal   = &AppError{Kind: KindInternal}
)

// Validation creates an error for missing or malformed input.
func Validation(message string) *AppError {
	return &AppError{Kind: KindValidation, Message: message}
}

// NotFound creates an error for a referenced entity that does not exist.
func NotFound(message string) *AppError {
	return &AppError{Kind: KindNotFound, Message: message}
}

// Upstream wraps a failure of the document store or the completion provider.
// An err that is already an *AppError is returned unchanged.
func Upstream(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	return &AppError{Kind: KindUpstream, Err: err}
}

// Internal wraps an unclassified failure. An err that is already an
// *AppError is returned unchanged.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	return &AppError{Kind: KindInternal, Err: err}
}

// KindOf returns the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// StatusCode maps err to an HTTP status: 400 for validation, 404 for not
// found, 500 for everything else.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
