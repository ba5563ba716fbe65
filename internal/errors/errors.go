// Package errors defines the failure taxonomy used by the file gateway. Every
// failure that reaches the HTTP boundary is classified into one of these kinds
// and mapped to a status code by the response formatter.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable classification of a failure.
type Kind string

const (
	// KindCaller marks a malformed request. Not retryable.
	KindCaller Kind = "caller_error"
	// KindNotFound marks a referenced bucket or object that does not exist.
	KindNotFound Kind = "not_found"
	// KindBackend marks a storage or logging backend failure other than "not found".
	KindBackend Kind = "backend_error"
	// KindUnknown marks any other uncaught failure.
	KindUnknown Kind = "unknown_error"
)

// Error is a classified gateway failure with the HTTP status it maps to.
type Error struct {
	// Kind is the taxonomy bucket of the failure.
	Kind Kind
	// Message is the client-facing description. It never carries backend detail.
	Message string
	// HTTPStatus is the status code returned to the client.
	HTTPStatus int
	// Err is the underlying cause, kept for server-side logging only.
	Err error
}

// Error implements the error interface. The cause is included so that logs
// carry the full diagnostic chain.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.HTTPStatus, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.HTTPStatus, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns a copy of the Error carrying the given cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// Pre-defined failures.
var (
	// ErrFileNotProvided is returned when the multipart "file" part is missing.
	ErrFileNotProvided = &Error{
		Kind:       KindCaller,
		Message:    "File is not provided.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrFilenameNotProvided is returned when the file part carries no filename.
	ErrFilenameNotProvided = &Error{
		Kind:       KindCaller,
		Message:    "File name is not provided.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrFileTooLarge is returned when the request body exceeds the upload limit.
	ErrFileTooLarge = &Error{
		Kind:       KindCaller,
		Message:    "File exceeds the maximum upload size.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	// ErrFileNotFound is returned when the object or its bucket does not exist.
	ErrFileNotFound = &Error{
		Kind:       KindNotFound,
		Message:    "File does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrBackend is returned when the storage backend fails. The message is
	// deliberately generic; the cause is only logged.
	ErrBackend = &Error{
		Kind:       KindBackend,
		Message:    "The storage backend could not complete the request.",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// Backend wraps a backend failure.
func Backend(cause error) *Error {
	return ErrBackend.Wrap(cause)
}

// Unknown wraps an unclassified failure. Its message is the cause's string
// description.
func Unknown(cause error) *Error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindUnknown, Message: msg, HTTPStatus: http.StatusInternalServerError, Err: cause}
}

// Classify returns the *Error in err's chain, or an UnknownError wrapping err.
// It returns nil for a nil error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Unknown(err)
}

// Is reports whether err is classified with the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == kind
}
