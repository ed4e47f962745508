// Package apperr defines the tagged error kinds shared across the
// orchestrator and the HTTP status mapping for them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind tags an Error with the category used to pick an HTTP status and a
// logging verbosity.
type Kind string

const (
	KindParse       Kind = "parse"        // external parser failure
	KindDb          Kind = "db"           // transaction or constraint violation
	KindHTTP        Kind = "http"         // transport, status, or body decode failure
	KindContainer   Kind = "container"    // unexpected status from the container engine
	KindRateLimited Kind = "rate_limited" // RateLimiter rejected the ticket
	KindBadRequest  Kind = "bad_request"
	KindNotFound    Kind = "not_found"
	KindGone        Kind = "gone"
	KindBusy        Kind = "busy" // reply channel closed / actor backpressure
	KindPanic       Kind = "panic"
)

// Attachment is one key/value pair of auxiliary context captured at a
// boundary the error crossed — the SQL text, a URL, a response body, a
// parameter list.
type Attachment struct {
	Key   string
	Value string
}

// Error is the concrete error type threaded through the orchestrator.
// It accumulates Attachments through With as it's passed further up the
// call stack. It does not record the source location it was created at.
type Error struct {
	Kind        Kind
	Message     string
	Attachments []Attachment
	cause       error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// With returns a copy of e with one more auxiliary attachment. Chainable:
//
//	apperr.Wrap(apperr.KindDb, err, "save_build failed").
//		With("sql", sqlText).
//		With("params", fmt.Sprintf("%+v", params))
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Attachments = append(append([]Attachment{}, e.Attachments...), Attachment{
		Key:   key,
		Value: fmt.Sprintf("%v", value),
	})
	return &cp
}

// As reports whether err (or something it wraps) is an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and KindHTTP otherwise — the conservative default that maps to
// a generic 500.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindHTTP
}
