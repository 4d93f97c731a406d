// Package rlmerr defines the typed error taxonomy returned by tool
// operations. Every client-visible failure carries a stable Kind so the
// transport can serialize a machine-readable code next to the message.
package rlmerr

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error code.
type Kind string

const (
	SessionNotFound       Kind = "session_not_found"
	DocumentNotFound      Kind = "document_not_found"
	SpanNotFound          Kind = "span_not_found"
	ArtifactNotFound      Kind = "artifact_not_found"
	CrossSessionReference Kind = "cross_session_reference"
	BudgetExceeded        Kind = "budget_exceeded"
	InvalidStrategy       Kind = "invalid_strategy"
	UnknownSource         Kind = "unknown_source"
	OversizeSource        Kind = "oversize_source"
	ContentMissing        Kind = "content_missing"
	AlreadyClosed         Kind = "already_closed"
	SecretsBlocked        Kind = "secrets_blocked"
	IndexCorrupted        Kind = "index_corrupted"
	PersistenceFailed     Kind = "persistence_failed"
	InvalidArgument       Kind = "invalid_argument"
)

// Error is a typed tool error. It wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New returns a typed error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a typed error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
