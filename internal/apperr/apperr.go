// Package apperr defines the error taxonomy shared by the vault, the
// media server clients, the tool catalog and the agent loop.
//
// Every failure that crosses a package boundary carries a [Kind]. Callers
// branch on the kind (retry, surface to the planner, force re-login)
// rather than on message text. Sentinels such as [ErrAuth] match any
// error of the same kind with [errors.Is]:
//
//	if errors.Is(err, apperr.ErrAuth) { ... }
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

// Error kinds. The string values are stable and appear in tool results
// handed to the planner, so they double as a wire format.
const (
	KindAuth                Kind = "auth_error"
	KindValidation          Kind = "validation_error"
	KindInvalidArguments    Kind = "invalid_arguments"
	KindInvalidRequest      Kind = "invalid_request"
	KindNotFound            Kind = "not_found"
	KindAlreadyExists       Kind = "already_exists"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstream            Kind = "upstream_error"
	KindDuplicateTool       Kind = "duplicate_tool"
	KindLoopLimitExceeded   Kind = "loop_limit_exceeded"
	KindSessionBusy         Kind = "session_busy"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal_error"
)

// Sentinels for use with errors.Is. They match any *Error of the same kind.
var (
	ErrAuth                = &Error{Kind: KindAuth}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInvalidArguments    = &Error{Kind: KindInvalidArguments}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAlreadyExists       = &Error{Kind: KindAlreadyExists}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrUpstream            = &Error{Kind: KindUpstream}
	ErrDuplicateTool       = &Error{Kind: KindDuplicateTool}
	ErrLoopLimitExceeded   = &Error{Kind: KindLoopLimitExceeded}
	ErrSessionBusy         = &Error{Kind: KindSessionBusy}
	ErrCancelled           = &Error{Kind: KindCancelled}
)

// Error is a classified error. Op names the operation that failed
// ("vault.unlock", "radarr.search"); Detail is a human-readable
// explanation safe to show to the operator and the planner.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. This lets the
// package-level sentinels match regardless of Op, Detail or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind with a formatted detail.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of err. Context cancellation maps to
// [KindCancelled] and deadline expiry to [KindUpstreamUnavailable];
// anything unclassified is [KindInternal]. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamUnavailable
	}
	return KindInternal
}

// DetailOf returns the operator-facing description of err: the Detail of
// the outermost *Error when present, otherwise err.Error().
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	return err.Error()
}

// Retryable reports whether an error of this kind may succeed if the
// same request is repeated.
func (k Kind) Retryable() bool {
	return k == KindUpstreamUnavailable || k == KindUpstream
}

// Retryable reports whether err is worth repeating.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}
