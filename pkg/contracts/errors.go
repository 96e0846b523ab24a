package contracts

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories the core surfaces.
type Kind string

const (
	KindValidation   Kind = "validation_error"
	KindPolicyDenied Kind = "policy_denied"
	// KindRequiresReview carries the parliament session id the caller must await.
	KindRequiresReview   Kind = "requires_review"
	KindUnauthorized     Kind = "unauthorized"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindBackpressureFull Kind = "backpressure_full"
	KindLogUnavailable   Kind = "log_unavailable"
	KindChainBroken      Kind = "chain_broken"
	KindAdapter          Kind = "adapter_error"
	KindTimeout          Kind = "timeout"
	KindShutdown         Kind = "shutdown"
)

// Error is the tagged error type used on hot paths instead of ad-hoc
// sentinel errors. Kind is stable; Msg is for humans.
type Error struct {
	Kind Kind
	Msg  string

	// Seq is set for KindChainBroken: first sequence that failed verification.
	Seq uint64
	// SessionID is set for KindRequiresReview.
	SessionID string
	// Retryable is meaningful for KindAdapter only.
	Retryable bool

	wrapped error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches on Kind so callers can use errors.Is(err, &Error{Kind: ...}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err, or "" when err is not a tagged error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error with a kind.
func WrapError(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, wrapped: err}
}

// ErrValidation reports a malformed request.
func ErrValidation(format string, args ...any) *Error {
	return NewError(KindValidation, format, args...)
}

func ErrNotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("%s %q not found", what, id)}
}

func ErrConflict(format string, args ...any) *Error {
	return NewError(KindConflict, format, args...)
}

func ErrUnauthorized(format string, args ...any) *Error {
	return NewError(KindUnauthorized, format, args...)
}

// ErrChainBroken reports the first sequence at which ledger verification failed.
func ErrChainBroken(seq uint64, reason string) *Error {
	return &Error{Kind: KindChainBroken, Seq: seq, Msg: fmt.Sprintf("chain broken at seq %d: %s", seq, reason)}
}

// ErrRequiresReview reports that governance deferred to parliament.
func ErrRequiresReview(sessionID, reason string) *Error {
	return &Error{Kind: KindRequiresReview, SessionID: sessionID, Msg: reason}
}

// ErrAdapter reports an external adapter failure.
func ErrAdapter(retryable bool, err error) *Error {
	return &Error{Kind: KindAdapter, Retryable: retryable, Msg: "adapter call failed", wrapped: err}
}
