package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can pick a status code and retry policy.
type Kind string

const (
	KindNodeNotFound          Kind = "node_not_found"
	KindResourceExhausted     Kind = "resource_exhausted"
	KindOverlayCreationFailed Kind = "overlay_creation_failed"
	KindProcessStartFailed    Kind = "process_start_failed"
	KindNetworkSetupFailed    Kind = "network_setup_failed"
	KindGatewaySyncFailed     Kind = "gateway_sync_failed"
	KindInvalidState          Kind = "invalid_state"
	KindConflict              Kind = "conflict"
	KindTimeout               Kind = "timeout"
	KindInvalidInput          Kind = "invalid_input"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrNodeNotFound          = &Error{Kind: KindNodeNotFound}
	ErrResourceExhausted     = &Error{Kind: KindResourceExhausted}
	ErrOverlayCreationFailed = &Error{Kind: KindOverlayCreationFailed}
	ErrProcessStartFailed    = &Error{Kind: KindProcessStartFailed}
	ErrNetworkSetupFailed    = &Error{Kind: KindNetworkSetupFailed}
	ErrGatewaySyncFailed     = &Error{Kind: KindGatewaySyncFailed}
	ErrInvalidState          = &Error{Kind: KindInvalidState}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
)

// Error is the typed error returned across component boundaries.
type Error struct {
	Kind   Kind
	Op     string // e.g. "overlay.create", "supervisor.start"
	Detail string
	Err    error
}

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

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind only, so wrapped errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether re-invoking the same operation may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindGatewaySyncFailed, KindResourceExhausted:
		return true
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap builds an *Error around cause. A context deadline is always reported as KindTimeout,
// regardless of the kind requested by the caller.
func Wrap(kind Kind, op string, cause error, format string, args ...any) *Error {
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err carries a retryable Kind.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
