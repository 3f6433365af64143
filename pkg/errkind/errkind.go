// Package errkind defines the closed error taxonomy used at component
// boundaries. Every error that crosses from the executor or a workflow to the
// tool surface carries a Kind; the tool surface maps kinds onto RPC error
// payloads instead of letting raw errors escape.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry, breaker, and surfacing decisions.
type Kind string

const (
	// Validation marks invalid input shape or contents. Never retried,
	// never affects the breaker.
	Validation Kind = "validation"
	// Permission marks an operation disallowed at the current autonomy
	// level. Never retried.
	Permission Kind = "permission"
	// Sanitization marks a blocked prompt (injection or dangerous content).
	// Never retried.
	Sanitization Kind = "sanitization"
	// Transient marks a network/timeout/spawn glitch. Retried with backoff
	// and counted against the breaker.
	Transient Kind = "transient"
	// Quota marks provider exhaustion or rate limiting. Triggers a one-shot
	// fallback and counts against the breaker.
	Quota Kind = "quota"
	// Permanent marks a non-retryable provider fault (bad request, unknown
	// model). Counts against the breaker.
	Permanent Kind = "permanent"
	// Cancelled marks caller cancellation. Not logged as a failure.
	Cancelled Kind = "cancelled"
	// Unavailable marks a backend whose circuit is open.
	Unavailable Kind = "unavailable"
)

// Error is a classified error. It wraps an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report Permanent: an unknown fault from a provider binary must not
// be retried blindly.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Permanent
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an error of this kind participates in the
// transient retry schedule.
func (k Kind) Retryable() bool { return k == Transient }

// AffectsBreaker reports whether failures of this kind count toward opening
// the backend's circuit. Caller-side faults never do.
func (k Kind) AffectsBreaker() bool {
	switch k {
	case Transient, Quota, Permanent:
		return true
	default:
		return false
	}
}

// Severity orders kinds for "most severe leg failure" reporting at workflow
// joins. Higher is more severe.
func (k Kind) Severity() int {
	switch k {
	case Cancelled:
		return 0
	case Validation:
		return 1
	case Sanitization:
		return 2
	case Permission:
		return 3
	case Transient:
		return 4
	case Unavailable:
		return 5
	case Quota:
		return 6
	case Permanent:
		return 7
	default:
		return 7
	}
}

// MostSevere returns the error whose kind ranks highest; nil if both are nil.
func MostSevere(a, b error) error {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case KindOf(b).Severity() > KindOf(a).Severity():
		return b
	default:
		return a
	}
}
