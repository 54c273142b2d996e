package notify

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies failures from content sources and the chat channel so callers
// can pick a policy without inspecting error messages.
type Kind int

const (
	// KindTransient covers network errors, timeouts and unexpected statuses.
	KindTransient Kind = iota
	// KindNotFound means the addressed message or subject no longer exists.
	KindNotFound
	// KindRateLimited means the remote asked us to slow down; RetryAfter may carry its hint.
	KindRateLimited
	// KindServiceUnavailable is a 503 from the remote.
	KindServiceUnavailable
	// KindQuotaExhausted means every configured API key has run out of quota.
	KindQuotaExhausted
	// KindAuthFailure means credentials were rejected.
	KindAuthFailure
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindAuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the remote operation ("discord.edit", "helix.streams").
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimited builds a KindRateLimited error carrying the server's retry hint.
func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindTransient
// for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err is classified as k. A nil error is never any kind.
func IsKind(err error, k Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == k
}

// RetryAfterOf returns the retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
