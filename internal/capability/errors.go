package capability

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why an invocation produced an error envelope.
type ErrorKind string

const (
	// KindValidation: malformed or missing argument detected before dispatch.
	KindValidation ErrorKind = "validation"
	// KindTransport: network failure, timeout or unreadable response.
	KindTransport ErrorKind = "transport"
	// KindDomain: the capability ran and reported failure.
	KindDomain ErrorKind = "domain"
	// KindCancelled: the turn was aborted.
	KindCancelled ErrorKind = "cancelled"
)

// Retryable reports whether an outer layer may retry a failure of this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindTransport || k == KindCancelled
}

func (k ErrorKind) Valid() bool {
	switch k {
	case KindValidation, KindTransport, KindDomain, KindCancelled:
		return true
	}
	return false
}

// Error is a classified invocation failure. Handlers may return it to pick
// the kind of the resulting envelope; any other error is treated as domain.
type Error struct {
	Kind       ErrorKind
	Capability string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Capability != "" {
		return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Capability, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Context errors map to cancelled/transport, *Error keeps
// its kind, everything else is domain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Kind.Valid() {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	return KindDomain
}

func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// FromError converts err into an error envelope.
func FromError(err error) Response {
	if err == nil {
		return Failure(KindDomain, "unknown error")
	}
	kind := KindOf(err)
	msg := err.Error()
	var ce *Error
	if errors.As(err, &ce) && ce.Message != "" {
		msg = ce.Message
	}
	switch kind {
	case KindCancelled:
		if !errors.As(err, &ce) {
			msg = "request cancelled"
		}
	case KindTransport:
		if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &ce) {
			msg = "request timed out"
		}
	}
	return Failure(kind, msg)
}
