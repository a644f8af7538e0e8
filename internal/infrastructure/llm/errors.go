package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed model call so callers can decide whether a
// retry can help.
type ErrorKind int

const (
	// KindTimeout: the call exceeded its deadline.
	KindTimeout ErrorKind = iota
	// KindTransport: connection reset, DNS failure, non-2xx status.
	KindTransport
	// KindInvalidResponse: the provider answered but the payload is unusable.
	KindInvalidResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindInvalidResponse:
		return "invalid_response"
	}
	return "unknown"
}

// Error wraps a failed model call with its classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func IsTimeout(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTimeout
}

func IsTransport(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransport
}

func IsInvalidResponse(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindInvalidResponse
}

// IsRetryable reports whether another attempt could plausibly succeed.
// Malformed payloads are not retried; the model is unlikely to change its
// mind about a prompt it already mishandled.
func IsRetryable(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == KindTimeout || k == KindTransport)
}
