// Package errs holds the domain error taxonomy shared by the websocket acks and HTTP handlers.
package errs

import (
	"context"
	"errors"
	"math"
	"time"
)

// Wire codes surfaced in the ack "error" field.
const (
	CodeNotLive     = "NotLive"
	CodeBlocked     = "Blocked"
	CodeForbidden   = "Forbidden"
	CodeSlowMode    = "SlowMode"
	CodeRateLimited = "RateLimited"
	CodeNotFound    = "NotFound"
	CodeTimeout     = "Timeout"
	CodeInvalid     = "Invalid"
	CodeInternal    = "Internal"
)

var (
	ErrNotLive     = errors.New("session is not live or chat is disabled")
	ErrBlocked     = errors.New("user is blocked from this session")
	ErrForbidden   = errors.New("not permitted")
	ErrSlowMode    = errors.New("slow mode active")
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
	ErrTimeout     = errors.New("persistence timeout")
	ErrInvalid     = errors.New("invalid request")
)

// ThrottleError wraps ErrSlowMode or ErrRateLimited with the wait before a retry can succeed.
type ThrottleError struct {
	Kind  error
	Retry time.Duration
}

func (e *ThrottleError) Error() string {
	return e.Kind.Error() + ": retry in " + e.Retry.Round(time.Millisecond).String()
}

func (e *ThrottleError) Unwrap() error { return e.Kind }

// Throttled builds a ThrottleError of the given kind.
func Throttled(kind error, retry time.Duration) error {
	if retry < 0 {
		retry = 0
	}
	return &ThrottleError{Kind: kind, Retry: retry}
}

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotLive):
		return CodeNotLive
	case errors.Is(err, ErrBlocked):
		return CodeBlocked
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrSlowMode):
		return CodeSlowMode
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	default:
		return CodeInternal
	}
}

// RetryAfterSeconds returns the whole seconds (rounded up) a throttled caller should wait,
// or 0 when err is not a throttling error.
func RetryAfterSeconds(err error) int {
	var te *ThrottleError
	if !errors.As(err, &te) {
		return 0
	}
	return int(math.Ceil(te.Retry.Seconds()))
}

// Persist normalizes a persistence error: deadline expiry becomes ErrTimeout.
func Persist(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
