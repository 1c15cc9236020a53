package link

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
)

// Kind classifies backend failures.
type Kind int

const (
	// Transient failures are retried: transport errors, timeouts, 5xx.
	Transient Kind = iota
	// Auth failures are 401 and 403.
	Auth
	// Permanent failures are any other 4xx; the operation is not retried.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Auth:
		return "auth"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrShutdown is returned for calls made after Shutdown.
var ErrShutdown = errors.New("link shut down")

// Error is a classified backend failure.
type Error struct {
	Op     string // "POST /functions/v1/telemetry"
	Kind   Kind
	Status int // HTTP status, 0 for transport errors
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%d %s)", e.Op, e.Kind, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns a short machine-readable error code.
func (e *Error) Code() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("http_%d", e.Status)
	case errors.Is(e.Err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(e.Err, ErrShutdown):
		return "shutdown"
	default:
		return "transport"
	}
}

// classify maps an HTTP status code to a failure kind. It must only be called
// for non-2xx codes.
func classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth
	case status >= 400 && status < 500:
		return Permanent
	default:
		return Transient
	}
}

// KindOf returns the kind of a classified error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err may succeed on retry. Unclassified errors count as transient.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return err != nil && (!ok || k == Transient)
}

// IsAuth reports whether err is a 401/403.
func IsAuth(err error) bool {
	k, ok := KindOf(err)
	return ok && k == Auth
}

// IsPermanent reports whether err is a non-auth 4xx.
func IsPermanent(err error) bool {
	k, ok := KindOf(err)
	return ok && k == Permanent
}

// IsBreakerOpen reports whether err was returned without contacting the
// backend because the breaker is open.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// Code returns the short error code of err, or "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return "internal"
}
