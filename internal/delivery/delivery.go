package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mailrun/mailrun/internal/task"
)

// Class partitions delivery failures into the engine's retry decisions
type Class string

const (
	// ClassTransient failures are retried with backoff: timeouts,
	// temporary provider rejections, rate-limit pushback
	ClassTransient Class = "transient"
	// ClassPermanent failures are dead-lettered immediately: invalid
	// address, hard bounce
	ClassPermanent Class = "permanent"
	// ClassAuth failures disable the sender account entirely
	ClassAuth Class = "auth"
)

// Error is a classified delivery failure. Transports return it so the
// worker can map outcomes onto retry, dead-letter or sender-disable
// without inspecting transport details.
type Error struct {
	Class  Class
	Reason string
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s delivery failure: %s", e.Class, e.Reason)
}

// Transient creates a retryable delivery error
func Transient(format string, args ...any) *Error {
	return &Error{Class: ClassTransient, Reason: fmt.Sprintf(format, args...)}
}

// Permanent creates a non-retryable delivery error
func Permanent(format string, args ...any) *Error {
	return &Error{Class: ClassPermanent, Reason: fmt.Sprintf(format, args...)}
}

// Auth creates a sender-level authentication failure
func Auth(format string, args ...any) *Error {
	return &Error{Class: ClassAuth, Reason: fmt.Sprintf(format, args...)}
}

// Transport delivers one message and reports one outcome. SMTP,
// browser-automation or any future channel sits behind this single
// capability; the engine holds no transport-specific branching.
type Transport interface {
	// Deliver attempts delivery of the task's message. A nil return is
	// success; failures are *Error values carrying the classification.
	Deliver(ctx context.Context, t *task.Task) error
	// Name identifies the transport for logging
	Name() string
}

// Classify maps any error from a transport onto a failure class.
// Typed *Error values carry their own class; context timeouts are
// transient per the concurrency model (a slow call is not a crash);
// everything else falls back to SMTP-ish string heuristics, defaulting
// to permanent so unknown failures are not retried forever.
func Classify(err error) Class {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "temporar", "try again", "busy", "throttl",
		"rate limit", "too many", "connection refused", "connection reset",
		"network", "dns", "421", "450", "451", "452", "454",
	} {
		if strings.Contains(msg, pattern) {
			return ClassTransient
		}
	}
	for _, pattern := range []string{
		"auth", "535", "530", "password", "credential",
	} {
		if strings.Contains(msg, pattern) {
			return ClassAuth
		}
	}
	return ClassPermanent
}

// Reason extracts the human-readable failure reason from a delivery error
func Reason(err error) string {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Reason
	}
	return err.Error()
}
