package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies supervision errors so callers can branch on category
// instead of parsing messages.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindPortConflict Kind = "port_conflict"
	KindRestartLimit Kind = "restart_limit"
	KindTransientIO  Kind = "transient_io"
	KindNotFound     Kind = "not_found"
	KindSpawn        Kind = "spawn"
	KindInternal     Kind = "internal"
)

// Error is the structured error returned by launcher, limiter and probe
// operations.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && (other.Op == "" || other.Op == e.Op)
	}
	return false
}

// With attaches a context value and returns the receiver.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message, nil)
}

func PortConflict(op string, port int) *Error {
	return New(KindPortConflict, op, fmt.Sprintf("port %d already in use", port), nil).With("port", port)
}

// CooldownActive reports a restart refused because the previous attempt was
// too recent.
func CooldownActive(op string, remaining time.Duration) *Error {
	secs := int(remaining.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return New(KindRestartLimit, op, fmt.Sprintf("restart too frequent, wait %d seconds", secs), nil).
		With("remaining", remaining)
}

// WindowExhausted reports a restart refused because the window budget is used up.
func WindowExhausted(op string, window time.Duration, limit int) *Error {
	return New(KindRestartLimit, op, fmt.Sprintf("%ds restart limit reached (%d)", int(window.Seconds()), limit), nil).
		With("window", window).
		With("limit", limit)
}

func TransientIO(op, message string, cause error) *Error {
	return New(KindTransientIO, op, message, cause)
}

func NotFound(op, message string) *Error {
	return New(KindNotFound, op, message, nil)
}

func Spawn(op string, cause error) *Error {
	return New(KindSpawn, op, "spawn failed", cause)
}

func Internal(op, message string, cause error) *Error {
	return New(KindInternal, op, message, cause)
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

func IsValidation(err error) bool   { return IsKind(err, KindValidation) }
func IsPortConflict(err error) bool { return IsKind(err, KindPortConflict) }
func IsRestartLimit(err error) bool { return IsKind(err, KindRestartLimit) }
func IsTransientIO(err error) bool  { return IsKind(err, KindTransientIO) }
func IsNotFound(err error) bool     { return IsKind(err, KindNotFound) }
