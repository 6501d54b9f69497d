// Package apperrors classifies errors into the kinds the engine's control
// flow branches on: config errors abort startup, transient errors are
// retried, rejections and data errors are terminal for the current attempt,
// integrity errors halt the affected symbol, timeouts feed the watchdog.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is the classification used by callers to decide how to react to an
// error without string-matching messages.
type Kind string

const (
	KindConfig     Kind = "config"
	KindTransient  Kind = "transient"
	KindRejection  Kind = "rejection"
	KindData       Kind = "data"
	KindIntegrity  Kind = "integrity"
	KindTimeout    Kind = "timeout"
)

// Error wraps a cause with a Kind and the operation that produced it.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Wrapf builds a classified error from cause plus a formatted message
// describing what the caller was doing when cause occurred.
func Wrapf(kind Kind, op string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Cause: fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), cause)}
}

// KindOf extracts the Kind of err, defaulting to KindData when err does not
// carry one (an unclassified error is treated as non-retryable data error,
// the safest default for the risk pipeline and execution paths).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindData
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsTransient(err error) bool { return Is(err, KindTransient) }
func IsTimeout(err error) bool   { return Is(err, KindTimeout) }
func IsConfig(err error) bool    { return Is(err, KindConfig) }
func IsRejection(err error) bool { return Is(err, KindRejection) }
func IsIntegrity(err error) bool { return Is(err, KindIntegrity) }

// Sentinel broker-facing errors, classified by Kind above the call site
// that produces them (an adapter maps vendor errors onto these).
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)
