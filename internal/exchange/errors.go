package exchange

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned while the venue circuit breaker is open;
// callers fail fast instead of hitting the venue.
var ErrCircuitOpen = errors.New("exchange: circuit open")

// ErrorKind classifies venue failures for the retry policy.
type ErrorKind int

const (
	// KindTransient covers network errors, timeouts, rate limits and
	// 5xx responses. Retried with backoff.
	KindTransient ErrorKind = iota
	// KindPermanent covers auth failures, unknown symbols, malformed
	// requests and insufficient funds. Never retried.
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error wraps a venue failure with its retry classification.
type Error struct {
	Kind   ErrorKind
	Op     string
	Symbol string
	Err    error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("exchange %s %s: %s: %v", e.Op, e.Symbol, e.Kind, e.Err)
	}
	return fmt.Sprintf("exchange %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable venue failure.
func Transient(op, symbol string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Symbol: symbol, Err: err}
}

// Permanent wraps err as a non-retryable venue failure.
func Permanent(op, symbol string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Symbol: symbol, Err: err}
}

// IsTransient reports whether err is a retryable venue failure.
func IsTransient(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Kind == KindTransient
}

// IsPermanent reports whether err is a non-retryable venue failure.
func IsPermanent(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Kind == KindPermanent
}
