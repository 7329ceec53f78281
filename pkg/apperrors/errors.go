// Package apperrors defines the error taxonomy used across the trading
// core (spec.md §7): kinds, not type names, so callers branch on
// behavior instead of matching strings.
package apperrors

import (
	"errors"
	"fmt"

	"spotguard/internal/core"
)

// Sentinel errors for conditions that carry no extra payload.
var (
	ErrLockContention  = errors.New("lock contention: another process holds the state store lock")
	ErrOversell        = errors.New("oversell: reduction requires more quantity than open lots provide")
	ErrNonMonotonicLedger = errors.New("capital policy: ledger event count went backwards")
	ErrUnconfiguredTransport = errors.New("no exchange transport configured")
)

// ConfigurationError wraps one or more invalid-configuration findings.
// Fatal: surfaced at startup, the process does not continue.
type ConfigurationError struct {
	Violations []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("configuration error: %s", e.Violations[0])
	}
	return fmt.Sprintf("configuration error: %d violations (first: %s)", len(e.Violations), e.Violations[0])
}

// ValidationError is a per-intent rejection (quantization / min-notional
// violation). The cycle continues past it.
type ValidationError struct {
	Symbol string
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (%s)", e.Symbol, e.Code, e.Detail)
}

// TransportError classifies an ExchangeTransport failure so retry and
// reconciliation logic can branch on Kind without string matching.
type TransportError struct {
	Kind core.TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport[%s]: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExchangeError is an exchange-reported rejection of a request.
type ExchangeError struct {
	Code   string
	Detail string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange rejected: %s: %s", e.Code, e.Detail)
}

// IdempotencyConflict is raised when a key is reused with a different
// payload hash. Fatal for the intent in question; an audit event is
// expected to be raised alongside it.
type IdempotencyConflict struct {
	Key              string
	ExistingHash     string
	AttemptedHash    string
}

func (e *IdempotencyConflict) Error() string {
	return fmt.Sprintf("idempotency conflict on key %s: existing=%s attempted=%s", e.Key, e.ExistingHash, e.AttemptedHash)
}

// ReconcileUnknown is the terminal inconclusive outcome of a
// reconciliation probe (order resolved to neither a known terminal state
// nor a confirmed OPEN before the reconcile ceiling).
type ReconcileUnknown struct {
	ClientOrderID string
	Attempts      int
}

func (e *ReconcileUnknown) Error() string {
	return fmt.Sprintf("reconcile unknown for %s after %d attempts", e.ClientOrderID, e.Attempts)
}

// IntegrityError aborts the current cycle/ingest transaction without
// corrupting durable state. Oversell, non-monotonic capital checkpoints,
// and illegal order transitions are all integrity errors.
type IntegrityError struct {
	Kind   string
	Detail string
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error [%s]: %s", e.Kind, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// NewIntegrityError constructs an IntegrityError with no underlying
// sentinel to unwrap to.
func NewIntegrityError(kind, detail string) error {
	return &IntegrityError{Kind: kind, Detail: detail}
}

// WrapIntegrityError constructs an IntegrityError that preserves err in
// its Unwrap chain, so callers can errors.Is against the sentinel that
// caused it (e.g. ErrOversell, ErrNonMonotonicLedger).
func WrapIntegrityError(kind string, err error) error {
	return &IntegrityError{Kind: kind, Detail: err.Error(), Err: err}
}
