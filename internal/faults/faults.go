// Package faults defines the error taxonomy shared across the swarm core.
// Components classify failures with a Kind; transports and the HTTP surface
// map kinds to wire semantics without inspecting error strings.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the abstract failure category carried by a Fault.
type Kind string

const (
	InvalidInput            Kind = "INVALID_INPUT"
	Unauthorized            Kind = "UNAUTHORIZED"
	NotFound                Kind = "NOT_FOUND"
	Conflict                Kind = "CONFLICT"
	RateLimited             Kind = "RATE_LIMITED"
	PolicyViolation         Kind = "POLICY_VIOLATION"
	KillSwitchActive        Kind = "KILL_SWITCH_ACTIVE"
	MarketClosed            Kind = "MARKET_CLOSED"
	InsufficientBuyingPower Kind = "INSUFFICIENT_BUYING_POWER"
	NotSupported            Kind = "NOT_SUPPORTED"
	ProviderError           Kind = "PROVIDER_ERROR"
	Internal                Kind = "INTERNAL_ERROR"
)

// Fault is an error with a Kind. It wraps an optional cause.
type Fault struct {
	Kind      Kind
	Message   string
	Transient bool
	cause     error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// New creates a Fault with no cause.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(err error, kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// Provider builds a PROVIDER_ERROR; transient marks it retryable.
func Provider(err error, transient bool, format string, args ...interface{}) *Fault {
	return &Fault{Kind: ProviderError, Message: fmt.Sprintf(format, args...), Transient: transient, cause: err}
}

// KindOf walks the error chain and returns the first Kind found,
// defaulting to INTERNAL_ERROR. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether a provider call may be retried:
// RATE_LIMITED always, PROVIDER_ERROR only when marked transient.
func IsRetryable(err error) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	switch f.Kind {
	case RateLimited:
		return true
	case ProviderError:
		return f.Transient
	default:
		return false
	}
}
