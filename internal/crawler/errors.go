package crawler

import (
	"context"
	"errors"
	"net"
)

// ErrorKind is the closed set of failure categories the scheduler routes on.
type ErrorKind int

// Failure categories.
const (
	KindNone ErrorKind = iota
	KindTransient
	KindTimeout
	KindProxyExhausted
	KindProxyUntrusted
	KindIllegalState
	KindCanceled
	KindUnclassified
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindProxyExhausted:
		return "proxy_exhausted"
	case KindProxyUntrusted:
		return "proxy_untrusted"
	case KindIllegalState:
		return "illegal_state"
	case KindCanceled:
		return "canceled"
	default:
		return "unclassified"
	}
}

// Fatal reports whether the kind stops the dispatch loop.
func (k ErrorKind) Fatal() bool {
	return k == KindProxyUntrusted || k == KindIllegalState || k == KindCanceled
}

var (
	// ErrProxyBalanceExhausted is returned when the proxy account has no balance left.
	ErrProxyBalanceExhausted = errors.New("proxy balance exhausted")
	// ErrProxyVendorUntrusted is returned when the proxy vendor can no longer be trusted.
	ErrProxyVendorUntrusted = errors.New("proxy vendor untrusted")
	// ErrIllegalState is returned when a component is used after shutdown.
	ErrIllegalState = errors.New("illegal application state")
)

// FetchError tags an error with the category the scheduler should apply.
type FetchError struct {
	Kind ErrorKind
	Err  error
}

// NewFetchError wraps err with kind. A nil err yields nil.
func NewFetchError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Kind: kind, Err: err}
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Explicit FetchError tags win over sentinel and
// context checks; anything unrecognised is KindUnclassified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrProxyBalanceExhausted):
		return KindProxyExhausted
	case errors.Is(err, ErrProxyVendorUntrusted):
		return KindProxyUntrusted
	case errors.Is(err, ErrIllegalState):
		return KindIllegalState
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}
	return KindUnclassified
}
