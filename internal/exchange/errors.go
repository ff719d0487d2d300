package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures for the core's handling policy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuth
	KindRateLimited
	KindInsufficient
	KindInvalidOrder
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindInsufficient:
		return "insufficient"
	case KindInvalidOrder:
		return "invalid_order"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error wraps an adapter failure with its kind and the operation that
// produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified adapter error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to KindUnknown.
func KindOf(err error) ErrorKind {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	return KindUnknown
}

// Transient reports whether the failure may succeed on a later attempt.
// Auth, insufficient-funds and invalid-order failures are final.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited:
		return true
	}
	return false
}
