// Package pricing implements the evaluate() predicate that decides, for a
// single order, whether the broker should Lock it, defer to
// ProveAfterLockExpire, or Skip it (spec.md §4.2).
package pricing

import "fmt"

// Kind classifies why an order was skipped or why evaluation failed,
// matching the [B-OP-xxx] tags the original broker logs (spec.md §6, §7).
type Kind int

const (
	KindInvalidRequest Kind = iota
	KindUnsupportedSelector
	KindIneligible
	KindSessionLimitExceeded
	KindGuestPanic
	KindFetchImage
	KindFetchInput
	KindRpc
	KindUnexpected
)

// Code returns the observable [B-OP-xxx] classification tag for the kind,
// or "" for kinds that were never part of the original enumeration
// (UnsupportedSelector/Ineligible/SessionLimitExceeded are internal skip
// reasons, not wire-level error codes).
func (k Kind) Code() string {
	switch k {
	case KindFetchInput:
		return "B-OP-001"
	case KindFetchImage:
		return "B-OP-002"
	case KindGuestPanic:
		return "B-OP-003"
	case KindInvalidRequest:
		return "B-OP-004"
	case KindRpc:
		return "B-OP-005"
	case KindUnexpected:
		return "B-OP-500"
	default:
		return ""
	}
}

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindUnsupportedSelector:
		return "UnsupportedSelector"
	case KindIneligible:
		return "Ineligible"
	case KindSessionLimitExceeded:
		return "SessionLimitExceeded"
	case KindGuestPanic:
		return "GuestPanic"
	case KindFetchImage:
		return "FetchImage"
	case KindFetchInput:
		return "FetchInput"
	case KindRpc:
		return "Rpc"
	case KindUnexpected:
		return "Unexpected"
	default:
		return "Unknown"
	}
}

// Policy reports how the admission controller should react to an error of
// this kind (spec.md §7's policy column).
type Policy int

const (
	// PolicySkip means: record a skip and move on.
	PolicySkip Policy = iota
	// PolicyPropagate means: surface to the supervisor; may be retried or,
	// if repeated, treated as fatal for the controller.
	PolicyPropagate
)

func (k Kind) Policy() Policy {
	switch k {
	case KindRpc, KindUnexpected:
		return PolicyPropagate
	default:
		return PolicySkip
	}
}

// Error is the evaluator's error type: a classified reason plus the
// underlying cause, if any.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}
