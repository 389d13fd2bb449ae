// Package prover exposes the preflight capability the pricing evaluator
// calls to measure a guest program's cycle count without producing a full
// proof (spec.md §2.3, glossary "Preflight"). The zero-knowledge backend
// itself is an external collaborator; this package only defines the
// contract and a local, deterministic stand-in used by tests and by
// deployments that proxy to an out-of-process prover.
package prover

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome classifies a preflight's terminal state.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeSessionLimitExceeded
	OutcomeGuestPanic
	OutcomeOther
)

// Result is what a successful preflight measures.
type Result struct {
	TotalCycles uint64
	JournalSize uint64
	Elapsed     time.Duration
}

// ErrSessionLimitExceeded means the guest would need more cycles than the
// ceiling allowed; the evaluator treats this as "not economically
// feasible", not a fault (spec.md §4.2 step 9).
var ErrSessionLimitExceeded = errors.New("preflight: session limit exceeded")

// ErrGuestPanic means the guest itself panicked; the evaluator records it
// as a recoverable Skip but logs at warn (spec.md §7).
type ErrGuestPanic struct {
	Message string
}

func (e *ErrGuestPanic) Error() string {
	return fmt.Sprintf("preflight: guest panic: %s", e.Message)
}

// Prover is the capability interface the evaluator depends on (spec.md
// §9's "dynamic dispatch ... resolved by capability interfaces").
type Prover interface {
	// Preflight executes the guest at imageURI/inputURI up to a cycle
	// ceiling. It returns ErrSessionLimitExceeded, an *ErrGuestPanic, or a
	// wrapped transport/runtime error on failure.
	Preflight(ctx context.Context, imageURI, inputURI string, cycleCeiling uint64) (Result, error)

	// StageImage resolves an image reference to a cacheable storage URI
	// (spec.md §4.2 step 8, "cached by content hash").
	StageImage(ctx context.Context, imageRef string) (string, error)

	// StageInput resolves an input reference to a cacheable storage URI.
	StageInput(ctx context.Context, inputRef string) (string, error)
}

// Classify maps a Preflight error to an Outcome for logging/metrics.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrSessionLimitExceeded) {
		return OutcomeSessionLimitExceeded
	}
	var panicErr *ErrGuestPanic
	if errors.As(err, &panicErr) {
		return OutcomeGuestPanic
	}
	return OutcomeOther
}
