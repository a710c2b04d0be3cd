// Package rollin implements the client-side engine of the optimistic
// roll-in protocol: per-account commitment tracking, transition
// verification, fraud detection and proof construction, gas-bounded
// transaction batching, and the operator facade over the on-chain arbiter.
package rollin

import (
	"errors"
	"fmt"
)

var (
	// ErrPreconditionFailed marks a caller invariant violation, e.g.
	// initializing twice or performing on another user's account.
	ErrPreconditionFailed = errors.New("rollin: precondition failed")

	// ErrInvalidRoots marks a tree root or last-time that does not match
	// the expected prior value.
	ErrInvalidRoots = errors.New("rollin: roots or last time do not match expected prior")

	// ErrStateMismatch marks a first calldata blob whose embedded current
	// state differs from the account's.
	ErrStateMismatch = errors.New("rollin: embedded current state does not match account")

	// ErrBudgetExceeded marks a queued item that alone exceeds the gas
	// ceiling.
	ErrBudgetExceeded = errors.New("rollin: single queued transition exceeds gas ceiling")

	// ErrStillInLock marks a pessimistic action attempted before the lock
	// window has elapsed.
	ErrStillInLock = errors.New("rollin: lock window has not elapsed")

	// ErrNotFraudulent marks a fraud operation with no recorded fraudster.
	ErrNotFraudulent = errors.New("rollin: no fraud recorded for suspect")

	// ErrChain wraps chain adapter failures.
	ErrChain = errors.New("rollin: chain adapter")

	// ErrDecode wraps malformed calldata or events.
	ErrDecode = errors.New("rollin: decode")

	// ErrImport marks a malformed exported state blob.
	ErrImport = errors.New("rollin: malformed state blob")
)

// wrapChain tags a chain adapter error while keeping it unwrappable.
func wrapChain(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrChain, err)
}

// wrapDecode tags a codec error while keeping it unwrappable.
func wrapDecode(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDecode, err)
}
