package rollin

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/circle-free/optimistic-roll-in/log"
	"github.com/circle-free/optimistic-roll-in/types"
)

var (
	ErrNoLockTime = errors.New("rollin: lock time is mandatory")
	ErrNoBond     = errors.New("rollin: required bond is mandatory")
	ErrNoContract = errors.New("rollin: arbiter and logic addresses are mandatory")
	ErrNoUser     = errors.New("rollin: user address is mandatory")
	ErrNoLogicABI = errors.New("rollin: logic interface description is mandatory")
)

// CallOptions carries per-call overrides for chain submissions.
type CallOptions struct {
	// Value is the wei attached to a payable call.
	Value *uint256.Int

	// GasCeiling overrides the configured batching budget for SendQueue.
	GasCeiling uint64
}

func (c *CallOptions) value() *uint256.Int {
	if c == nil {
		return nil
	}
	return c.Value
}

// Options configures an Operator. Tree and proof options are fixed by the
// protocol (unbalanced, unsorted pairing, compact simple proofs) and are
// not configurable beyond the element prefix.
type Options struct {
	// Arbiter is the address of the on-chain arbiter contract.
	Arbiter types.Address

	// Logic is the address of the application's logic contract.
	Logic types.Address

	// User is the account this operator owns.
	User types.Address

	// SourceAddress submits transactions; defaults to User.
	SourceAddress types.Address

	// LogicABI is the logic contract interface description (ABI JSON).
	LogicABI string

	// ElementPrefix is the one-byte Merkle leaf domain prefix.
	ElementPrefix byte

	// LockTime is the arbiter's lock window in seconds. Mandatory.
	LockTime uint64

	// RequiredBond is the arbiter's bond in wei. Mandatory.
	RequiredBond *uint256.Int

	// GasCeiling is the default budget for the queue batcher.
	GasCeiling uint64

	// PureVerifiers maps logic sighashes to local transition verifiers.
	PureVerifiers map[[4]byte]PureVerifier

	// Estimator prices a batch submission for the batcher. When nil,
	// SendQueue submits the whole queue in one batch.
	Estimator GasEstimator

	// Logger receives engine observability events; defaults to the
	// package default logger.
	Logger *log.Logger
}

func (o *Options) validate() error {
	if o.Arbiter.IsZero() || o.Logic.IsZero() {
		return ErrNoContract
	}
	if o.User.IsZero() {
		return ErrNoUser
	}
	if o.LogicABI == "" {
		return ErrNoLogicABI
	}
	if o.LockTime == 0 {
		return ErrNoLockTime
	}
	if o.RequiredBond == nil || o.RequiredBond.IsZero() {
		return ErrNoBond
	}
	return nil
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.SourceAddress.IsZero() {
		out.SourceAddress = out.User
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	return out
}
