package rollin

import (
	"context"
	"errors"

	"github.com/circle-free/optimistic-roll-in/codec"
	"github.com/circle-free/optimistic-roll-in/types"
)

var errMalformedEvent = errors.New("malformed optimistic state event")

// VerifyResult is the observer's verdict on one transaction. User is only
// meaningful when the transaction was an optimistic record; FraudIndex is
// the recorded fraudster's position in the full tree and is only
// meaningful when Valid is false.
type VerifyResult struct {
	Valid      bool
	User       types.Address
	FraudIndex uint64
}

// VerifyTransaction fetches a transaction and its receipt, decodes the
// arbiter calldata, and verifies any optimistic commitment it carries.
// Transactions without a new-optimistic-state event, and arbiter calls
// that are not optimistic records, verify trivially. An invalid
// transition records a fraudster for the suspect.
func (o *Operator) VerifyTransaction(ctx context.Context, txID types.Hash) (*VerifyResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	call, suspect, lastTime, ok, err := o.fetchOptimisticRecord(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &VerifyResult{Valid: true}, nil
	}

	var failIndex int
	valid := true
	switch {
	case call.Kind == codec.KindNone:
		// Not an optimistic record; nothing to verify.
	case call.Kind.Batch():
		failIndex, valid = o.verifier.FirstInvalid(ctx, suspect, call.CallData, call.NewState)
	default:
		valid = o.verifier.IsValid(ctx, suspect, call.CallData[0], call.NewState)
	}
	if valid {
		return &VerifyResult{Valid: true, User: suspect}, nil
	}

	fraudster, err := o.frauds.record(suspect, call, failIndex, lastTime)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Valid: false, User: suspect, FraudIndex: *fraudster.FraudIndex}, nil
}

// Update extends the tracked fraudster for the transaction's suspect with
// the observed (later, valid) optimistic transaction, keeping the mirror
// in lockstep with the on-chain account.
func (o *Operator) Update(ctx context.Context, txID types.Hash) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	call, suspect, lastTime, ok, err := o.fetchOptimisticRecord(ctx, txID)
	if err != nil {
		return err
	}
	if !ok || call.Kind == codec.KindNone {
		return ErrPreconditionFailed
	}
	return o.frauds.update(suspect, call, lastTime)
}

// fetchOptimisticRecord pulls a transaction's calldata and receipt and
// extracts the optimistic-state event. ok is false when the transaction
// carries no such event.
func (o *Operator) fetchOptimisticRecord(ctx context.Context, txID types.Hash) (*codec.ArbiterCall, types.Address, uint64, bool, error) {
	_, input, err := o.backend.TransactionInput(ctx, txID)
	if err != nil {
		return nil, types.Address{}, 0, false, wrapChain(err)
	}
	receipt, err := o.backend.TransactionReceipt(ctx, txID)
	if err != nil {
		return nil, types.Address{}, 0, false, wrapChain(err)
	}
	lg, ok := receipt.FirstLog(codec.TopicNewOptimisticState, codec.TopicNewOptimisticStates)
	if !ok {
		return nil, types.Address{}, 0, false, nil
	}
	call, err := o.arbiter.Decode(input)
	if err != nil {
		return nil, types.Address{}, 0, false, wrapDecode(err)
	}
	if len(lg.Topics) < 3 || !types.WordFitsU64(lg.Topics[2]) {
		return nil, types.Address{}, 0, false, wrapDecode(errMalformedEvent)
	}
	suspect := types.BytesToAddress(lg.Topics[1][12:])
	lastTime := types.U64FromWord(lg.Topics[2])
	return call, suspect, lastTime, true, nil
}
