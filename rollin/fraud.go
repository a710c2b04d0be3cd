package rollin

import (
	"strings"

	"github.com/circle-free/optimistic-roll-in/codec"
	"github.com/circle-free/optimistic-roll-in/log"
	"github.com/circle-free/optimistic-roll-in/merkle"
	"github.com/circle-free/optimistic-roll-in/types"
)

// fraudTracker owns the map of tracked fraudsters, keyed by lower-cased
// suspect address. Each fraudster is an Account whose tree is the partial
// tree rebuilt from the observed append proof; a fraudster's own fraud map
// does not exist (it cannot itself track fraud).
type fraudTracker struct {
	prefix byte
	frauds map[string]*Account
	log    *log.Logger
}

func newFraudTracker(prefix byte, logger *log.Logger) *fraudTracker {
	return &fraudTracker{
		prefix: prefix,
		frauds: make(map[string]*Account),
		log:    logger.Module("fraud"),
	}
}

func fraudKey(user types.Address) string {
	return strings.ToLower(user.Hex())
}

func (t *fraudTracker) get(user types.Address) (*Account, bool) {
	f, ok := t.frauds[fraudKey(user)]
	return f, ok
}

func (t *fraudTracker) delete(user types.Address) {
	delete(t.frauds, fraudKey(user))
}

// record registers a fraudster from an observed invalid commitment. The
// partial tree is rebuilt from the transaction's calldata and append proof
// alone; the fraud index is the position of the invalid transition within
// the full on-chain tree.
func (t *fraudTracker) record(suspect types.Address, call *codec.ArbiterCall, localIndex int, blockTime uint64) (*Account, error) {
	partial, err := merkle.FromAppendProof(t.prefix, call.CallData, call.Proof)
	if err != nil {
		return nil, wrapDecode(err)
	}
	fraudIndex := partial.Size() - uint64(len(call.CallData)) + uint64(localIndex)
	f := &Account{
		User:         suspect,
		Tree:         partial,
		CurrentState: call.NewState,
		LastTime:     blockTime,
		FraudIndex:   &fraudIndex,
	}
	t.frauds[fraudKey(suspect)] = f
	t.log.Warn("fraudster recorded",
		"suspect", suspect,
		"fraud_index", fraudIndex,
		"transitions", partial.Size(),
	)
	return f, nil
}

// update extends a tracked fraudster with a later observed optimistic
// transaction by the same suspect. All preconditions are hard failures:
// the transaction must chain exactly onto the fraudster's mirrored state.
func (t *fraudTracker) update(suspect types.Address, call *codec.ArbiterCall, blockTime uint64) error {
	f, ok := t.get(suspect)
	if !ok {
		return ErrNotFraudulent
	}
	embeddedUser, embeddedState, err := codec.ExtractUserAndState(call.CallData[0])
	if err != nil {
		return wrapDecode(err)
	}
	if embeddedUser != f.User {
		return ErrPreconditionFailed
	}
	if call.CallDataRoot != f.Tree.Root() || call.LastTime != f.LastTime {
		return ErrInvalidRoots
	}
	if embeddedState != f.CurrentState {
		return ErrStateMismatch
	}
	newTree := f.Tree.Copy()
	newTree.AppendMany(call.CallData)
	return f.optimisticUpdate(newTree, call.NewState, blockTime)
}

// buildProof constructs the fraud-proof witnesses for a tracked
// fraudster: the fraudulent element and its successor (whose embedded
// current state is the claimed output), proven together by one
// multi-proof. When the fraud sits at the tree's end the successor is
// absent and the claimed output is the account's current state.
func (t *fraudTracker) buildProof(f *Account) ([][]byte, merkle.CompactProof, error) {
	if f.FraudIndex == nil {
		return nil, nil, ErrNotFraudulent
	}
	indices := []uint64{*f.FraudIndex}
	if *f.FraudIndex+1 < f.Tree.Size() {
		indices = append(indices, *f.FraudIndex+1)
	}
	return f.Tree.MultiProof(indices)
}
