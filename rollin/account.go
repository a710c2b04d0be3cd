package rollin

import (
	"encoding/binary"

	"github.com/circle-free/optimistic-roll-in/crypto"
	"github.com/circle-free/optimistic-roll-in/merkle"
	"github.com/circle-free/optimistic-roll-in/types"
)

// Account is the off-chain mirror of one user's on-chain commitment: the
// calldata tree, the current state, and the last optimistic commitment
// time. A fraudster is an Account whose tree is partial and whose
// FraudIndex pins the first invalid transition.
type Account struct {
	User         types.Address
	Tree         *merkle.Tree
	CurrentState types.Hash
	LastTime     uint64
	FraudIndex   *uint64
}

// NewAccount creates an account with a null tree, state and time.
func NewAccount(user types.Address, elementPrefix byte) *Account {
	return &Account{
		User: user,
		Tree: merkle.New(elementPrefix),
	}
}

// Fingerprint computes the 32-byte commitment the arbiter stores:
// Keccak256(tree root || current state || u256_be(last time)). It is
// recomputed on every call; nothing caches it.
func (a *Account) Fingerprint() types.Hash {
	root := a.Tree.Root()
	last := types.U256Bytes(a.LastTime)
	return crypto.Keccak256Hash(root[:], a.CurrentState[:], last[:])
}

// TransitionCount returns the number of optimistic calldata blobs appended
// since the last pessimistic reset.
func (a *Account) TransitionCount() uint64 {
	return a.Tree.Size()
}

// InOptimisticState reports whether the account is in optimistic mode.
// LastTime is zero exactly when it is not.
func (a *Account) InOptimisticState() bool {
	return a.LastTime != 0
}

// pessimisticUpdate applies an on-chain-enforced transition: the tree
// empties and the lock time clears.
func (a *Account) pessimisticUpdate(newState types.Hash) {
	a.Tree = merkle.New(a.Tree.Prefix())
	a.CurrentState = newState
	a.LastTime = 0
}

// optimisticUpdate advances the account to a new commitment. The block
// time must move strictly forward while the account is already optimistic.
func (a *Account) optimisticUpdate(newTree *merkle.Tree, newState types.Hash, blockTime uint64) error {
	if a.InOptimisticState() && blockTime <= a.LastTime {
		return ErrPreconditionFailed
	}
	a.Tree = newTree
	a.CurrentState = newState
	a.LastTime = blockTime
	return nil
}

// Export serialises the account into a self-contained blob: user, tree
// contents (base append proof plus known elements, so partial fraudster
// trees round-trip too), current state, last time and fraud index.
func (a *Account) Export() ([]byte, error) {
	base, err := a.Tree.BaseProof()
	if err != nil {
		return nil, err
	}
	elements := a.Tree.Elements()

	out := make([]byte, 0, 128)
	out = append(out, a.User[:]...)
	out = append(out, a.CurrentState[:]...)
	out = binary.BigEndian.AppendUint64(out, a.LastTime)
	if a.FraudIndex != nil {
		out = append(out, 1)
		out = binary.BigEndian.AppendUint64(out, *a.FraudIndex)
	} else {
		out = append(out, 0)
		out = binary.BigEndian.AppendUint64(out, 0)
	}
	out = append(out, a.Tree.Prefix())
	out = binary.BigEndian.AppendUint32(out, uint32(len(base)))
	for _, w := range base {
		out = append(out, w[:]...)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(elements)))
	for _, e := range elements {
		out = binary.BigEndian.AppendUint32(out, uint32(len(e)))
		out = append(out, e...)
	}
	return out, nil
}

// ImportAccount rebuilds an account from an exported blob. The fingerprint
// of the result equals the fingerprint of the exported account.
func ImportAccount(blob []byte) (*Account, error) {
	r := &blobReader{buf: blob}
	a := &Account{}
	copy(a.User[:], r.take(types.AddressLength))
	copy(a.CurrentState[:], r.take(types.HashLength))
	a.LastTime = r.u64()
	hasFraud := r.u8()
	fraudIndex := r.u64()
	if hasFraud == 1 {
		a.FraudIndex = &fraudIndex
	}
	prefix := r.u8()
	baseLen := r.u32()
	base := make(merkle.CompactProof, 0, baseLen)
	for i := uint32(0); i < baseLen; i++ {
		base = append(base, types.BytesToHash(r.take(types.HashLength)))
	}
	elementCount := r.u32()
	elements := make([][]byte, 0, elementCount)
	for i := uint32(0); i < elementCount; i++ {
		elements = append(elements, append([]byte(nil), r.take(int(r.u32()))...))
	}
	if r.failed {
		return nil, ErrImport
	}
	if len(elements) == 0 {
		a.Tree = merkle.New(prefix)
		return a, nil
	}
	tree, err := merkle.FromAppendProof(prefix, elements, base)
	if err != nil {
		return nil, ErrImport
	}
	a.Tree = tree
	return a, nil
}

// blobReader walks an exported blob, latching any overrun instead of
// panicking so the caller can fail once at the end.
type blobReader struct {
	buf    []byte
	failed bool
}

func (r *blobReader) take(n int) []byte {
	if r.failed || n < 0 || len(r.buf) < n {
		r.failed = true
		return make([]byte, max(n, 0))
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *blobReader) u8() byte    { return r.take(1)[0] }
func (r *blobReader) u32() uint32 { return binary.BigEndian.Uint32(r.take(4)) }
func (r *blobReader) u64() uint64 { return binary.BigEndian.Uint64(r.take(8)) }
