package rollin

import (
	"bytes"
	"context"

	"github.com/circle-free/optimistic-roll-in/chain"
	"github.com/circle-free/optimistic-roll-in/codec"
	"github.com/circle-free/optimistic-roll-in/log"
	"github.com/circle-free/optimistic-roll-in/types"
)

// PureVerifier decides locally whether a decoded logic call produces the
// claimed new state. Verifiers must be deterministic, side-effect-free,
// and must check the embedded user themselves.
type PureVerifier func(call *codec.LogicCall, newState types.Hash) bool

// Verifier decides transition validity. It consults the registry of pure
// verifiers first and falls back to a read-only chain call against the
// logic contract. It never returns an error: every failure mode (decode,
// RPC, verifier panic) yields "invalid" and an observability event.
type Verifier struct {
	logic   types.Address
	backend chain.Backend
	codec   *codec.LogicCodec
	pure    map[[4]byte]PureVerifier
	log     *log.Logger
}

// NewVerifier builds a verifier over the given logic contract.
func NewVerifier(backend chain.Backend, logic types.Address, lc *codec.LogicCodec, pure map[[4]byte]PureVerifier, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Verifier{
		logic:   logic,
		backend: backend,
		codec:   lc,
		pure:    pure,
		log:     logger.Module("verifier"),
	}
}

// IsValid reports whether the calldata blob, executed under suspect,
// produces newState.
func (v *Verifier) IsValid(ctx context.Context, suspect types.Address, blob []byte, newState types.Hash) bool {
	call, err := v.codec.Decode(blob)
	if err != nil {
		v.log.Warn("calldata decode failed", "suspect", suspect, "err", err)
		return false
	}
	if call.User != suspect {
		return false
	}
	if pv, ok := v.pure[call.Sighash]; ok {
		return v.runPure(pv, call, newState)
	}
	out, err := v.backend.CallContract(ctx, v.logic, blob)
	if err != nil {
		v.log.Warn("delegated verification call failed", "suspect", suspect, "err", err)
		return false
	}
	return len(out) == types.HashLength && bytes.Equal(out, newState[:])
}

// runPure evaluates a registered pure verifier, converting a panic into an
// invalid-transition verdict.
func (v *Verifier) runPure(pv PureVerifier, call *codec.LogicCall, newState types.Hash) (valid bool) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Warn("pure verifier panicked", "function", call.Name, "panic", r)
			valid = false
		}
	}()
	return pv(call, newState)
}

// FirstInvalid verifies a calldata sequence against its declared final
// state. The expected output of blob i is the current state embedded in
// blob i+1, and finalState for the last blob. It returns the index of the
// first failing transition, or ok when every transition holds.
func (v *Verifier) FirstInvalid(ctx context.Context, suspect types.Address, blobs [][]byte, finalState types.Hash) (int, bool) {
	for i, blob := range blobs {
		expected := finalState
		if i+1 < len(blobs) {
			_, embedded, err := codec.ExtractUserAndState(blobs[i+1])
			if err != nil {
				v.log.Warn("batch successor decode failed", "suspect", suspect, "index", i+1, "err", err)
				return i + 1, false
			}
			expected = embedded
		}
		if !v.IsValid(ctx, suspect, blob, expected) {
			return i, false
		}
	}
	return 0, true
}
