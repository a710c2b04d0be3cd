package types

import (
	"encoding/binary"

	"github.com/holiman/uint256"
)

// U256Bytes encodes v as a 32-byte big-endian word. Account last-times and
// element counts travel in this form inside fingerprints and proofs.
func U256Bytes(v uint64) Hash {
	var h Hash
	binary.BigEndian.PutUint64(h[24:], v)
	return h
}

// U64FromWord decodes the low 8 bytes of a 32-byte big-endian word. The
// upper 24 bytes must be zero for the value to round-trip; callers that
// care should check WordFitsU64 first.
func U64FromWord(h Hash) uint64 {
	return binary.BigEndian.Uint64(h[24:])
}

// WordFitsU64 reports whether the 32-byte word holds a value representable
// as uint64.
func WordFitsU64(h Hash) bool {
	for _, b := range h[:24] {
		if b != 0 {
			return false
		}
	}
	return true
}

// U256ToWord encodes a uint256 as a 32-byte big-endian word.
func U256ToWord(v *uint256.Int) Hash {
	if v == nil {
		return Hash{}
	}
	return Hash(v.Bytes32())
}

// WordToU256 decodes a 32-byte big-endian word into a uint256.
func WordToU256(h Hash) *uint256.Int {
	return new(uint256.Int).SetBytes(h[:])
}
