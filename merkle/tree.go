// Package merkle implements the append-only Merkle tree committing to an
// account's optimistic calldata blobs, together with the compact proof
// forms the arbiter consumes: append proofs, single proofs, multi proofs
// and size proofs.
//
// The tree is unbalanced with unsorted pairing. For an element count n, the
// complete subtrees of the binary decomposition of n (the "peaks", largest
// first) are perfect Keccak-256 subtrees; the element root is the
// right-to-left fold of the peaks, and the tree root commits the size:
//
//	root = Keccak256(u256_be(n) || element_root)
//
// The empty tree's root is the zero hash. Leaves are hashed with a one-byte
// application prefix: Keccak256(prefix || blob).
//
// A partial tree, rebuilt from an append proof via FromAppendProof, knows
// only the peak set of its unknown predecessor plus the elements appended
// since; that is sufficient to append further and to prove any suffix
// element.
package merkle

import (
	"errors"
	"math/bits"

	"github.com/circle-free/optimistic-roll-in/crypto"
	"github.com/circle-free/optimistic-roll-in/types"
)

// DefaultElementPrefix is the leaf-hash domain byte used when the
// application does not choose one.
const DefaultElementPrefix byte = 0x00

var (
	ErrUnknownElement  = errors.New("merkle: element not known to this tree")
	ErrIndexOutOfRange = errors.New("merkle: index out of range")
	ErrNoIndices       = errors.New("merkle: no indices provided")
	ErrNoElements      = errors.New("merkle: no elements provided")
	ErrMalformedProof  = errors.New("merkle: malformed compact proof")
	ErrProofMismatch   = errors.New("merkle: proof does not match prior root")
	ErrMissingNode     = errors.New("merkle: required node not known to this tree")
)

// CompactProof is the wire form shared by every proof kind. The first word
// is always the element count the proof was generated against, so proofs
// are self-describing and may be decoded without the producer.
type CompactProof []types.Hash

// ElementCount returns the self-describing element-count prefix.
func (p CompactProof) ElementCount() (uint64, error) {
	if len(p) == 0 || !types.WordFitsU64(p[0]) {
		return 0, ErrMalformedProof
	}
	return types.U64FromWord(p[0]), nil
}

// Words returns the proof as raw 32-byte words for ABI encoding.
func (p CompactProof) Words() [][32]byte {
	out := make([][32]byte, len(p))
	for i, w := range p {
		out[i] = w
	}
	return out
}

// ProofFromWords rebuilds a compact proof from ABI words.
func ProofFromWords(words [][32]byte) CompactProof {
	out := make(CompactProof, len(words))
	for i, w := range words {
		out[i] = types.Hash(w)
	}
	return out
}

type nodeKey struct {
	level uint
	index uint64
}

type peak struct {
	level uint
	index uint64 // subtree index at its level; leaf span is [index<<level, (index+1)<<level)
	hash  types.Hash
}

// Tree is an appendable calldata Merkle tree. A full tree knows every
// element; a partial tree (baseSize > 0) knows its predecessor only through
// its peak hashes and holds the elements appended since.
type Tree struct {
	prefix   byte
	size     uint64
	baseSize uint64
	elements map[uint64][]byte
	nodes    map[nodeKey]types.Hash
	peaks    []peak
}

// New creates an empty tree with the given element prefix.
func New(prefix byte) *Tree {
	return &Tree{
		prefix:   prefix,
		elements: make(map[uint64][]byte),
		nodes:    make(map[nodeKey]types.Hash),
	}
}

// NewWithElements creates a full tree holding the given elements.
func NewWithElements(prefix byte, blobs [][]byte) *Tree {
	t := New(prefix)
	t.AppendMany(blobs)
	return t
}

// Size returns the number of elements committed by the tree.
func (t *Tree) Size() uint64 { return t.size }

// Partial reports whether the tree lacks its earliest elements.
func (t *Tree) Partial() bool { return t.baseSize != 0 }

// BaseSize returns the index of the first element known to the tree.
func (t *Tree) BaseSize() uint64 { return t.baseSize }

// Prefix returns the one-byte leaf-hash domain prefix.
func (t *Tree) Prefix() byte { return t.prefix }

// Element returns the blob at index i, if the tree knows it.
func (t *Tree) Element(i uint64) ([]byte, bool) {
	b, ok := t.elements[i]
	return b, ok
}

// Elements returns all elements of a full tree in order. For a partial tree
// it returns only the known suffix, starting at BaseSize.
func (t *Tree) Elements() [][]byte {
	out := make([][]byte, 0, t.size-t.baseSize)
	for i := t.baseSize; i < t.size; i++ {
		out = append(out, t.elements[i])
	}
	return out
}

// ElementRoot returns the peak fold, the size-free commitment to the
// element set. Zero for an empty tree.
func (t *Tree) ElementRoot() types.Hash {
	return foldPeaks(t.peaks)
}

// Root returns the tree root, committing both the element set and its size.
func (t *Tree) Root() types.Hash {
	return rootFor(t.size, foldPeaks(t.peaks))
}

// AppendProof returns the compact proof that lets a verifier append
// elements to the tree in its current state: the element count followed by
// the current peak hashes, largest subtree first.
func (t *Tree) AppendProof() CompactProof {
	proof := make(CompactProof, 0, 1+len(t.peaks))
	proof = append(proof, types.U256Bytes(t.size))
	for _, p := range t.peaks {
		proof = append(proof, p.hash)
	}
	return proof
}

// Append adds one element to the tree.
func (t *Tree) Append(blob []byte) {
	i := t.size
	t.elements[i] = blob
	t.appendLeaf(leafHash(t.prefix, blob), i)
	t.size++
}

// AppendMany adds elements in order.
func (t *Tree) AppendMany(blobs [][]byte) {
	for _, b := range blobs {
		t.Append(b)
	}
}

// Truncate drops every element at index i or beyond, returning the tree to
// the state it had after its first i appends. Only full trees can be
// truncated; the retained prefix is rebuilt from the stored elements.
func (t *Tree) Truncate(i uint64) error {
	if t.Partial() {
		return ErrUnknownElement
	}
	if i > t.size {
		return ErrIndexOutOfRange
	}
	kept := make([][]byte, 0, i)
	for j := uint64(0); j < i; j++ {
		kept = append(kept, t.elements[j])
	}
	*t = *NewWithElements(t.prefix, kept)
	return nil
}

// Copy returns a deep copy of the tree.
func (t *Tree) Copy() *Tree {
	c := &Tree{
		prefix:   t.prefix,
		size:     t.size,
		baseSize: t.baseSize,
		elements: make(map[uint64][]byte, len(t.elements)),
		nodes:    make(map[nodeKey]types.Hash, len(t.nodes)),
		peaks:    append([]peak(nil), t.peaks...),
	}
	for k, v := range t.elements {
		c.elements[k] = v
	}
	for k, v := range t.nodes {
		c.nodes[k] = v
	}
	return c
}

// FromAppendProof rebuilds the partial tree that exists immediately after
// appending blobs to the unknown predecessor the proof describes. The
// result's root equals the root the producer obtained from the same append.
// A proof over an empty predecessor yields a complete tree.
func FromAppendProof(prefix byte, blobs [][]byte, proof CompactProof) (*Tree, error) {
	if len(blobs) == 0 {
		return nil, ErrNoElements
	}
	t, err := treeFromPeakProof(prefix, proof)
	if err != nil {
		return nil, err
	}
	t.AppendMany(blobs)
	return t, nil
}

// treeFromPeakProof reconstructs a tree positioned at the proof's element
// count, knowing only the peak hashes.
func treeFromPeakProof(prefix byte, proof CompactProof) (*Tree, error) {
	n, err := proof.ElementCount()
	if err != nil {
		return nil, err
	}
	spans := peakSpans(n)
	if len(proof) != 1+len(spans) {
		return nil, ErrMalformedProof
	}
	t := New(prefix)
	t.size = n
	t.baseSize = n
	for i, s := range spans {
		p := peak{level: s.level, index: s.start >> s.level, hash: proof[1+i]}
		t.peaks = append(t.peaks, p)
		t.nodes[nodeKey{p.level, p.index}] = p.hash
	}
	return t, nil
}

// BaseProof returns the append proof of the tree's earliest known
// position: for a partial tree, the predecessor peak set it was rebuilt
// from; for a full tree, the empty-tree proof. Together with Elements it
// is sufficient to reconstruct the tree.
func (t *Tree) BaseProof() (CompactProof, error) {
	proof := CompactProof{types.U256Bytes(t.baseSize)}
	for _, s := range peakSpans(t.baseSize) {
		h, ok := t.node(s.level, s.start>>s.level)
		if !ok {
			return nil, ErrMissingNode
		}
		proof = append(proof, h)
	}
	return proof, nil
}

// appendLeaf pushes a new leaf and merges equal-height peaks, recording
// every node created so suffix proofs can be generated later.
func (t *Tree) appendLeaf(h types.Hash, i uint64) {
	t.peaks = append(t.peaks, peak{level: 0, index: i, hash: h})
	t.nodes[nodeKey{0, i}] = h
	for len(t.peaks) >= 2 {
		a, b := t.peaks[len(t.peaks)-2], t.peaks[len(t.peaks)-1]
		if a.level != b.level {
			break
		}
		merged := peak{
			level: a.level + 1,
			index: a.index >> 1,
			hash:  hashPair(a.hash, b.hash),
		}
		t.nodes[nodeKey{merged.level, merged.index}] = merged.hash
		t.peaks = append(t.peaks[:len(t.peaks)-2], merged)
	}
}

func (t *Tree) node(level uint, index uint64) (types.Hash, bool) {
	h, ok := t.nodes[nodeKey{level, index}]
	return h, ok
}

func leafHash(prefix byte, blob []byte) types.Hash {
	return crypto.Keccak256Hash([]byte{prefix}, blob)
}

func hashPair(left, right types.Hash) types.Hash {
	return crypto.Keccak256Hash(left[:], right[:])
}

func rootFor(n uint64, elementRoot types.Hash) types.Hash {
	if n == 0 {
		return types.Hash{}
	}
	count := types.U256Bytes(n)
	return crypto.Keccak256Hash(count[:], elementRoot[:])
}

func foldPeaks(peaks []peak) types.Hash {
	if len(peaks) == 0 {
		return types.Hash{}
	}
	acc := peaks[len(peaks)-1].hash
	for j := len(peaks) - 2; j >= 0; j-- {
		acc = hashPair(peaks[j].hash, acc)
	}
	return acc
}

type peakSpan struct {
	level uint
	start uint64
}

// peakSpans returns the complete-subtree decomposition of an n-element
// tree, largest subtree first.
func peakSpans(n uint64) []peakSpan {
	spans := make([]peakSpan, 0, bits.OnesCount64(n))
	start := uint64(0)
	for n != 0 {
		level := uint(bits.Len64(n) - 1)
		spans = append(spans, peakSpan{level: level, start: start})
		start += uint64(1) << level
		n &^= uint64(1) << level
	}
	return spans
}
