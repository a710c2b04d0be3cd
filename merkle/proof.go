package merkle

import (
	"github.com/circle-free/optimistic-roll-in/types"
)

// pathShape describes the verification path of leaf i in an n-element
// tree: the number of sibling levels inside the leaf's peak, the peak's
// position among all peaks, and the peak count. Directions never need to
// travel in proofs because the shape is fully determined by (n, i).
type pathShape struct {
	within    uint // sibling levels inside the peak
	peakIdx   int  // position of the leaf's peak, leftmost first
	peakCount int
}

func shapeFor(n, i uint64) (pathShape, bool) {
	spans := peakSpans(n)
	for j, s := range spans {
		if i >= s.start && i < s.start+(uint64(1)<<s.level) {
			return pathShape{within: s.level, peakIdx: j, peakCount: len(spans)}, true
		}
	}
	return pathShape{}, false
}

func (s pathShape) pathLen() int {
	n := int(s.within) + s.peakIdx
	if s.peakIdx < s.peakCount-1 {
		n++
	}
	return n
}

// pathHashes collects the sibling chain for leaf i: within-peak siblings
// leaf-upward, then the fold of the peaks to the right (one hash, if any),
// then the peaks to the left, nearest first.
func (t *Tree) pathHashes(i uint64) ([]types.Hash, error) {
	if i >= t.size {
		return nil, ErrIndexOutOfRange
	}
	shape, ok := shapeFor(t.size, i)
	if !ok {
		return nil, ErrIndexOutOfRange
	}
	hashes := make([]types.Hash, 0, shape.pathLen())
	for lvl := uint(0); lvl < shape.within; lvl++ {
		sib, ok := t.node(lvl, (i>>lvl)^1)
		if !ok {
			return nil, ErrMissingNode
		}
		hashes = append(hashes, sib)
	}
	if shape.peakIdx < shape.peakCount-1 {
		hashes = append(hashes, foldPeaks(t.peaks[shape.peakIdx+1:]))
	}
	for j := shape.peakIdx - 1; j >= 0; j-- {
		hashes = append(hashes, t.peaks[j].hash)
	}
	return hashes, nil
}

// verifyPath folds a leaf hash up the sibling chain and returns the
// implied element root. The second result is false when the proof is the
// wrong length for the shape.
func verifyPath(n, i uint64, leaf types.Hash, hashes []types.Hash) (types.Hash, bool) {
	shape, ok := shapeFor(n, i)
	if !ok || len(hashes) != shape.pathLen() {
		return types.Hash{}, false
	}
	cur := leaf
	pos := 0
	for lvl := uint(0); lvl < shape.within; lvl++ {
		if (i>>lvl)&1 == 0 {
			cur = hashPair(cur, hashes[pos])
		} else {
			cur = hashPair(hashes[pos], cur)
		}
		pos++
	}
	if shape.peakIdx < shape.peakCount-1 {
		cur = hashPair(cur, hashes[pos])
		pos++
	}
	for j := shape.peakIdx - 1; j >= 0; j-- {
		cur = hashPair(hashes[pos], cur)
		pos++
	}
	return cur, true
}

// SingleProof returns the element at index i and a compact proof of its
// inclusion: the element count followed by the sibling chain.
func (t *Tree) SingleProof(i uint64) ([]byte, CompactProof, error) {
	element, ok := t.elements[i]
	if !ok {
		if i >= t.size {
			return nil, nil, ErrIndexOutOfRange
		}
		return nil, nil, ErrUnknownElement
	}
	hashes, err := t.pathHashes(i)
	if err != nil {
		return nil, nil, err
	}
	proof := make(CompactProof, 0, 1+len(hashes))
	proof = append(proof, types.U256Bytes(t.size))
	proof = append(proof, hashes...)
	return element, proof, nil
}

// VerifySingle checks a single-element inclusion proof against a root.
func VerifySingle(prefix byte, root types.Hash, i uint64, element []byte, proof CompactProof) bool {
	n, err := proof.ElementCount()
	if err != nil || i >= n {
		return false
	}
	elementRoot, ok := verifyPath(n, i, leafHash(prefix, element), proof[1:])
	if !ok {
		return false
	}
	return rootFor(n, elementRoot) == root
}

// MultiProof returns the selected elements (in ascending index order) and a
// consolidated compact proof: the element count, the index count, the
// indices, then each index's sibling chain. Path lengths are not encoded;
// the verifier re-derives them from the tree shape.
func (t *Tree) MultiProof(indices []uint64) ([][]byte, CompactProof, error) {
	if len(indices) == 0 {
		return nil, nil, ErrNoIndices
	}
	sorted := dedupSorted(indices)
	elements := make([][]byte, 0, len(sorted))
	proof := make(CompactProof, 0, 2+2*len(sorted))
	proof = append(proof, types.U256Bytes(t.size), types.U256Bytes(uint64(len(sorted))))
	for _, i := range sorted {
		proof = append(proof, types.U256Bytes(i))
	}
	for _, i := range sorted {
		element, ok := t.elements[i]
		if !ok {
			if i >= t.size {
				return nil, nil, ErrIndexOutOfRange
			}
			return nil, nil, ErrUnknownElement
		}
		hashes, err := t.pathHashes(i)
		if err != nil {
			return nil, nil, err
		}
		elements = append(elements, element)
		proof = append(proof, hashes...)
	}
	return elements, proof, nil
}

// VerifyMulti checks a consolidated inclusion proof for several elements
// against a root, returning the proven indices in proof order.
func VerifyMulti(prefix byte, root types.Hash, elements [][]byte, proof CompactProof) ([]uint64, bool) {
	n, err := proof.ElementCount()
	if err != nil || len(proof) < 2 || !types.WordFitsU64(proof[1]) {
		return nil, false
	}
	k := types.U64FromWord(proof[1])
	if k == 0 || uint64(len(elements)) != k || uint64(len(proof)) < 2+k {
		return nil, false
	}
	indices := make([]uint64, k)
	for x := uint64(0); x < k; x++ {
		if !types.WordFitsU64(proof[2+x]) {
			return nil, false
		}
		indices[x] = types.U64FromWord(proof[2+x])
	}
	hashes := proof[2+k:]
	for x, i := range indices {
		shape, ok := shapeFor(n, i)
		if !ok || len(hashes) < shape.pathLen() {
			return nil, false
		}
		elementRoot, ok := verifyPath(n, i, leafHash(prefix, elements[x]), hashes[:shape.pathLen()])
		if !ok || rootFor(n, elementRoot) != root {
			return nil, false
		}
		hashes = hashes[shape.pathLen():]
	}
	if len(hashes) != 0 {
		return nil, false
	}
	return indices, true
}

// SizeProof returns the tree root, the element count, and the size witness
// (the peak set). The root binds the count, so a verifier folding the peaks
// and recombining with the claimed count detects any mismatch.
func (t *Tree) SizeProof() (types.Hash, uint64, CompactProof) {
	return t.Root(), t.size, t.AppendProof()
}

// VerifySize checks a size witness against a root and returns the proven
// element count.
func VerifySize(root types.Hash, proof CompactProof) (uint64, bool) {
	t, err := treeFromPeakProof(DefaultElementPrefix, proof)
	if err != nil || t.Root() != root {
		return 0, false
	}
	return t.size, true
}

// PriorRoot returns the root of the predecessor tree an append proof
// describes, without appending anything.
func PriorRoot(proof CompactProof) (types.Hash, error) {
	t, err := treeFromPeakProof(DefaultElementPrefix, proof)
	if err != nil {
		return types.Hash{}, err
	}
	return t.Root(), nil
}

// VerifyAppend checks that the proof matches priorRoot, appends the blobs,
// and returns the resulting root. This is the arbiter-side transition check
// for every optimistic commitment.
func VerifyAppend(prefix byte, priorRoot types.Hash, blobs [][]byte, proof CompactProof) (types.Hash, error) {
	if len(blobs) == 0 {
		return types.Hash{}, ErrNoElements
	}
	t, err := treeFromPeakProof(prefix, proof)
	if err != nil {
		return types.Hash{}, err
	}
	if t.Root() != priorRoot {
		return types.Hash{}, ErrProofMismatch
	}
	t.AppendMany(blobs)
	return t.Root(), nil
}

func dedupSorted(indices []uint64) []uint64 {
	seen := make(map[uint64]bool, len(indices))
	out := make([]uint64, 0, len(indices))
	for _, i := range indices {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	for a := 1; a < len(out); a++ {
		for b := a; b > 0 && out[b-1] > out[b]; b-- {
			out[b-1], out[b] = out[b], out[b-1]
		}
	}
	return out
}
