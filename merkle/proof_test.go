package merkle

import (
	"testing"
)

func TestSingleProofAllIndices(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13, 21} {
		tr := NewWithElements(DefaultElementPrefix, testBlobs(n))
		root := tr.Root()
		for i := uint64(0); i < uint64(n); i++ {
			element, proof, err := tr.SingleProof(i)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if !VerifySingle(DefaultElementPrefix, root, i, element, proof) {
				t.Fatalf("n=%d i=%d: single proof did not verify", n, i)
			}
			if VerifySingle(DefaultElementPrefix, root, i, []byte("tampered"), proof) {
				t.Fatalf("n=%d i=%d: tampered element verified", n, i)
			}
		}
	}
}

func TestSingleProofOutOfRange(t *testing.T) {
	tr := NewWithElements(DefaultElementPrefix, testBlobs(4))
	if _, _, err := tr.SingleProof(4); err != ErrIndexOutOfRange {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestMultiProofConsecutivePairs(t *testing.T) {
	for _, n := range []int{2, 3, 5, 9, 16, 33} {
		tr := NewWithElements(DefaultElementPrefix, testBlobs(n))
		root := tr.Root()
		for i := uint64(0); i+1 < uint64(n); i++ {
			elements, proof, err := tr.MultiProof([]uint64{i, i + 1})
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			indices, ok := VerifyMulti(DefaultElementPrefix, root, elements, proof)
			if !ok {
				t.Fatalf("n=%d i=%d: multi proof did not verify", n, i)
			}
			if len(indices) != 2 || indices[0] != i || indices[1] != i+1 {
				t.Fatalf("n=%d i=%d: unexpected proven indices %v", n, i, indices)
			}
		}
	}
}

func TestMultiProofOnPartialSuffix(t *testing.T) {
	blobs := testBlobs(40)
	full := NewWithElements(DefaultElementPrefix, blobs[:25])
	proof := full.AppendProof()
	partial, err := FromAppendProof(DefaultElementPrefix, blobs[25:], proof)
	if err != nil {
		t.Fatal(err)
	}
	full.AppendMany(blobs[25:])

	for i := uint64(25); i+1 < 40; i++ {
		elements, mp, err := partial.MultiProof([]uint64{i, i + 1})
		if err != nil {
			t.Fatalf("i=%d: %v", i, err)
		}
		if _, ok := VerifyMulti(DefaultElementPrefix, full.Root(), elements, mp); !ok {
			t.Fatalf("i=%d: partial-tree multi proof did not verify against full root", i)
		}
	}

	// Elements before the append point are not known to the partial tree.
	if _, _, err := partial.MultiProof([]uint64{3, 4}); err != ErrUnknownElement {
		t.Fatalf("expected ErrUnknownElement, got %v", err)
	}
}

func TestMultiProofDedupsAndSorts(t *testing.T) {
	tr := NewWithElements(DefaultElementPrefix, testBlobs(10))
	elements, proof, err := tr.MultiProof([]uint64{7, 2, 7, 5})
	if err != nil {
		t.Fatal(err)
	}
	indices, ok := VerifyMulti(DefaultElementPrefix, tr.Root(), elements, proof)
	if !ok {
		t.Fatal("proof did not verify")
	}
	want := []uint64{2, 5, 7}
	if len(indices) != len(want) {
		t.Fatalf("got %v, want %v", indices, want)
	}
	for x := range want {
		if indices[x] != want[x] {
			t.Fatalf("got %v, want %v", indices, want)
		}
	}
}

func TestSizeProof(t *testing.T) {
	for _, n := range []int{1, 3, 6, 12, 31} {
		tr := NewWithElements(DefaultElementPrefix, testBlobs(n))
		root, count, proof := tr.SizeProof()
		if count != uint64(n) {
			t.Fatalf("n=%d: size proof count %d", n, count)
		}
		proven, ok := VerifySize(root, proof)
		if !ok || proven != uint64(n) {
			t.Fatalf("n=%d: size proof did not verify (proven=%d ok=%v)", n, proven, ok)
		}
		if _, ok := VerifySize(tr.ElementRoot(), proof); ok {
			t.Fatalf("n=%d: size proof verified against wrong root", n)
		}
	}
}

func TestPriorRoot(t *testing.T) {
	tr := NewWithElements(DefaultElementPrefix, testBlobs(13))
	root := tr.Root()
	proof := tr.AppendProof()
	got, err := PriorRoot(proof)
	if err != nil {
		t.Fatal(err)
	}
	if got != root {
		t.Fatal("PriorRoot does not match producer root")
	}
}

func TestMalformedProofs(t *testing.T) {
	if _, err := PriorRoot(CompactProof{}); err != ErrMalformedProof {
		t.Fatalf("expected ErrMalformedProof, got %v", err)
	}
	tr := NewWithElements(DefaultElementPrefix, testBlobs(5))
	short := tr.AppendProof()[:1]
	if _, err := FromAppendProof(DefaultElementPrefix, testBlobs(1), short); err != ErrMalformedProof {
		t.Fatalf("expected ErrMalformedProof, got %v", err)
	}
	if _, err := FromAppendProof(DefaultElementPrefix, nil, tr.AppendProof()); err != ErrNoElements {
		t.Fatalf("expected ErrNoElements, got %v", err)
	}
}
