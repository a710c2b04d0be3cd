package types

import (
	"testing"
)

func TestHashSetBytesPadding(t *testing.T) {
	h := BytesToHash([]byte{0x01, 0x02})
	if h[31] != 0x02 || h[30] != 0x01 || h[0] != 0 {
		t.Fatalf("short input should be left-padded, got %s", h)
	}
	long := make([]byte, 40)
	long[39] = 0xee
	if BytesToHash(long)[31] != 0xee {
		t.Fatal("long input should keep the right-most 32 bytes")
	}
}

func TestHexRoundTrip(t *testing.T) {
	h := HexToHash("0x00000000000000000000000000000000000000000000000000000000000000ff")
	if h[31] != 0xff {
		t.Fatalf("unexpected decode: %s", h)
	}
	if h.Hex() != "0x00000000000000000000000000000000000000000000000000000000000000ff" {
		t.Fatalf("unexpected hex: %s", h.Hex())
	}
	a := HexToAddress("0xABCDEF0000000000000000000000000000000012")
	if a.Hex() != "0xabcdef0000000000000000000000000000000012" {
		t.Fatalf("unexpected address hex: %s", a.Hex())
	}
}

func TestAddressHashPadding(t *testing.T) {
	a := HexToAddress("0x1111111111111111111111111111111111111111")
	w := a.Hash()
	for i := 0; i < 12; i++ {
		if w[i] != 0 {
			t.Fatal("address word should be left-padded with zeros")
		}
	}
	if BytesToAddress(w[12:]) != a {
		t.Fatal("address should round-trip through its word form")
	}
}

func TestIsZero(t *testing.T) {
	if !(Hash{}).IsZero() || !(Address{}).IsZero() {
		t.Fatal("zero values should report zero")
	}
	if HexToHash("0x01").IsZero() || HexToAddress("0x01").IsZero() {
		t.Fatal("non-zero values should not report zero")
	}
}

func TestU256Bytes(t *testing.T) {
	w := U256Bytes(0x1122334455667788)
	if !WordFitsU64(w) {
		t.Fatal("encoded uint64 should fit")
	}
	if U64FromWord(w) != 0x1122334455667788 {
		t.Fatalf("round-trip failed: %x", U64FromWord(w))
	}
	big := HexToHash("0x0100000000000000000000000000000000000000000000000000000000000000")
	if WordFitsU64(big) {
		t.Fatal("value above 2^64 should not fit")
	}
}

func TestU256Conversions(t *testing.T) {
	w := U256Bytes(42)
	v := WordToU256(w)
	if v.Uint64() != 42 {
		t.Fatalf("unexpected value %s", v)
	}
	if U256ToWord(v) != w {
		t.Fatal("uint256 word round-trip failed")
	}
	if !U256ToWord(nil).IsZero() {
		t.Fatal("nil uint256 should encode as the zero word")
	}
}
