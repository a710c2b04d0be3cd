package chain

import (
	"testing"

	"github.com/circle-free/optimistic-roll-in/types"
)

func TestReceiptSucceeded(t *testing.T) {
	if (&Receipt{Status: 0}).Succeeded() {
		t.Fatal("reverted receipt should not succeed")
	}
	if !(&Receipt{Status: 1}).Succeeded() {
		t.Fatal("status 1 should succeed")
	}
	var nilReceipt *Receipt
	if nilReceipt.Succeeded() {
		t.Fatal("nil receipt should not succeed")
	}
}

func TestFirstLogMatchesTopics(t *testing.T) {
	a := types.HexToHash("0xaa")
	b := types.HexToHash("0xbb")
	r := &Receipt{Logs: []types.Log{
		{Topics: nil},
		{Topics: []types.Hash{a}, Data: []byte{1}},
		{Topics: []types.Hash{b}, Data: []byte{2}},
	}}

	lg, ok := r.FirstLog(b)
	if !ok || len(lg.Data) != 1 || lg.Data[0] != 2 {
		t.Fatalf("unexpected log: %+v %v", lg, ok)
	}
	lg, ok = r.FirstLog(a, b)
	if !ok || lg.Data[0] != 1 {
		t.Fatal("first matching log should win")
	}
	if _, ok := r.FirstLog(types.HexToHash("0xcc")); ok {
		t.Fatal("no match expected")
	}
}
