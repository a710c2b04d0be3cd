// Package chain defines the adapter boundary between the roll-in engine and
// the underlying chain: transaction lookup, receipt lookup, read-only
// contract calls, signed submissions, and the latest block timestamp. The
// adapter owns timeouts and retries; the engine surfaces its errors.
package chain

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"github.com/circle-free/optimistic-roll-in/types"
)

var (
	ErrTxNotFound      = errors.New("chain: transaction not found")
	ErrReceiptNotFound = errors.New("chain: receipt not found")
	ErrTxReverted      = errors.New("chain: transaction reverted")
)

// Receipt is the engine's view of a mined transaction.
type Receipt struct {
	TxHash      types.Hash
	Status      uint64
	BlockNumber uint64
	Logs        []types.Log
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// FirstLog returns the first log whose leading topic matches any of the
// given topics.
func (r *Receipt) FirstLog(topics ...types.Hash) (types.Log, bool) {
	for _, l := range r.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		for _, t := range topics {
			if l.Topics[0] == t {
				return l, true
			}
		}
	}
	return types.Log{}, false
}

// Backend is the chain adapter the engine drives. Every method is a
// suspension point; implementations must be safe for use from multiple
// Account handles.
type Backend interface {
	// TransactionInput returns the destination and calldata of a
	// transaction by hash.
	TransactionInput(ctx context.Context, txHash types.Hash) (types.Address, []byte, error)

	// TransactionReceipt returns the receipt of a mined transaction.
	TransactionReceipt(ctx context.Context, txHash types.Hash) (*Receipt, error)

	// CallContract executes a read-only call against the given contract.
	CallContract(ctx context.Context, to types.Address, input []byte) ([]byte, error)

	// SendTransaction signs a transaction as the given source address,
	// submits it carrying the given value, and waits for it to be mined,
	// returning the receipt. Implementations fail when they cannot sign
	// for the source.
	SendTransaction(ctx context.Context, from, to types.Address, input []byte, value *uint256.Int) (*Receipt, error)

	// BlockTime returns the timestamp of the latest block.
	BlockTime(ctx context.Context) (uint64, error)
}
