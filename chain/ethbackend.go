package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/circle-free/optimistic-roll-in/types"
)

// SignerFn signs a transaction on behalf of the given address. Key
// management stays outside the engine; callers plug in a keystore, an HSM,
// or a test signer.
type SignerFn func(from common.Address, tx *gethtypes.Transaction) (*gethtypes.Transaction, error)

// EthBackend implements Backend on top of a go-ethereum RPC client. The
// submitting address arrives per call; the SignerFn decides which
// addresses it can sign for.
type EthBackend struct {
	client  *ethclient.Client
	signer  SignerFn
	chainID *big.Int
	gasCap  uint64
}

// NewEthBackend dials nothing itself; it wraps an already-connected
// ethclient. gasCap bounds the gas limit attached to submissions.
func NewEthBackend(client *ethclient.Client, signer SignerFn, chainID *big.Int, gasCap uint64) *EthBackend {
	return &EthBackend{
		client:  client,
		signer:  signer,
		chainID: chainID,
		gasCap:  gasCap,
	}
}

// TransactionInput returns the destination and calldata of a transaction.
func (b *EthBackend) TransactionInput(ctx context.Context, txHash types.Hash) (types.Address, []byte, error) {
	tx, _, err := b.client.TransactionByHash(ctx, common.Hash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return types.Address{}, nil, ErrTxNotFound
		}
		return types.Address{}, nil, fmt.Errorf("chain: transaction by hash: %w", err)
	}
	if tx.To() == nil {
		return types.Address{}, tx.Data(), nil
	}
	return types.BytesToAddress(tx.To().Bytes()), tx.Data(), nil
}

// TransactionReceipt returns the receipt of a mined transaction.
func (b *EthBackend) TransactionReceipt(ctx context.Context, txHash types.Hash) (*Receipt, error) {
	r, err := b.client.TransactionReceipt(ctx, common.Hash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("chain: transaction receipt: %w", err)
	}
	return convertReceipt(r), nil
}

// CallContract executes a read-only call at the latest block.
func (b *EthBackend) CallContract(ctx context.Context, to types.Address, input []byte) ([]byte, error) {
	dest := common.BytesToAddress(to[:])
	out, err := b.client.CallContract(ctx, ethereum.CallMsg{
		To:   &dest,
		Data: input,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call contract: %w", err)
	}
	return out, nil
}

// SendTransaction signs as the source address, submits, and waits for
// inclusion.
func (b *EthBackend) SendTransaction(ctx context.Context, from, to types.Address, input []byte, value *uint256.Int) (*Receipt, error) {
	source := common.BytesToAddress(from[:])
	nonce, err := b.client.PendingNonceAt(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("chain: pending nonce: %w", err)
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}
	amount := new(big.Int)
	if value != nil {
		amount = value.ToBig()
	}
	dest := common.BytesToAddress(to[:])
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      b.gasCap,
		To:       &dest,
		Value:    amount,
		Data:     input,
	})
	signed, err := b.signer(source, tx)
	if err != nil {
		return nil, fmt.Errorf("chain: sign: %w", err)
	}
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: send: %w", err)
	}
	receipt, err := b.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != 1 {
		return receipt, ErrTxReverted
	}
	return receipt, nil
}

// BlockTime returns the timestamp of the latest block.
func (b *EthBackend) BlockTime(ctx context.Context) (uint64, error) {
	header, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: latest header: %w", err)
	}
	return header.Time, nil
}

// waitMined polls for the receipt until the context is cancelled. The
// context carries the caller's timeout; no retry policy lives here.
func (b *EthBackend) waitMined(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		r, err := b.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return convertReceipt(r), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("chain: wait mined: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func convertReceipt(r *gethtypes.Receipt) *Receipt {
	out := &Receipt{
		TxHash: types.BytesToHash(r.TxHash.Bytes()),
		Status: r.Status,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		converted := types.Log{
			Address: types.BytesToAddress(l.Address.Bytes()),
			Data:    append([]byte(nil), l.Data...),
		}
		for _, topic := range l.Topics {
			converted.Topics = append(converted.Topics, types.BytesToHash(topic.Bytes()))
		}
		out.Logs = append(out.Logs, converted)
	}
	return out
}
