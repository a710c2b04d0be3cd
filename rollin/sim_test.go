package rollin

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/circle-free/optimistic-roll-in/chain"
	"github.com/circle-free/optimistic-roll-in/codec"
	"github.com/circle-free/optimistic-roll-in/crypto"
	"github.com/circle-free/optimistic-roll-in/merkle"
	"github.com/circle-free/optimistic-roll-in/types"
)

// The sim* types form an in-memory chain running the arbiter and logic
// contracts with the real protocol checks: fingerprint guards, append
// proof verification, lock windows, fraud adjudication and rollbacks.
// The operator and verifier tests drive the engine against this chain.

const simLogicABI = `[
	{"type":"function","name":"some_pure_transition","stateMutability":"pure","inputs":[{"name":"user","type":"address"},{"name":"currentState","type":"bytes32"},{"name":"someArg","type":"uint256"}],"outputs":[{"type":"bytes32"}]},
	{"type":"function","name":"some_impure_transition","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"currentState","type":"bytes32"},{"name":"someArg","type":"uint256"}],"outputs":[{"type":"bytes32"}]}
]`

var (
	simArbiterAddr = types.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	simLogicAddr   = types.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

// simPureTransition is the logic contract's pure function.
func simPureTransition(user types.Address, state types.Hash, arg types.Hash) types.Hash {
	return crypto.Keccak256Hash([]byte("pure"), user[:], state[:], arg[:])
}

// simImpureTransition is the logic contract's impure function.
func simImpureTransition(user types.Address, state types.Hash, arg types.Hash) types.Hash {
	return crypto.Keccak256Hash([]byte("impure"), user[:], state[:], arg[:])
}

func simFingerprint(root, state types.Hash, lastTime uint64) types.Hash {
	last := types.U256Bytes(lastTime)
	return crypto.Keccak256Hash(root[:], state[:], last[:])
}

type simTx struct {
	to    types.Address
	input []byte
}

type simChain struct {
	arbiter  *codec.ArbiterCodec
	logic    *codec.LogicCodec
	prefix   byte
	lockTime uint64

	blockTime uint64
	nonce     uint64

	accountStates    map[types.Address]types.Hash
	balances         map[types.Address]*uint256.Int
	lockers          map[types.Address]types.Address
	lockedTimestamps map[types.Address]uint64
	rollbackSizes    map[types.Address]uint64
	rollbackRequired map[types.Address]bool

	txs      map[types.Hash]simTx
	receipts map[types.Hash]*chain.Receipt
}

func newSimChain(lockTime uint64) *simChain {
	arbiterCodec, err := codec.NewArbiterCodec()
	if err != nil {
		panic(err)
	}
	logicCodec, err := codec.NewLogicCodec(simLogicABI)
	if err != nil {
		panic(err)
	}
	return &simChain{
		arbiter:          arbiterCodec,
		logic:            logicCodec,
		prefix:           merkle.DefaultElementPrefix,
		lockTime:         lockTime,
		blockTime:        1_000_000,
		accountStates:    make(map[types.Address]types.Hash),
		balances:         make(map[types.Address]*uint256.Int),
		lockers:          make(map[types.Address]types.Address),
		lockedTimestamps: make(map[types.Address]uint64),
		rollbackSizes:    make(map[types.Address]uint64),
		rollbackRequired: make(map[types.Address]bool),
		txs:              make(map[types.Hash]simTx),
		receipts:         make(map[types.Hash]*chain.Receipt),
	}
}

func (c *simChain) advance(seconds uint64) {
	c.blockTime += seconds
}

func (c *simChain) balanceOf(user types.Address) *uint256.Int {
	if b, ok := c.balances[user]; ok {
		return b
	}
	return uint256.NewInt(0)
}

func (c *simChain) execLogic(blob []byte) (types.Hash, error) {
	call, err := c.logic.Decode(blob)
	if err != nil {
		return types.Hash{}, err
	}
	switch call.Name {
	case "some_pure_transition":
		return simPureTransition(call.User, call.CurrentState, call.Args[0]), nil
	case "some_impure_transition":
		return simImpureTransition(call.User, call.CurrentState, call.Args[0]), nil
	default:
		return types.Hash{}, fmt.Errorf("sim: unknown logic function %s", call.Name)
	}
}

// execArbiter runs one arbiter transaction and returns its logs.
func (c *simChain) execArbiter(from types.Address, input []byte, value *uint256.Int) ([]types.Log, error) {
	if value == nil {
		value = uint256.NewInt(0)
	}
	name, args, err := c.arbiter.Unpack(input)
	if err != nil {
		return nil, err
	}
	switch name {
	case "bond":
		user := types.BytesToAddress(args[0].(gethcommon.Address).Bytes())
		c.balances[user] = new(uint256.Int).Add(c.balanceOf(user), value)
		return nil, nil

	case "initialize":
		if !c.accountStates[from].IsZero() {
			return nil, fmt.Errorf("sim: already initialized")
		}
		initial := crypto.Keccak256Hash([]byte("genesis"), from[:])
		c.accountStates[from] = simFingerprint(types.Hash{}, initial, 0)
		return []types.Log{newStateLog(from, initial)}, nil

	case "perform":
		blob := args[0].([]byte)
		user, state, err := codec.ExtractUserAndState(blob)
		if err != nil {
			return nil, err
		}
		if c.accountStates[user] != simFingerprint(types.Hash{}, state, 0) {
			return nil, fmt.Errorf("sim: fingerprint mismatch")
		}
		newState, err := c.execLogic(blob)
		if err != nil {
			return nil, err
		}
		c.accountStates[user] = simFingerprint(types.Hash{}, newState, 0)
		return []types.Log{newStateLog(user, newState)}, nil

	case "performAndExit":
		blob := args[0].([]byte)
		root := types.Hash(args[1].([32]byte))
		lastTime := args[2].(*big.Int).Uint64()
		user, state, err := codec.ExtractUserAndState(blob)
		if err != nil {
			return nil, err
		}
		if c.accountStates[user] != simFingerprint(root, state, lastTime) {
			return nil, fmt.Errorf("sim: fingerprint mismatch")
		}
		if c.blockTime < lastTime+c.lockTime {
			return nil, fmt.Errorf("sim: still in lock window")
		}
		newState, err := c.execLogic(blob)
		if err != nil {
			return nil, err
		}
		c.accountStates[user] = simFingerprint(types.Hash{}, newState, 0)
		return []types.Log{newStateLog(user, newState)}, nil

	case "performOptimisticallyAndEnter":
		return c.commitOptimistic(
			[][]byte{args[0].([]byte)}, types.Hash(args[1].([32]byte)),
			types.Hash{}, merkle.ProofFromWords(args[2].([][32]byte)), 0,
			codec.TopicNewOptimisticState)

	case "performOptimistically":
		return c.commitOptimistic(
			[][]byte{args[0].([]byte)}, types.Hash(args[1].([32]byte)),
			types.Hash(args[2].([32]byte)), merkle.ProofFromWords(args[3].([][32]byte)),
			args[4].(*big.Int).Uint64(),
			codec.TopicNewOptimisticState)

	case "performManyOptimisticallyAndEnter":
		return c.commitOptimistic(
			args[0].([][]byte), types.Hash(args[1].([32]byte)),
			types.Hash{}, merkle.ProofFromWords(args[2].([][32]byte)), 0,
			codec.TopicNewOptimisticStates)

	case "performManyOptimistically":
		return c.commitOptimistic(
			args[0].([][]byte), types.Hash(args[1].([32]byte)),
			types.Hash(args[2].([32]byte)), merkle.ProofFromWords(args[3].([][32]byte)),
			args[4].(*big.Int).Uint64(),
			codec.TopicNewOptimisticStates)

	case "lock":
		suspect := types.BytesToAddress(args[0].(gethcommon.Address).Bytes())
		if !c.lockers[suspect].IsZero() {
			return nil, fmt.Errorf("sim: already locked")
		}
		c.lockers[suspect] = from
		c.lockedTimestamps[suspect] = c.blockTime
		c.balances[from] = new(uint256.Int).Add(c.balanceOf(from), value)
		return []types.Log{{
			Address: simArbiterAddr,
			Topics:  []types.Hash{codec.TopicLocked, suspect.Hash(), from.Hash()},
		}}, nil

	case "unlock":
		suspect := types.BytesToAddress(args[0].(gethcommon.Address).Bytes())
		state := types.Hash(args[1].([32]byte))
		root := types.Hash(args[2].([32]byte))
		lastTime := args[3].(*big.Int).Uint64()
		if c.lockers[suspect] != from {
			return nil, fmt.Errorf("sim: not the locker")
		}
		if c.accountStates[suspect] != simFingerprint(root, state, lastTime) {
			return nil, fmt.Errorf("sim: fingerprint mismatch")
		}
		delete(c.lockers, suspect)
		delete(c.lockedTimestamps, suspect)
		return []types.Log{{
			Address: simArbiterAddr,
			Topics:  []types.Hash{codec.TopicUnlocked, suspect.Hash()},
		}}, nil

	case "proveFraud":
		return c.proveFraud(from, args)

	case "rollback":
		return c.rollback(from, args)

	case "unbond":
		destination := types.BytesToAddress(args[0].(gethcommon.Address).Bytes())
		if !c.lockers[from].IsZero() {
			return nil, fmt.Errorf("sim: account is locked")
		}
		c.balances[destination] = new(uint256.Int).Add(c.balanceOf(destination), c.balanceOf(from))
		c.balances[from] = uint256.NewInt(0)
		return nil, nil

	default:
		return nil, fmt.Errorf("sim: unhandled arbiter function %s", name)
	}
}

// commitOptimistic is the shared path of the four optimistic variants.
func (c *simChain) commitOptimistic(blobs [][]byte, newState, priorRoot types.Hash, proof merkle.CompactProof, lastTime uint64, topic types.Hash) ([]types.Log, error) {
	user, state, err := codec.ExtractUserAndState(blobs[0])
	if err != nil {
		return nil, err
	}
	if c.accountStates[user] != simFingerprint(priorRoot, state, lastTime) {
		return nil, fmt.Errorf("sim: fingerprint mismatch")
	}
	newRoot, err := merkle.VerifyAppend(c.prefix, priorRoot, blobs, proof)
	if err != nil {
		return nil, err
	}
	c.accountStates[user] = simFingerprint(newRoot, newState, c.blockTime)
	return []types.Log{{
		Address: simArbiterAddr,
		Topics:  []types.Hash{topic, user.Hash(), types.U256Bytes(c.blockTime)},
	}}, nil
}

// proveFraud re-executes the proven transition and adjudicates.
func (c *simChain) proveFraud(from types.Address, args []any) ([]types.Log, error) {
	suspect := types.BytesToAddress(args[0].(gethcommon.Address).Bytes())
	elements := args[1].([][]byte)
	state := types.Hash(args[2].([32]byte))
	root := types.Hash(args[3].([32]byte))
	proof := merkle.ProofFromWords(args[4].([][32]byte))
	lastTime := args[5].(*big.Int).Uint64()

	if c.accountStates[suspect] != simFingerprint(root, state, lastTime) {
		return nil, fmt.Errorf("sim: fingerprint mismatch")
	}
	indices, ok := merkle.VerifyMulti(c.prefix, root, elements, proof)
	if !ok {
		return nil, fmt.Errorf("sim: invalid multi proof")
	}
	fraudIndex := indices[0]

	claimed := state
	if len(indices) == 2 {
		_, successorState, err := codec.ExtractUserAndState(elements[1])
		if err != nil {
			return nil, err
		}
		claimed = successorState
	}
	actual, err := c.execLogic(elements[0])
	if err == nil && actual == claimed {
		return nil, fmt.Errorf("sim: transition is valid, no fraud")
	}

	amount := c.balanceOf(suspect)
	c.balances[from] = new(uint256.Int).Add(c.balanceOf(from), amount)
	c.balances[suspect] = uint256.NewInt(0)
	c.rollbackSizes[suspect] = fraudIndex
	c.rollbackRequired[suspect] = true
	delete(c.lockers, suspect)
	delete(c.lockedTimestamps, suspect)

	data := make([]byte, 0, 64)
	idx := types.U256Bytes(fraudIndex)
	amountWord := types.U256ToWord(amount)
	data = append(data, idx[:]...)
	data = append(data, amountWord[:]...)
	return []types.Log{{
		Address: simArbiterAddr,
		Topics:  []types.Hash{codec.TopicFraudProven, from.Hash(), suspect.Hash()},
		Data:    data,
	}}, nil
}

// rollback verifies the prefix/suffix proofs and rewinds the account.
func (c *simChain) rollback(from types.Address, args []any) ([]types.Log, error) {
	oldRoot := types.Hash(args[0].([32]byte))
	rolledBack := args[1].([][]byte)
	appendProof := merkle.ProofFromWords(args[2].([][32]byte))
	currentSize := args[3].(*big.Int).Uint64()
	sizeProof := merkle.ProofFromWords(args[4].([][32]byte))
	currentRoot := types.Hash(args[5].([32]byte))
	currentState := types.Hash(args[6].([32]byte))
	lastTime := args[7].(*big.Int).Uint64()

	if !c.rollbackRequired[from] {
		return nil, fmt.Errorf("sim: no rollback required")
	}
	target := c.rollbackSizes[from]
	if c.accountStates[from] != simFingerprint(currentRoot, currentState, lastTime) {
		return nil, fmt.Errorf("sim: fingerprint mismatch")
	}
	if size, ok := merkle.VerifySize(currentRoot, sizeProof); !ok || size != currentSize {
		return nil, fmt.Errorf("sim: size proof rejected")
	}
	priorSize, err := appendProof.ElementCount()
	if err != nil || priorSize != target {
		return nil, fmt.Errorf("sim: rollback does not land on the demanded size")
	}
	replayed, err := merkle.VerifyAppend(c.prefix, oldRoot, rolledBack, appendProof)
	if err != nil {
		return nil, err
	}
	if replayed != currentRoot {
		return nil, fmt.Errorf("sim: rolled-back elements do not rebuild the current root")
	}
	_, newState, err := codec.ExtractUserAndState(rolledBack[0])
	if err != nil {
		return nil, err
	}

	c.accountStates[from] = simFingerprint(oldRoot, newState, c.blockTime)
	delete(c.rollbackRequired, from)
	delete(c.rollbackSizes, from)

	data := make([]byte, 0, 64)
	sizeWord := types.U256Bytes(target)
	timeWord := types.U256Bytes(c.blockTime)
	data = append(data, sizeWord[:]...)
	data = append(data, timeWord[:]...)
	return []types.Log{{
		Address: simArbiterAddr,
		Topics:  []types.Hash{codec.TopicRolledBack, from.Hash()},
		Data:    data,
	}}, nil
}

// viewCall answers the arbiter's read-only functions.
func (c *simChain) viewCall(input []byte) ([]byte, error) {
	name, args, err := c.arbiter.Unpack(input)
	if err != nil {
		return nil, err
	}
	user := types.BytesToAddress(args[0].(gethcommon.Address).Bytes())
	switch name {
	case "accountStates":
		return c.accountStates[user].Bytes(), nil
	case "balances":
		return types.U256ToWord(c.balanceOf(user)).Bytes(), nil
	case "lockers":
		return c.lockers[user].Hash().Bytes(), nil
	case "lockedTimestamps":
		return types.U256Bytes(c.lockedTimestamps[user]).Bytes(), nil
	case "rollbackSizes":
		return types.U256Bytes(c.rollbackSizes[user]).Bytes(), nil
	default:
		return nil, fmt.Errorf("sim: unhandled view %s", name)
	}
}

// simBackend implements chain.Backend over the shared chain. Like a real
// adapter it holds the key for exactly one address and refuses to sign
// for any other source.
type simBackend struct {
	chain *simChain
	from  types.Address
}

func (c *simChain) backendFor(from types.Address) *simBackend {
	return &simBackend{chain: c, from: from}
}

func (b *simBackend) TransactionInput(_ context.Context, txHash types.Hash) (types.Address, []byte, error) {
	tx, ok := b.chain.txs[txHash]
	if !ok {
		return types.Address{}, nil, chain.ErrTxNotFound
	}
	return tx.to, tx.input, nil
}

func (b *simBackend) TransactionReceipt(_ context.Context, txHash types.Hash) (*chain.Receipt, error) {
	r, ok := b.chain.receipts[txHash]
	if !ok {
		return nil, chain.ErrReceiptNotFound
	}
	return r, nil
}

func (b *simBackend) CallContract(_ context.Context, to types.Address, input []byte) ([]byte, error) {
	switch to {
	case simArbiterAddr:
		return b.chain.viewCall(input)
	case simLogicAddr:
		out, err := b.chain.execLogic(input)
		if err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	default:
		return nil, fmt.Errorf("sim: unknown contract %s", to)
	}
}

func (b *simBackend) SendTransaction(_ context.Context, from, to types.Address, input []byte, value *uint256.Int) (*chain.Receipt, error) {
	if from != b.from {
		return nil, fmt.Errorf("sim: no key to sign for %s", from)
	}
	c := b.chain
	c.advance(10)
	c.nonce++
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], c.nonce)
	txHash := crypto.Keccak256Hash(nonceBuf[:], input)

	if to != simArbiterAddr {
		return nil, fmt.Errorf("sim: submissions only target the arbiter")
	}
	logs, err := c.execArbiter(from, input, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", chain.ErrTxReverted, err)
	}
	receipt := &chain.Receipt{
		TxHash: txHash,
		Status: 1,
		Logs:   logs,
	}
	c.txs[txHash] = simTx{to: to, input: input}
	c.receipts[txHash] = receipt
	return receipt, nil
}

func (b *simBackend) BlockTime(_ context.Context) (uint64, error) {
	return b.chain.blockTime, nil
}

func newStateLog(user types.Address, state types.Hash) types.Log {
	return types.Log{
		Address: simArbiterAddr,
		Topics:  []types.Hash{codec.TopicNewState, user.Hash()},
		Data:    state.Bytes(),
	}
}
