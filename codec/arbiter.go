// Package codec encodes and decodes the calldata of the two contracts the
// engine talks to: the on-chain arbiter enforcing bonds, locks and fraud
// adjudication, and the application's logic contract whose functions define
// the state transitions. All ABI work is delegated to go-ethereum's
// accounts/abi; the package exposes only the engine's own value types.
package codec

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/circle-free/optimistic-roll-in/merkle"
	"github.com/circle-free/optimistic-roll-in/types"
)

var (
	ErrShortCalldata  = errors.New("codec: calldata shorter than a sighash")
	ErrUnknownMethod  = errors.New("codec: unknown method sighash")
	ErrBadReturnData  = errors.New("codec: malformed return data")
	ErrValueOverflow  = errors.New("codec: integer value exceeds uint64")
	ErrUnsupportedArg = errors.New("codec: unsupported argument type")
)

// Event topics emitted by the arbiter (byte-exact protocol constants).
var (
	TopicNewOptimisticState  = types.HexToHash("0x4779c4b07abff82b16061ec9a47d081e7f4981c29088395cdb7ff87e322cbbc6")
	TopicNewOptimisticStates = types.HexToHash("0x0b87b136840d19f5f25329273082c00833265a189b70137e06df6315ddc7839e")
	TopicNewState            = types.HexToHash("0x0f5025cc4f20aa47a346d1b7d9da6ba8c68cc8e83b75e813da4b4490d55365ae")
	TopicFraudProven         = types.HexToHash("0xa66290bc21cee2ba1a3c6ba2cac21d24511cea1f9ed7efe453736f24fd894886")
	TopicLocked              = types.HexToHash("0x8773bde6581ad6ddd421210de867340039fb65ce3df41edba7b5de6d24ae7a51")
	TopicUnlocked            = types.HexToHash("0x524512344e535e9bda79e916c2ea8c7b9e5d23d83e1b95181d7622b4ac3d4293")
	TopicRolledBack          = types.HexToHash("0x4d7ed8c49e6b03daee23a18f4bd14bd7e4628e5ed54c57bf84407a693867eca9")
)

// arbiterABIJSON describes the arbiter contract interface (§6.1).
const arbiterABIJSON = `[
	{"type":"function","name":"bond","stateMutability":"payable","inputs":[{"name":"user","type":"address"}],"outputs":[]},
	{"type":"function","name":"initialize","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"perform","stateMutability":"payable","inputs":[{"name":"callData","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"performAndExit","stateMutability":"nonpayable","inputs":[{"name":"callData","type":"bytes"},{"name":"callDataRoot","type":"bytes32"},{"name":"lastTime","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"performOptimisticallyAndEnter","stateMutability":"nonpayable","inputs":[{"name":"callData","type":"bytes"},{"name":"newState","type":"bytes32"},{"name":"proof","type":"bytes32[]"}],"outputs":[]},
	{"type":"function","name":"performOptimistically","stateMutability":"nonpayable","inputs":[{"name":"callData","type":"bytes"},{"name":"newState","type":"bytes32"},{"name":"callDataRoot","type":"bytes32"},{"name":"proof","type":"bytes32[]"},{"name":"lastTime","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"performManyOptimisticallyAndEnter","stateMutability":"nonpayable","inputs":[{"name":"callDataArray","type":"bytes[]"},{"name":"newState","type":"bytes32"},{"name":"proof","type":"bytes32[]"}],"outputs":[]},
	{"type":"function","name":"performManyOptimistically","stateMutability":"nonpayable","inputs":[{"name":"callDataArray","type":"bytes[]"},{"name":"newState","type":"bytes32"},{"name":"callDataRoot","type":"bytes32"},{"name":"proof","type":"bytes32[]"},{"name":"lastTime","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"lock","stateMutability":"payable","inputs":[{"name":"suspect","type":"address"}],"outputs":[]},
	{"type":"function","name":"unlock","stateMutability":"payable","inputs":[{"name":"suspect","type":"address"},{"name":"currentState","type":"bytes32"},{"name":"callDataRoot","type":"bytes32"},{"name":"lastTime","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"proveFraud","stateMutability":"nonpayable","inputs":[{"name":"suspect","type":"address"},{"name":"elements","type":"bytes[]"},{"name":"currentState","type":"bytes32"},{"name":"callDataRoot","type":"bytes32"},{"name":"proof","type":"bytes32[]"},{"name":"lastTime","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"rollback","stateMutability":"payable","inputs":[{"name":"oldRoot","type":"bytes32"},{"name":"rolledBackCallData","type":"bytes[]"},{"name":"appendProof","type":"bytes32[]"},{"name":"currentSize","type":"uint256"},{"name":"sizeProof","type":"bytes32[]"},{"name":"currentRoot","type":"bytes32"},{"name":"currentState","type":"bytes32"},{"name":"lastTime","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"unbond","stateMutability":"nonpayable","inputs":[{"name":"destination","type":"address"}],"outputs":[]},
	{"type":"function","name":"accountStates","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"type":"bytes32"}]},
	{"type":"function","name":"balances","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"lockers","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"type":"address"}]},
	{"type":"function","name":"lockedTimestamps","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"rollbackSizes","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"type":"uint256"}]}
]`

// OptimisticKind classifies an arbiter call for the observer's dispatch.
type OptimisticKind int

const (
	// KindNone marks calls that are not optimistic-mode commitments.
	KindNone OptimisticKind = iota

	// KindSingleEnter is perform_optimistically_and_enter.
	KindSingleEnter

	// KindSingle is perform_optimistically.
	KindSingle

	// KindManyEnter is perform_many_optimistically_and_enter.
	KindManyEnter

	// KindMany is perform_many_optimistically.
	KindMany
)

// Batch reports whether the call carries a calldata sequence.
func (k OptimisticKind) Batch() bool {
	return k == KindManyEnter || k == KindMany
}

// Enter reports whether the call enters optimism from the pessimistic mode
// (its declared prior last_time is implicitly zero).
func (k OptimisticKind) Enter() bool {
	return k == KindSingleEnter || k == KindManyEnter
}

// ArbiterCall is the decoded semantic record of an arbiter transaction.
// Fields beyond Sighash and Name are populated according to Kind.
type ArbiterCall struct {
	Sighash      [4]byte
	Name         string
	Kind         OptimisticKind
	CallData     [][]byte
	NewState     types.Hash
	CallDataRoot types.Hash
	Proof        merkle.CompactProof
	LastTime     uint64
}

// ArbiterCodec encodes calls to and decodes calls from the arbiter.
type ArbiterCodec struct {
	abi  abi.ABI
	kind map[[4]byte]OptimisticKind
}

// NewArbiterCodec parses the arbiter interface description.
func NewArbiterCodec() (*ArbiterCodec, error) {
	parsed, err := parseABI(arbiterABIJSON)
	if err != nil {
		return nil, fmt.Errorf("codec: arbiter abi: %w", err)
	}
	c := &ArbiterCodec{abi: parsed, kind: make(map[[4]byte]OptimisticKind)}
	for name, kind := range map[string]OptimisticKind{
		"performOptimisticallyAndEnter":     KindSingleEnter,
		"performOptimistically":             KindSingle,
		"performManyOptimisticallyAndEnter": KindManyEnter,
		"performManyOptimistically":         KindMany,
	} {
		c.kind[sighashOf(parsed.Methods[name])] = kind
	}
	return c, nil
}

// Sighash returns the 4-byte selector of the named arbiter function.
func (c *ArbiterCodec) Sighash(name string) [4]byte {
	return sighashOf(c.abi.Methods[name])
}

// Pack encodes a call to the named arbiter function.
func (c *ArbiterCodec) Pack(name string, args ...any) ([]byte, error) {
	data, err := c.abi.Pack(name, args...)
	if err != nil {
		return nil, fmt.Errorf("codec: pack %s: %w", name, err)
	}
	return data, nil
}

// Decode interprets raw arbiter calldata into a semantic record. Calls to
// arbiter functions other than the four optimistic commitments decode with
// Kind == KindNone and no further fields; a sighash that matches no arbiter
// function fails with ErrUnknownMethod.
func (c *ArbiterCodec) Decode(data []byte) (*ArbiterCall, error) {
	if len(data) < 4 {
		return nil, ErrShortCalldata
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, ErrUnknownMethod
	}
	call := &ArbiterCall{
		Sighash: sighashOf(*method),
		Name:    method.Name,
		Kind:    c.kind[sighashOf(*method)],
	}
	if call.Kind == KindNone {
		return call, nil
	}

	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("codec: unpack %s: %w", method.Name, err)
	}
	switch call.Kind {
	case KindSingleEnter: // (callData, newState, proof)
		call.CallData = [][]byte{values[0].([]byte)}
		call.NewState = types.Hash(values[1].([32]byte))
		call.Proof = merkle.ProofFromWords(values[2].([][32]byte))
	case KindSingle: // (callData, newState, callDataRoot, proof, lastTime)
		call.CallData = [][]byte{values[0].([]byte)}
		call.NewState = types.Hash(values[1].([32]byte))
		call.CallDataRoot = types.Hash(values[2].([32]byte))
		call.Proof = merkle.ProofFromWords(values[3].([][32]byte))
		if call.LastTime, err = uint64From(values[4]); err != nil {
			return nil, err
		}
	case KindManyEnter: // (callDataArray, newState, proof)
		call.CallData = values[0].([][]byte)
		call.NewState = types.Hash(values[1].([32]byte))
		call.Proof = merkle.ProofFromWords(values[2].([][32]byte))
	case KindMany: // (callDataArray, newState, callDataRoot, proof, lastTime)
		call.CallData = values[0].([][]byte)
		call.NewState = types.Hash(values[1].([32]byte))
		call.CallDataRoot = types.Hash(values[2].([32]byte))
		call.Proof = merkle.ProofFromWords(values[3].([][32]byte))
		if call.LastTime, err = uint64From(values[4]); err != nil {
			return nil, err
		}
	}
	return call, nil
}

// Unpack resolves arbiter calldata to its method name and decoded
// argument values. Unlike Decode it covers every arbiter function, which
// arbiter-side consumers (and the test harness) need.
func (c *ArbiterCodec) Unpack(data []byte) (string, []any, error) {
	if len(data) < 4 {
		return "", nil, ErrShortCalldata
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return "", nil, ErrUnknownMethod
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, fmt.Errorf("codec: unpack %s: %w", method.Name, err)
	}
	return method.Name, values, nil
}

// UnpackWord decodes a single bytes32 return value.
func UnpackWord(data []byte) (types.Hash, error) {
	if len(data) != 32 {
		return types.Hash{}, ErrBadReturnData
	}
	return types.BytesToHash(data), nil
}

// UnpackAddress decodes a single address return value.
func UnpackAddress(data []byte) (types.Address, error) {
	if len(data) != 32 {
		return types.Address{}, ErrBadReturnData
	}
	return types.BytesToAddress(data[12:]), nil
}

// UnpackUint64 decodes a single uint256 return value that must fit uint64.
func UnpackUint64(data []byte) (uint64, error) {
	w, err := UnpackWord(data)
	if err != nil {
		return 0, err
	}
	if !types.WordFitsU64(w) {
		return 0, ErrValueOverflow
	}
	return types.U64FromWord(w), nil
}

func parseABI(s string) (abi.ABI, error) {
	return abi.JSON(strings.NewReader(s))
}

func sighashOf(m abi.Method) [4]byte {
	var id [4]byte
	copy(id[:], m.ID)
	return id
}

func uint64From(v any) (uint64, error) {
	b, ok := v.(*big.Int)
	if !ok || !b.IsUint64() {
		return 0, ErrValueOverflow
	}
	return b.Uint64(), nil
}

// GethAddress converts an engine address to go-ethereum's form for packing.
func GethAddress(a types.Address) common.Address {
	return common.BytesToAddress(a[:])
}
