package codec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/circle-free/optimistic-roll-in/types"
)

var (
	ErrUnknownFunction = errors.New("codec: unknown logic function")
	ErrBadLogicShape   = errors.New("codec: logic function must take (address user, bytes32 currentState, ...)")
	ErrArgCount        = errors.New("codec: argument count does not match function inputs")
)

// LogicMethod describes one function of the application's logic contract.
type LogicMethod struct {
	Name    string
	Sighash [4]byte

	// Pure is true for pure/view functions, the only ones that may be
	// performed optimistically or queued.
	Pure bool
}

// LogicCall is a decoded logic calldata blob. Args are the
// function-specific arguments after the two mandatory positional fields,
// each normalised to a 32-byte word.
type LogicCall struct {
	Sighash      [4]byte
	Name         string
	User         types.Address
	CurrentState types.Hash
	Args         []types.Hash
	Pure         bool
}

// LogicCodec encodes and decodes calldata for the logic contract. Every
// logic function takes the account's user and current state as its first
// two parameters; the codec enforces that shape at parse time.
type LogicCodec struct {
	abi       abi.ABI
	methods   map[string]abi.Method
	bySighash map[[4]byte]abi.Method
}

// NewLogicCodec parses a logic contract interface description (ABI JSON).
func NewLogicCodec(abiJSON string) (*LogicCodec, error) {
	parsed, err := parseABI(abiJSON)
	if err != nil {
		return nil, fmt.Errorf("codec: logic abi: %w", err)
	}
	c := &LogicCodec{
		abi:       parsed,
		methods:   make(map[string]abi.Method),
		bySighash: make(map[[4]byte]abi.Method),
	}
	for name, m := range parsed.Methods {
		if len(m.Inputs) < 2 ||
			m.Inputs[0].Type.T != abi.AddressTy ||
			m.Inputs[1].Type.T != abi.FixedBytesTy || m.Inputs[1].Type.Size != 32 {
			return nil, fmt.Errorf("%w: %s", ErrBadLogicShape, name)
		}
		c.methods[name] = m
		c.bySighash[sighashOf(m)] = m
	}
	return c, nil
}

// Methods lists the logic functions, the operator's dispatch surface.
func (c *LogicCodec) Methods() []LogicMethod {
	out := make([]LogicMethod, 0, len(c.methods))
	for _, m := range c.methods {
		out = append(out, describe(m))
	}
	return out
}

// Method looks up a logic function by name.
func (c *LogicCodec) Method(name string) (LogicMethod, bool) {
	m, ok := c.methods[name]
	if !ok {
		return LogicMethod{}, false
	}
	return describe(m), true
}

// Encode builds the calldata blob for a logic call: sighash, user, current
// state, then the function-specific arguments converted from their
// normalised 32-byte words according to the declared input types.
func (c *LogicCodec) Encode(name string, user types.Address, currentState types.Hash, args []types.Hash) ([]byte, error) {
	m, ok := c.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if len(args) != len(m.Inputs)-2 {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrArgCount, name, len(m.Inputs)-2, len(args))
	}
	values := make([]any, 0, len(m.Inputs))
	values = append(values, GethAddress(user), [32]byte(currentState))
	for i, arg := range args {
		v, err := wordToABIValue(m.Inputs[2+i].Type, arg)
		if err != nil {
			return nil, fmt.Errorf("%s arg %d: %w", name, i, err)
		}
		values = append(values, v)
	}
	packed, err := m.Inputs.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("codec: pack %s: %w", name, err)
	}
	return append(append([]byte{}, m.ID...), packed...), nil
}

// Decode interprets a calldata blob against the logic interface.
func (c *LogicCodec) Decode(blob []byte) (*LogicCall, error) {
	if len(blob) < 4 {
		return nil, ErrShortCalldata
	}
	var sighash [4]byte
	copy(sighash[:], blob[:4])
	m, ok := c.bySighash[sighash]
	if !ok {
		return nil, ErrUnknownMethod
	}
	values, err := m.Inputs.Unpack(blob[4:])
	if err != nil {
		return nil, fmt.Errorf("codec: unpack %s: %w", m.Name, err)
	}
	call := &LogicCall{
		Sighash:      sighash,
		Name:         m.Name,
		User:         types.BytesToAddress(values[0].(common.Address).Bytes()),
		CurrentState: types.Hash(values[1].([32]byte)),
		Pure:         isPure(m),
	}
	for i := 2; i < len(values); i++ {
		w, err := abiValueToWord(values[i])
		if err != nil {
			return nil, fmt.Errorf("%s arg %d: %w", m.Name, i-2, err)
		}
		call.Args = append(call.Args, w)
	}
	return call, nil
}

// ExtractUserAndState reads the two mandatory positional fields of a logic
// blob without a full decode. Every logic function starts (address,
// bytes32), so the fields sit at fixed offsets behind the sighash.
func ExtractUserAndState(blob []byte) (types.Address, types.Hash, error) {
	if len(blob) < 4+64 {
		return types.Address{}, types.Hash{}, ErrShortCalldata
	}
	return types.BytesToAddress(blob[4+12 : 4+32]), types.BytesToHash(blob[4+32 : 4+64]), nil
}

func describe(m abi.Method) LogicMethod {
	return LogicMethod{Name: m.Name, Sighash: sighashOf(m), Pure: isPure(m)}
}

func isPure(m abi.Method) bool {
	return m.StateMutability == "pure" || m.StateMutability == "view"
}

// wordToABIValue converts a normalised 32-byte word into the Go value
// go-ethereum's packer expects for the given ABI type.
func wordToABIValue(t abi.Type, w types.Hash) (any, error) {
	switch {
	case t.T == abi.AddressTy:
		return common.BytesToAddress(w[12:]), nil
	case t.T == abi.FixedBytesTy && t.Size == 32:
		return [32]byte(w), nil
	case t.T == abi.UintTy && t.Size == 256:
		return new(big.Int).SetBytes(w[:]), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArg, t.String())
	}
}

// abiValueToWord normalises a decoded ABI value back to a 32-byte word.
func abiValueToWord(v any) (types.Hash, error) {
	switch x := v.(type) {
	case common.Address:
		return types.BytesToHash(x.Bytes()), nil
	case [32]byte:
		return types.Hash(x), nil
	case *big.Int:
		if x.BitLen() > 256 {
			return types.Hash{}, ErrValueOverflow
		}
		return types.BytesToHash(x.Bytes()), nil
	default:
		return types.Hash{}, fmt.Errorf("%w: %T", ErrUnsupportedArg, v)
	}
}
