package rollin

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"github.com/circle-free/optimistic-roll-in/chain"
	"github.com/circle-free/optimistic-roll-in/codec"
	"github.com/circle-free/optimistic-roll-in/log"
	"github.com/circle-free/optimistic-roll-in/merkle"
	"github.com/circle-free/optimistic-roll-in/types"
)

// Operator is the externally visible engine handle for one account. It
// authors transitions (pessimistic, optimistic, queued), watches
// third-party transactions through VerifyTransaction/Update, and carries
// the fraud lifecycle (lock, prove, unlock) and the exit paths (rollback,
// unbond).
//
// An Operator serialises its operations with an internal mutex; the mutex
// is held across chain suspension points, so operations on one handle
// never interleave. Distinct Operator handles are independent.
type Operator struct {
	mu sync.Mutex

	backend  chain.Backend
	arbiter  *codec.ArbiterCodec
	logic    *codec.LogicCodec
	opts     Options
	account  *Account
	queue    []QueuedTransition
	frauds   *fraudTracker
	verifier *Verifier
	log      *log.Logger
}

// New builds an Operator from validated options.
func New(backend chain.Backend, opts Options) (*Operator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	arbiterCodec, err := codec.NewArbiterCodec()
	if err != nil {
		return nil, err
	}
	logicCodec, err := codec.NewLogicCodec(opts.LogicABI)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.Module("operator").With("user", opts.User)
	return &Operator{
		backend:  backend,
		arbiter:  arbiterCodec,
		logic:    logicCodec,
		opts:     opts,
		account:  NewAccount(opts.User, opts.ElementPrefix),
		frauds:   newFraudTracker(opts.ElementPrefix, opts.Logger),
		verifier: NewVerifier(backend, opts.Logic, logicCodec, opts.PureVerifiers, opts.Logger),
		log:      logger,
	}, nil
}

// ---------------------------------------------------------------------------
// Bonding and initialisation
// ---------------------------------------------------------------------------

// Bond stakes the required bond for the account with the arbiter.
func (o *Operator) Bond(ctx context.Context) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, err := o.arbiter.Pack("bond", codec.GethAddress(o.account.User))
	if err != nil {
		return nil, err
	}
	return o.sendArbiter(ctx, data, o.opts.RequiredBond)
}

// Initialize creates the on-chain account, optionally carrying a deposit.
// The initial state is announced by the arbiter's NewState event and
// mirrored locally. Initializing twice fails.
func (o *Operator) Initialize(ctx context.Context, deposit *uint256.Int) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.account.CurrentState.IsZero() || o.account.InOptimisticState() {
		return nil, fmt.Errorf("%w: account already initialized", ErrPreconditionFailed)
	}
	data, err := o.arbiter.Pack("initialize")
	if err != nil {
		return nil, err
	}
	receipt, err := o.sendArbiter(ctx, data, deposit)
	if err != nil {
		return nil, err
	}
	newState, err := newStateFromReceipt(receipt)
	if err != nil {
		return nil, err
	}
	o.account.pessimisticUpdate(newState)
	o.log.Info("account initialized", "state", newState)
	return receipt, nil
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// Normal performs a transition on the pessimistic path. On an optimistic
// account it exits optimism, which requires the lock window to have
// elapsed since the last optimistic commitment.
func (o *Operator) Normal(ctx context.Context, name string, args []types.Hash, copts *CallOptions) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.logic.Method(name); !ok {
		return nil, fmt.Errorf("%w: unknown logic function %s", ErrPreconditionFailed, name)
	}
	if len(o.queue) != 0 {
		return nil, fmt.Errorf("%w: transitions still queued", ErrPreconditionFailed)
	}
	blob, err := o.logic.Encode(name, o.account.User, o.account.CurrentState, args)
	if err != nil {
		return nil, wrapDecode(err)
	}

	var data []byte
	if o.account.InOptimisticState() {
		now, err := o.backend.BlockTime(ctx)
		if err != nil {
			return nil, wrapChain(err)
		}
		if now < o.account.LastTime+o.opts.LockTime {
			return nil, ErrStillInLock
		}
		root := o.account.Tree.Root()
		data, err = o.arbiter.Pack("performAndExit", blob, [32]byte(root), new(big.Int).SetUint64(o.account.LastTime))
		if err != nil {
			return nil, err
		}
	} else {
		data, err = o.arbiter.Pack("perform", blob)
		if err != nil {
			return nil, err
		}
	}

	receipt, err := o.sendArbiter(ctx, data, copts.value())
	if err != nil {
		return nil, err
	}
	newState, err := newStateFromReceipt(receipt)
	if err != nil {
		return nil, err
	}
	o.account.pessimisticUpdate(newState)
	return receipt, nil
}

// Optimistic performs a single optimistic transition. Only pure logic
// functions qualify; the predicted new state is the caller's claim and is
// what other participants will verify.
func (o *Operator) Optimistic(ctx context.Context, name string, args []types.Hash, predicted types.Hash, copts *CallOptions) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requirePure(name); err != nil {
		return nil, err
	}
	if len(o.queue) != 0 {
		return nil, fmt.Errorf("%w: transitions still queued", ErrPreconditionFailed)
	}
	blob, err := o.logic.Encode(name, o.account.User, o.account.CurrentState, args)
	if err != nil {
		return nil, wrapDecode(err)
	}

	proof := o.account.Tree.AppendProof()
	newTree := o.account.Tree.Copy()
	newTree.Append(blob)

	var data []byte
	if o.account.InOptimisticState() {
		root := o.account.Tree.Root()
		data, err = o.arbiter.Pack("performOptimistically",
			blob, [32]byte(predicted), [32]byte(root), proof.Words(), new(big.Int).SetUint64(o.account.LastTime))
	} else {
		data, err = o.arbiter.Pack("performOptimisticallyAndEnter",
			blob, [32]byte(predicted), proof.Words())
	}
	if err != nil {
		return nil, err
	}

	receipt, err := o.sendArbiter(ctx, data, copts.value())
	if err != nil {
		return nil, err
	}
	blockTime, err := optimisticBlockTime(receipt)
	if err != nil {
		return nil, err
	}
	if err := o.account.optimisticUpdate(newTree, predicted, blockTime); err != nil {
		return nil, err
	}
	return receipt, nil
}

// Queue appends a transition to the send queue without touching the
// chain. The calldata chains from the queued state, so queued transitions
// form one contiguous optimistic batch.
func (o *Operator) Queue(name string, args []types.Hash, predicted types.Hash) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requirePure(name); err != nil {
		return err
	}
	blob, err := o.logic.Encode(name, o.account.User, o.queuedState(), args)
	if err != nil {
		return wrapDecode(err)
	}
	o.queue = append(o.queue, QueuedTransition{
		FunctionName: name,
		Args:         args,
		NewState:     predicted,
		CallData:     blob,
	})
	return nil
}

// SendQueue flushes the longest affordable queue prefix as one batch
// commitment and drops the sent elements. Repeated calls drain the queue.
func (o *Operator) SendQueue(ctx context.Context, copts *CallOptions) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil, fmt.Errorf("%w: queue is empty", ErrPreconditionFailed)
	}

	proof := o.account.Tree.AppendProof()
	count := len(o.queue)
	ceiling := o.opts.GasCeiling
	if copts != nil && copts.GasCeiling != 0 {
		ceiling = copts.GasCeiling
	}
	if o.opts.Estimator != nil && ceiling != 0 {
		var err error
		count, err = selectPrefix(ctx, o.queue, proof, o.opts.Estimator, ceiling)
		if err != nil {
			return nil, err
		}
	}

	blobs := make([][]byte, count)
	for i := range blobs {
		blobs[i] = o.queue[i].CallData
	}
	finalState := o.queue[count-1].NewState

	var data []byte
	var err error
	if o.account.InOptimisticState() {
		root := o.account.Tree.Root()
		data, err = o.arbiter.Pack("performManyOptimistically",
			blobs, [32]byte(finalState), [32]byte(root), proof.Words(), new(big.Int).SetUint64(o.account.LastTime))
	} else {
		data, err = o.arbiter.Pack("performManyOptimisticallyAndEnter",
			blobs, [32]byte(finalState), proof.Words())
	}
	if err != nil {
		return nil, err
	}

	receipt, err := o.sendArbiter(ctx, data, copts.value())
	if err != nil {
		return nil, err
	}
	blockTime, err := optimisticBlockTime(receipt)
	if err != nil {
		return nil, err
	}
	newTree := o.account.Tree.Copy()
	newTree.AppendMany(blobs)
	if err := o.account.optimisticUpdate(newTree, finalState, blockTime); err != nil {
		return nil, err
	}
	o.queue = append([]QueuedTransition(nil), o.queue[count:]...)
	o.log.Info("queue flushed", "sent", count, "remaining", len(o.queue))
	return receipt, nil
}

// ---------------------------------------------------------------------------
// Fraud lifecycle
// ---------------------------------------------------------------------------

// Lock stakes a bond to lock a suspect account pending a fraud proof.
func (o *Operator) Lock(ctx context.Context, suspect types.Address, copts *CallOptions) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, err := o.arbiter.Pack("lock", codec.GethAddress(suspect))
	if err != nil {
		return nil, err
	}
	value := copts.value()
	if value == nil {
		value = o.opts.RequiredBond
	}
	return o.sendArbiter(ctx, data, value)
}

// Unlock releases a suspect this operator locked, presenting the tracked
// fraudster's commitment witnesses. The fraudster is dropped afterwards.
func (o *Operator) Unlock(ctx context.Context, suspect types.Address) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.frauds.get(suspect)
	if !ok {
		return nil, ErrNotFraudulent
	}
	root := f.Tree.Root()
	data, err := o.arbiter.Pack("unlock",
		codec.GethAddress(suspect), [32]byte(f.CurrentState), [32]byte(root), new(big.Int).SetUint64(f.LastTime))
	if err != nil {
		return nil, err
	}
	receipt, err := o.sendArbiter(ctx, data, nil)
	if err != nil {
		return nil, err
	}
	o.frauds.delete(suspect)
	return receipt, nil
}

// ProveFraud submits the fraud proof for a tracked fraudster: a
// multi-proof over the fraudulent transition and its successor, plus the
// fraudster's commitment witnesses. On success the fraud index clears and
// the fraudster leaves the map, so a second call fails cleanly.
func (o *Operator) ProveFraud(ctx context.Context, suspect types.Address) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.frauds.get(suspect)
	if !ok {
		return nil, ErrNotFraudulent
	}
	elements, proof, err := o.frauds.buildProof(f)
	if err != nil {
		return nil, err
	}
	root := f.Tree.Root()
	data, err := o.arbiter.Pack("proveFraud",
		codec.GethAddress(suspect), elements, [32]byte(f.CurrentState), [32]byte(root),
		proof.Words(), new(big.Int).SetUint64(f.LastTime))
	if err != nil {
		return nil, err
	}
	receipt, err := o.sendArbiter(ctx, data, nil)
	if err != nil {
		return nil, err
	}
	f.FraudIndex = nil
	o.frauds.delete(suspect)
	o.log.Info("fraud proven", "suspect", suspect)
	return receipt, nil
}

// Rollback rewinds the account's own tree to the size the arbiter demands
// after a proven fraud, re-proving the retained prefix and the discarded
// suffix. The account stays optimistic with the shortened tree; its state
// becomes the embedded input state of the first rolled-back transition.
func (o *Operator) Rollback(ctx context.Context, copts *CallOptions) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	size, err := o.viewUint64(ctx, "rollbackSizes", o.account.User)
	if err != nil {
		return nil, err
	}
	if o.account.Tree.Partial() || size >= o.account.Tree.Size() {
		return nil, fmt.Errorf("%w: no rollback required", ErrPreconditionFailed)
	}

	elements := o.account.Tree.Elements()
	oldTree := merkle.NewWithElements(o.account.Tree.Prefix(), elements[:size])
	rolledBack := elements[size:]
	appendProof := oldTree.AppendProof()
	currentRoot, currentSize, sizeProof := o.account.Tree.SizeProof()
	oldRoot := oldTree.Root()

	data, err := o.arbiter.Pack("rollback",
		[32]byte(oldRoot), rolledBack, appendProof.Words(),
		new(big.Int).SetUint64(currentSize), sizeProof.Words(),
		[32]byte(currentRoot), [32]byte(o.account.CurrentState),
		new(big.Int).SetUint64(o.account.LastTime))
	if err != nil {
		return nil, err
	}
	receipt, err := o.sendArbiter(ctx, data, copts.value())
	if err != nil {
		return nil, err
	}
	_, blockTime, err := rolledBackFromReceipt(receipt)
	if err != nil {
		return nil, err
	}
	_, newState, err := codec.ExtractUserAndState(rolledBack[0])
	if err != nil {
		return nil, wrapDecode(err)
	}
	newTree := o.account.Tree.Copy()
	if err := newTree.Truncate(size); err != nil {
		return nil, err
	}
	if err := o.account.optimisticUpdate(newTree, newState, blockTime); err != nil {
		return nil, err
	}
	o.log.Info("rolled back", "size", size, "state", newState)
	return receipt, nil
}

// Unbond withdraws the bond to a destination. Only a pessimistic account
// can unbond.
func (o *Operator) Unbond(ctx context.Context, destination types.Address) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.account.InOptimisticState() {
		return nil, fmt.Errorf("%w: account is in optimistic state", ErrPreconditionFailed)
	}
	data, err := o.arbiter.Pack("unbond", codec.GethAddress(destination))
	if err != nil {
		return nil, err
	}
	return o.sendArbiter(ctx, data, nil)
}

// ---------------------------------------------------------------------------
// Export / import
// ---------------------------------------------------------------------------

// ExportState serialises the account into a self-contained blob.
func (o *Operator) ExportState() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.account.Export()
}

// ImportState replaces the account with one rebuilt from an exported
// blob. The blob must belong to this operator's user.
func (o *Operator) ImportState(blob []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	account, err := ImportAccount(blob)
	if err != nil {
		return err
	}
	if account.User != o.opts.User {
		return fmt.Errorf("%w: state blob belongs to %s", ErrPreconditionFailed, account.User)
	}
	o.account = account
	return nil
}

// ---------------------------------------------------------------------------
// Read-only queries
// ---------------------------------------------------------------------------

// Fingerprint returns the account's current off-chain fingerprint.
func (o *Operator) Fingerprint() types.Hash {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.account.Fingerprint()
}

// CurrentState returns the account's current 32-byte state.
func (o *Operator) CurrentState() types.Hash {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.account.CurrentState
}

// LastTime returns the block time of the last optimistic commitment, or
// zero for a pessimistic account.
func (o *Operator) LastTime() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.account.LastTime
}

// TransitionCount returns the number of committed optimistic transitions.
func (o *Operator) TransitionCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.account.TransitionCount()
}

// TransitionsQueued returns the number of queued, unsent transitions.
func (o *Operator) TransitionsQueued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// QueuedState returns the state the next queued transition would chain
// from: the last queued prediction, or the account state when the queue
// is empty.
func (o *Operator) QueuedState() types.Hash {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queuedState()
}

// IsInOptimisticState reports whether the account is in optimistic mode.
func (o *Operator) IsInOptimisticState() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.account.InOptimisticState()
}

// GetFraudster returns the tracked fraudster for a suspect, if any.
func (o *Operator) GetFraudster(user types.Address) (*Account, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frauds.get(user)
}

// AccountState returns the fingerprint the arbiter currently stores.
func (o *Operator) AccountState(ctx context.Context) (types.Hash, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewWord(ctx, "accountStates", o.account.User)
}

// IsInitialized reports whether the on-chain account exists.
func (o *Operator) IsInitialized(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, err := o.viewWord(ctx, "accountStates", o.account.User)
	if err != nil {
		return false, err
	}
	return !state.IsZero(), nil
}

// IsBonded reports whether the account's arbiter balance covers the
// required bond.
func (o *Operator) IsBonded(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	balance, err := o.viewWord(ctx, "balances", o.account.User)
	if err != nil {
		return false, err
	}
	return types.WordToU256(balance).Cmp(o.opts.RequiredBond) >= 0, nil
}

// GetLocker returns who locked the account, or the zero address.
func (o *Operator) GetLocker(ctx context.Context) (types.Address, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	word, err := o.viewWord(ctx, "lockers", o.account.User)
	if err != nil {
		return types.Address{}, err
	}
	return types.BytesToAddress(word[12:]), nil
}

// GetLockTimestamp returns when the account was locked, or zero.
func (o *Operator) GetLockTimestamp(ctx context.Context) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewUint64(ctx, "lockedTimestamps", o.account.User)
}

// GetRollbackSize returns the tree size the arbiter demands after a
// proven fraud, or zero.
func (o *Operator) GetRollbackSize(ctx context.Context) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewUint64(ctx, "rollbackSizes", o.account.User)
}

// GetLockTimeRemaining returns how long until the account's own lock
// window elapses and a pessimistic exit becomes possible. Zero for a
// pessimistic account or an elapsed window.
func (o *Operator) GetLockTimeRemaining(ctx context.Context) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.account.InOptimisticState() {
		return 0, nil
	}
	now, err := o.backend.BlockTime(ctx)
	if err != nil {
		return 0, wrapChain(err)
	}
	deadline := o.account.LastTime + o.opts.LockTime
	if now >= deadline {
		return 0, nil
	}
	return deadline - now, nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (o *Operator) requirePure(name string) error {
	m, ok := o.logic.Method(name)
	if !ok {
		return fmt.Errorf("%w: unknown logic function %s", ErrPreconditionFailed, name)
	}
	if !m.Pure {
		return fmt.Errorf("%w: %s is not pure", ErrPreconditionFailed, name)
	}
	return nil
}

func (o *Operator) queuedState() types.Hash {
	if len(o.queue) == 0 {
		return o.account.CurrentState
	}
	return o.queue[len(o.queue)-1].NewState
}

func (o *Operator) sendArbiter(ctx context.Context, data []byte, value *uint256.Int) (*chain.Receipt, error) {
	receipt, err := o.backend.SendTransaction(ctx, o.opts.SourceAddress, o.opts.Arbiter, data, value)
	if err != nil {
		return receipt, wrapChain(err)
	}
	return receipt, nil
}

func (o *Operator) viewWord(ctx context.Context, name string, user types.Address) (types.Hash, error) {
	data, err := o.arbiter.Pack(name, codec.GethAddress(user))
	if err != nil {
		return types.Hash{}, err
	}
	out, err := o.backend.CallContract(ctx, o.opts.Arbiter, data)
	if err != nil {
		return types.Hash{}, wrapChain(err)
	}
	word, err := codec.UnpackWord(out)
	if err != nil {
		return types.Hash{}, wrapDecode(err)
	}
	return word, nil
}

func (o *Operator) viewUint64(ctx context.Context, name string, user types.Address) (uint64, error) {
	word, err := o.viewWord(ctx, name, user)
	if err != nil {
		return 0, err
	}
	if !types.WordFitsU64(word) {
		return 0, wrapDecode(codec.ErrValueOverflow)
	}
	return types.U64FromWord(word), nil
}

// optimisticBlockTime extracts the commitment block time from the
// new-optimistic-state event of a submission receipt.
func optimisticBlockTime(receipt *chain.Receipt) (uint64, error) {
	lg, ok := receipt.FirstLog(codec.TopicNewOptimisticState, codec.TopicNewOptimisticStates)
	if !ok || len(lg.Topics) < 3 || !types.WordFitsU64(lg.Topics[2]) {
		return 0, wrapDecode(errMalformedEvent)
	}
	return types.U64FromWord(lg.Topics[2]), nil
}

// newStateFromReceipt extracts the announced state from a NewState event.
func newStateFromReceipt(receipt *chain.Receipt) (types.Hash, error) {
	lg, ok := receipt.FirstLog(codec.TopicNewState)
	if !ok || len(lg.Data) != types.HashLength {
		return types.Hash{}, wrapDecode(errMalformedEvent)
	}
	return types.BytesToHash(lg.Data), nil
}

// rolledBackFromReceipt extracts the post-rollback tree size and block
// time from a RolledBack event.
func rolledBackFromReceipt(receipt *chain.Receipt) (uint64, uint64, error) {
	lg, ok := receipt.FirstLog(codec.TopicRolledBack)
	if !ok || len(lg.Data) != 2*types.HashLength {
		return 0, 0, wrapDecode(errMalformedEvent)
	}
	size := types.BytesToHash(lg.Data[:32])
	blockTime := types.BytesToHash(lg.Data[32:])
	if !types.WordFitsU64(size) || !types.WordFitsU64(blockTime) {
		return 0, 0, wrapDecode(errMalformedEvent)
	}
	return types.U64FromWord(size), types.U64FromWord(blockTime), nil
}
