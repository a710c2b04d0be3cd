package rollin

import (
	"context"

	"github.com/circle-free/optimistic-roll-in/merkle"
	"github.com/circle-free/optimistic-roll-in/types"
)

// QueuedTransition is one pending optimistic transition: the logic
// function, its normalised arguments, the predicted new state, and the
// calldata blob encoded at queue time. Queue order is significant; each
// blob's embedded current state chains from its predecessor's prediction.
type QueuedTransition struct {
	FunctionName string
	Args         []types.Hash
	NewState     types.Hash
	CallData     []byte
}

// GasEstimator prices the submission of a batch: the calldata sequence,
// its declared final state, and the append proof that accompanies it.
// Estimates are assumed monotonic non-decreasing in prefix length.
type GasEstimator func(ctx context.Context, blobs [][]byte, finalState types.Hash, proof merkle.CompactProof) (uint64, error)

// selectPrefix picks the longest queue prefix whose estimated cost fits
// the ceiling, by binary search over prefix lengths with memoised
// estimator results. At least one element must fit; otherwise the flush
// fails with ErrBudgetExceeded.
func selectPrefix(ctx context.Context, queue []QueuedTransition, proof merkle.CompactProof, estimate GasEstimator, ceiling uint64) (int, error) {
	memo := make(map[int]uint64, 8)
	cost := func(n int) (uint64, error) {
		if c, ok := memo[n]; ok {
			return c, nil
		}
		blobs := make([][]byte, n)
		for i := range blobs {
			blobs[i] = queue[i].CallData
		}
		c, err := estimate(ctx, blobs, queue[n-1].NewState, proof)
		if err != nil {
			return 0, wrapChain(err)
		}
		memo[n] = c
		return c, nil
	}

	c1, err := cost(1)
	if err != nil {
		return 0, err
	}
	if c1 > ceiling {
		return 0, ErrBudgetExceeded
	}

	lo, hi := 1, len(queue)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		c, err := cost(mid)
		if err != nil {
			return 0, err
		}
		if c <= ceiling {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}
