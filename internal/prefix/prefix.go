// Package prefix partitions the search tree into independent starting
// points, one per compute lane. Enumeration walks the same cell/bucket
// structure as the kernel, but shuffles each bucket's try-order so that
// successive rounds carve the tree differently.
package prefix

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/latticelabs/cubefit/internal/bitmask"
	"github.com/latticelabs/cubefit/internal/puzzle"
)

// Safety ceilings. Hitting either terminates enumeration early and is
// reported through Result.Capped so the caller can tell a truncated frontier
// from an exhausted one.
const (
	DefaultMaxIterations = 2_000_000
	DefaultMaxPrefixes   = 1 << 20
)

// SearchPrefix is one partial assignment at the split depth. Prefixes are
// pairwise independent: no cell or piece state is shared.
type SearchPrefix struct {
	Cells   bitmask.Mask // cells still open
	Pieces  uint64       // pieces still available
	Choices []uint32     // global embedding indices chosen, in order
}

// Options configures one generation pass.
type Options struct {
	// TargetDepth pins the split depth; 0 probes 1..MaxDepth.
	TargetDepth int
	// TargetCount is how many prefixes the caller wants, one per lane.
	TargetCount int
	// MaxDepth bounds the probe.
	MaxDepth int

	// MaxIterations and MaxPrefixes cap enumeration cost; zero means the
	// package default.
	MaxIterations int
	MaxPrefixes   int

	// Rand drives the per-bucket shuffle. Required: randomness is always
	// injected so runs are reproducible given a seed.
	Rand *rand.Rand
}

// Result is the outcome of one generation pass.
type Result struct {
	Prefixes []SearchPrefix
	Depth    int
	// Solutions are full covers reached before the split depth. A puzzle
	// smaller than the split depth still reports its covers.
	Solutions [][]uint32
	// Capped is set when an enumeration ceiling cut the frontier short.
	Capped bool
}

// Generate enumerates prefixes for one round. With TargetDepth unset it
// probes depths 1..MaxDepth and stops at the first depth that yields at
// least half of TargetCount (shallower is cheaper), or that yields zero
// (nothing to split).
func Generate(c *puzzle.Compiled, opts Options) (*Result, error) {
	if opts.Rand == nil {
		return nil, errors.New("prefix generation requires an injected random source")
	}
	if opts.TargetCount <= 0 {
		return nil, errors.New("target prefix count must be positive")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxPrefixes <= 0 {
		opts.MaxPrefixes = DefaultMaxPrefixes
	}

	if opts.TargetDepth > 0 {
		return enumerate(c, opts.TargetDepth, opts), nil
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 || maxDepth > kMaxProbe {
		maxDepth = kMaxProbe
	}
	var last *Result
	for k := 1; k <= maxDepth; k++ {
		r := enumerate(c, k, opts)
		if len(r.Prefixes) == 0 || len(r.Prefixes)*2 >= opts.TargetCount {
			return r, nil
		}
		last = r
	}
	return last, nil
}

const kMaxProbe = 6

type frame struct {
	order []int32
	pos   int
}

func enumerate(c *puzzle.Compiled, k int, opts Options) *Result {
	res := &Result{Depth: k}

	cells := bitmask.Full(c.NumCells)
	pieces := allPieces(c.NumPieces)
	choices := make([]uint32, 0, k)
	frames := make([]frame, k+1)
	depth := 0
	iters := 0

	pop := func() bool {
		if depth == 0 {
			return false
		}
		depth--
		e := &c.Embeddings[choices[depth]]
		cells = cells.Toggle(e.Cells)
		pieces ^= 1 << e.PieceBit
		choices = choices[:depth]
		return true
	}

	for {
		if depth == k {
			if cells.IsZero() {
				// Full cover at exactly the split depth: it belongs to
				// no lane, so it is reported directly.
				res.Solutions = append(res.Solutions, append([]uint32(nil), choices...))
				if !pop() {
					return res
				}
				continue
			}
			res.Prefixes = append(res.Prefixes, SearchPrefix{
				Cells:   cells,
				Pieces:  pieces,
				Choices: append([]uint32(nil), choices...),
			})
			if len(res.Prefixes) >= opts.MaxPrefixes {
				res.Capped = true
				return res
			}
			if !pop() {
				return res
			}
			continue
		}

		low := cells.LowestCell()
		if low < 0 {
			// Full cover above the split depth.
			res.Solutions = append(res.Solutions, append([]uint32(nil), choices...))
			if !pop() {
				return res
			}
			continue
		}

		fr := &frames[depth]
		if fr.order == nil {
			fr.order = shuffled(c.Buckets[low], opts.Rand)
			fr.pos = 0
		}

		advanced := false
		for fr.pos < len(fr.order) {
			iters++
			if iters > opts.MaxIterations {
				res.Capped = true
				return res
			}
			idx := fr.order[fr.pos]
			fr.pos++
			e := &c.Embeddings[idx]
			if pieces&(1<<e.PieceBit) != 0 && cells.Fits(e.Cells) {
				cells = cells.Toggle(e.Cells)
				pieces ^= 1 << e.PieceBit
				choices = append(choices, uint32(idx))
				depth++
				frames[depth].order = nil
				advanced = true
				break
			}
		}
		if advanced {
			continue
		}
		if !pop() {
			return res
		}
	}
}

func shuffled(bucket []int32, rng *rand.Rand) []int32 {
	order := append([]int32(nil), bucket...)
	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	if order == nil {
		order = []int32{}
	}
	return order
}

func allPieces(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (1 << uint(n)) - 1
}
