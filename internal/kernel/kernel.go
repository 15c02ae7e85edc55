// Package kernel implements the per-lane tail solver: a budgeted,
// checkpointable depth-first search over the compiled embedding buckets.
//
// One kernel instance owns one Checkpoint and never touches another lane's
// state. It communicates outward only through a Sink. The control flow is a
// flat loop over fixed-size per-depth arrays, so the same algorithm runs
// unchanged on a compute device without a call stack.
package kernel

import (
	"github.com/latticelabs/cubefit/internal/bitmask"
	"github.com/latticelabs/cubefit/internal/puzzle"
)

// MaxDepth is the deepest possible search level, bounded by the piece count.
const MaxDepth = puzzle.MaxPieces

// Status is the lane lifecycle state.
type Status uint32

const (
	// StatusRunning means the lane has work and budget left.
	StatusRunning Status = iota
	// StatusExhausted means the lane's subtree is fully explored.
	StatusExhausted
	// StatusBudgetPaused means the lane yielded after spending its budget
	// and will resume from the checkpoint on the next dispatch.
	StatusBudgetPaused
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusExhausted:
		return "exhausted"
	case StatusBudgetPaused:
		return "budget_paused"
	default:
		return "unknown"
	}
}

// Checkpoint is the full resumable state of one lane.
type Checkpoint struct {
	Cells  bitmask.Mask // cells still open
	Pieces uint64       // pieces still available, one identity bit each

	Depth        int32
	InitialDepth int32 // the lane's prefix root; never backtracked past
	Status       Status

	Nodes    uint64 // cumulative across dispatches
	FitTests uint64

	// Iter[d] is the bucket-local cursor at depth d; Choice[d] is the
	// global embedding index placed at depth d. Sized +1 so the cursor at
	// the deepest level stays addressable.
	Iter   [MaxDepth + 1]int32
	Choice [MaxDepth + 1]uint32
}

// NewCheckpoint builds a lane's starting state from a prefix walk: the open
// cells and available pieces after the prefix placements, and the ordered
// global embedding indices that were chosen to get there.
func NewCheckpoint(cells bitmask.Mask, pieces uint64, choices []uint32) Checkpoint {
	cp := Checkpoint{
		Cells:        cells,
		Pieces:       pieces,
		Depth:        int32(len(choices)),
		InitialDepth: int32(len(choices)),
		Status:       StatusRunning,
	}
	copy(cp.Choice[:], choices)
	return cp
}

// Exhausted returns a padding checkpoint for a lane with no assigned prefix.
func Exhausted() Checkpoint {
	return Checkpoint{Status: StatusExhausted}
}

// Sink receives what a lane publishes: per-dispatch counter deltas with the
// terminal status, and full covers as they are found.
type Sink interface {
	// Publish is called exactly once per Run, after the lane paused or
	// exhausted.
	Publish(nodes, fitTests uint64, maxDepth int32, status Status)
	// Solution is called once per full cover. choices is only valid for
	// the duration of the call and must be copied to be retained.
	Solution(choices []uint32)
}

// Run advances the lane until its subtree is exhausted or budget fit-test
// attempts have been spent, whichever comes first. A paused lane leaves a
// checkpoint that Run can later resume from as if uninterrupted.
func Run(cp *Checkpoint, c *puzzle.Compiled, budget int, sink Sink) {
	if cp.Status == StatusExhausted {
		return
	}
	cp.Status = StatusRunning

	var nodes, fitTests uint64
	maxDepth := cp.Depth

	for {
		if budget <= 0 {
			cp.Status = StatusBudgetPaused
			break
		}

		low := cp.Cells.LowestCell()
		if low < 0 {
			// Every cell is covered.
			sink.Solution(cp.Choice[:cp.Depth])
			if !backtrack(cp, c) {
				cp.Status = StatusExhausted
				break
			}
			continue
		}

		bucket := c.Buckets[low]
		cursor := cp.Iter[cp.Depth]
		placed := false
		for int(cursor) < len(bucket) {
			if budget <= 0 {
				cp.Iter[cp.Depth] = cursor
				cp.Status = StatusBudgetPaused
				goto done
			}
			budget--
			fitTests++

			idx := bucket[cursor]
			e := &c.Embeddings[idx]
			if cp.Pieces&(1<<e.PieceBit) != 0 && cp.Cells.Fits(e.Cells) {
				cp.Cells = cp.Cells.Toggle(e.Cells)
				cp.Pieces ^= 1 << e.PieceBit
				cp.Choice[cp.Depth] = uint32(idx)
				cp.Iter[cp.Depth] = cursor
				cp.Depth++
				cp.Iter[cp.Depth] = 0
				nodes++
				if cp.Depth > maxDepth {
					maxDepth = cp.Depth
				}
				placed = true
				break
			}
			cursor++
		}
		if placed {
			continue
		}

		// No fitting embedding: this branch is dead.
		cp.Iter[cp.Depth] = cursor
		if !backtrack(cp, c) {
			cp.Status = StatusExhausted
			break
		}
	}

done:
	cp.Nodes += nodes
	cp.FitTests += fitTests
	sink.Publish(nodes, fitTests, maxDepth, cp.Status)
}

// backtrack undoes the most recent placement. It refuses to pop past the
// lane's prefix root; a lane never wanders into another lane's territory.
func backtrack(cp *Checkpoint, c *puzzle.Compiled) bool {
	if cp.Depth <= cp.InitialDepth {
		return false
	}
	cp.Depth--
	e := &c.Embeddings[cp.Choice[cp.Depth]]
	cp.Cells = cp.Cells.Toggle(e.Cells)
	cp.Pieces ^= 1 << e.PieceBit
	cp.Iter[cp.Depth]++
	return true
}
