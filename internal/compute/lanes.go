package compute

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/latticelabs/cubefit/internal/kernel"
	"github.com/latticelabs/cubefit/internal/pack"
	"github.com/latticelabs/cubefit/internal/puzzle"
)

// LaneBackend runs the kernel across goroutine groups. It is the
// fallback-to-CPU target and preserves the device backend's contract
// exactly: fixed groups, shared atomic stats, a capped solutions block with
// atomic slot claiming, and no cross-lane state.
type LaneBackend struct {
	puz       *puzzle.Compiled
	budget    int
	groupSize int

	cps []kernel.Checkpoint

	solutions []byte
	slotCap   int
	claimed   atomic.Int64 // monotonic for the whole run, may pass slotCap

	// per-round counters, reset by Reset
	nodes    atomic.Uint64
	fitTests atomic.Uint64
	found    atomic.Uint32
	maxDepth atomic.Int32
}

// NewLaneBackend builds a CPU backend over the given checkpoints.
func NewLaneBackend(c *puzzle.Compiled, cps []kernel.Checkpoint, budget, groupSize, solutionCap int) (*LaneBackend, error) {
	if budget <= 0 {
		return nil, errors.New("lane budget must be positive")
	}
	if groupSize <= 0 {
		groupSize = 1
	}
	if solutionCap <= 0 {
		solutionCap = 1
	}
	return &LaneBackend{
		puz:       c,
		budget:    budget,
		groupSize: groupSize,
		cps:       cps,
		solutions: pack.NewSolutionsBuffer(solutionCap),
		slotCap:   solutionCap,
	}, nil
}

// LaneCount reports the number of scheduled lanes.
func (b *LaneBackend) LaneCount() int {
	return len(b.cps)
}

// Dispatch runs every active lane for one budget's worth of fit tests.
// Groups run in parallel; lanes within a group run in sequence, mirroring
// how a device schedules fixed-size groups.
func (b *LaneBackend) Dispatch(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for start := 0; start < len(b.cps); start += b.groupSize {
		end := start + b.groupSize
		if end > len(b.cps) {
			end = len(b.cps)
		}
		group := b.cps[start:end]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := range group {
				kernel.Run(&group[i], b.puz, b.budget, (*laneSink)(b))
			}
			return nil
		})
	}
	return g.Wait()
}

// laneSink adapts the backend's shared counters to the kernel's Sink.
type laneSink LaneBackend

func (s *laneSink) Publish(nodes, fitTests uint64, maxDepth int32, _ kernel.Status) {
	s.nodes.Add(nodes)
	s.fitTests.Add(fitTests)
	for {
		cur := s.maxDepth.Load()
		if maxDepth <= cur || s.maxDepth.CompareAndSwap(cur, maxDepth) {
			return
		}
	}
}

func (s *laneSink) Solution(choices []uint32) {
	s.found.Add(1)
	slot := s.claimed.Add(1) - 1
	if int(slot) >= s.slotCap {
		// Cap reached: the cover was still counted, the record is dropped.
		return
	}
	pack.PutSolution(s.solutions, int(slot), choices)
}

// ReadStats snapshots the round counters. Lane status tallies come from the
// checkpoints themselves, which only their owning lanes mutate.
func (b *LaneBackend) ReadStats(_ context.Context) (pack.Stats, error) {
	s := pack.Stats{
		Solutions: b.found.Load(),
		MaxDepth:  uint32(b.maxDepth.Load()),
		FitTests:  b.fitTests.Load(),
		Nodes:     b.nodes.Load(),
	}
	for i := range b.cps {
		switch b.cps[i].Status {
		case kernel.StatusExhausted:
			s.LanesExhausted++
		case kernel.StatusBudgetPaused:
			s.LanesPaused++
		}
	}
	return s, nil
}

// ReadSolutions decodes the stored slots in discovery order.
func (b *LaneBackend) ReadSolutions(_ context.Context) ([]pack.RawSolution, error) {
	stored := int(b.claimed.Load())
	if stored > b.slotCap {
		stored = b.slotCap
	}
	pack.SetSolutionCount(b.solutions, stored)
	return pack.DecodeSolutions(b.solutions)
}

// Reset installs the next round's checkpoints and clears round counters.
// The solutions block persists: covers accumulate for the whole run.
func (b *LaneBackend) Reset(cps []kernel.Checkpoint) error {
	b.cps = cps
	b.nodes.Store(0)
	b.fitTests.Store(0)
	b.found.Store(0)
	b.maxDepth.Store(0)
	return nil
}

// Close releases the backend. Nothing to free on the CPU path.
func (b *LaneBackend) Close() {}
