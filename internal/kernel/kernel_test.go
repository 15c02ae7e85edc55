package kernel

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/latticelabs/cubefit/internal/bitmask"
	"github.com/latticelabs/cubefit/internal/puzzle"
)

// stripPuzzle builds a 1-D strip of cells tiled by one piece per entry of
// sizes, each piece placeable at every offset it fits.
func stripPuzzle(t *testing.T, cells int, sizes []int) *puzzle.Compiled {
	t.Helper()
	var embs []puzzle.Embedding
	for bit, size := range sizes {
		for start := 0; start+size <= cells; start++ {
			var m bitmask.Mask
			for c := start; c < start+size; c++ {
				m = m.WithBit(c)
			}
			embs = append(embs, puzzle.Embedding{
				Cells:    m,
				PieceBit: uint8(bit),
				PieceID:  string(rune('A' + bit)),
			})
		}
	}
	c, err := puzzle.FromEmbeddings(cells, len(sizes), embs)
	if err != nil {
		t.Fatalf("building strip puzzle: %v", err)
	}
	return c
}

// embeddingAt finds the global index of the embedding for piece bit at the
// given start cell.
func embeddingAt(t *testing.T, c *puzzle.Compiled, bit uint8, start int) uint32 {
	t.Helper()
	for i, e := range c.Embeddings {
		if e.PieceBit == bit && e.Cells.LowestCell() == start {
			return uint32(i)
		}
	}
	t.Fatalf("no embedding for piece bit %d at cell %d", bit, start)
	return 0
}

type captureSink struct {
	solutions [][]uint32
	nodes     uint64
	fitTests  uint64
	maxDepth  int32
	status    Status
	publishes int
}

func (s *captureSink) Publish(nodes, fitTests uint64, maxDepth int32, status Status) {
	s.nodes += nodes
	s.fitTests += fitTests
	if maxDepth > s.maxDepth {
		s.maxDepth = maxDepth
	}
	s.status = status
	s.publishes++
}

func (s *captureSink) Solution(choices []uint32) {
	s.solutions = append(s.solutions, append([]uint32(nil), choices...))
}

func rootCheckpoint(c *puzzle.Compiled) Checkpoint {
	pieces := uint64(1)<<uint(c.NumPieces) - 1
	return NewCheckpoint(bitmask.Full(c.NumCells), pieces, nil)
}

// runToExhaustion drives a lane in budgeted chunks until it reports
// exhaustion, failing the test if it never does.
func runToExhaustion(t *testing.T, cp *Checkpoint, c *puzzle.Compiled, budget int, sink *captureSink) {
	t.Helper()
	for i := 0; i < 100_000; i++ {
		Run(cp, c, budget, sink)
		if cp.Status == StatusExhausted {
			return
		}
		if cp.Status != StatusBudgetPaused {
			t.Fatalf("lane stopped with status %v", cp.Status)
		}
	}
	t.Fatal("lane never exhausted")
}

func TestRunFindsSingleCover(t *testing.T) {
	c := stripPuzzle(t, 4, []int{4})
	cp := rootCheckpoint(c)
	var sink captureSink

	Run(&cp, c, 1<<20, &sink)

	if cp.Status != StatusExhausted {
		t.Fatalf("status = %v, want exhausted", cp.Status)
	}
	if len(sink.solutions) != 1 {
		t.Fatalf("found %d covers, want 1", len(sink.solutions))
	}
	if err := c.CheckCover(sink.solutions[0]); err != nil {
		t.Errorf("emitted cover is invalid: %v", err)
	}
	if sink.publishes != 1 {
		t.Errorf("published %d times, want once per run", sink.publishes)
	}
	if sink.maxDepth != 1 {
		t.Errorf("max depth = %d, want 1", sink.maxDepth)
	}
}

func TestRunEnumeratesAllCovers(t *testing.T) {
	// Three distinct pieces of sizes 2, 2 and 4 on an 8-cell strip: every
	// piece ordering tiles the strip, so there are 3! covers.
	c := stripPuzzle(t, 8, []int{2, 2, 4})
	cp := rootCheckpoint(c)
	var sink captureSink

	Run(&cp, c, 1<<24, &sink)

	if cp.Status != StatusExhausted {
		t.Fatalf("status = %v, want exhausted", cp.Status)
	}
	if len(sink.solutions) != 6 {
		t.Fatalf("found %d covers, want 6", len(sink.solutions))
	}
	seen := make(map[string]bool)
	for _, sol := range sink.solutions {
		if err := c.CheckCover(sol); err != nil {
			t.Errorf("cover %v is invalid: %v", sol, err)
		}
		key := fmt.Sprint(sol)
		if seen[key] {
			t.Errorf("cover %v reported twice", sol)
		}
		seen[key] = true
	}
	if sink.nodes == 0 || sink.fitTests == 0 {
		t.Errorf("counters not accumulated: nodes=%d fitTests=%d", sink.nodes, sink.fitTests)
	}
}

func TestRunBudgetIsRespected(t *testing.T) {
	c := stripPuzzle(t, 8, []int{2, 2, 4})
	cp := rootCheckpoint(c)

	const budget = 3
	for i := 0; i < 100_000 && cp.Status != StatusExhausted; i++ {
		var sink captureSink
		Run(&cp, c, budget, &sink)
		if sink.fitTests > budget {
			t.Fatalf("dispatch spent %d fit tests against a budget of %d", sink.fitTests, budget)
		}
		if cp.Status == StatusRunning {
			t.Fatal("lane left in running state between dispatches")
		}
	}
	if cp.Status != StatusExhausted {
		t.Fatal("lane never exhausted")
	}
}

func TestRunResumesTransparently(t *testing.T) {
	c := stripPuzzle(t, 8, []int{2, 2, 4})

	oneShot := rootCheckpoint(c)
	var whole captureSink
	Run(&oneShot, c, 1<<24, &whole)

	chunked := rootCheckpoint(c)
	var pieces captureSink
	runToExhaustion(t, &chunked, c, 3, &pieces)

	if !reflect.DeepEqual(whole.solutions, pieces.solutions) {
		t.Errorf("chunked run found %v, one-shot found %v", pieces.solutions, whole.solutions)
	}
	if whole.nodes != pieces.nodes {
		t.Errorf("chunked run expanded %d nodes, one-shot %d", pieces.nodes, whole.nodes)
	}
	if whole.fitTests != pieces.fitTests {
		t.Errorf("chunked run spent %d fit tests, one-shot %d", pieces.fitTests, whole.fitTests)
	}
	if oneShot.Nodes != chunked.Nodes || oneShot.FitTests != chunked.FitTests {
		t.Errorf("checkpoint counters diverged: %d/%d vs %d/%d",
			oneShot.Nodes, oneShot.FitTests, chunked.Nodes, chunked.FitTests)
	}
}

func TestRunStaysInsidePrefix(t *testing.T) {
	c := stripPuzzle(t, 8, []int{2, 2, 4})

	// Lane rooted at piece A covering cells 0,1.
	rootChoice := embeddingAt(t, c, 0, 0)
	e := c.Embeddings[rootChoice]
	cells := bitmask.Full(c.NumCells).Toggle(e.Cells)
	pieces := uint64(0b110)
	cp := NewCheckpoint(cells, pieces, []uint32{rootChoice})

	var sink captureSink
	runToExhaustion(t, &cp, c, 7, &sink)

	if cp.Depth != cp.InitialDepth {
		t.Errorf("exhausted lane at depth %d, initial depth %d", cp.Depth, cp.InitialDepth)
	}
	// Orderings starting with A: (A,B,C) and (A,C,B).
	if len(sink.solutions) != 2 {
		t.Fatalf("lane found %d covers, want 2", len(sink.solutions))
	}
	for _, sol := range sink.solutions {
		if sol[0] != rootChoice {
			t.Errorf("cover %v abandons the lane's prefix root", sol)
		}
		if err := c.CheckCover(sol); err != nil {
			t.Errorf("cover %v is invalid: %v", sol, err)
		}
	}
}

func TestRunOnExhaustedLaneIsNoop(t *testing.T) {
	cp := Exhausted()
	var sink captureSink
	Run(&cp, stripPuzzle(t, 4, []int{4}), 16, &sink)
	if sink.publishes != 0 {
		t.Error("an exhausted lane should not publish")
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusRunning, "running"},
		{StatusExhausted, "exhausted"},
		{StatusBudgetPaused, "budget_paused"},
		{Status(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
