package pack

import (
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/latticelabs/cubefit/internal/bitmask"
	"github.com/latticelabs/cubefit/internal/kernel"
	"github.com/latticelabs/cubefit/internal/puzzle"
)

func maskOf(cells ...int) bitmask.Mask {
	var m bitmask.Mask
	for _, c := range cells {
		m = m.WithBit(c)
	}
	return m
}

func TestCheckpointRoundTrip(t *testing.T) {
	paused := kernel.NewCheckpoint(maskOf(2, 3, 70), 0b101, []uint32{7, 3})
	paused.Status = kernel.StatusBudgetPaused
	paused.Depth = 4
	paused.Nodes = 12345
	paused.FitTests = 67890
	paused.Iter[2] = 9
	paused.Iter[4] = 1
	paused.Choice[2] = 11
	paused.Choice[3] = 5

	cps := []kernel.Checkpoint{
		kernel.NewCheckpoint(bitmask.Full(8), 0b111, nil),
		paused,
		kernel.Exhausted(),
	}

	buf := Checkpoints(cps)
	if len(buf) != len(cps)*CheckpointStride {
		t.Fatalf("packed %d bytes, want %d", len(buf), len(cps)*CheckpointStride)
	}

	got, err := UnpackCheckpoints(buf)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !reflect.DeepEqual(got, cps) {
		t.Errorf("round trip changed checkpoints:\n got %+v\nwant %+v", got, cps)
	}

	if _, err := UnpackCheckpoints(buf[:CheckpointStride-1]); err == nil {
		t.Error("unpacking a truncated buffer should fail")
	}
}

func TestStatsRoundTrip(t *testing.T) {
	want := Stats{
		Solutions:      3,
		LanesExhausted: 100,
		LanesPaused:    28,
		MaxDepth:       17,
		FitTests:       1 << 40,
		Nodes:          987654321,
	}
	got, err := DecodeStats(EncodeStats(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Errorf("round trip changed stats: got %+v, want %+v", got, want)
	}

	if _, err := DecodeStats(make([]byte, StatsSize-1)); err == nil {
		t.Error("decoding a short stats buffer should fail")
	}
}

func TestSolutionsBuffer(t *testing.T) {
	buf := NewSolutionsBuffer(3)
	if len(buf) != SolutionsHeader+3*SolutionStride {
		t.Fatalf("buffer is %d bytes, want %d", len(buf), SolutionsHeader+3*SolutionStride)
	}

	PutSolution(buf, 0, []uint32{4, 9, 2})
	PutSolution(buf, 1, []uint32{1})
	SetSolutionCount(buf, 2)

	sols, err := DecodeSolutions(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []RawSolution{
		{Valid: true, Choices: []uint32{4, 9, 2}},
		{Valid: true, Choices: []uint32{1}},
	}
	if !reflect.DeepEqual(sols, want) {
		t.Errorf("decoded %+v, want %+v", sols, want)
	}

	// Decoding is idempotent.
	again, err := DecodeSolutions(buf)
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if !reflect.DeepEqual(again, sols) {
		t.Error("second decode differed from the first")
	}
}

func TestDecodeSolutionsSkipsBadSlots(t *testing.T) {
	buf := NewSolutionsBuffer(3)
	PutSolution(buf, 0, []uint32{5, 6})
	// Slot 1 stays zeroed (invalid), slot 2 records no placements.
	PutSolution(buf, 2, nil)
	SetSolutionCount(buf, 3)

	sols, err := DecodeSolutions(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sols) != 1 || !reflect.DeepEqual(sols[0].Choices, []uint32{5, 6}) {
		t.Errorf("decoded %+v, want only the valid slot", sols)
	}
}

func TestDecodeSolutionsClampsCount(t *testing.T) {
	buf := NewSolutionsBuffer(2)
	PutSolution(buf, 0, []uint32{1})
	PutSolution(buf, 1, []uint32{2})
	// Lanes kept counting after the cap was hit.
	SetSolutionCount(buf, 9)

	sols, err := DecodeSolutions(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sols) != 2 {
		t.Errorf("decoded %d solutions, want the 2 stored slots", len(sols))
	}

	if _, err := DecodeSolutions(buf[:4]); err == nil {
		t.Error("decoding a short buffer should fail")
	}
}

func TestEmbeddingsLayout(t *testing.T) {
	c, err := puzzle.FromEmbeddings(80, 2, []puzzle.Embedding{
		{Cells: maskOf(0, 1), PieceBit: 0},
		{Cells: maskOf(63, 64, 79), PieceBit: 1},
	})
	if err != nil {
		t.Fatalf("building puzzle: %v", err)
	}

	buf := Embeddings(c)
	if len(buf) != 2*EmbeddingStride {
		t.Fatalf("packed %d bytes, want %d", len(buf), 2*EmbeddingStride)
	}

	second := buf[EmbeddingStride:]
	lo, hi := c.Embeddings[1].Cells.Lanes()
	if binary.LittleEndian.Uint64(second[0:]) != lo || binary.LittleEndian.Uint64(second[8:]) != hi {
		t.Error("mask lanes packed in the wrong order")
	}
	if binary.LittleEndian.Uint32(second[16:]) != 1 {
		t.Error("piece bit not at offset 16")
	}
	if binary.LittleEndian.Uint32(second[20:]) != 63 {
		t.Error("min cell not at offset 20")
	}
}

func TestBucketsLayout(t *testing.T) {
	c, err := puzzle.FromEmbeddings(4, 2, []puzzle.Embedding{
		{Cells: maskOf(0, 1), PieceBit: 0},
		{Cells: maskOf(2, 3), PieceBit: 0},
		{Cells: maskOf(0, 2), PieceBit: 1},
	})
	if err != nil {
		t.Fatalf("building puzzle: %v", err)
	}

	buf := Buckets(c)
	wantLen := 4*BucketHeaderStride + 3*4
	if len(buf) != wantLen {
		t.Fatalf("packed %d bytes, want %d", len(buf), wantLen)
	}

	// Headers are (offset, count) pairs per cell.
	headers := [][2]uint32{{0, 2}, {2, 0}, {2, 1}, {3, 0}}
	for cell, h := range headers {
		off := binary.LittleEndian.Uint32(buf[cell*BucketHeaderStride:])
		count := binary.LittleEndian.Uint32(buf[cell*BucketHeaderStride+4:])
		if off != h[0] || count != h[1] {
			t.Errorf("cell %d header = (%d, %d), want (%d, %d)", cell, off, count, h[0], h[1])
		}
	}

	idxBase := 4 * BucketHeaderStride
	for i, want := range []uint32{0, 2, 1} {
		if got := binary.LittleEndian.Uint32(buf[idxBase+i*4:]); got != want {
			t.Errorf("flat index %d = %d, want %d", i, got, want)
		}
	}
}

func TestEstimateBytes(t *testing.T) {
	base := EstimateBytes(64, 100, 100, 1000, 16)
	if base == 0 {
		t.Fatal("estimate is zero")
	}
	want := base + 1000*CheckpointStride
	if got := EstimateBytes(64, 100, 100, 2000, 16); got != want {
		t.Errorf("estimate for 1000 extra lanes = %d bytes, want %d", got, want)
	}
}
