package bitmask

import "testing"

func TestFull(t *testing.T) {
	tests := []struct {
		numCells int
		count    int
	}{
		{0, 0},
		{1, 1},
		{4, 4},
		{63, 63},
		{64, 64},
		{65, 65},
		{127, 127},
		{128, 128},
	}

	for _, tt := range tests {
		m := Full(tt.numCells)
		if got := m.Count(); got != tt.count {
			t.Errorf("Full(%d).Count() = %d, want %d", tt.numCells, got, tt.count)
		}
		for c := 0; c < tt.numCells; c++ {
			if !m.Has(c) {
				t.Errorf("Full(%d) missing cell %d", tt.numCells, c)
			}
		}
		if tt.numCells < MaxCells && m.Has(tt.numCells) {
			t.Errorf("Full(%d) has cell %d set", tt.numCells, tt.numCells)
		}
	}
}

func TestFitsAndToggle(t *testing.T) {
	open := Full(8)
	piece := New(0b1011, 0)

	if !open.Fits(piece) {
		t.Fatal("piece should fit an empty container")
	}

	applied := open.Toggle(piece)
	if applied.Count() != 5 {
		t.Errorf("expected 5 open cells after placing 3, got %d", applied.Count())
	}
	if applied.Fits(piece) {
		t.Error("piece should no longer fit over its own cells")
	}

	// Undo is the same XOR.
	undone := applied.Toggle(piece)
	if undone != open {
		t.Error("toggle twice should restore the original mask")
	}
}

func TestFitsAcrossLaneBoundary(t *testing.T) {
	open := Full(70)
	piece := New(1<<63, 0b11) // cells 63, 64, 65

	if !open.Fits(piece) {
		t.Fatal("lane-straddling piece should fit")
	}
	left := open.Toggle(piece)
	if left.Has(63) || left.Has(64) || left.Has(65) {
		t.Error("cells 63..65 should be closed")
	}
	if !left.Has(62) || !left.Has(66) {
		t.Error("neighboring cells should remain open")
	}
}

func TestLowestCell(t *testing.T) {
	tests := []struct {
		lo, hi uint64
		want   int
	}{
		{0, 0, -1},
		{1, 0, 0},
		{0b1000, 0, 3},
		{0, 1, 64},
		{0, 1 << 20, 84},
		{1 << 63, 1, 63},
	}

	for _, tt := range tests {
		if got := New(tt.lo, tt.hi).LowestCell(); got != tt.want {
			t.Errorf("New(%#x, %#x).LowestCell() = %d, want %d", tt.lo, tt.hi, got, tt.want)
		}
	}
}

func TestLanesRoundTrip(t *testing.T) {
	m := New(0xdeadbeef, 0xcafe)
	lo, hi := m.Lanes()
	if New(lo, hi) != m {
		t.Errorf("lane round trip mismatch: %#x %#x", lo, hi)
	}
}
