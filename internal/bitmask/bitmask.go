// Package bitmask implements the 128-bit cell-set used throughout the solver.
//
// A container cell is one bit; the whole container is at most 128 cells
// (two 64-bit lanes). Placements are applied and undone with the same XOR.
package bitmask

import (
	"lukechampine.com/uint128"
)

// MaxCells is the widest container the encoding supports.
const MaxCells = 128

// Mask is a set of container cell indices.
type Mask struct {
	u uint128.Uint128
}

// New returns a mask with the given raw lanes (lo = cells 0..63).
func New(lo, hi uint64) Mask {
	return Mask{u: uint128.New(lo, hi)}
}

// Full returns the mask with bits 0..numCells-1 set.
func Full(numCells int) Mask {
	switch {
	case numCells <= 0:
		return Mask{}
	case numCells >= MaxCells:
		return Mask{u: uint128.Max}
	}
	return Mask{u: uint128.Max.Rsh(uint(MaxCells - numCells))}
}

// WithBit returns m with cell set.
func (m Mask) WithBit(cell int) Mask {
	return Mask{u: m.u.Or(uint128.From64(1).Lsh(uint(cell)))}
}

// Has reports whether cell is in the set.
func (m Mask) Has(cell int) bool {
	return !m.u.And(uint128.From64(1).Lsh(uint(cell))).IsZero()
}

// Fits reports whether every cell of v is open in m. This is the placement
// fit test: (m & v) == v.
func (m Mask) Fits(v Mask) bool {
	return m.u.And(v.u) == v.u
}

// Overlaps reports whether m and v share any cell.
func (m Mask) Overlaps(v Mask) bool {
	return !m.u.And(v.u).IsZero()
}

// Toggle flips the cells of v in m. Applying a placement and undoing it are
// the same operation.
func (m Mask) Toggle(v Mask) Mask {
	return Mask{u: m.u.Xor(v.u)}
}

// IsZero reports whether no cell is set.
func (m Mask) IsZero() bool {
	return m.u.IsZero()
}

// LowestCell returns the lowest set cell index, or -1 if the mask is empty.
// The kernel branches on this cell only.
func (m Mask) LowestCell() int {
	if m.u.IsZero() {
		return -1
	}
	return m.u.TrailingZeros()
}

// Count returns the number of set cells.
func (m Mask) Count() int {
	return m.u.OnesCount()
}

// Lanes returns the raw 64-bit lanes (lo, hi) for serialization.
func (m Mask) Lanes() (lo, hi uint64) {
	return m.u.Lo, m.u.Hi
}
