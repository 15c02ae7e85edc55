// Package puzzle defines the compiled form of a tiling instance as produced
// by the external geometry compiler: every legal placement of every piece,
// bucketed by the lowest container cell it covers.
package puzzle

import (
	"github.com/pkg/errors"

	"github.com/latticelabs/cubefit/internal/bitmask"
)

// MaxPieces bounds the piece-availability mask and the search depth.
const MaxPieces = 64

// Embedding is one legal placement of one piece instance: an immutable
// cells mask plus the identity bit of the piece it consumes. The decode
// metadata ties a chosen embedding back to a concrete placement.
type Embedding struct {
	Cells    bitmask.Mask
	PieceBit uint8
	MinCell  uint16

	PieceID       string
	OrientationID int
	Translation   [3]int
}

// Placement is one element of a decoded solution.
type Placement struct {
	PieceID       string `json:"piece_id"`
	OrientationID int    `json:"orientation_id"`
	Translation   [3]int `json:"translation"`
}

// Compiled is the read-only compiled puzzle. It is created once per puzzle
// and may be shared across solver runs.
type Compiled struct {
	NumCells  int
	NumPieces int

	// Embeddings are globally indexed; Buckets[cell] holds the indices of
	// embeddings whose MinCell is cell.
	Embeddings []Embedding
	Buckets    [][]int32
}

// FromEmbeddings assembles a Compiled puzzle, deriving MinCell and the
// per-cell buckets from the embedding masks.
func FromEmbeddings(numCells, numPieces int, embs []Embedding) (*Compiled, error) {
	c := &Compiled{
		NumCells:   numCells,
		NumPieces:  numPieces,
		Embeddings: make([]Embedding, len(embs)),
		Buckets:    make([][]int32, numCells),
	}
	for i, e := range embs {
		low := e.Cells.LowestCell()
		if low < 0 {
			return nil, errors.Errorf("embedding %d covers no cells", i)
		}
		e.MinCell = uint16(low)
		c.Embeddings[i] = e
		c.Buckets[low] = append(c.Buckets[low], int32(i))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// TotalEmbeddings returns the global embedding count.
func (c *Compiled) TotalEmbeddings() int {
	return len(c.Embeddings)
}

// Bucket returns the embedding indices rooted at cell.
func (c *Compiled) Bucket(cell int) []int32 {
	return c.Buckets[cell]
}

// Validate checks the structural invariants the solver relies on.
func (c *Compiled) Validate() error {
	if c.NumCells <= 0 || c.NumCells > bitmask.MaxCells {
		return errors.Errorf("puzzle has %d cells, supported range is 1..%d", c.NumCells, bitmask.MaxCells)
	}
	if c.NumPieces <= 0 || c.NumPieces > MaxPieces {
		return errors.Errorf("puzzle has %d pieces, supported range is 1..%d", c.NumPieces, MaxPieces)
	}
	if len(c.Buckets) != c.NumCells {
		return errors.Errorf("bucket table has %d entries for %d cells", len(c.Buckets), c.NumCells)
	}

	full := bitmask.Full(c.NumCells)
	for i, e := range c.Embeddings {
		if e.Cells.IsZero() {
			return errors.Errorf("embedding %d covers no cells", i)
		}
		if !full.Fits(e.Cells) {
			return errors.Errorf("embedding %d covers cells outside the container", i)
		}
		if int(e.PieceBit) >= c.NumPieces {
			return errors.Errorf("embedding %d uses piece bit %d of %d pieces", i, e.PieceBit, c.NumPieces)
		}
		if int(e.MinCell) != e.Cells.LowestCell() {
			return errors.Errorf("embedding %d has min cell %d, mask says %d", i, e.MinCell, e.Cells.LowestCell())
		}
	}

	for cell, bucket := range c.Buckets {
		for _, idx := range bucket {
			if int(idx) >= len(c.Embeddings) {
				return errors.Errorf("bucket %d references embedding %d of %d", cell, idx, len(c.Embeddings))
			}
			if int(c.Embeddings[idx].MinCell) != cell {
				return errors.Errorf("bucket %d holds embedding %d rooted at cell %d", cell, idx, c.Embeddings[idx].MinCell)
			}
		}
	}
	return nil
}

// Decode maps the chosen global embedding indices of a raw solution to
// placements. A solution with no recorded placements is rejected. Decoding
// the same choices twice yields identical placement lists.
func (c *Compiled) Decode(choices []uint32) ([]Placement, error) {
	if len(choices) == 0 {
		return nil, errors.New("solution records no placements")
	}
	out := make([]Placement, 0, len(choices))
	for _, idx := range choices {
		if int(idx) >= len(c.Embeddings) {
			return nil, errors.Errorf("solution references embedding %d of %d", idx, len(c.Embeddings))
		}
		e := c.Embeddings[idx]
		out = append(out, Placement{
			PieceID:       e.PieceID,
			OrientationID: e.OrientationID,
			Translation:   e.Translation,
		})
	}
	return out, nil
}

// CheckCover verifies that the chosen embeddings cover every container cell
// exactly once without reusing a piece.
func (c *Compiled) CheckCover(choices []uint32) error {
	var covered bitmask.Mask
	var pieces uint64
	for _, idx := range choices {
		if int(idx) >= len(c.Embeddings) {
			return errors.Errorf("choice %d out of range", idx)
		}
		e := c.Embeddings[idx]
		if covered.Overlaps(e.Cells) {
			return errors.Errorf("embedding %d overlaps earlier placements", idx)
		}
		if pieces&(1<<e.PieceBit) != 0 {
			return errors.Errorf("piece bit %d used twice", e.PieceBit)
		}
		pieces |= 1 << e.PieceBit
		covered = covered.Toggle(e.Cells)
	}
	if covered != bitmask.Full(c.NumCells) {
		return errors.New("placements do not cover the container")
	}
	return nil
}
