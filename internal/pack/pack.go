// Package pack serializes puzzle data, checkpoints, statistics and
// solutions into the flat little-endian layouts the compute backends
// consume. Encode and decode are exact inverses; the CPU lane backend and
// the device backend share every layout, so a buffer written by one decodes
// identically everywhere.
package pack

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/latticelabs/cubefit/internal/bitmask"
	"github.com/latticelabs/cubefit/internal/kernel"
	"github.com/latticelabs/cubefit/internal/puzzle"
)

// Fixed strides, in bytes.
const (
	// EmbeddingStride: cells lo, cells hi (8 bytes each), piece bit,
	// min cell (4 bytes each).
	EmbeddingStride = 24

	// BucketHeaderStride: offset and count words per cell.
	BucketHeaderStride = 8

	// CheckpointStride: masks (24), depth/initialDepth/status/pad (16),
	// nodes/fitTests (16), iter and choice arrays (8 bytes per level).
	CheckpointStride = 56 + (kernel.MaxDepth+1)*8

	// SolutionStride: valid flag, depth, and a zero-padded fixed-size
	// choice array.
	SolutionStride = 8 + kernel.MaxDepth*4

	// SolutionsHeader: claimed-slot counter and slot capacity.
	SolutionsHeader = 8

	// StatsSize: solutions, exhausted, paused, max depth (4 bytes each),
	// fit tests and nodes (8 bytes each).
	StatsSize = 32
)

// Embeddings packs the global embedding table.
func Embeddings(c *puzzle.Compiled) []byte {
	buf := make([]byte, len(c.Embeddings)*EmbeddingStride)
	for i, e := range c.Embeddings {
		off := i * EmbeddingStride
		lo, hi := e.Cells.Lanes()
		binary.LittleEndian.PutUint64(buf[off:], lo)
		binary.LittleEndian.PutUint64(buf[off+8:], hi)
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(e.PieceBit))
		binary.LittleEndian.PutUint32(buf[off+20:], uint32(e.MinCell))
	}
	return buf
}

// Buckets packs the per-cell bucket table: a header of (offset, count)
// pairs, one per cell, followed by the flattened embedding indices.
func Buckets(c *puzzle.Compiled) []byte {
	total := 0
	for _, b := range c.Buckets {
		total += len(b)
	}
	buf := make([]byte, c.NumCells*BucketHeaderStride+total*4)

	off := uint32(0)
	idxBase := c.NumCells * BucketHeaderStride
	for cell, b := range c.Buckets {
		binary.LittleEndian.PutUint32(buf[cell*BucketHeaderStride:], off)
		binary.LittleEndian.PutUint32(buf[cell*BucketHeaderStride+4:], uint32(len(b)))
		for j, idx := range b {
			binary.LittleEndian.PutUint32(buf[idxBase+int(off)*4+j*4:], uint32(idx))
		}
		off += uint32(len(b))
	}
	return buf
}

// Checkpoints packs one checkpoint per lane.
func Checkpoints(cps []kernel.Checkpoint) []byte {
	buf := make([]byte, len(cps)*CheckpointStride)
	for i := range cps {
		PutCheckpoint(buf[i*CheckpointStride:(i+1)*CheckpointStride], &cps[i])
	}
	return buf
}

// PutCheckpoint serializes one checkpoint into dst.
func PutCheckpoint(dst []byte, cp *kernel.Checkpoint) {
	lo, hi := cp.Cells.Lanes()
	binary.LittleEndian.PutUint64(dst[0:], lo)
	binary.LittleEndian.PutUint64(dst[8:], hi)
	binary.LittleEndian.PutUint64(dst[16:], cp.Pieces)
	binary.LittleEndian.PutUint32(dst[24:], uint32(cp.Depth))
	binary.LittleEndian.PutUint32(dst[28:], uint32(cp.InitialDepth))
	binary.LittleEndian.PutUint32(dst[32:], uint32(cp.Status))
	binary.LittleEndian.PutUint32(dst[36:], 0)
	binary.LittleEndian.PutUint64(dst[40:], cp.Nodes)
	binary.LittleEndian.PutUint64(dst[48:], cp.FitTests)
	base := 56
	for d := 0; d <= kernel.MaxDepth; d++ {
		binary.LittleEndian.PutUint32(dst[base+d*4:], uint32(cp.Iter[d]))
	}
	base += (kernel.MaxDepth + 1) * 4
	for d := 0; d <= kernel.MaxDepth; d++ {
		binary.LittleEndian.PutUint32(dst[base+d*4:], cp.Choice[d])
	}
}

// UnpackCheckpoints decodes a packed checkpoint buffer.
func UnpackCheckpoints(buf []byte) ([]kernel.Checkpoint, error) {
	if len(buf)%CheckpointStride != 0 {
		return nil, errors.Errorf("checkpoint buffer length %d is not a multiple of %d", len(buf), CheckpointStride)
	}
	cps := make([]kernel.Checkpoint, len(buf)/CheckpointStride)
	for i := range cps {
		src := buf[i*CheckpointStride:]
		cp := &cps[i]
		cp.Cells = bitmask.New(binary.LittleEndian.Uint64(src[0:]), binary.LittleEndian.Uint64(src[8:]))
		cp.Pieces = binary.LittleEndian.Uint64(src[16:])
		cp.Depth = int32(binary.LittleEndian.Uint32(src[24:]))
		cp.InitialDepth = int32(binary.LittleEndian.Uint32(src[28:]))
		cp.Status = kernel.Status(binary.LittleEndian.Uint32(src[32:]))
		cp.Nodes = binary.LittleEndian.Uint64(src[40:])
		cp.FitTests = binary.LittleEndian.Uint64(src[48:])
		base := 56
		for d := 0; d <= kernel.MaxDepth; d++ {
			cp.Iter[d] = int32(binary.LittleEndian.Uint32(src[base+d*4:]))
		}
		base += (kernel.MaxDepth + 1) * 4
		for d := 0; d <= kernel.MaxDepth; d++ {
			cp.Choice[d] = binary.LittleEndian.Uint32(src[base+d*4:])
		}
	}
	return cps, nil
}

// Stats is the per-round aggregate block shared by all lanes.
type Stats struct {
	Solutions      uint32
	LanesExhausted uint32
	LanesPaused    uint32
	MaxDepth       uint32
	FitTests       uint64
	Nodes          uint64
}

// EncodeStats serializes the stats block.
func EncodeStats(s Stats) []byte {
	buf := make([]byte, StatsSize)
	binary.LittleEndian.PutUint32(buf[0:], s.Solutions)
	binary.LittleEndian.PutUint32(buf[4:], s.LanesExhausted)
	binary.LittleEndian.PutUint32(buf[8:], s.LanesPaused)
	binary.LittleEndian.PutUint32(buf[12:], s.MaxDepth)
	binary.LittleEndian.PutUint64(buf[16:], s.FitTests)
	binary.LittleEndian.PutUint64(buf[24:], s.Nodes)
	return buf
}

// DecodeStats reads back a stats block.
func DecodeStats(buf []byte) (Stats, error) {
	if len(buf) < StatsSize {
		return Stats{}, errors.Errorf("stats buffer is %d bytes, need %d", len(buf), StatsSize)
	}
	return Stats{
		Solutions:      binary.LittleEndian.Uint32(buf[0:]),
		LanesExhausted: binary.LittleEndian.Uint32(buf[4:]),
		LanesPaused:    binary.LittleEndian.Uint32(buf[8:]),
		MaxDepth:       binary.LittleEndian.Uint32(buf[12:]),
		FitTests:       binary.LittleEndian.Uint64(buf[16:]),
		Nodes:          binary.LittleEndian.Uint64(buf[24:]),
	}, nil
}

// RawSolution is one decoded solution slot.
type RawSolution struct {
	Valid   bool
	Choices []uint32
}

// NewSolutionsBuffer allocates a solutions block with the given slot cap.
func NewSolutionsBuffer(cap int) []byte {
	buf := make([]byte, SolutionsHeader+cap*SolutionStride)
	binary.LittleEndian.PutUint32(buf[4:], uint32(cap))
	return buf
}

// PutSolution writes a solution into slot. The choice array is zero-padded
// past depth. The claimed-slot counter is maintained by the caller.
func PutSolution(buf []byte, slot int, choices []uint32) {
	dst := buf[SolutionsHeader+slot*SolutionStride:]
	binary.LittleEndian.PutUint32(dst[0:], 1)
	binary.LittleEndian.PutUint32(dst[4:], uint32(len(choices)))
	for i, c := range choices {
		binary.LittleEndian.PutUint32(dst[8+i*4:], c)
	}
	for i := len(choices); i < kernel.MaxDepth; i++ {
		binary.LittleEndian.PutUint32(dst[8+i*4:], 0)
	}
}

// SetSolutionCount stores the claimed-slot counter.
func SetSolutionCount(buf []byte, n int) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(n))
}

// DecodeSolutions reads back every stored slot, in discovery order. Slots
// past the cap were dropped at emit time and are not represented. Invalid
// slots (no recorded placements) are skipped.
func DecodeSolutions(buf []byte) ([]RawSolution, error) {
	if len(buf) < SolutionsHeader {
		return nil, errors.Errorf("solutions buffer is %d bytes, need at least %d", len(buf), SolutionsHeader)
	}
	count := int(binary.LittleEndian.Uint32(buf[0:]))
	capSlots := int(binary.LittleEndian.Uint32(buf[4:]))
	if count > capSlots {
		count = capSlots
	}
	if len(buf) < SolutionsHeader+capSlots*SolutionStride {
		return nil, errors.Errorf("solutions buffer truncated: %d slots declared, %d bytes", capSlots, len(buf))
	}

	out := make([]RawSolution, 0, count)
	for slot := 0; slot < count; slot++ {
		src := buf[SolutionsHeader+slot*SolutionStride:]
		valid := binary.LittleEndian.Uint32(src[0:]) != 0
		depth := int(binary.LittleEndian.Uint32(src[4:]))
		if !valid || depth == 0 || depth > kernel.MaxDepth {
			continue
		}
		choices := make([]uint32, depth)
		for i := range choices {
			choices[i] = binary.LittleEndian.Uint32(src[8+i*4:])
		}
		out = append(out, RawSolution{Valid: true, Choices: choices})
	}
	return out, nil
}

// EstimateBytes predicts total device memory for a run, used by the
// capacity pre-flight before anything is allocated.
func EstimateBytes(numCells, numEmbeddings, bucketEntries, laneCount, solutionCap int) uint64 {
	var total uint64
	total += uint64(numEmbeddings) * EmbeddingStride
	total += uint64(numCells)*BucketHeaderStride + uint64(bucketEntries)*4
	total += uint64(laneCount) * CheckpointStride
	total += SolutionsHeader + uint64(solutionCap)*SolutionStride
	total += StatsSize
	return total
}
