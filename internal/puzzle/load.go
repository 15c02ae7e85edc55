package puzzle

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sugawarayuuta/sonnet"

	"github.com/latticelabs/cubefit/internal/bitmask"
)

// fileEmbedding is one placement in the on-disk compiled puzzle format
// emitted by the geometry compiler.
type fileEmbedding struct {
	Cells         []int  `json:"cells"`
	PieceBit      int    `json:"piece_bit"`
	PieceID       string `json:"piece_id"`
	OrientationID int    `json:"orientation_id"`
	Translation   [3]int `json:"translation"`
}

type filePuzzle struct {
	NumCells   int             `json:"num_cells"`
	NumPieces  int             `json:"num_pieces"`
	Embeddings []fileEmbedding `json:"embeddings"`
}

// Load reads a compiled puzzle from a JSON file.
func Load(path string) (*Compiled, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading puzzle file")
	}
	return Parse(data)
}

// Parse decodes a compiled puzzle from JSON bytes.
func Parse(data []byte) (*Compiled, error) {
	var fp filePuzzle
	if err := sonnet.Unmarshal(data, &fp); err != nil {
		return nil, errors.Wrap(err, "decoding puzzle file")
	}

	embs := make([]Embedding, 0, len(fp.Embeddings))
	for i, fe := range fp.Embeddings {
		var cells bitmask.Mask
		for _, cell := range fe.Cells {
			if cell < 0 || cell >= fp.NumCells {
				return nil, errors.Errorf("embedding %d references cell %d of %d", i, cell, fp.NumCells)
			}
			cells = cells.WithBit(cell)
		}
		if fe.PieceBit < 0 || fe.PieceBit >= MaxPieces {
			return nil, errors.Errorf("embedding %d has piece bit %d", i, fe.PieceBit)
		}
		embs = append(embs, Embedding{
			Cells:         cells,
			PieceBit:      uint8(fe.PieceBit),
			PieceID:       fe.PieceID,
			OrientationID: fe.OrientationID,
			Translation:   fe.Translation,
		})
	}
	return FromEmbeddings(fp.NumCells, fp.NumPieces, embs)
}
