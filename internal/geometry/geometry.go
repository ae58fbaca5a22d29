// Package geometry derives the piece/block layout of a torrent from its
// total size and piece size, with blocks capped at MaxBlockSize. It is a
// pure function of those two inputs; every other package reads the
// derived fields from here instead of recomputing them.
package geometry

import "fmt"

// MaxBlockSize is the largest block a peer may request, per BEP3 custom.
const MaxBlockSize = 16 * 1024

// Geometry holds the full set of derived piece/block fields for a torrent.
type Geometry struct {
	TotalSize int64
	PieceSize int64
	PieceCount uint32

	BlockSize int64

	FinalPieceSize int64

	WholePieceBlockCount      uint16
	WholePieceFinalBlockSize  int64
	FinalPieceBlockCount      uint16
	FinalPieceFinalBlockSize  int64

	BlockCount uint64
}

// Compute derives a Geometry from totalSize and pieceSize, following
// libtransmission's tr_torrentNew block-field derivation. The piece count
// is derived as ceil(totalSize/pieceSize).
func Compute(totalSize, pieceSize int64) (Geometry, error) {
	if totalSize <= 0 {
		return Geometry{}, fmt.Errorf("geometry: totalSize must be positive, got %d", totalSize)
	}
	if pieceSize <= 0 {
		return Geometry{}, fmt.Errorf("geometry: pieceSize must be positive, got %d", pieceSize)
	}

	pieceCount := uint32((totalSize + pieceSize - 1) / pieceSize)

	blockSize := pieceSize
	if blockSize > MaxBlockSize {
		blockSize = MaxBlockSize
	}

	finalPieceSize := ((totalSize - 1) % pieceSize) + 1

	wholeBlockCount := uint16(ceilDiv(pieceSize, blockSize))
	wholeFinalBlockSize := ((pieceSize - 1) % blockSize) + 1

	finalBlockCount := uint16(ceilDiv(finalPieceSize, blockSize))
	finalFinalBlockSize := ((finalPieceSize - 1) % blockSize) + 1

	blockCount := uint64(pieceCount-1)*uint64(wholeBlockCount) + uint64(finalBlockCount)

	g := Geometry{
		TotalSize:                totalSize,
		PieceSize:                pieceSize,
		PieceCount:               pieceCount,
		BlockSize:                blockSize,
		FinalPieceSize:           finalPieceSize,
		WholePieceBlockCount:     wholeBlockCount,
		WholePieceFinalBlockSize: wholeFinalBlockSize,
		FinalPieceBlockCount:     finalBlockCount,
		FinalPieceFinalBlockSize: finalFinalBlockSize,
		BlockCount:               blockCount,
	}

	if err := g.checkRoundTrip(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// checkRoundTrip asserts that recomputing total size and piece size from the
// derived block fields reproduces the originals.
func (g Geometry) checkRoundTrip() error {
	recomposedPieceSize := (int64(g.WholePieceBlockCount)-1)*g.BlockSize + g.WholePieceFinalBlockSize
	if recomposedPieceSize != g.PieceSize {
		return fmt.Errorf("geometry: round-trip failed for piece size: got %d want %d", recomposedPieceSize, g.PieceSize)
	}

	recomposedFinalPieceSize := (int64(g.FinalPieceBlockCount)-1)*g.BlockSize + g.FinalPieceFinalBlockSize
	if recomposedFinalPieceSize != g.FinalPieceSize {
		return fmt.Errorf("geometry: round-trip failed for final piece size: got %d want %d", recomposedFinalPieceSize, g.FinalPieceSize)
	}

	recomposedTotal := int64(g.PieceCount-1)*g.PieceSize + g.FinalPieceSize
	if recomposedTotal != g.TotalSize {
		return fmt.Errorf("geometry: round-trip failed for total size: got %d want %d", recomposedTotal, g.TotalSize)
	}
	return nil
}

// PieceByteCount returns how many bytes are in the given piece.
func (g Geometry) PieceByteCount(piece uint32) int64 {
	if piece == g.PieceCount-1 {
		return g.FinalPieceSize
	}
	return g.PieceSize
}

// PieceBlockCount returns how many blocks are in the given piece.
func (g Geometry) PieceBlockCount(piece uint32) uint16 {
	if piece == g.PieceCount-1 {
		return g.FinalPieceBlockCount
	}
	return g.WholePieceBlockCount
}

// BlockByteCount returns how many bytes are in the given block index
// (global, across the whole torrent).
func (g Geometry) BlockByteCount(block uint64) int64 {
	if block == g.BlockCount-1 {
		return g.lastBlockSize()
	}
	return g.BlockSize
}

func (g Geometry) lastBlockSize() int64 {
	return g.FinalPieceFinalBlockSize
}

// PieceFirstBlock returns the index of a piece's first block.
func (g Geometry) PieceFirstBlock(piece uint32) uint64 {
	return uint64(piece) * uint64(g.WholePieceBlockCount)
}

// BlockToPiece returns which piece a given global block index falls in.
func (g Geometry) BlockToPiece(block uint64) uint32 {
	return uint32(block / uint64(g.WholePieceBlockCount))
}

// ByteToPiece returns the piece index containing the given byte offset.
func (g Geometry) ByteToPiece(offset int64) uint32 {
	return uint32(offset / g.PieceSize)
}

// PieceStartByte returns the first byte offset covered by a piece.
func (g Geometry) PieceStartByte(piece uint32) int64 {
	return int64(piece) * g.PieceSize
}
