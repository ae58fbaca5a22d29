package geometry

import "testing"

// Scenario from : total_size=1,048,577, piece_size=524,288 →
// piece_count=3, final_piece_size=1, whole_piece_block_count=32,
// final_piece_block_count=1, block_count=65.
func TestComputeScenario1(t *testing.T) {
	g, err := Compute(1048577, 524288)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if g.PieceCount != 3 {
		t.Errorf("PieceCount = %d, want 3", g.PieceCount)
	}
	if g.FinalPieceSize != 1 {
		t.Errorf("FinalPieceSize = %d, want 1", g.FinalPieceSize)
	}
	if g.WholePieceBlockCount != 32 {
		t.Errorf("WholePieceBlockCount = %d, want 32", g.WholePieceBlockCount)
	}
	if g.FinalPieceBlockCount != 1 {
		t.Errorf("FinalPieceBlockCount = %d, want 1", g.FinalPieceBlockCount)
	}
	if g.BlockCount != 65 {
		t.Errorf("BlockCount = %d, want 65", g.BlockCount)
	}
}

func TestComputeExactMultiple(t *testing.T) {
	g, err := Compute(2*524288, 524288)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if g.PieceCount != 2 {
		t.Errorf("PieceCount = %d, want 2", g.PieceCount)
	}
	if g.FinalPieceSize != g.PieceSize {
		t.Errorf("FinalPieceSize = %d, want %d (exact multiple)", g.FinalPieceSize, g.PieceSize)
	}
}

func TestComputeSmallPieceBelowBlockCap(t *testing.T) {
	// piece smaller than MaxBlockSize: block size == piece size, one block per piece.
	g, err := Compute(10000, 4096)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if g.BlockSize != 4096 {
		t.Errorf("BlockSize = %d, want 4096", g.BlockSize)
	}
	if g.WholePieceBlockCount != 1 {
		t.Errorf("WholePieceBlockCount = %d, want 1", g.WholePieceBlockCount)
	}
}

func TestComputeRejectsNonPositive(t *testing.T) {
	if _, err := Compute(0, 100); err == nil {
		t.Error("Compute(0, 100) should error")
	}
	if _, err := Compute(100, 0); err == nil {
		t.Error("Compute(100, 0) should error")
	}
}

func TestByteToPieceAndBack(t *testing.T) {
	g, err := Compute(1048577, 524288)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if p := g.ByteToPiece(0); p != 0 {
		t.Errorf("ByteToPiece(0) = %d, want 0", p)
	}
	if p := g.ByteToPiece(1048576); p != 2 {
		t.Errorf("ByteToPiece(1048576) = %d, want 2", p)
	}
}
