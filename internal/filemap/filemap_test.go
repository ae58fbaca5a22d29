package filemap

import (
	"testing"

	"github.com/haldane/torrentd/internal/geometry"
)

// Scenario from : files A(normal, pieces 0-2), B(high, piece 3
// partial), C(low, pieces 3-4) -> piece 0=high (first piece of normal file),
// piece 1=normal, piece 2=high (last piece of A), piece 3=high, piece 4=low.
func TestPiecePriorityScenario(t *testing.T) {
	pieceSize := int64(1000)
	// A covers pieces 0-2 fully: length 3000.
	// B covers part of piece 3 only: starts where A ends (byte 3000), small length.
	// C covers the rest of piece 3 and all of piece 4.
	aLen := int64(3000)
	bLen := int64(200)
	cLen := int64(1800) // 3000+200+1800 = 5000 = 5 pieces of 1000

	g, err := geometry.Compute(aLen+bLen+cLen, pieceSize)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	fm, err := New(g, []FileSpec{
		{Name: "A", Length: aLen, Priority: PriorityNormal},
		{Name: "B", Length: bLen, Priority: PriorityHigh},
		{Name: "C", Length: cLen, Priority: PriorityLow},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []Priority{PriorityHigh, PriorityNormal, PriorityHigh, PriorityHigh, PriorityLow}
	for p, w := range want {
		if got := fm.Pieces[p].Priority; got != w {
			t.Errorf("piece %d priority = %v, want %v", p, got, w)
		}
	}
}

func TestPieceDNDRequiresAllFilesDND(t *testing.T) {
	pieceSize := int64(1000)
	g, err := geometry.Compute(2000, pieceSize)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	fm, err := New(g, []FileSpec{
		{Name: "a", Length: 1000, DND: true},
		{Name: "b", Length: 1000, DND: false},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if fm.Pieces[0].DND != true {
		t.Errorf("piece 0 (only file a) should be DND")
	}
	if fm.Pieces[1].DND != false {
		t.Errorf("piece 1 (only file b, wanted) should not be DND")
	}
}

func TestFileWithZeroLength(t *testing.T) {
	g, err := geometry.Compute(1000, 1000)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	fm, err := New(g, []FileSpec{
		{Name: "empty", Length: 0},
		{Name: "rest", Length: 1000},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := fm.Files[0]
	if f.FirstPiece != f.LastPiece {
		t.Errorf("zero-length file should have FirstPiece == LastPiece, got %d/%d", f.FirstPiece, f.LastPiece)
	}
	if f.FirstPiece != g.ByteToPiece(f.Offset) {
		t.Errorf("zero-length file FirstPiece should equal byte_to_piece(offset)")
	}
}

func TestNewRejectsLengthMismatch(t *testing.T) {
	g, err := geometry.Compute(1000, 1000)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	_, err = New(g, []FileSpec{{Name: "a", Length: 500}})
	if err == nil {
		t.Error("New should reject file lengths that don't sum to total size")
	}
}

func TestPieceFiles(t *testing.T) {
	g, err := geometry.Compute(5000, 1000)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	fm, err := New(g, []FileSpec{
		{Name: "A", Length: 3000, Priority: PriorityNormal},
		{Name: "B", Length: 200, Priority: PriorityHigh},
		{Name: "C", Length: 1800, Priority: PriorityLow},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	files := fm.PieceFiles(3)
	if len(files) != 2 {
		t.Fatalf("piece 3 should overlap 2 files (B, C), got %d", len(files))
	}
	if files[0] != 1 || files[1] != 2 {
		t.Errorf("piece 3 files = %v, want [1 2]", files)
	}
}
