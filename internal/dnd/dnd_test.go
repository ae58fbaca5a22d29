package dnd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/haldane/torrentd/internal/filemap"
	"github.com/haldane/torrentd/internal/geometry"
	"github.com/haldane/torrentd/internal/locator"
)

const kib = 1024

// fakeCompletion is a minimal CompletionQuery double for plan tests.
type fakeCompletion struct {
	completePieces map[uint32]bool
	blocksInPiece  map[uint32]uint16
}

func (f *fakeCompletion) PieceIsComplete(piece uint32) bool { return f.completePieces[piece] }
func (f *fakeCompletion) CompleteBlocksInPiece(piece uint32) uint16 {
	return f.blocksInPiece[piece]
}

func twoFileMap(t *testing.T) *filemap.FileMap {
	t.Helper()
	g, err := geometry.Compute(128*kib, 64*kib)
	if err != nil {
		t.Fatalf("geometry.Compute: %v", err)
	}
	fm, err := filemap.New(g, []filemap.FileSpec{
		{Name: "a.bin", Length: 48 * kib},
		{Name: "b.bin", Length: 80 * kib},
	})
	if err != nil {
		t.Fatalf("filemap.New: %v", err)
	}
	return fm
}

// TestDNDRoundTripScenario exercises : a 2-file torrent whose
// first file ends partway through the boundary piece shared with the
// second file. Piece 0 (shared by both files) is fully downloaded before
// file 1 is marked DND.
func TestDNDRoundTripScenario(t *testing.T) {
	fm := twoFileMap(t)

	if fm.Files[0].FirstPiece != 0 || fm.Files[0].LastPiece != 0 {
		t.Fatalf("file0 span = [%d,%d], want [0,0]", fm.Files[0].FirstPiece, fm.Files[0].LastPiece)
	}
	if fm.Files[1].FirstPiece != 0 || fm.Files[1].LastPiece != 1 {
		t.Fatalf("file1 span = [%d,%d], want [0,1]", fm.Files[1].FirstPiece, fm.Files[1].LastPiece)
	}
	fm.Files[0].Exists = true
	fm.Files[1].Exists = true

	loc := locator.Locator{DownloadDir: t.TempDir(), PieceTempDir: t.TempDir()}
	noFD := func(int) bool { return false }
	flush := func(uint32) error { return nil }

	// file1 DND=true: piece0 is still wanted (file0 wants it), piece1
	// becomes DND. No temp file should be created for piece0's boundary
	// bytes since the not-wanted transition never copies anything out.
	plan := PlanSetFileDND(fm, 1, true, noFD)
	if len(plan.CopyIntents) != 0 {
		t.Fatalf("wanted->unwanted should produce no copy intents, got %d", len(plan.CopyIntents))
	}
	if err := Apply(loc, fm, plan, flush); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fm.Pieces[0].DND {
		t.Error("piece 0 should remain wanted: file 0 still wants it")
	}
	if !fm.Pieces[1].DND {
		t.Error("piece 1 should become DND: only file 1 touches it")
	}
	if _, found := loc.FindPieceTemp(0); found {
		t.Error("no temp file should have been created for piece 0")
	}

	// file1 DND=false again: file1.UsePT was never set (file1.Exists was
	// true), so no copy should be required to restore it.
	plan = PlanSetFileDND(fm, 1, false, noFD)
	if len(plan.CopyIntents) != 0 {
		t.Fatalf("restoring a file that was never temp-backed should need no copy, got %d intents", len(plan.CopyIntents))
	}
	if err := Apply(loc, fm, plan, flush); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fm.Pieces[1].DND {
		t.Error("piece 1 should be wanted again")
	}
}

// TestSetFileDNDNoOp confirms setting DND to its current value is a no-op.
func TestSetFileDNDNoOp(t *testing.T) {
	fm := twoFileMap(t)
	plan := PlanSetFileDND(fm, 0, false, func(int) bool { return false })
	if !plan.NoOp {
		t.Error("setting DND to its current value should be a no-op")
	}
}

// TestSetFileDNDRestoresFromTemp exercises the unwanted->wanted direction
// where the file was previously temp-backed: the boundary piece bytes must
// be copied out of the piece temp file into the real file.
func TestSetFileDNDRestoresFromTemp(t *testing.T) {
	fm := twoFileMap(t)
	loc := locator.Locator{DownloadDir: t.TempDir(), PieceTempDir: t.TempDir()}

	// Make file1 not-wanted with no fd open and not present on disk, so
	// PlanSetFileDND marks it UsePT.
	plan := PlanSetFileDND(fm, 1, true, func(int) bool { return false })
	if !plan.NewUsePT {
		t.Fatal("expected NewUsePT=true for a file absent from disk with no open fd")
	}
	if err := Apply(loc, fm, plan, func(uint32) error { return nil }); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !fm.Files[1].UsePT {
		t.Fatal("file 1 should now be marked UsePT")
	}

	// Seed the piece-0 temp file with the bytes file1's overlap occupies.
	ov := boundaryOverlap(fm, 1, 0)
	tmpPath := loc.PieceTempPath(0)
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	payload := make([]byte, ov.Length)
	for i := range payload {
		payload[i] = byte(i)
	}
	tf, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("open temp: %v", err)
	}
	if _, err := tf.WriteAt(payload, ov.Offset); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	tf.Close()

	plan = PlanSetFileDND(fm, 1, false, nil)
	if len(plan.CopyIntents) == 0 {
		t.Fatal("restoring a temp-backed file should produce copy intents")
	}
	if err := Apply(loc, fm, plan, func(uint32) error { return nil }); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fm.Files[1].UsePT {
		t.Error("file 1 should no longer be UsePT after restoring")
	}

	realPath := filepath.Join(loc.DownloadDir, "b.bin")
	got := make([]byte, ov.Length)
	rf, err := os.Open(realPath)
	if err != nil {
		t.Fatalf("open real file: %v", err)
	}
	defer rf.Close()
	fileOffset := fileRelOffset(fm, 1, CopyIntent{Piece: 0, Overlap: ov})
	if _, err := rf.ReadAt(got, fileOffset); err != nil {
		t.Fatalf("read real file: %v", err)
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("restored bytes mismatch at %d: got %d want %d", i, got[i], payload[i])
		}
	}
}

// TestBoundaryAggregateAcrossThreeFiles verifies the AND-reduction over
// every file sharing a boundary piece, not just two. All three files here
// fit inside a single 3KiB piece.
func TestBoundaryAggregateAcrossThreeFiles(t *testing.T) {
	g, err := geometry.Compute(3*kib, 3*kib)
	if err != nil {
		t.Fatalf("geometry.Compute: %v", err)
	}
	fm, err := filemap.New(g, []filemap.FileSpec{
		{Name: "a", Length: 1 * kib},
		{Name: "b", Length: 1 * kib},
		{Name: "c", Length: 1 * kib},
	})
	if err != nil {
		t.Fatalf("filemap.New: %v", err)
	}
	for _, f := range fm.Files {
		if f.FirstPiece != 0 || f.LastPiece != 0 {
			t.Fatalf("expected every file to sit inside piece 0, got [%d,%d]", f.FirstPiece, f.LastPiece)
		}
	}

	bu := computeBoundaryAggregate(fm, -1, 0, false, false)
	if bu.DND {
		t.Error("piece 0 aggregate should start non-DND: no file is DND yet")
	}

	fm.Files[0].DND = true
	fm.Files[1].DND = true
	bu = computeBoundaryAggregate(fm, -1, 0, false, false)
	if bu.DND {
		t.Error("aggregate should stay non-DND while file c is still wanted")
	}

	fm.Files[2].DND = true
	bu = computeBoundaryAggregate(fm, -1, 0, false, false)
	if !bu.DND {
		t.Error("aggregate should flip to DND once every overlapping file is DND")
	}

	// hypotheticalFI lets a pending change to one file be folded in before
	// it is committed: flipping file c back to wanted via the hypothetical
	// should undo the aggregate even though fm.Files[2].DND is still true.
	bu = computeBoundaryAggregate(fm, 2, 0, false, false)
	if bu.DND {
		t.Error("hypothetical override for file c should un-DND the aggregate")
	}
}

func TestPlanDeleteDNDFile(t *testing.T) {
	fm := twoFileMap(t)
	fm.Files[0].DND = true
	fm.Files[1].DND = true
	fm.RecomputePiecePriorities()

	comp := &fakeCompletion{
		completePieces: map[uint32]bool{0: true},
		blocksInPiece:  map[uint32]uint16{0: fm.Geometry.PieceBlockCount(0)},
	}

	// Delete file 0, which spans only piece 0. Piece 0 is complete and not
	// itself fully DND (file 1 also touches it and is DND too here, so the
	// piece IS fully DND already) -- pick file 1 instead, whose first piece
	// is shared and whose last piece (1) is private to it.
	plan := PlanDeleteDNDFile(fm, comp, 1)
	if plan.FileIndex != 1 {
		t.Fatalf("FileIndex = %d, want 1", plan.FileIndex)
	}
	// piece 0 is already DND (both files DND), so fpsave should be false:
	// no point preserving bytes from a piece nobody wants.
	for _, ci := range plan.CopyIntents {
		if ci.Piece == 0 {
			t.Error("should not save boundary bytes for an already-DND piece")
		}
	}

	loc := locator.Locator{DownloadDir: t.TempDir(), PieceTempDir: t.TempDir()}
	realPath := filepath.Join(loc.DownloadDir, "b.bin")
	if err := os.WriteFile(realPath, make([]byte, fm.Files[1].Length), 0644); err != nil {
		t.Fatalf("seed real file: %v", err)
	}
	fm.Files[1].Exists = true

	if err := ApplyDeleteDNDFile(loc, fm, plan, func(uint32) error { return nil }); err != nil {
		t.Fatalf("ApplyDeleteDNDFile: %v", err)
	}
	if fm.Files[1].Exists {
		t.Error("deleted file should have Exists=false")
	}
	if !fm.Files[1].UsePT {
		t.Error("deleted file should have UsePT=true")
	}
	if _, err := os.Stat(realPath); !os.IsNotExist(err) {
		t.Error("real file should have been removed")
	}
}
