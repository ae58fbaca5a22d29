// Package dnd implements the DND (do-not-download) engine. Flag changes
// are expressed as a pure function returning the new aggregate piece
// flags plus a list of side-effect intents; a separate Apply step
// executes those intents in one pass. Keeping the decision pure from its
// side effects localizes the tricky bookkeeping and makes it
// unit-testable.
package dnd

import (
	"fmt"
	"io"
	"os"

	"github.com/haldane/torrentd/internal/filemap"
	"github.com/haldane/torrentd/internal/locator"
)

// FDChecker reports whether a file currently has an open cached fd —
// consulted when deciding whether a newly-DND file should use temp pieces.
// The cache collaborator (out of scope here) owns this state.
type FDChecker func(fileIndex int) bool

// Overlap is the byte range of a boundary piece that belongs to one file.
type Overlap struct {
	Piece  uint32
	Offset int64 // offset within the piece
	Length int64
}

// boundaryOverlap computes the overlap of file fi with the piece at
// `piece`, which must be fi.FirstPiece or fi.LastPiece (or both, for a
// single-piece file), step 2.
func boundaryOverlap(fm *filemap.FileMap, fi int, piece uint32) Overlap {
	f := fm.Files[fi]
	pieceStart := fm.Geometry.PieceStartByte(piece)
	pieceBytes := fm.Geometry.PieceByteCount(piece)

	var start int64
	if piece == f.FirstPiece {
		start = f.Offset - pieceStart
	} else {
		start = 0
	}
	length := pieceBytes - start
	// Clip to the file's own length (relevant for single-piece files and
	// files ending partway through their last piece).
	fileEndInPiece := (f.Offset + f.Length) - pieceStart
	if fileEndInPiece < pieceBytes {
		maxLen := fileEndInPiece - start
		if length > maxLen {
			length = maxLen
		}
	}
	if length < 0 {
		length = 0
	}
	return Overlap{Piece: piece, Offset: start, Length: length}
}

// CopyIntent instructs Apply to move bytes between a file and its boundary
// piece's temp file.
type CopyIntent struct {
	Piece    uint32
	Overlap  Overlap
	FromTemp bool // true: temp -> real file; false: real file -> temp
}

// BoundaryUpdate is the recomputed aggregate state for one boundary piece.
type BoundaryUpdate struct {
	Piece         uint32
	DND           bool
	TempRemovable bool // every file touching this piece now has UsePT=false
}

// MiddleUpdate directly sets a piece strictly inside a single file's span.
type MiddleUpdate struct {
	Piece uint32
	DND   bool
}

// Plan is the pure-function output of computing a DND flag change: the
// file's new flags, and every side-effect intent the caller must Apply.
type Plan struct {
	NoOp bool

	FileIndex  int
	NewDND     bool
	NewUsePT   bool
	FlushFirst bool // flush cache for FirstPiece before copying
	FlushLast  bool // flush cache for LastPiece before copying (if different)

	CopyIntents     []CopyIntent
	BoundaryUpdates []BoundaryUpdate
	MiddleUpdates   []MiddleUpdate
}

// PlanSetFileDND computes the flag/intent plan for changing one file's
// wanted state, without mutating fm. fdOpen reports whether fi currently
// has a cached fd open (consulted only on wanted->unwanted).
func PlanSetFileDND(fm *filemap.FileMap, fi int, dnd bool, fdOpen FDChecker) Plan {
	f := fm.Files[fi]
	if f.DND == dnd {
		return Plan{NoOp: true, FileIndex: fi}
	}

	plan := Plan{FileIndex: fi, NewDND: dnd}

	if dnd {
		// wanted -> not-wanted
		plan.NewUsePT = dnd && !fdOpen(fi) && !f.Exists
	} else {
		// not-wanted -> wanted
		plan.NewUsePT = false
		if f.UsePT {
			plan.FlushFirst = true
			plan.FlushLast = f.LastPiece != f.FirstPiece

			first := boundaryOverlap(fm, fi, f.FirstPiece)
			plan.CopyIntents = append(plan.CopyIntents, CopyIntent{Piece: f.FirstPiece, Overlap: first, FromTemp: true})
			if f.LastPiece != f.FirstPiece {
				last := boundaryOverlap(fm, fi, f.LastPiece)
				plan.CopyIntents = append(plan.CopyIntents, CopyIntent{Piece: f.LastPiece, Overlap: last, FromTemp: true})
			}
		}
	}

	plan.BoundaryUpdates = append(plan.BoundaryUpdates, computeBoundaryAggregate(fm, fi, f.FirstPiece, dnd, plan.NewUsePT))
	if f.LastPiece != f.FirstPiece {
		plan.BoundaryUpdates = append(plan.BoundaryUpdates, computeBoundaryAggregate(fm, fi, f.LastPiece, dnd, plan.NewUsePT))
		for p := f.FirstPiece + 1; p < f.LastPiece; p++ {
			plan.MiddleUpdates = append(plan.MiddleUpdates, MiddleUpdate{Piece: p, DND: dnd})
		}
	}

	return plan
}

// computeBoundaryAggregate recomputes a boundary piece's aggregate flags
// across every file that overlaps it. Scanning the full overlap set (via
// the firstFiles hint) is equivalent to walking backward/forward from fi,
// since files lay out contiguously: the files touching piece p are
// exactly one contiguous run. hypotheticalFI/newDND/newUsePT let the
// caller's pending change to fi be folded into the scan before it is
// committed to fm.
func computeBoundaryAggregate(fm *filemap.FileMap, hypotheticalFI int, piece uint32, newDND, newUsePT bool) BoundaryUpdate {
	dndAgg := true
	noTempAgg := true
	for _, idx := range fm.PieceFiles(piece) {
		var d, u bool
		if idx == hypotheticalFI {
			d, u = newDND, newUsePT
		} else {
			d, u = fm.Files[idx].DND, fm.Files[idx].UsePT
		}
		if !d {
			dndAgg = false
		}
		if u {
			noTempAgg = false
		}
		if !dndAgg && !noTempAgg {
			break // both reductions have fallen to false; short-circuit
		}
	}
	return BoundaryUpdate{Piece: piece, DND: dndAgg, TempRemovable: noTempAgg}
}

// Flusher flushes any cached writes for a piece to disk before DND-driven
// copies touch it, so reads of both boundary pieces see the bytes the
// cache still held.
type Flusher func(piece uint32) error

// Apply executes a Plan's side effects against the filesystem and mutates
// fm in place: it is the only place that performs real file IO for DND
// changes.
func Apply(loc locator.Locator, fm *filemap.FileMap, plan Plan, flush Flusher) error {
	if plan.NoOp {
		return nil
	}
	fi := plan.FileIndex
	f := &fm.Files[fi]

	if plan.FlushFirst {
		if err := flush(f.FirstPiece); err != nil {
			return fmt.Errorf("dnd: flush piece %d: %w", f.FirstPiece, err)
		}
	}
	if plan.FlushLast {
		if err := flush(f.LastPiece); err != nil {
			return fmt.Errorf("dnd: flush piece %d: %w", f.LastPiece, err)
		}
	}

	realPath, _, _, found := loc.FindFile(f.Name)
	if !found {
		realPath = defaultRealPath(loc, f.Name)
	}

	if err := runCopyIntents(loc, fm, fi, realPath, plan.CopyIntents); err != nil {
		return err
	}

	f.DND = plan.NewDND
	f.UsePT = plan.NewUsePT

	for _, bu := range plan.BoundaryUpdates {
		fm.Pieces[bu.Piece].DND = bu.DND
		if bu.TempRemovable {
			removeTempIfExists(loc, bu.Piece)
		}
	}
	for _, mu := range plan.MiddleUpdates {
		fm.Pieces[mu.Piece].DND = mu.DND
	}
	return nil
}

// runCopyIntents performs every read before any write: the overlapping
// buffers of both boundary pieces are read in full before either
// destination is touched.
func runCopyIntents(loc locator.Locator, fm *filemap.FileMap, fi int, realPath string, intents []CopyIntent) error {
	buffers := make([][]byte, len(intents))
	for i, intent := range intents {
		buf, err := readCopySource(loc, fm, fi, realPath, intent)
		if err != nil {
			return err
		}
		buffers[i] = buf
	}
	for i, intent := range intents {
		if err := writeCopyDest(loc, fm, fi, realPath, intent, buffers[i]); err != nil {
			return err
		}
	}
	return nil
}

func defaultRealPath(loc locator.Locator, name string) string {
	if loc.DownloadDir != "" {
		return loc.DownloadDir + "/" + name
	}
	return name
}

func fileRelOffset(fm *filemap.FileMap, fi int, intent CopyIntent) int64 {
	f := fm.Files[fi]
	pieceStart := fm.Geometry.PieceStartByte(intent.Piece)
	return (pieceStart + intent.Overlap.Offset) - f.Offset
}

// readCopySource reads the overlap bytes for a copy intent. A missing
// source file is recoverable — the transition falls back to no copy —
// so it returns a nil buffer rather than an error.
func readCopySource(loc locator.Locator, fm *filemap.FileMap, fi int, realPath string, intent CopyIntent) ([]byte, error) {
	var path string
	var readOffset int64
	if intent.FromTemp {
		p, found := loc.FindPieceTemp(intent.Piece)
		if !found {
			return nil, nil
		}
		path, readOffset = p, intent.Overlap.Offset
	} else {
		path, readOffset = realPath, fileRelOffset(fm, fi, intent)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()
	buf := make([]byte, intent.Overlap.Length)
	if _, err := io.ReadFull(io.NewSectionReader(f, readOffset, intent.Overlap.Length), buf); err != nil {
		return nil, nil
	}
	return buf, nil
}

func writeCopyDest(loc locator.Locator, fm *filemap.FileMap, fi int, realPath string, intent CopyIntent, buf []byte) error {
	if buf == nil {
		return nil // missing source: no-op, recovery policy
	}
	var path string
	var writeOffset int64
	if intent.FromTemp {
		path, writeOffset = realPath, fileRelOffset(fm, fi, intent)
	} else {
		path, writeOffset = loc.PieceTempPath(intent.Piece), intent.Overlap.Offset
		if err := os.MkdirAll(loc.PieceTempDir, 0755); err != nil {
			return fmt.Errorf("dnd: create piece temp dir: %w", err)
		}
	}

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("dnd: open %s for write: %w", path, err)
	}
	defer out.Close()
	if _, err := out.WriteAt(buf, writeOffset); err != nil {
		return fmt.Errorf("dnd: write overlap into %s: %w", path, err)
	}
	return nil
}

func removeTempIfExists(loc locator.Locator, piece uint32) {
	if path, found := loc.FindPieceTemp(piece); found {
		os.Remove(path)
	}
}

// CompletionQuery is the subset of the Completion View that the DND engine
// consults to decide which boundary piece bytes are worth preserving when a
// DND file's on-disk data is reclaimed.
type CompletionQuery interface {
	PieceIsComplete(piece uint32) bool
	CompleteBlocksInPiece(piece uint32) uint16
}

// DeletePlan is the pure-function output of planning delete_dnd_file.
type DeletePlan struct {
	FileIndex        int
	CopyIntents      []CopyIntent
	BoundaryUpdates  []BoundaryUpdate
	InvalidatePieces []uint32 // pieces wholly inside the file whose have-bit must clear
}

// PlanDeleteDNDFile computes the plan for delete_dnd_file(fi):
// reclaim a DND file's disk space, preserving boundary-piece bytes that are
// complete and not already covered by the piece's DND status, via a real
// file -> temp file copy. Preconditions (file is DND, not already UsePT)
// are the caller's responsibility, matching the original's contract.
func PlanDeleteDNDFile(fm *filemap.FileMap, comp CompletionQuery, fi int) DeletePlan {
	f := fm.Files[fi]
	fp, lp := f.FirstPiece, f.LastPiece

	fpComplete := comp.CompleteBlocksInPiece(fp)
	lpComplete := comp.CompleteBlocksInPiece(lp)

	fpsave := !fm.Pieces[fp].DND && fpComplete > 0
	lpsave := !fm.Pieces[lp].DND && lpComplete > 0 && fp != lp

	plan := DeletePlan{FileIndex: fi}
	if fpsave {
		plan.CopyIntents = append(plan.CopyIntents, CopyIntent{Piece: fp, Overlap: boundaryOverlap(fm, fi, fp), FromTemp: false})
	}
	if lpsave {
		plan.CopyIntents = append(plan.CopyIntents, CopyIntent{Piece: lp, Overlap: boundaryOverlap(fm, fi, lp), FromTemp: false})
	}

	plan.BoundaryUpdates = append(plan.BoundaryUpdates, computeBoundaryAggregate(fm, fi, fp, true, true))
	if lp != fp {
		plan.BoundaryUpdates = append(plan.BoundaryUpdates, computeBoundaryAggregate(fm, fi, lp, true, true))
	}

	for p := fp + 1; p < lp; p++ {
		if comp.PieceIsComplete(p) {
			plan.InvalidatePieces = append(plan.InvalidatePieces, p)
		}
	}
	return plan
}

// ApplyDeleteDNDFile executes a DeletePlan: flushes the cache, copies any
// preserved boundary bytes into temp piece files, then closes and unlinks
// the real file. fm is mutated to mark the file gone and piece-temp-backed.
func ApplyDeleteDNDFile(loc locator.Locator, fm *filemap.FileMap, plan DeletePlan, flush Flusher) error {
	fi := plan.FileIndex
	f := &fm.Files[fi]

	if err := flush(f.FirstPiece); err != nil {
		return fmt.Errorf("dnd: flush piece %d: %w", f.FirstPiece, err)
	}
	if f.LastPiece != f.FirstPiece {
		if err := flush(f.LastPiece); err != nil {
			return fmt.Errorf("dnd: flush piece %d: %w", f.LastPiece, err)
		}
	}

	realPath, _, _, found := loc.FindFile(f.Name)
	if !found {
		realPath = defaultRealPath(loc, f.Name)
	}
	if err := runCopyIntents(loc, fm, fi, realPath, plan.CopyIntents); err != nil {
		return err
	}

	if found {
		if err := os.Remove(realPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("dnd: remove %s: %w", realPath, err)
		}
	}

	f.Exists = false
	f.UsePT = true

	for _, bu := range plan.BoundaryUpdates {
		fm.Pieces[bu.Piece].DND = bu.DND
	}
	return nil
}
