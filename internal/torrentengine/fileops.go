// fileops.go wires DND engine into Torrent as the public
// set_file_dls/set_file_priorities/delete_files operations, plus the
// cache-flush collaborator the dnd package expects.
package torrentengine

import (
	"fmt"

	"github.com/haldane/torrentd/internal/dnd"
	"github.com/haldane/torrentd/internal/filemap"
)

// flusher adapts the torrent's Cache collaborator to dnd.Flusher.
func (t *Torrent) flusher() dnd.Flusher {
	return func(piece uint32) error {
		if t.Cache == nil {
			return nil
		}
		return t.Cache.Flush(t.InfoHash.HexString(), piece)
	}
}

// fdOpen reports whether a file currently has a cached fd open; this
// engine does not model an fd cache directly, so it always reports closed,
// matching a conservative cache collaborator that flushes eagerly.
func (t *Torrent) fdOpen(fileIndex int) bool {
	return false
}

// SetFileDND implements set_file_dnd(fi, dnd): flips one
// file's wanted state, running the pure planner then applying its effects.
func (t *Torrent) SetFileDND(fi int, wantDND bool) error {
	t.checkMagic()
	if fi < 0 || fi >= len(t.FileMap.Files) {
		return fmt.Errorf("torrentengine: set_file_dnd: file index %d out of range", fi)
	}
	plan := dnd.PlanSetFileDND(t.FileMap, fi, wantDND, t.fdOpen)
	if plan.NoOp {
		return nil
	}
	if err := dnd.Apply(t.Locator, t.FileMap, plan, t.flusher()); err != nil {
		stopNow := t.Error.SetLocalError(t.IsRunning, "set_file_dnd: %v", err)
		if stopNow {
			t.Stop()
		}
		return err
	}
	t.IsDirty = true
	t.RecheckCompleteness()
	return nil
}

// SetFileDLs implements set_file_dls(files, want): flips the wanted
// state of a set of files. Every index is validated before any file is
// touched, so a bad index leaves the whole set unchanged.
func (t *Torrent) SetFileDLs(indices []int, wanted bool) error {
	t.checkMagic()
	for _, fi := range indices {
		if fi < 0 || fi >= len(t.FileMap.Files) {
			return fmt.Errorf("torrentengine: set_file_dls: file index %d out of range", fi)
		}
	}
	for _, fi := range indices {
		if err := t.SetFileDND(fi, !wanted); err != nil {
			return err
		}
	}
	return nil
}

// DeleteFiles implements delete_files(files, fn): marks each file
// unwanted and reclaims its on-disk bytes, preserving boundary-piece data
// still needed by adjacent wanted files.
func (t *Torrent) DeleteFiles(indices []int) error {
	t.checkMagic()
	for _, fi := range indices {
		if fi < 0 || fi >= len(t.FileMap.Files) {
			return fmt.Errorf("torrentengine: delete_files: file index %d out of range", fi)
		}
	}
	for _, fi := range indices {
		if err := t.SetFileDND(fi, true); err != nil {
			return err
		}
		if err := t.DeleteDNDFile(fi); err != nil {
			return err
		}
	}
	return nil
}

// SetFilePriorities implements set_file_priorities: applies
// a new filemap.Priority to a set of files and recomputes piece priorities,
// which does not itself require any DND-style disk IO.
func (t *Torrent) SetFilePriorities(indices []int, priority filemap.Priority) error {
	t.checkMagic()
	for _, fi := range indices {
		if fi < 0 || fi >= len(t.FileMap.Files) {
			return fmt.Errorf("torrentengine: set_file_priorities: file index %d out of range", fi)
		}
	}
	for _, fi := range indices {
		t.FileMap.Files[fi].Priority = priority
	}
	t.FileMap.RecomputePiecePriorities()
	t.IsDirty = true
	return nil
}

// DeleteDNDFile implements delete_dnd_file(fi): reclaims a
// currently-unwanted file's on-disk bytes, preserving any boundary-piece
// data still needed by neighboring wanted files, and invalidates the
// completion state of any now-gone middle pieces.
func (t *Torrent) DeleteDNDFile(fi int) error {
	t.checkMagic()
	if fi < 0 || fi >= len(t.FileMap.Files) {
		return fmt.Errorf("torrentengine: delete_dnd_file: file index %d out of range", fi)
	}
	f := t.FileMap.Files[fi]
	if !f.DND {
		return fmt.Errorf("torrentengine: delete_dnd_file: file %d is not DND", fi)
	}
	if f.UsePT {
		return nil // already reclaimed
	}

	plan := dnd.PlanDeleteDNDFile(t.FileMap, t.Completion, fi)
	if err := dnd.ApplyDeleteDNDFile(t.Locator, t.FileMap, plan, t.flusher()); err != nil {
		stopNow := t.Error.SetLocalError(t.IsRunning, "delete_dnd_file: %v", err)
		if stopNow {
			t.Stop()
		}
		return err
	}
	for _, p := range plan.InvalidatePieces {
		if err := t.Completion.RemovePiece(p); err != nil {
			return fmt.Errorf("torrentengine: delete_dnd_file: invalidate piece %d: %w", p, err)
		}
	}
	t.IsDirty = true
	t.RecheckCompleteness()
	return nil
}
