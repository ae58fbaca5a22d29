// Package filemap builds and maintains the per-file and per-piece tables:
// file offsets/lengths/piece spans, and the priority/DND aggregation that
// piece state derives from file state.
package filemap

import (
	"fmt"

	"github.com/haldane/torrentd/internal/geometry"
)

// Priority mirrors tr_priority_t.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
)

// File is one entry of the torrent's file table.
type File struct {
	Offset     int64
	Length     int64
	FirstPiece uint32
	LastPiece  uint32
	Priority   Priority
	DND        bool
	UsePT      bool // uses temp piece files instead of the real file
	Exists     bool
	Name       string
	Rename     string // display name override; empty if unset
}

// DisplayName returns Rename if set, else Name.
func (f File) DisplayName() string {
	if f.Rename != "" {
		return f.Rename
	}
	return f.Name
}

// Piece is one entry of the torrent's piece table.
type Piece struct {
	Priority Priority
	DND      bool
}

// FileMap holds the derived file/piece tables for a torrent's geometry.
type FileMap struct {
	Geometry geometry.Geometry
	Files    []File
	Pieces   []Piece

	// firstFiles[p] is the index of the first file overlapping piece p,
	// a traversal hint so PieceFiles starts its scan at the right file.
	firstFiles []int
}

// FileSpec is the caller-supplied (name, length, priority, dnd) for one file,
// used by New to lay files out contiguously over [0, total_size).
type FileSpec struct {
	Name     string
	Length   int64
	Priority Priority
	DND      bool
}

// New lays out files contiguously, derives their piece spans, and computes
// per-piece priority/DND, implementing init_file_pieces.
func New(g geometry.Geometry, specs []FileSpec) (*FileMap, error) {
	var total int64
	for _, s := range specs {
		total += s.Length
	}
	if total != g.TotalSize {
		return nil, fmt.Errorf("filemap: sum of file lengths %d != geometry total size %d", total, g.TotalSize)
	}

	files := make([]File, len(specs))
	var offset int64
	for i, s := range specs {
		f := File{
			Offset:   offset,
			Length:   s.Length,
			Priority: s.Priority,
			DND:      s.DND,
			Exists:   false,
			Name:     s.Name,
		}
		f.FirstPiece = g.ByteToPiece(f.Offset)
		if f.Length == 0 {
			f.LastPiece = f.FirstPiece
		} else {
			f.LastPiece = g.ByteToPiece(f.Offset + f.Length - 1)
		}
		files[i] = f
		offset += s.Length
	}

	fm := &FileMap{
		Geometry: g,
		Files:    files,
		Pieces:   make([]Piece, g.PieceCount),
	}
	fm.buildFirstFilesHint()
	fm.RecomputePiecePriorities()
	return fm, nil
}

func (fm *FileMap) buildFirstFilesHint() {
	fm.firstFiles = make([]int, fm.Geometry.PieceCount)
	fi := 0
	for p := uint32(0); p < fm.Geometry.PieceCount; p++ {
		for fi < len(fm.Files)-1 && fm.Files[fi].LastPiece < p {
			fi++
		}
		fm.firstFiles[p] = fi
	}
}

// RecomputePiecePriorities recomputes every piece's priority and DND flag
// from the file table invariants 2 and 3:
//
//	piece(p).dnd       = AND over files overlapping p of file.dnd
//	piece(p).priority  = max over files overlapping p of file.priority,
//	                     elevated to High if a Normal+ file starts or ends at p.
func (fm *FileMap) RecomputePiecePriorities() {
	for p := range fm.Pieces {
		fm.Pieces[p] = Piece{Priority: PriorityLow, DND: true}
	}

	for fi := range fm.Files {
		f := &fm.Files[fi]
		for p := f.FirstPiece; p <= f.LastPiece; p++ {
			pc := &fm.Pieces[p]
			if f.Priority > pc.Priority {
				pc.Priority = f.Priority
			}
			if !f.DND {
				pc.DND = false
			}
			if f.Priority >= PriorityNormal && (p == f.FirstPiece || p == f.LastPiece) {
				pc.Priority = PriorityHigh
			}
		}
	}
}

// PieceFiles returns the indices of files overlapping the given piece,
// starting from the firstFiles hint.
func (fm *FileMap) PieceFiles(piece uint32) []int {
	var out []int
	for fi := fm.firstFiles[piece]; fi < len(fm.Files); fi++ {
		f := fm.Files[fi]
		if f.FirstPiece > piece {
			break
		}
		if f.LastPiece >= piece {
			out = append(out, fi)
		}
	}
	return out
}

// ByteToPiece is a convenience forward to the underlying geometry.
func (fm *FileMap) ByteToPiece(offset int64) uint32 {
	return fm.Geometry.ByteToPiece(offset)
}
