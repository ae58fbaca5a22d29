// verify_io.go provides the default PieceReader that Verify uses to
// stream piece bytes into the verifier worker pool. Like the dnd
// package's copy helpers, it resolves each file's on-disk path through
// the Locator before reading a byte range.
package torrentengine

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/haldane/torrentd/internal/verifier"
)

// DefaultPieceReader returns a verifier.PieceReader that reads a piece's
// bytes by concatenating the on-disk ranges of every file the piece
// overlaps, falling back to a temp piece file for any file currently using
// one (find_piece_temp), and reporting a missing file as an
// error rather than silently skipping it.
func DefaultPieceReader(t *Torrent) verifier.PieceReader {
	return func(piece uint32) (io.ReadCloser, error) {
		files := t.FileMap.PieceFiles(piece)
		if len(files) == 0 {
			return nil, fmt.Errorf("piece %d overlaps no file", piece)
		}

		pieceStart := t.Geometry.PieceStartByte(piece)
		pieceLen := t.Geometry.PieceByteCount(piece)
		buf := make([]byte, pieceLen)

		for _, fi := range files {
			f := t.FileMap.Files[fi]
			// The overlap of this file with the piece, in piece-relative offsets.
			fileStartInPiece := f.Offset - pieceStart
			if fileStartInPiece < 0 {
				fileStartInPiece = 0
			}
			fileEndInPiece := (f.Offset + f.Length) - pieceStart
			if fileEndInPiece > pieceLen {
				fileEndInPiece = pieceLen
			}
			if fileEndInPiece <= fileStartInPiece {
				continue
			}

			if f.UsePT {
				tmpPath, found := t.Locator.FindPieceTemp(piece)
				if !found {
					return nil, fmt.Errorf("piece %d: file %q is DND and its temp piece is missing", piece, f.Name)
				}
				if err := readRangeInto(tmpPath, fileStartInPiece, buf[fileStartInPiece:fileEndInPiece]); err != nil {
					return nil, fmt.Errorf("piece %d: temp piece %s: %w", piece, tmpPath, err)
				}
				continue
			}

			fullPath, _, _, found := t.Locator.FindFile(f.Name)
			if !found {
				return nil, fmt.Errorf("piece %d: file %q not found on disk", piece, f.Name)
			}
			fileRelOffset := (pieceStart + fileStartInPiece) - f.Offset
			if err := readRangeInto(fullPath, fileRelOffset, buf[fileStartInPiece:fileEndInPiece]); err != nil {
				return nil, fmt.Errorf("piece %d: %s: %w", piece, fullPath, err)
			}
		}

		return io.NopCloser(bytes.NewReader(buf)), nil
	}
}

func readRangeInto(path string, offset int64, dst []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.ReadFull(io.NewSectionReader(f, offset, int64(len(dst))), dst)
	return err
}
