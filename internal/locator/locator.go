// Package locator finds a file on disk among the download/incomplete
// directory candidates and the ".part" suffix convention, and finds a
// piece's temporary file.
package locator

import (
	"fmt"
	"os"
	"path/filepath"
)

// PartSuffix is the Firefox-style in-progress file marker.
const PartSuffix = ".part"

// Base identifies which root directory a file was found under.
type Base int

const (
	BaseNone Base = iota
	BaseDownloadDir
	BaseIncompleteDir
)

// Locator searches a torrent's candidate directories for its files and
// temporary piece files.
type Locator struct {
	DownloadDir   string
	IncompleteDir string // optional; empty means no staging directory
	PieceTempDir  string
}

// FindFile searches, in order: download_dir/name, incomplete_dir/name,
// incomplete_dir/name.part, download_dir/name.part. Returns the first hit,
// the base it was found under, and the subpath relative to that base.
func (l Locator) FindFile(name string) (fullPath string, base Base, subpath string, found bool) {
	candidates := []struct {
		base Base
		dir  string
		name string
	}{
		{BaseDownloadDir, l.DownloadDir, name},
		{BaseIncompleteDir, l.IncompleteDir, name},
		{BaseIncompleteDir, l.IncompleteDir, name + PartSuffix},
		{BaseDownloadDir, l.DownloadDir, name + PartSuffix},
	}

	for _, c := range candidates {
		if c.dir == "" {
			continue
		}
		p := filepath.Join(c.dir, c.name)
		if fileExists(p) {
			return p, c.base, c.name, true
		}
	}
	return "", BaseNone, "", false
}

// baseDir resolves a Base to its directory string.
func (l Locator) baseDir(b Base) string {
	switch b {
	case BaseDownloadDir:
		return l.DownloadDir
	case BaseIncompleteDir:
		return l.IncompleteDir
	default:
		return ""
	}
}

// FindPieceTemp checks piece_temp_dir/<10-digit-piece-index>.dat.
func (l Locator) FindPieceTemp(piece uint32) (fullPath string, found bool) {
	if l.PieceTempDir == "" {
		return "", false
	}
	p := filepath.Join(l.PieceTempDir, pieceTempName(piece))
	if fileExists(p) {
		return p, true
	}
	return "", false
}

// PieceTempPath returns the path a piece's temp file would have, whether
// or not it currently exists — used by callers that are about to create it.
func (l Locator) PieceTempPath(piece uint32) string {
	return filepath.Join(l.PieceTempDir, pieceTempName(piece))
}

func pieceTempName(piece uint32) string {
	return fmt.Sprintf("%010d.dat", piece)
}

// RefreshCurrentDir implements refresh_current_dir: if there
// is no incomplete dir, current is download dir; else if firstFileName is
// empty (no metainfo yet), current is incomplete dir; else current is
// whichever base holds firstFileName, falling back to incomplete dir.
func (l Locator) RefreshCurrentDir(firstFileName string) string {
	if l.IncompleteDir == "" {
		return l.DownloadDir
	}
	if firstFileName == "" {
		return l.IncompleteDir
	}
	_, base, _, found := l.FindFile(firstFileName)
	if found {
		return l.baseDir(base)
	}
	return l.IncompleteDir
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
