// Package completion implements Completion View: the opaque
// collaborator that answers piece/block completion queries and the
// derived leech/partial-seed/seed status. It keeps an in-memory bitset
// (mirroring BoltDB-then-Postgres piece-completion cache,
// github.com/willf/bitset from the uber-kraken pack) and optionally mirrors
// writes to a Store for durability across restarts.
package completion

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"

	"github.com/haldane/torrentd/internal/filemap"
	"github.com/haldane/torrentd/internal/geometry"
)

// Status mirrors tr_completeness.
type Status int

const (
	Leech Status = iota
	PartialSeed
	Seed
)

func (s Status) String() string {
	switch s {
	case Leech:
		return "leech"
	case PartialSeed:
		return "partial_seed"
	case Seed:
		return "seed"
	default:
		return "unknown"
	}
}

// Store persists piece completion outside process memory, e.g. Postgres.
// Get returning ok=false means "unknown; verify from disk", never
// "incomplete".
type Store interface {
	Get(infoHash string, piece uint32) (complete bool, ok bool, err error)
	Set(infoHash string, piece uint32, complete bool) error
}

// View is the mutable completion state for one torrent's pieces and blocks.
type View struct {
	mu sync.RWMutex

	geometry geometry.Geometry
	fm       *filemap.FileMap
	infoHash string
	store    Store // optional; nil means memory-only

	havePieces *bitset.BitSet
	haveBlocks *bitset.BitSet // indexed by global block number
}

// New creates a completion View over the given geometry and file map. store
// may be nil for a memory-only view (tests, or torrents not yet persisted).
func New(g geometry.Geometry, fm *filemap.FileMap, infoHash string, store Store) *View {
	return &View{
		geometry:   g,
		fm:         fm,
		infoHash:   infoHash,
		store:      store,
		havePieces: bitset.New(uint(g.PieceCount)),
		haveBlocks: bitset.New(uint(g.BlockCount)),
	}
}

// AddPiece marks a whole piece (and all its blocks) complete.
func (v *View) AddPiece(piece uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.addPieceLocked(piece)
}

func (v *View) addPieceLocked(piece uint32) error {
	v.havePieces.Set(uint(piece))
	first := v.geometry.PieceFirstBlock(piece)
	n := v.geometry.PieceBlockCount(piece)
	for b := uint64(0); b < uint64(n); b++ {
		v.haveBlocks.Set(uint(first + b))
	}
	if v.store != nil {
		return v.store.Set(v.infoHash, piece, true)
	}
	return nil
}

// RemovePiece clears a piece and all its blocks — used when a piece's bytes
// are invalidated (e.g. DeleteDNDFile dropping a file's on-disk data).
func (v *View) RemovePiece(piece uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.removePieceLocked(piece)
}

func (v *View) removePieceLocked(piece uint32) error {
	v.havePieces.Clear(uint(piece))
	first := v.geometry.PieceFirstBlock(piece)
	n := v.geometry.PieceBlockCount(piece)
	for b := uint64(0); b < uint64(n); b++ {
		v.haveBlocks.Clear(uint(first + b))
	}
	if v.store != nil {
		return v.store.Set(v.infoHash, piece, false)
	}
	return nil
}

// AddBlock marks a single block complete, without implying the whole piece
// is complete (that's decided by CompleteBlocksInPiece == PieceBlockCount).
func (v *View) AddBlock(block uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.haveBlocks.Set(uint(block))
}

// PieceIsComplete reports whether a piece is fully present.
func (v *View) PieceIsComplete(piece uint32) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.havePieces.Test(uint(piece))
}

// CompleteBlocksInPiece counts how many of a piece's blocks are present.
func (v *View) CompleteBlocksInPiece(piece uint32) uint16 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	first := v.geometry.PieceFirstBlock(piece)
	n := v.geometry.PieceBlockCount(piece)
	var count uint16
	for b := uint64(0); b < uint64(n); b++ {
		if v.haveBlocks.Test(uint(first + b)) {
			count++
		}
	}
	return count
}

// MissingBytesInPiece returns how many bytes of a piece are still missing.
func (v *View) MissingBytesInPiece(piece uint32) int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.havePieces.Test(uint(piece)) {
		return 0
	}
	first := v.geometry.PieceFirstBlock(piece)
	n := v.geometry.PieceBlockCount(piece)
	var missing int64
	for b := uint64(0); b < uint64(n); b++ {
		if !v.haveBlocks.Test(uint(first + b)) {
			missing += v.geometry.BlockByteCount(first + b)
		}
	}
	return missing
}

// HaveValid returns total verified bytes across all complete pieces.
func (v *View) HaveValid() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var total int64
	for p := uint32(0); p < v.geometry.PieceCount; p++ {
		if v.havePieces.Test(uint(p)) {
			total += v.geometry.PieceByteCount(p)
		}
	}
	return total
}

// HaveTotal returns total bytes present, counting partial pieces by block.
func (v *View) HaveTotal() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var total int64
	for b := uint64(0); b < v.geometry.BlockCount; b++ {
		if v.haveBlocks.Test(uint(b)) {
			total += v.geometry.BlockByteCount(b)
		}
	}
	return total
}

// SizeWhenDone returns the total size of non-DND pieces (the eventual
// "done" size once DND files are excluded).
func (v *View) SizeWhenDone() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var total int64
	for p := uint32(0); p < v.geometry.PieceCount; p++ {
		if !v.fm.Pieces[p].DND {
			total += v.geometry.PieceByteCount(p)
		}
	}
	return total
}

// LeftUntilDone returns bytes still needed among non-DND pieces.
func (v *View) LeftUntilDone() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var left int64
	for p := uint32(0); p < v.geometry.PieceCount; p++ {
		if v.fm.Pieces[p].DND {
			continue
		}
		if v.havePieces.Test(uint(p)) {
			continue
		}
		left += v.missingBytesInPieceLocked(p)
	}
	return left
}

func (v *View) missingBytesInPieceLocked(piece uint32) int64 {
	first := v.geometry.PieceFirstBlock(piece)
	n := v.geometry.PieceBlockCount(piece)
	var missing int64
	for b := uint64(0); b < uint64(n); b++ {
		if !v.haveBlocks.Test(uint(first + b)) {
			missing += v.geometry.BlockByteCount(first + b)
		}
	}
	return missing
}

// PercentComplete returns have_total / total_size, 0 if total size is 0.
func (v *View) PercentComplete() float64 {
	if v.geometry.TotalSize == 0 {
		return 0
	}
	return float64(v.HaveTotal()) / float64(v.geometry.TotalSize)
}

// PercentDone returns (size_when_done - left_until_done) / size_when_done.
func (v *View) PercentDone() float64 {
	swd := v.SizeWhenDone()
	if swd == 0 {
		return 1
	}
	return float64(swd-v.LeftUntilDone()) / float64(swd)
}

// TorrentStatus computes leech/partial-seed/seed following the convention used elsewhere.
func (v *View) TorrentStatus() Status {
	left := v.LeftUntilDone()
	if left > 0 {
		return Leech
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for p := uint32(0); p < v.geometry.PieceCount; p++ {
		if !v.havePieces.Test(uint(p)) {
			return PartialSeed
		}
	}
	return Seed
}

// LoadFromStore hydrates the in-memory bitsets from the durable Store, for
// use at torrent construction time when resuming a previously-seen torrent.
func (v *View) LoadFromStore() error {
	if v.store == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for p := uint32(0); p < v.geometry.PieceCount; p++ {
		complete, ok, err := v.store.Get(v.infoHash, p)
		if err != nil {
			return fmt.Errorf("completion: load piece %d: %w", p, err)
		}
		if ok && complete {
			if err := v.addPieceLocked(p); err != nil {
				return err
			}
		}
	}
	return nil
}
