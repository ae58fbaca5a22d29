package completion

import (
	"testing"

	"github.com/haldane/torrentd/internal/filemap"
	"github.com/haldane/torrentd/internal/geometry"
)

func newTestView(t *testing.T) (*View, geometry.Geometry) {
	t.Helper()
	g, err := geometry.Compute(5000, 1000)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	fm, err := filemap.New(g, []filemap.FileSpec{
		{Name: "a", Length: 5000, Priority: filemap.PriorityNormal},
	})
	if err != nil {
		t.Fatalf("filemap.New: %v", err)
	}
	return New(g, fm, "deadbeef", nil), g
}

func TestAddPieceMarksAllBlocks(t *testing.T) {
	v, g := newTestView(t)
	if err := v.AddPiece(0); err != nil {
		t.Fatalf("AddPiece: %v", err)
	}
	if !v.PieceIsComplete(0) {
		t.Error("piece 0 should be complete")
	}
	if got := v.CompleteBlocksInPiece(0); got != g.PieceBlockCount(0) {
		t.Errorf("CompleteBlocksInPiece(0) = %d, want %d", got, g.PieceBlockCount(0))
	}
	if v.MissingBytesInPiece(0) != 0 {
		t.Error("complete piece should have 0 missing bytes")
	}
}

func TestMissingBytesInPiecePartial(t *testing.T) {
	// 32 KiB pieces hold two 16 KiB blocks, so one block is half a piece.
	g, err := geometry.Compute(5*32*1024, 32*1024)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	fm, err := filemap.New(g, []filemap.FileSpec{
		{Name: "a", Length: 5 * 32 * 1024, Priority: filemap.PriorityNormal},
	})
	if err != nil {
		t.Fatalf("filemap.New: %v", err)
	}
	v := New(g, fm, "deadbeef", nil)
	first := g.PieceFirstBlock(0)
	v.AddBlock(first) // only the first block of piece 0
	missing := v.MissingBytesInPiece(0)
	if missing <= 0 || missing >= g.PieceByteCount(0) {
		t.Errorf("missing bytes should be partial, got %d of %d", missing, g.PieceByteCount(0))
	}
}

func TestTorrentStatusTransitions(t *testing.T) {
	v, g := newTestView(t)
	if got := v.TorrentStatus(); got != Leech {
		t.Errorf("empty torrent status = %v, want Leech", got)
	}
	for p := uint32(0); p < g.PieceCount; p++ {
		if err := v.AddPiece(p); err != nil {
			t.Fatalf("AddPiece(%d): %v", p, err)
		}
	}
	if got := v.TorrentStatus(); got != Seed {
		t.Errorf("fully-downloaded torrent status = %v, want Seed", got)
	}
}

func TestRemovePieceClearsBlocks(t *testing.T) {
	v, _ := newTestView(t)
	if err := v.AddPiece(0); err != nil {
		t.Fatalf("AddPiece: %v", err)
	}
	if err := v.RemovePiece(0); err != nil {
		t.Fatalf("RemovePiece: %v", err)
	}
	if v.PieceIsComplete(0) {
		t.Error("piece should no longer be complete after RemovePiece")
	}
	if v.CompleteBlocksInPiece(0) != 0 {
		t.Error("RemovePiece should clear all blocks of the piece")
	}
}

type memStore struct {
	data map[uint32]bool
}

func newMemStore() *memStore { return &memStore{data: make(map[uint32]bool)} }

func (m *memStore) Get(infoHash string, piece uint32) (bool, bool, error) {
	v, ok := m.data[piece]
	return v, ok, nil
}

func (m *memStore) Set(infoHash string, piece uint32, complete bool) error {
	m.data[piece] = complete
	return nil
}

func TestLoadFromStoreHydratesPieces(t *testing.T) {
	g, err := geometry.Compute(5000, 1000)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	fm, err := filemap.New(g, []filemap.FileSpec{{Name: "a", Length: 5000}})
	if err != nil {
		t.Fatalf("filemap.New: %v", err)
	}
	store := newMemStore()
	store.data[2] = true

	v := New(g, fm, "deadbeef", store)
	if err := v.LoadFromStore(); err != nil {
		t.Fatalf("LoadFromStore: %v", err)
	}
	if !v.PieceIsComplete(2) {
		t.Error("piece 2 should be hydrated as complete from store")
	}
	if v.PieceIsComplete(0) {
		t.Error("piece 0 was never recorded, should not be complete")
	}
}
