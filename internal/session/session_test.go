package session

import (
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/haldane/torrentd/internal/collaborators"
	"github.com/haldane/torrentd/internal/resume"
	"github.com/haldane/torrentd/internal/torrentengine"
)

const kib = 1024

func buildTorrentBytes(t *testing.T, name string, length, pieceLength int64) []byte {
	t.Helper()
	pieceCount := (length + pieceLength - 1) / pieceLength
	if pieceCount == 0 {
		pieceCount = 1
	}
	info := metainfo.Info{
		Name:        name,
		PieceLength: pieceLength,
		Length:      length,
		Pieces:      make([]byte, pieceCount*20),
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	mi := metainfo.MetaInfo{
		Announce:  "http://tracker.example/announce",
		InfoBytes: infoBytes,
	}
	out, err := bencode.Marshal(&mi)
	if err != nil {
		t.Fatalf("marshal metainfo: %v", err)
	}
	return out
}

func testCtor(t *testing.T, name string) torrentengine.Ctor {
	t.Helper()
	return torrentengine.Ctor{
		TorrentFileBytes: buildTorrentBytes(t, name, 3*kib, kib),
		DownloadDir:      t.TempDir(),
		PieceTempDir:     t.TempDir(),
		Peers:            collaborators.NoopPeerManager{},
		Announce:         collaborators.NoopAnnouncer{},
		Cache:            collaborators.NewMemCache(),
		Bandwidth:        collaborators.ZeroBandwidth{},
	}
}

// recordingPeerManager records Register/Unregister calls so tests can
// assert a torrent was introduced to the swarm side at add time.
type recordingPeerManager struct {
	mu         sync.Mutex
	registered []string
}

func (p *recordingPeerManager) Register(infoHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = append(p.registered, infoHash)
}
func (p *recordingPeerManager) Unregister(infoHash string)               {}
func (p *recordingPeerManager) ClearInterested(infoHash string)          {}
func (p *recordingPeerManager) ConnectedPeerCount(infoHash string) int   { return 0 }
func (p *recordingPeerManager) PeersHavePiece(string, uint32) int        { return 0 }

func (p *recordingPeerManager) registeredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registered)
}

// recordingAnnouncer counts announces and resets.
type recordingAnnouncer struct {
	mu        sync.Mutex
	announced int
	resets    int
}

func (a *recordingAnnouncer) Announce(infoHash string, bytesLeft int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.announced++
	return nil
}
func (a *recordingAnnouncer) ManualUpdate(string) error { return nil }
func (a *recordingAnnouncer) Reset(string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets++
}
func (a *recordingAnnouncer) TrackerSeederLeecherMax(string) (int, int) { return 0, 0 }

func (a *recordingAnnouncer) counts() (announced, resets int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.announced, a.resets
}

// fakeResumeStore is an in-memory resume.Store stand-in for tests, since a
// real PostgresStore needs a live database.
type fakeResumeStore struct {
	mu    sync.Mutex
	saved map[string]resume.State
}

func newFakeResumeStore() *fakeResumeStore {
	return &fakeResumeStore{saved: make(map[string]resume.State)}
}

func (f *fakeResumeStore) Load(infoHash string) (resume.State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.saved[infoHash]
	return st, ok, nil
}

func (f *fakeResumeStore) Save(st resume.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[st.InfoHash] = st
	return nil
}

func TestAddTorrentAssignsDistinctSessionIDs(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	r1 := s.AddTorrent(testCtor(t, "a.bin"))
	if r1.Err != nil {
		t.Fatalf("AddTorrent a: %v", r1.Err)
	}
	r2 := s.AddTorrent(testCtor(t, "b.bin"))
	if r2.Err != nil {
		t.Fatalf("AddTorrent b: %v", r2.Err)
	}
	if r1.Torrent.ID == 0 || r2.Torrent.ID == 0 {
		t.Error("session-local IDs should be non-zero")
	}
	if r1.Torrent.ID == r2.Torrent.ID {
		t.Error("distinct torrents should get distinct session-local IDs")
	}
}

func TestAddTorrentDetectsDuplicate(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	ctor := testCtor(t, "dup.bin")
	first := s.AddTorrent(ctor)
	if first.Err != nil || first.Duplicate {
		t.Fatalf("first add: err=%v duplicate=%v", first.Err, first.Duplicate)
	}

	second := s.AddTorrent(ctor)
	if second.Err != nil {
		t.Fatalf("second add: %v", second.Err)
	}
	if !second.Duplicate {
		t.Error("re-adding the same torrent file should report Duplicate=true")
	}
	if second.Torrent != first.Torrent {
		t.Error("Duplicate result should return the already-registered torrent")
	}
}

func TestAddTorrentAppliesResumeState(t *testing.T) {
	store := newFakeResumeStore()
	ctor := testCtor(t, "resumed.bin")

	probe, err := torrentengine.New(ctor, nil)
	if err != nil {
		t.Fatalf("probe New: %v", err)
	}
	hash := probe.InfoHash.HexString()
	if err := store.Save(resume.State{
		InfoHash:     hash,
		RatioMode:    torrentengine.RatioSingle,
		DesiredRatio: 2.5,
		MaxPeers:     17,
		DateAdded:    time.Now(),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s := New(nil, store)
	defer s.Close()

	res := s.AddTorrent(ctor)
	if res.Err != nil {
		t.Fatalf("AddTorrent: %v", res.Err)
	}
	if res.Torrent.RatioMode != torrentengine.RatioSingle {
		t.Errorf("RatioMode = %v, want RatioSingle", res.Torrent.RatioMode)
	}
	if res.Torrent.DesiredRatio != 2.5 {
		t.Errorf("DesiredRatio = %v, want 2.5", res.Torrent.DesiredRatio)
	}
	if res.Torrent.MaxPeers != 17 {
		t.Errorf("MaxPeers = %d, want 17", res.Torrent.MaxPeers)
	}
}

func TestAddTorrentRegistersWithCollaborators(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	pm := &recordingPeerManager{}
	ann := &recordingAnnouncer{}
	ctor := testCtor(t, "registered.bin")
	ctor.Peers = pm
	ctor.Announce = ann
	ctor.Paused = true

	res := s.AddTorrent(ctor)
	if res.Err != nil {
		t.Fatalf("AddTorrent: %v", res.Err)
	}
	if pm.registeredCount() != 1 {
		t.Errorf("peer manager Register calls = %d, want 1", pm.registeredCount())
	}
	if _, resets := ann.counts(); resets != 1 {
		t.Errorf("announcer Reset calls = %d, want 1", resets)
	}
	if res.Torrent.IsRunning {
		t.Error("a paused add must not start the torrent")
	}
}

func TestAddTorrentVerifiesNewlySeenThenStarts(t *testing.T) {
	store := newFakeResumeStore() // empty: every torrent is newly seen
	s := New(nil, store)

	ann := &recordingAnnouncer{}
	ctor := testCtor(t, "fresh.bin")
	ctor.Announce = ann

	res := s.AddTorrent(ctor)
	if res.Err != nil {
		t.Fatalf("AddTorrent: %v", res.Err)
	}

	// Close drains the queued verify job before returning, so the
	// verify-then-start sequence has completed by the time it does.
	s.Close()

	if !res.Torrent.IsRunning {
		t.Error("a newly-seen unpaused torrent should be verified and then started")
	}
	if res.Torrent.StartAfterVerify {
		t.Error("StartAfterVerify should be consumed by the post-verify start")
	}
	if announced, _ := ann.counts(); announced == 0 {
		t.Error("the post-verify start should have announced")
	}
}

func TestAddTorrentStartsPreviouslySeenUnlessPaused(t *testing.T) {
	store := newFakeResumeStore()
	ctor := testCtor(t, "known.bin")

	probe, err := torrentengine.New(ctor, nil)
	if err != nil {
		t.Fatalf("probe New: %v", err)
	}
	hash := probe.InfoHash.HexString()
	if err := store.Save(resume.State{InfoHash: hash, DateAdded: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s := New(nil, store)
	defer s.Close()

	res := s.AddTorrent(ctor)
	if res.Err != nil {
		t.Fatalf("AddTorrent: %v", res.Err)
	}
	if !res.Torrent.IsRunning {
		t.Error("a previously-seen unpaused torrent should start at add time")
	}
}

func TestRunInEventThreadOrdering(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	res := s.AddTorrent(testCtor(t, "ordered.bin"))
	if res.Err != nil {
		t.Fatalf("AddTorrent: %v", res.Err)
	}
	hash := res.Torrent.InfoHash.HexString()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		s.RunInEventThread(hash, func(tr *torrentengine.Torrent) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
}

func TestRemoveUnregistersTorrent(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	res := s.AddTorrent(testCtor(t, "removable.bin"))
	if res.Err != nil {
		t.Fatalf("AddTorrent: %v", res.Err)
	}
	hash := res.Torrent.InfoHash.HexString()

	if err := s.Remove(hash, false, nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get(hash); ok {
		t.Error("torrent should be gone from the session after Remove")
	}
	if len(s.RecentlyRemoved()) != 1 {
		t.Errorf("RecentlyRemoved len = %d, want 1", len(s.RecentlyRemoved()))
	}
}
