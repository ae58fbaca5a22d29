package torrentengine

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/haldane/torrentd/internal/collaborators"
	"github.com/haldane/torrentd/internal/completion"
	"github.com/haldane/torrentd/internal/verifier"
)

const kib = 1024

// buildTorrentBytes bencodes a minimal single-file metainfo with a valid
// raw info dict (mi.InfoBytes populated from the marshaled info dict), the
// form New parses.
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

func newTestTorrent(t *testing.T) *Torrent {
	t.Helper()
	tb := buildTorrentBytes(t, "single.bin", 3*kib, kib)
	tr, err := New(Ctor{
		TorrentFileBytes: tb,
		ID:               1,
		DownloadDir:      t.TempDir(),
		IncompleteDir:    "",
		PieceTempDir:     t.TempDir(),
		Peers:            collaborators.NoopPeerManager{},
		Announce:         collaborators.NoopAnnouncer{},
		Cache:            collaborators.NewMemCache(),
		Bandwidth:        collaborators.ZeroBandwidth{},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestNewComputesIdentity(t *testing.T) {
	tr := newTestTorrent(t)
	if tr.Geometry.PieceCount != 3 {
		t.Errorf("PieceCount = %d, want 3", tr.Geometry.PieceCount)
	}
	if tr.ObfuscatedHash == ([20]byte{}) {
		t.Error("ObfuscatedHash should be non-zero")
	}
	if tr.DisplayName() != "single.bin" {
		t.Errorf("DisplayName() = %q, want single.bin", tr.DisplayName())
	}
}

func TestStartStopLifecycle(t *testing.T) {
	tr := newTestTorrent(t)
	tr.Start()
	if !tr.IsRunning {
		t.Error("torrent should be running after Start")
	}
	tr.Stop()
	if tr.IsRunning {
		t.Error("torrent should not be running after Stop")
	}
}

func TestRecheckCompletenessTransitionsToSeed(t *testing.T) {
	tr := newTestTorrent(t)
	for p := uint32(0); p < tr.Geometry.PieceCount; p++ {
		if err := tr.Completion.AddPiece(p); err != nil {
			t.Fatalf("AddPiece(%d): %v", p, err)
		}
	}
	tr.RecheckCompleteness()
	if tr.Completion.TorrentStatus() != completion.Seed {
		t.Errorf("status = %v, want Seed", tr.Completion.TorrentStatus())
	}
	if tr.Dates.Done.IsZero() {
		t.Error("Dates.Done should be set once seeding begins")
	}
}

func TestVerifyRestartsRunningTorrent(t *testing.T) {
	tr := newTestTorrent(t)
	tr.Start()

	read := func(piece uint32) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(make([]byte, tr.Geometry.PieceByteCount(piece)))), nil
	}
	if err := tr.Verify(verifier.SHA1Verifier{}, read, 1); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !tr.IsRunning {
		t.Error("a torrent that was running when verify began should be running again after")
	}
	if tr.StartAfterVerify {
		t.Error("StartAfterVerify should be consumed by the restart")
	}
}

func TestSpeedLimitRoundTrip(t *testing.T) {
	tr := newTestTorrent(t)
	tr.SetSpeedLimit(Down, 4096)
	if got := tr.SpeedLimit(Down); got != 4096 {
		t.Errorf("SpeedLimit(Down) = %d, want 4096", got)
	}
	if got := tr.SpeedLimit(Up); got != 0 {
		t.Errorf("SpeedLimit(Up) = %d, want 0 (untouched)", got)
	}
}

func TestSetAnnounceListRoundTrip(t *testing.T) {
	tr := newTestTorrent(t)
	ok := tr.SetAnnounceList([]TrackerInfo{
		{Tier: 0, Announce: "http://a.example/announce"},
		{Tier: 1, Announce: "http://b.example/announce"},
		{Tier: 1, Announce: "http://c.example/announce"},
	})
	if !ok {
		t.Fatal("SetAnnounceList should have succeeded")
	}
	got := tr.Trackers()
	want := []TrackerInfo{
		{Tier: 0, Announce: "http://a.example/announce"},
		{Tier: 1, Announce: "http://b.example/announce"},
		{Tier: 1, Announce: "http://c.example/announce"},
	}
	if len(got) != len(want) {
		t.Fatalf("Trackers() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Trackers()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSetAnnounceListSortsInterleavedTiersStably(t *testing.T) {
	tr := newTestTorrent(t)
	ok := tr.SetAnnounceList([]TrackerInfo{
		{Tier: 2, Announce: "http://z1.example/announce"},
		{Tier: 0, Announce: "http://a.example/announce"},
		{Tier: 2, Announce: "http://z2.example/announce"},
		{Tier: 1, Announce: "http://m.example/announce"},
	})
	if !ok {
		t.Fatal("SetAnnounceList should have succeeded")
	}
	got := tr.Trackers()
	// tiers ascend and the two tier-2 entries keep their input order;
	// tier numbers are renumbered to their group position
	want := []TrackerInfo{
		{Tier: 0, Announce: "http://a.example/announce"},
		{Tier: 1, Announce: "http://m.example/announce"},
		{Tier: 2, Announce: "http://z1.example/announce"},
		{Tier: 2, Announce: "http://z2.example/announce"},
	}
	if len(got) != len(want) {
		t.Fatalf("Trackers() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Trackers()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if tr.MetaInfo.Announce != "http://a.example/announce" {
		t.Errorf("Announce = %q, want the first entry of the lowest tier", tr.MetaInfo.Announce)
	}
}

func TestSetAnnounceListRejectsBadScheme(t *testing.T) {
	tr := newTestTorrent(t)
	before := tr.Trackers()
	ok := tr.SetAnnounceList([]TrackerInfo{{Tier: 0, Announce: "ftp://nope.example/announce"}})
	if ok {
		t.Fatal("SetAnnounceList should reject an unsupported scheme")
	}
	after := tr.Trackers()
	if len(before) != len(after) {
		t.Error("rejected set_announce_list must not mutate the tracker list")
	}
}

func TestSetFileDNDIsNoOpWhenUnchanged(t *testing.T) {
	tr := newTestTorrent(t)
	want := tr.FileMap.Files[0].DND
	if err := tr.SetFileDND(0, want); err != nil {
		t.Fatalf("SetFileDND: %v", err)
	}
}

func TestCompletenessHookFiresOnSeedTransition(t *testing.T) {
	tr := newTestTorrent(t)
	var gotStatus completion.Status
	var gotWasRunning bool
	fired := 0
	tr.Hooks.CompletenessChanged = func(status completion.Status, wasRunning bool) {
		gotStatus = status
		gotWasRunning = wasRunning
		fired++
	}
	for p := uint32(0); p < tr.Geometry.PieceCount; p++ {
		if err := tr.Completion.AddPiece(p); err != nil {
			t.Fatalf("AddPiece(%d): %v", p, err)
		}
	}
	tr.RecheckCompleteness()
	if fired != 1 {
		t.Fatalf("hook fired %d times, want 1", fired)
	}
	if gotStatus != completion.Seed || gotWasRunning {
		t.Errorf("hook got (%v, %v), want (Seed, false)", gotStatus, gotWasRunning)
	}

	// no transition, no callback
	tr.RecheckCompleteness()
	if fired != 1 {
		t.Errorf("hook fired again without a status change")
	}
}

func TestDoneScriptEnv(t *testing.T) {
	tr := newTestTorrent(t)
	env := tr.doneScriptEnv(time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC))
	want := map[string]string{
		"TR_APP_VERSION":    appVersion,
		"TR_TIME_LOCALTIME": "Sat Mar 14 09:26:53 2026",
		"TR_TORRENT_DIR":    tr.CurrentDir,
		"TR_TORRENT_ID":     "1",
		"TR_TORRENT_HASH":   tr.InfoHash.HexString(),
		"TR_TORRENT_NAME":   "single.bin",
	}
	got := make(map[string]string, len(env))
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			t.Fatalf("malformed env entry %q", kv)
		}
		got[parts[0]] = parts[1]
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Errorf("env has %d entries, want %d", len(got), len(want))
	}
}

func TestSetFileDLsRejectsBadIndexWithoutMutating(t *testing.T) {
	tr := newTestTorrent(t)
	if err := tr.SetFileDLs([]int{0, 9}, false); err == nil {
		t.Fatal("SetFileDLs should reject an out-of-range index")
	}
	if tr.FileMap.Files[0].DND {
		t.Error("file 0 must be untouched after a rejected batch")
	}
}

func TestAvailabilityAndAmountFinishedLength(t *testing.T) {
	tr := newTestTorrent(t)
	if got := len(tr.Availability()); uint32(got) != tr.Geometry.PieceCount {
		t.Errorf("Availability length = %d, want %d", got, tr.Geometry.PieceCount)
	}
	if got := len(tr.AmountFinished()); uint32(got) != tr.Geometry.PieceCount {
		t.Errorf("AmountFinished length = %d, want %d", got, tr.Geometry.PieceCount)
	}
	if err := tr.Completion.AddPiece(0); err != nil {
		t.Fatalf("AddPiece: %v", err)
	}
	if got := tr.AmountFinished()[0]; got != 1 {
		t.Errorf("AmountFinished()[0] = %v, want 1", got)
	}
}
