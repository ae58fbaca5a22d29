// Package torrentengine implements the Torrent data model along with its
// lifecycle and statistics logic. It composes the geometry, filemap,
// completion, locator, and dnd packages to own a torrent's full state
// directly, rather than wrapping a third-party client.
package torrentengine

import (
	"crypto/sha1"
	"fmt"
	"log"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/haldane/torrentd/internal/completion"
	"github.com/haldane/torrentd/internal/engineerr"
	"github.com/haldane/torrentd/internal/filemap"
	"github.com/haldane/torrentd/internal/geometry"
	"github.com/haldane/torrentd/internal/locator"
)

// torrentMagicNumber guards against use of a zero-value Torrent, mirroring
// libtransmission's TORRENT_MAGIC_NUMBER sanity tag.
const torrentMagicNumber = 0x20130624

// RatioMode selects how a torrent's seed-ratio limit is sourced.
type RatioMode int

const (
	RatioGlobal RatioMode = iota
	RatioSingle
	RatioUnlimited
)

// IdleMode selects how a torrent's idle-seeding limit is sourced.
type IdleMode int

const (
	IdleGlobal IdleMode = iota
	IdleSingle
	IdleUnlimited
)

// Direction selects the upload or download half of a per-direction policy.
type Direction int

const (
	Down Direction = iota
	Up
)

// SpeedPolicy is one direction's speed-limit configuration.
type SpeedPolicy struct {
	LimitBps         int
	Enabled          bool
	UseSessionLimits bool
}

// Dates groups the torrent's lifecycle timestamps.
type Dates struct {
	Added    time.Time
	Activity time.Time
	Done     time.Time
	Start    time.Time
	Any      time.Time
}

// EtaSample holds one direction's smoothed speed estimate, in bytes/sec.
type EtaSample struct {
	SmoothedBps float64
	SampledAt   time.Time
}

// Torrent is the in-memory model for one info-hash within a session.
// Every field here is read/written only while the owning
// session's lock is held — Torrent itself carries no lock; all
// cross-thread access is serialized through the single session lock.
type Torrent struct {
	magic int

	// identity
	ID             uint64
	InfoHash       metainfo.Hash
	ObfuscatedHash [20]byte
	PeerID         string

	// geometry
	Geometry geometry.Geometry

	// file / piece tables
	FileMap *filemap.FileMap

	// completion (opaque collaborator)
	Completion *completion.View

	// locations
	Locator    locator.Locator
	CurrentDir string // download_dir or incomplete_dir

	// metainfo, kept for tracker-list rewriting and rename
	MetaInfo     *metainfo.MetaInfo
	MetainfoPath string // session-managed .torrent file; empty disables rewrites
	Name         string // top-level name from info.Name; the override lives in rename
	rename       string // non-empty overrides Name on disk/display

	// counters
	DownloadedCur, DownloadedPrev int64
	UploadedCur, UploadedPrev     int64
	CorruptCur, CorruptPrev       int64

	// supplemental seed/idle counters
	SecondsDownloading int64
	SecondsSeeding     int64

	Dates Dates

	EtaDL EtaSample
	EtaUL EtaSample

	// policy
	SpeedPolicy      [2]SpeedPolicy // indexed by Direction
	RatioMode        RatioMode
	DesiredRatio     float64
	IdleModeSetting  IdleMode
	IdleLimitMinutes int
	MaxPeers         int

	// lifecycle flags
	IsRunning            bool
	IsStopping           bool
	IsDeleting           bool
	StartAfterVerify     bool
	IsDirty              bool
	FinishedSeedingByIdle bool

	// error slot
	Error engineerr.Slot

	// optional callback handlers, invoked synchronously under the lock
	Hooks Hooks

	// DoneScript, if non-empty, is spawned detached each time the torrent
	// becomes a seed.
	DoneScript string

	// cached stat snapshot, handed back unchanged when StatCached is asked
	// for more than once within the same second
	lastStatTime time.Time
	cachedStat   *Stat

	// lastKnownStatus is the previous recheck_completeness() observation,
	// used to detect the leech->seed transition.
	lastKnownStatus completion.Status

	// collaborators, injected at construction time by the session
	Peers     PeerManagerRef
	Announce  AnnouncerRef
	Cache     CacheRef
	Bandwidth BandwidthRef
}

// The collaborator references are named distinctly from the interfaces in
// package collaborators so torrentengine does not need to import it just to
// spell the field types; session wires concrete collaborators.Noop* values
// in, matching the same interfaces structurally.
type PeerManagerRef interface {
	Register(infoHash string)
	Unregister(infoHash string)
	ClearInterested(infoHash string)
	ConnectedPeerCount(infoHash string) int
	PeersHavePiece(infoHash string, piece uint32) int
}

type AnnouncerRef interface {
	Announce(infoHash string, bytesLeft int64) error
	ManualUpdate(infoHash string) error
	Reset(infoHash string)
	TrackerSeederLeecherMax(infoHash string) (seeders, leechers int)
}

type CacheRef interface {
	Flush(infoHash string, piece uint32) error
	FlushAll(infoHash string) error
}

type BandwidthRef interface {
	PieceSpeed(infoHash string, up bool) int64
	RawSpeed(infoHash string, up bool) int64
}

// Ctor is the constructor argument for New: the raw metainfo plus the
// directories and collaborators a session assigns a new torrent.
type Ctor struct {
	TorrentFileBytes []byte // raw bencoded .torrent file
	MetainfoPath     string // where the session keeps this torrent's .torrent file
	ID               uint64
	DownloadDir      string
	IncompleteDir    string
	PieceTempDir     string
	Peers            PeerManagerRef
	Announce         AnnouncerRef
	Cache            CacheRef
	Bandwidth        BandwidthRef
	DoneScript       string

	// Paused suppresses the automatic start (or start-after-verify) that
	// normally follows adding a torrent to a session.
	Paused bool
}

// New parses ctor's metainfo and allocates a Torrent's geometry, file/piece
// tables, and completion view. It does not load resume state, register
// with collaborators, or decide whether to verify/start — those are the
// session's job (see internal/session), which owns the arena of torrents.
func New(ctor Ctor, store completion.Store) (*Torrent, error) {
	var mi metainfo.MetaInfo
	if err := bencode.Unmarshal(ctor.TorrentFileBytes, &mi); err != nil {
		return nil, fmt.Errorf("torrentengine: parse metainfo: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("torrentengine: unmarshal info dict: %w", err)
	}

	g, err := geometry.Compute(info.TotalLength(), info.PieceLength)
	if err != nil {
		return nil, fmt.Errorf("torrentengine: geometry: %w", err)
	}

	specs, err := fileSpecsFromInfo(info)
	if err != nil {
		return nil, err
	}
	fm, err := filemap.New(g, specs)
	if err != nil {
		return nil, fmt.Errorf("torrentengine: filemap: %w", err)
	}

	infoHash := mi.HashInfoBytes()
	comp := completion.New(g, fm, infoHash.HexString(), store)

	t := &Torrent{
		magic:          torrentMagicNumber,
		ID:             ctor.ID,
		InfoHash:       infoHash,
		ObfuscatedHash: obfuscatedHash(infoHash),
		PeerID:         generatePeerID(ctor.ID, infoHash),
		Geometry:       g,
		FileMap:        fm,
		Completion:     comp,
		MetaInfo:       &mi,
		MetainfoPath:   ctor.MetainfoPath,
		Name:           info.Name,
		Locator: locator.Locator{
			DownloadDir:   ctor.DownloadDir,
			IncompleteDir: ctor.IncompleteDir,
			PieceTempDir:  ctor.PieceTempDir,
		},
		Peers:      ctor.Peers,
		Announce:   ctor.Announce,
		Cache:      ctor.Cache,
		Bandwidth:  ctor.Bandwidth,
		DoneScript: ctor.DoneScript,
		MaxPeers:   50,
	}
	t.Dates.Added = time.Now()
	t.Dates.Any = t.Dates.Added
	t.CurrentDir = t.Locator.RefreshCurrentDir(firstFileName(fm))

	return t, nil
}

// obfuscatedHash computes SHA1("req2" || info_hash), cached once at
// construction time and never recomputed; the encrypted peer handshake
// looks torrents up by this value.
func obfuscatedHash(infoHash metainfo.Hash) [20]byte {
	h := sha1.New()
	h.Write([]byte("req2"))
	h.Write(infoHash[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// generatePeerID derives a stable 20-byte Azureus-style peer id from the
// session id and info hash, so re-announces within a session present a
// consistent identity to trackers.
func generatePeerID(sessionID uint64, infoHash metainfo.Hash) string {
	hex := infoHash.HexString()
	raw := fmt.Sprintf("-TD0001-%08x%s", sessionID, hex[:4])
	if len(raw) > 20 {
		raw = raw[:20]
	}
	return raw
}

func fileSpecsFromInfo(info metainfo.Info) ([]filemap.FileSpec, error) {
	if len(info.Files) == 0 {
		return []filemap.FileSpec{{Name: info.Name, Length: info.Length}}, nil
	}
	specs := make([]filemap.FileSpec, len(info.Files))
	for i, f := range info.Files {
		name := f.DisplayPath(&info)
		specs[i] = filemap.FileSpec{Name: name, Length: f.Length}
	}
	return specs, nil
}

func firstFileName(fm *filemap.FileMap) string {
	if len(fm.Files) == 0 {
		return ""
	}
	return fm.Files[0].Name
}

// checkMagic panics on a zero-value Torrent, mirroring tr_isTorrent's
// use-after-free guard. Never exposed publicly.
func (t *Torrent) checkMagic() {
	if t.magic != torrentMagicNumber {
		panic("torrentengine: use of a Torrent that was never constructed via New")
	}
}

// Free releases a torrent's resources, `free`: the caller
// must ensure IsRunning is false first. It unregisters from the peer
// manager and announcer and zeroes the magic tag so any further use panics.
func (t *Torrent) Free() error {
	t.checkMagic()
	if t.IsRunning {
		return fmt.Errorf("torrentengine: cannot free a running torrent %s", t.InfoHash.HexString())
	}
	if t.Peers != nil {
		t.Peers.Unregister(t.InfoHash.HexString())
	}
	if t.Announce != nil {
		t.Announce.Reset(t.InfoHash.HexString())
	}
	log.Printf("[torrent] freed %s", t.InfoHash.HexString()[:12])
	t.magic = 0
	return nil
}

// DisplayName returns rename if set, else the metainfo top-level name.
func (t *Torrent) DisplayName() string {
	if t.rename != "" {
		return t.rename
	}
	return t.Name
}
