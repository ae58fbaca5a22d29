// Package resume implements the resume-state store: a per-torrent resume
// record (tracked by a dirty flag and saved/loaded on demand), persisted
// with the same upsert-then-select pattern used for other per-entity
// records in this codebase.
package resume

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/haldane/torrentd/internal/filemap"
	"github.com/haldane/torrentd/internal/torrentengine"
)

// State is everything about a torrent that must survive a restart besides
// piece completion (which internal/completion.Store already persists):
// flags, priorities, DNDs, counters, and dates.
type State struct {
	InfoHash string

	RatioMode        torrentengine.RatioMode
	DesiredRatio     float64
	IdleMode         torrentengine.IdleMode
	IdleLimitMinutes int
	MaxPeers         int

	SpeedLimitDown         int
	SpeedLimitUp           int
	SpeedLimitDownEnabled  bool
	SpeedLimitUpEnabled    bool
	UseSessionLimitsDown   bool
	UseSessionLimitsUp     bool

	DownloadedEver int64
	UploadedEver   int64
	CorruptEver    int64

	SecondsDownloading int64
	SecondsSeeding     int64

	DateAdded    time.Time
	DateActivity time.Time
	DateDone     time.Time

	Rename string

	FileDND       []bool
	FilePriority  []int
}

// Store persists and reloads resume State, keyed by info hash.
type Store interface {
	Load(infoHash string) (State, bool, error)
	Save(state State) error
}

// PostgresStore implements Store using PostgreSQL. Priorities and DNDs are
// stored as parallel arrays indexed by file position, one row per torrent
// rather than one row per file.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a resume Store backed by db. The
// torrent_resume_state table is created at daemon startup.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save upserts state, dirty-flag-driven save call.
func (s *PostgresStore) Save(state State) error {
	dnd := boolsToInts(state.FileDND)
	_, err := s.db.Exec(`
		INSERT INTO torrent_resume_state (
			info_hash, ratio_mode, desired_ratio, idle_mode, idle_limit_minutes, max_peers,
			speed_limit_down, speed_limit_up, speed_limit_down_enabled, speed_limit_up_enabled,
			use_session_limits_down, use_session_limits_up,
			downloaded_ever, uploaded_ever, corrupt_ever,
			seconds_downloading, seconds_seeding,
			date_added, date_activity, date_done, rename,
			file_dnd, file_priority, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12,
			$13, $14, $15,
			$16, $17,
			$18, $19, $20, $21,
			$22, $23, now()
		)
		ON CONFLICT (info_hash) DO UPDATE SET
			ratio_mode = $2, desired_ratio = $3, idle_mode = $4, idle_limit_minutes = $5, max_peers = $6,
			speed_limit_down = $7, speed_limit_up = $8, speed_limit_down_enabled = $9, speed_limit_up_enabled = $10,
			use_session_limits_down = $11, use_session_limits_up = $12,
			downloaded_ever = $13, uploaded_ever = $14, corrupt_ever = $15,
			seconds_downloading = $16, seconds_seeding = $17,
			date_added = $18, date_activity = $19, date_done = $20, rename = $21,
			file_dnd = $22, file_priority = $23, updated_at = now()
	`,
		state.InfoHash, int(state.RatioMode), state.DesiredRatio, int(state.IdleMode), state.IdleLimitMinutes, state.MaxPeers,
		state.SpeedLimitDown, state.SpeedLimitUp, state.SpeedLimitDownEnabled, state.SpeedLimitUpEnabled,
		state.UseSessionLimitsDown, state.UseSessionLimitsUp,
		state.DownloadedEver, state.UploadedEver, state.CorruptEver,
		state.SecondsDownloading, state.SecondsSeeding,
		state.DateAdded, state.DateActivity, state.DateDone, state.Rename,
		pq.Array(dnd), pq.Array(state.FilePriority),
	)
	if err != nil {
		return fmt.Errorf("resume: save %s: %w", state.InfoHash, err)
	}
	return nil
}

// Load reads back a torrent's resume state. ok=false means no resume row
// exists yet (a brand-new torrent).
func (s *PostgresStore) Load(infoHash string) (State, bool, error) {
	var st State
	var ratioMode, idleMode int
	var dnd []int64
	row := s.db.QueryRow(`
		SELECT ratio_mode, desired_ratio, idle_mode, idle_limit_minutes, max_peers,
			speed_limit_down, speed_limit_up, speed_limit_down_enabled, speed_limit_up_enabled,
			use_session_limits_down, use_session_limits_up,
			downloaded_ever, uploaded_ever, corrupt_ever,
			seconds_downloading, seconds_seeding,
			date_added, date_activity, date_done, rename,
			file_dnd, file_priority
		FROM torrent_resume_state WHERE info_hash = $1
	`, infoHash)
	err := row.Scan(
		&ratioMode, &st.DesiredRatio, &idleMode, &st.IdleLimitMinutes, &st.MaxPeers,
		&st.SpeedLimitDown, &st.SpeedLimitUp, &st.SpeedLimitDownEnabled, &st.SpeedLimitUpEnabled,
		&st.UseSessionLimitsDown, &st.UseSessionLimitsUp,
		&st.DownloadedEver, &st.UploadedEver, &st.CorruptEver,
		&st.SecondsDownloading, &st.SecondsSeeding,
		&st.DateAdded, &st.DateActivity, &st.DateDone, &st.Rename,
		pq.Array(&dnd), pq.Array(&st.FilePriority),
	)
	if err == sql.ErrNoRows {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("resume: load %s: %w", infoHash, err)
	}
	st.InfoHash = infoHash
	st.RatioMode = torrentengine.RatioMode(ratioMode)
	st.IdleMode = torrentengine.IdleMode(idleMode)
	st.FileDND = intsToBools(dnd)
	return st, true, nil
}

// ApplyTo restores state onto a freshly-constructed Torrent, before the
// session decides whether to verify or start it.
func ApplyTo(t *torrentengine.Torrent, st State) {
	t.SetRatioMode(st.RatioMode)
	t.SetRatioLimit(st.DesiredRatio)
	t.SetIdleMode(st.IdleMode)
	t.SetIdleLimit(st.IdleLimitMinutes)
	t.SetPeerLimit(st.MaxPeers)

	t.SetSpeedLimit(torrentengine.Down, st.SpeedLimitDown)
	t.SetSpeedLimit(torrentengine.Up, st.SpeedLimitUp)
	t.UseSpeedLimit(torrentengine.Down, st.SpeedLimitDownEnabled)
	t.UseSpeedLimit(torrentengine.Up, st.SpeedLimitUpEnabled)
	t.UseSessionLimits(torrentengine.Down, st.UseSessionLimitsDown)
	t.UseSessionLimits(torrentengine.Up, st.UseSessionLimitsUp)

	t.DownloadedCur = 0
	t.DownloadedPrev = st.DownloadedEver
	t.UploadedPrev = st.UploadedEver
	t.CorruptPrev = st.CorruptEver
	t.SecondsDownloading = st.SecondsDownloading
	t.SecondsSeeding = st.SecondsSeeding
	t.Dates.Added = st.DateAdded
	t.Dates.Activity = st.DateActivity
	t.Dates.Done = st.DateDone

	if st.Rename != "" {
		_ = t.Rename(st.Rename)
	}
	for i, dnd := range st.FileDND {
		if i < len(t.FileMap.Files) && dnd != t.FileMap.Files[i].DND {
			_ = t.SetFileDND(i, dnd)
		}
	}
	for i, pri := range st.FilePriority {
		if i < len(t.FileMap.Files) {
			_ = t.SetFilePriorities([]int{i}, filemap.Priority(pri))
		}
	}
}

// Snapshot captures a State from a Torrent's current in-memory fields, the
// counterpart to ApplyTo, for the session to Save on dirty.
func Snapshot(t *torrentengine.Torrent) State {
	dnd := make([]bool, len(t.FileMap.Files))
	pri := make([]int, len(t.FileMap.Files))
	for i, f := range t.FileMap.Files {
		dnd[i] = f.DND
		pri[i] = int(f.Priority)
	}
	return State{
		InfoHash:              t.InfoHash.HexString(),
		RatioMode:             t.RatioMode,
		DesiredRatio:          t.DesiredRatio,
		IdleMode:              t.IdleModeSetting,
		IdleLimitMinutes:      t.IdleLimitMinutes,
		MaxPeers:              t.MaxPeers,
		SpeedLimitDown:        t.SpeedPolicy[torrentengine.Down].LimitBps,
		SpeedLimitUp:          t.SpeedPolicy[torrentengine.Up].LimitBps,
		SpeedLimitDownEnabled: t.SpeedPolicy[torrentengine.Down].Enabled,
		SpeedLimitUpEnabled:   t.SpeedPolicy[torrentengine.Up].Enabled,
		UseSessionLimitsDown:  t.SpeedPolicy[torrentengine.Down].UseSessionLimits,
		UseSessionLimitsUp:    t.SpeedPolicy[torrentengine.Up].UseSessionLimits,
		DownloadedEver:        t.DownloadedCur + t.DownloadedPrev,
		UploadedEver:          t.UploadedCur + t.UploadedPrev,
		CorruptEver:           t.CorruptCur + t.CorruptPrev,
		SecondsDownloading:    t.SecondsDownloading,
		SecondsSeeding:        t.SecondsSeeding,
		DateAdded:             t.Dates.Added,
		DateActivity:          t.Dates.Activity,
		DateDone:              t.Dates.Done,
		Rename:                t.DisplayName(),
		FileDND:               dnd,
		FilePriority:          pri,
	}
}

func boolsToInts(bs []bool) []int64 {
	out := make([]int64, len(bs))
	for i, b := range bs {
		if b {
			out[i] = 1
		}
	}
	return out
}

func intsToBools(is []int64) []bool {
	out := make([]bool, len(is))
	for i, v := range is {
		out[i] = v != 0
	}
	return out
}
