// lifecycle.go implements Lifecycle & Verification Driver:
// start/stop/verify/recheck_completeness/set_location/rename/remove, and
// the seed-ratio/idle-limit logic. Every method assumes the caller holds
// the session lock (see internal/session), matching the single-lock
// concurrency model the rest of this package assumes.
package torrentengine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haldane/torrentd/internal/completion"
	"github.com/haldane/torrentd/internal/verifier"
)

// Activity is the torrent's derived run state: not a
// stored enum but computed from the lifecycle flags and completion status.
type Activity int

const (
	Stopped Activity = iota
	CheckWait
	CheckNow
	Downloading
	Seeding
)

func (a Activity) String() string {
	switch a {
	case Stopped:
		return "stopped"
	case CheckWait:
		return "check_wait"
	case CheckNow:
		return "check_now"
	case Downloading:
		return "download"
	case Seeding:
		return "seed"
	default:
		return "unknown"
	}
}

// currentActivity derives the activity state from lifecycle flags.
func (t *Torrent) currentActivity(checking bool) Activity {
	if !t.IsRunning {
		if checking {
			return CheckWait
		}
		return Stopped
	}
	if checking {
		return CheckNow
	}
	if t.Completion.TorrentStatus() == completion.Seed {
		return Seeding
	}
	return Downloading
}

// Start implements start(): checks the seed-ratio-done
// override, regenerates the peer id (the same value each time for a given
// session id and info hash), marks running, and posts start_impl
// (modeled here as a direct call since the engine has no separate event
// thread type — see internal/session for the dispatch boundary).
func (t *Torrent) Start() {
	t.checkMagic()
	if t.IsRunning {
		return
	}
	if t.seedRatioApplies() && t.seedRatioBytesLeft() <= 0 {
		log.Printf("[lifecycle] %s: start refused, seed ratio already satisfied", t.short())
		return
	}

	t.PeerID = generatePeerID(t.ID, t.InfoHash)
	t.IsRunning = true
	t.IsStopping = false
	t.startImpl()
}

// startImpl resets transfer-stats baselines, saves, and announces.
func (t *Torrent) startImpl() {
	now := time.Now()
	t.Dates.Start = now
	t.Dates.Activity = now
	t.DownloadedPrev += t.DownloadedCur
	t.DownloadedCur = 0
	t.UploadedPrev += t.UploadedCur
	t.UploadedCur = 0
	t.IsDirty = true

	if t.Announce != nil {
		if err := t.Announce.Announce(t.InfoHash.HexString(), t.Completion.LeftUntilDone()); err != nil {
			t.Error.SetTrackerWarning("", "announce failed: %v", err)
		}
	}
	log.Printf("[lifecycle] %s: started", t.short())
}

// Stop implements stop(): idempotent, marks not-running and
// posts stop_impl.
func (t *Torrent) Stop() {
	t.checkMagic()
	if !t.IsRunning {
		return
	}
	t.IsRunning = false
	t.IsStopping = true
	t.stopImpl()
}

// stopImpl removes from the verifier (nothing to do here — verification is
// synchronous in this implementation), tells the peer manager to stop,
// posts tracker-stopped, flushes the cache, and saves resume state.
func (t *Torrent) stopImpl() {
	if t.Peers != nil {
		t.Peers.ClearInterested(t.InfoHash.HexString())
	}
	if t.Announce != nil {
		t.Announce.Reset(t.InfoHash.HexString())
	}
	if t.Cache != nil {
		if err := t.Cache.FlushAll(t.InfoHash.HexString()); err != nil {
			log.Printf("[lifecycle] %s: flush on stop failed: %v", t.short(), err)
		}
	}
	t.IsStopping = false
	t.IsDirty = true
	log.Printf("[lifecycle] %s: stopped", t.short())
}

// Verify implements verify(): stops a running torrent (restarting it
// afterward), then drives the Verifier collaborator over every piece,
// updating the completion view as results arrive. Verification runs
// synchronously inside this call; no check_wait or check_now activity is
// ever reported for the torrent.
func (t *Torrent) Verify(v verifier.Verifier, read verifier.PieceReader, workers int) error {
	t.checkMagic()
	if t.IsRunning {
		t.Stop()
		t.StartAfterVerify = true
	}

	var okCount, failCount uint32
	err := v.Verify(t.Geometry.PieceCount, t.pieceHash, read, func(piece uint32, ok bool) {
		if ok {
			okCount++
			if addErr := t.Completion.AddPiece(piece); addErr != nil {
				log.Printf("[verify] %s: record piece %d: %v", t.short(), piece, addErr)
			}
		} else {
			failCount++
			if rmErr := t.Completion.RemovePiece(piece); rmErr != nil {
				log.Printf("[verify] %s: clear piece %d: %v", t.short(), piece, rmErr)
			}
		}
	}, workers)
	if err != nil {
		t.Error.SetLocalError(t.IsRunning, "verification failed: %v", err)
	}

	log.Printf("[verify] %s: complete, %d/%d pieces valid", t.short(), okCount, okCount+failCount)
	t.RecheckCompleteness()

	if t.StartAfterVerify {
		t.StartAfterVerify = false
		t.Start()
	}
	return err
}

func (t *Torrent) pieceHash(piece uint32) [20]byte {
	info, err := t.MetaInfo.UnmarshalInfo()
	if err != nil {
		return [20]byte{}
	}
	var h [20]byte
	off := int(piece) * 20
	if off+20 <= len(info.Pieces) {
		copy(h[:], info.Pieces[off:off+20])
	}
	return h
}

// RecheckCompleteness implements recheck_completeness(). On a status
// transition the ordering is fixed: status change, peer-manager notified,
// optional relocation, done script, completeness hook.
func (t *Torrent) RecheckCompleteness() {
	t.checkMagic()
	status := t.Completion.TorrentStatus()
	prev := t.lastKnownStatus
	t.lastKnownStatus = status
	if status == prev {
		return
	}
	wasRunning := t.IsRunning

	if status == completion.Seed {
		t.Dates.Done = time.Now()
		if t.IsRunning {
			t.Peers.ClearInterested(t.InfoHash.HexString())
			t.evaluateSeedLimits()
		}
		if t.CurrentDir == t.Locator.IncompleteDir {
			if err := t.SetLocation(t.Locator.DownloadDir, true, nil); err != nil {
				log.Printf("[lifecycle] %s: auto-relocate to download dir failed: %v", t.short(), err)
			}
		}
		t.runDoneScript()
	}
	t.IsDirty = true
	log.Printf("[lifecycle] %s: completeness %s -> %s", t.short(), prev, status)
	t.fireCompletenessChange(status, wasRunning)
}

// evaluateSeedLimits implements seed-ratio & idle limits. Either
// condition sets is_stopping and invokes its registered hit handler;
// FinishedSeedingByIdle records which one fired.
func (t *Torrent) evaluateSeedLimits() {
	if t.seedRatioApplies() && t.seedRatioBytesLeft() <= 0 {
		t.IsStopping = true
		t.FinishedSeedingByIdle = false
		if t.Hooks.RatioLimitHit != nil {
			t.Hooks.RatioLimitHit()
		}
		return
	}
	if t.idleApplies() && t.idleElapsed() {
		t.IsStopping = true
		t.FinishedSeedingByIdle = true
		if t.Hooks.IdleLimitHit != nil {
			t.Hooks.IdleLimitHit()
		}
	}
}

// seedRatioApplies reports whether the seed-ratio limit currently governs
// this torrent: it's seeding, and ratio_mode is single, or ratio_mode is
// global and the session has global ratio limiting turned on.
// The session setting is not consulted here: Session.ApplyGlobalPolicy
// rewrites RatioGlobal to RatioUnlimited when session-wide ratio limiting
// is off, so this method treats both Single and Global as limited.
func (t *Torrent) seedRatioApplies() bool {
	if t.Completion.TorrentStatus() != completion.Seed {
		return false
	}
	return t.RatioMode == RatioSingle || t.RatioMode == RatioGlobal
}

// seedRatioBytesLeft computes bytes still needed to reach the desired
// ratio/GLOSSARY "seed ratio done".
func (t *Torrent) seedRatioBytesLeft() int64 {
	baseline := t.DownloadedCur + t.DownloadedPrev
	if baseline == 0 {
		baseline = t.Completion.SizeWhenDone()
	}
	goal := int64(float64(baseline) * t.DesiredRatio)
	left := goal - (t.UploadedCur + t.UploadedPrev)
	if left < 0 {
		left = 0
	}
	return left
}

func (t *Torrent) idleApplies() bool {
	return t.IdleModeSetting == IdleSingle || t.IdleModeSetting == IdleGlobal
}

func (t *Torrent) idleElapsed() bool {
	if t.IdleLimitMinutes <= 0 {
		return false
	}
	ref := t.Dates.Start
	if t.Dates.Activity.After(ref) {
		ref = t.Dates.Activity
	}
	return time.Since(ref) >= time.Duration(t.IdleLimitMinutes)*time.Minute
}

// SetLocation implements set_location(new_dir, move_from_old).
// progress, if non-nil, receives bytes-handled/total-size as files move.
func (t *Torrent) SetLocation(newDir string, moveFromOld bool, progress func(done, total int64)) error {
	t.checkMagic()
	if err := os.MkdirAll(newDir, 0755); err != nil {
		return fmt.Errorf("torrentengine: mkdir %s: %w", newDir, err)
	}
	if newDir == t.CurrentDir {
		return nil
	}

	oldLocator := t.Locator
	var done int64
	total := t.Geometry.TotalSize

	for _, f := range t.FileMap.Files {
		oldPath, _, _, found := oldLocator.FindFile(f.Name)
		if !found {
			continue
		}
		newPath := filepath.Join(newDir, f.Name)
		if moveFromOld && oldPath != newPath {
			if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
				t.Error.SetLocalError(t.IsRunning, "set_location: mkdir for %s: %v", f.Name, err)
				return err
			}
			if err := moveFile(oldPath, newPath); err != nil {
				t.Error.SetLocalError(t.IsRunning, "set_location: move %s: %v", f.Name, err)
				return err
			}
		}
		done += f.Length
		if progress != nil {
			progress(done, total)
		}
	}

	if moveFromOld {
		os.RemoveAll(oldLocator.IncompleteDir)
		t.Locator.DownloadDir = newDir
		t.Locator.IncompleteDir = ""
	}
	t.CurrentDir = newDir
	t.IsDirty = true
	log.Printf("[lifecycle] %s: relocated to %s", t.short(), newDir)
	return nil
}

func moveFile(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err == nil {
		return nil
	}
	in, err := os.Open(oldPath)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(newPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return os.Remove(oldPath)
}

// ErrEEXIST mirrors rename() errno-style refusal when the
// destination path already exists.
var ErrEEXIST = fmt.Errorf("destination already exists")

// Rename implements rename(new_top). It refuses empty,
// ".", "..", names containing the path separator, or a name equal to the
// current top; rewrites every file.name by substituting the first path
// segment for multi-file torrents, or the single file's name otherwise;
// stores the final display name in rename (cleared if equal to the
// original name).
func (t *Torrent) Rename(newTop string) error {
	t.checkMagic()
	if newTop == "" || newTop == "." || newTop == ".." || strings.ContainsRune(newTop, filepath.Separator) {
		return fmt.Errorf("torrentengine: invalid rename target %q", newTop)
	}
	oldTop := t.DisplayName()
	if newTop == oldTop {
		return nil
	}

	oldRoot := filepath.Join(t.CurrentDir, oldTop)
	newRoot := filepath.Join(t.CurrentDir, newTop)
	if _, err := os.Stat(newRoot); err == nil {
		return ErrEEXIST
	}

	if _, err := os.Stat(oldRoot); err == nil {
		if err := os.Rename(oldRoot, newRoot); err != nil {
			return fmt.Errorf("torrentengine: rename root: %w", err)
		}
	}

	if len(t.FileMap.Files) > 1 {
		for i := range t.FileMap.Files {
			f := &t.FileMap.Files[i]
			parts := strings.SplitN(f.Name, string(filepath.Separator), 2)
			if len(parts) == 2 {
				f.Name = filepath.Join(newTop, parts[1])
			} else {
				f.Name = newTop
			}
		}
	} else if len(t.FileMap.Files) == 1 {
		t.FileMap.Files[0].Name = newTop
	}

	if newTop == t.Name {
		t.rename = ""
	} else {
		t.rename = newTop
	}
	t.IsDirty = true
	log.Printf("[lifecycle] %s: renamed %q -> %q", t.short(), oldTop, newTop)
	return nil
}

// RemoveResult is returned by Remove for the session's "recently removed"
// list entry.
type RemoveResult struct {
	ID       uint64
	RemovedAt time.Time
}

// Remove implements remove(delete_flag, delete_fn): marks
// is_deleting, optionally runs the local-data remover via deleteFn, then
// frees the torrent.
func (t *Torrent) Remove(deleteLocalData bool, deleteFn func(t *Torrent) error) (RemoveResult, error) {
	t.checkMagic()
	t.IsDeleting = true
	if t.IsRunning {
		t.Stop()
	}
	if deleteLocalData && deleteFn != nil {
		if err := deleteFn(t); err != nil {
			return RemoveResult{}, fmt.Errorf("torrentengine: local data remove: %w", err)
		}
	}
	res := RemoveResult{ID: t.ID, RemovedAt: time.Now()}
	if err := t.Free(); err != nil {
		return RemoveResult{}, err
	}
	return res, nil
}

func (t *Torrent) short() string {
	return t.ShortHash()
}

// ShortHash returns the first 12 hex characters of the info hash, used in
// log lines throughout the engine and by collaborators like internal/watcher.
func (t *Torrent) ShortHash() string {
	h := t.InfoHash.HexString()
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
