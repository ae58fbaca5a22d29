// policy.go implements the remaining public operations that are plain
// getters/setters over Torrent's policy fields: speed limits, ratio mode,
// idle mode, peer limit, and the availability/amount_finished/files/peers
// read-only views.
package torrentengine

import "fmt"

// SetSpeedLimit sets dir's limit in bytes/sec.
func (t *Torrent) SetSpeedLimit(dir Direction, bps int) {
	t.checkMagic()
	t.SpeedPolicy[dir].LimitBps = bps
	t.IsDirty = true
}

// SpeedLimit returns dir's configured limit, satisfying the round-trip
// law: SetSpeedLimit(dir, x) then SpeedLimit(dir) == x.
func (t *Torrent) SpeedLimit(dir Direction) int {
	t.checkMagic()
	return t.SpeedPolicy[dir].LimitBps
}

// UseSpeedLimit enables or disables dir's own limit, independent of the
// session-wide limit.
func (t *Torrent) UseSpeedLimit(dir Direction, enabled bool) {
	t.checkMagic()
	t.SpeedPolicy[dir].Enabled = enabled
	t.IsDirty = true
}

// UseSessionLimits opts this torrent's dir into the session's shared
// speed limits instead of its own.
func (t *Torrent) UseSessionLimits(dir Direction, use bool) {
	t.checkMagic()
	t.SpeedPolicy[dir].UseSessionLimits = use
	t.IsDirty = true
}

// SetRatioMode sets how the seed-ratio limit is sourced.
func (t *Torrent) SetRatioMode(mode RatioMode) {
	t.checkMagic()
	t.RatioMode = mode
	t.IsDirty = true
}

// SetRatioLimit sets the desired upload/download ratio used when
// RatioMode is single (or global, translated by the session).
func (t *Torrent) SetRatioLimit(ratio float64) {
	t.checkMagic()
	t.DesiredRatio = ratio
	t.IsDirty = true
}

// SetIdleMode sets how the idle-seeding limit is sourced.
func (t *Torrent) SetIdleMode(mode IdleMode) {
	t.checkMagic()
	t.IdleModeSetting = mode
	t.IsDirty = true
}

// SetIdleLimit sets the number of idle minutes after which seeding stops,
// when IdleModeSetting is single (or global, translated by the session).
func (t *Torrent) SetIdleLimit(minutes int) {
	t.checkMagic()
	t.IdleLimitMinutes = minutes
	t.IsDirty = true
}

// SetPeerLimit caps the number of connected peers for this torrent.
func (t *Torrent) SetPeerLimit(max int) {
	t.checkMagic()
	t.MaxPeers = max
	t.IsDirty = true
}

// FileInfo is the read-only file view returned by Files.
type FileInfo struct {
	Name     string
	Length   int64
	Priority int
	DND      bool
	Exists   bool
}

// Files returns a snapshot of every file's public attributes.
func (t *Torrent) Files() []FileInfo {
	t.checkMagic()
	out := make([]FileInfo, len(t.FileMap.Files))
	for i, f := range t.FileMap.Files {
		out[i] = FileInfo{Name: f.Name, Length: f.Length, Priority: int(f.Priority), DND: f.DND, Exists: f.Exists}
	}
	return out
}

// PeerInfo is the read-only peer view returned by Peers.
type PeerInfo struct {
	Address   string
	ClientID  string
	Progress  float64
	IsSeeding bool
}

// PeerList always returns nil: the engine keeps no peer list of its own,
// and the PeerManager collaborator exposes no per-peer listing.
func (t *Torrent) PeerList() []PeerInfo {
	t.checkMagic()
	return nil
}

// Availability reports, per piece, how many known peers have it — one
// byte would overflow past 255 holders, so this returns int counts rather
// than the original's single-byte buffer.
func (t *Torrent) Availability() []int {
	t.checkMagic()
	out := make([]int, t.Geometry.PieceCount)
	if t.Peers == nil {
		return out
	}
	hash := t.InfoHash.HexString()
	for p := uint32(0); p < t.Geometry.PieceCount; p++ {
		out[p] = t.Peers.PeersHavePiece(hash, p)
	}
	return out
}

// AmountFinished reports, per piece, the fraction of that piece's blocks
// present on disk, amount_finished(buf, len).
func (t *Torrent) AmountFinished() []float64 {
	t.checkMagic()
	out := make([]float64, t.Geometry.PieceCount)
	for p := uint32(0); p < t.Geometry.PieceCount; p++ {
		total := t.Geometry.PieceBlockCount(p)
		if total == 0 {
			continue
		}
		have := t.Completion.CompleteBlocksInPiece(p)
		out[p] = float64(have) / float64(total)
	}
	return out
}

// ManualUpdate implements manual_update(): forces an
// immediate tracker re-announce outside the normal interval.
func (t *Torrent) ManualUpdate() error {
	t.checkMagic()
	if t.Announce == nil {
		return fmt.Errorf("torrentengine: manual_update: no announcer configured")
	}
	if err := t.Announce.ManualUpdate(t.InfoHash.HexString()); err != nil {
		t.Error.SetTrackerWarning("", "manual_update: %v", err)
		return err
	}
	return nil
}

// SetFilesVerified marks every piece complete without reading them back
// from disk, set_files_verified — used to trust a prior
// verification recorded in resume state rather than re-hashing on start.
func (t *Torrent) SetFilesVerified() error {
	t.checkMagic()
	for p := uint32(0); p < t.Geometry.PieceCount; p++ {
		if err := t.Completion.AddPiece(p); err != nil {
			return fmt.Errorf("torrentengine: set_files_verified: piece %d: %w", p, err)
		}
	}
	t.IsDirty = true
	t.RecheckCompleteness()
	return nil
}

// ChangeMyPort notifies the announcer that the session's listening port
// changed, forcing the next announce to report it.
func (t *Torrent) ChangeMyPort() error {
	t.checkMagic()
	if t.Announce == nil {
		return nil
	}
	return t.Announce.ManualUpdate(t.InfoHash.HexString())
}
