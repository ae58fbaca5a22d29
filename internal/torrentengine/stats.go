// stats.go implements Statistics Aggregator: the public
// stat()/stat_cached() snapshot, ETA smoothing, and swarm estimates.
package torrentengine

import (
	"time"
)

// Stat is the public snapshot returned by Stat/StatCached.
type Stat struct {
	InfoHash string
	Activity string

	RawDownloadSpeed  int64
	RawUploadSpeed    int64
	PieceDownloadSpeed int64
	PieceUploadSpeed   int64

	PercentComplete float64
	PercentDone     float64
	HaveValid       int64
	HaveTotal       int64
	SizeWhenDone    int64
	LeftUntilDone   int64

	ETA     int64 // seconds; -1 = not available, -2 = unknown
	SeedETA int64

	SeedRatioPercentDone float64
	DesiredAvailable     int64

	SwarmSeeders  int
	SwarmLeechers int

	SecondsDownloading int64
	SecondsSeeding     int64
}

const (
	etaNotAvailable = -1
	etaUnknown      = -2
)

// Stat computes a fresh snapshot.
func (t *Torrent) Stat() Stat {
	t.checkMagic()
	s := t.computeStat()
	t.lastStatTime = time.Now()
	t.cachedStat = &s
	return s
}

// StatCached returns the last computed snapshot if it is less than a
// second old, else recomputes.
func (t *Torrent) StatCached() Stat {
	t.checkMagic()
	if t.cachedStat != nil && time.Since(t.lastStatTime) < time.Second {
		return *t.cachedStat
	}
	return t.Stat()
}

func (t *Torrent) computeStat() Stat {
	hash := t.InfoHash.HexString()
	checking := false // verification is synchronous in this implementation
	activity := t.currentActivity(checking)

	left := t.Completion.LeftUntilDone()
	swd := t.Completion.SizeWhenDone()

	var rawDL, rawUL, pieceDL, pieceUL int64
	if t.Bandwidth != nil {
		rawDL = t.Bandwidth.RawSpeed(hash, false)
		rawUL = t.Bandwidth.RawSpeed(hash, true)
		pieceDL = t.Bandwidth.PieceSpeed(hash, false)
		pieceUL = t.Bandwidth.PieceSpeed(hash, true)
	}

	desiredAvailable := t.desiredAvailable(left)
	eta := t.computeETA(left, desiredAvailable, pieceDL)
	seedETA := t.computeSeedETA(pieceUL)

	var seeders, leechers int
	if t.Announce != nil {
		seeders, leechers = t.Announce.TrackerSeederLeecherMax(hash)
	}
	if t.Peers != nil {
		if connected := t.Peers.ConnectedPeerCount(hash); connected > leechers {
			leechers = connected
		}
	}

	return Stat{
		InfoHash:             hash,
		Activity:             activity.String(),
		RawDownloadSpeed:     rawDL,
		RawUploadSpeed:       rawUL,
		PieceDownloadSpeed:   pieceDL,
		PieceUploadSpeed:     pieceUL,
		PercentComplete:      t.Completion.PercentComplete(),
		PercentDone:          t.Completion.PercentDone(),
		HaveValid:            t.Completion.HaveValid(),
		HaveTotal:            t.Completion.HaveTotal(),
		SizeWhenDone:         swd,
		LeftUntilDone:        left,
		ETA:                  eta,
		SeedETA:              seedETA,
		SeedRatioPercentDone: t.seedRatioPercentDone(left),
		DesiredAvailable:     desiredAvailable,
		SwarmSeeders:         seeders,
		SwarmLeechers:        leechers,
		SecondsDownloading:   t.SecondsDownloading,
		SecondsSeeding:       t.SecondsSeeding,
	}
}

// desiredAvailable implements desired_available: if there
// are usable seeds, it's left_until_done; else the sum of missing bytes in
// non-DND pieces some connected peer has; else 0.
func (t *Torrent) desiredAvailable(left int64) int64 {
	hash := t.InfoHash.HexString()
	connected := 0
	if t.Peers != nil {
		connected = t.Peers.ConnectedPeerCount(hash)
	}
	if connected == 0 {
		return 0
	}

	seeders, _ := 0, 0
	if t.Announce != nil {
		seeders, _ = t.Announce.TrackerSeederLeecherMax(hash)
	}
	if seeders > 0 {
		return left
	}

	var total int64
	for p := uint32(0); p < t.Geometry.PieceCount; p++ {
		if t.FileMap.Pieces[p].DND {
			continue
		}
		if t.Peers.PeersHavePiece(hash, p) > 0 {
			total += t.Completion.MissingBytesInPiece(p)
		}
	}
	return total
}

// computeETA implements ETA rule with smoothing.
func (t *Torrent) computeETA(left, desiredAvailable, currentPieceSpeedBps int64) int64 {
	if left > desiredAvailable {
		return etaNotAvailable
	}
	smoothed := t.smooth(&t.EtaDL, currentPieceSpeedBps)
	if smoothed < 1024 {
		return etaUnknown
	}
	return left / int64(smoothed)
}

func (t *Torrent) computeSeedETA(currentPieceSpeedBps int64) int64 {
	left := t.seedRatioBytesLeft()
	if !t.seedRatioApplies() {
		return etaNotAvailable
	}
	smoothed := t.smooth(&t.EtaUL, currentPieceSpeedBps)
	if smoothed < 1024 {
		return etaUnknown
	}
	return left / int64(smoothed)
}

// smooth implements smoothing rule: reset if the last
// sample is older than 4s, exponential mix between 0.8s and 4s, reuse the
// previous estimate below 0.8s. Operates in bytes/sec throughout so the
// 1 KiB/s ("< 1024") threshold in computeETA/computeSeedETA lines up with
// the value returned here directly.
func (t *Torrent) smooth(sample *EtaSample, currentBps int64) float64 {
	now := time.Now()
	current := float64(currentBps)
	if sample.SampledAt.IsZero() {
		sample.SmoothedBps = current
		sample.SampledAt = now
		return sample.SmoothedBps
	}

	age := now.Sub(sample.SampledAt)
	switch {
	case age >= 4*time.Second:
		sample.SmoothedBps = current
	case age >= 800*time.Millisecond:
		sample.SmoothedBps = (sample.SmoothedBps*4 + current) / 5
	default:
		// reuse previous estimate
	}
	sample.SampledAt = now
	return sample.SmoothedBps
}

// seedRatioPercentDone implements seed_ratio_percent_done.
func (t *Torrent) seedRatioPercentDone(left int64) float64 {
	if !t.seedRatioApplies() {
		return 1
	}
	baseline := t.DownloadedCur + t.DownloadedPrev
	if baseline == 0 {
		baseline = t.Completion.SizeWhenDone()
	}
	goal := int64(float64(baseline) * t.DesiredRatio)
	if goal == 0 {
		return 0
	}
	bytesLeft := t.seedRatioBytesLeft()
	return float64(goal-bytesLeft) / float64(goal)
}
