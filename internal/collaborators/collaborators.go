// Package collaborators declares the external subsystems the torrent
// engine drives but does not itself implement: the peer manager,
// announcer, cache, and bandwidth scheduler. Each is an interface; the
// default implementations here are minimal — just enough to exercise the
// engine's control flow and tests, not full protocol stacks.
package collaborators

import (
	"log"
	"sync"
)

// PeerManager tracks interested/choked state and announces torrent
// membership to the swarm. A real implementation would wrap
// anacrolix/torrent's peer machinery the way the session wires its other
// collaborators.
type PeerManager interface {
	Register(infoHash string)
	Unregister(infoHash string)
	ClearInterested(infoHash string)
	ConnectedPeerCount(infoHash string) int
	PeersHavePiece(infoHash string, piece uint32) int
}

// Announcer drives tracker communication: registering the local peer,
// forcing a re-announce, and reporting per-tracker swarm estimates.
type Announcer interface {
	Announce(infoHash string, bytesLeft int64) error
	ManualUpdate(infoHash string) error
	Reset(infoHash string)
	TrackerSeederLeecherMax(infoHash string) (seeders, leechers int)
}

// Cache buffers writes before they reach disk; it must be flushed before
// any operation that mutates file identity.
type Cache interface {
	Flush(infoHash string, piece uint32) error
	FlushAll(infoHash string) error
}

// Bandwidth reports smoothed transfer speeds for a torrent, per direction.
type Bandwidth interface {
	PieceSpeed(infoHash string, up bool) int64 // bytes/sec
	RawSpeed(infoHash string, up bool) int64
}

// NoopPeerManager is a PeerManager that does nothing but log, sufficient
// for a torrent engine under test or running without real swarm access.
type NoopPeerManager struct{}

func (NoopPeerManager) Register(infoHash string)   { log.Printf("[peers] register %s", short(infoHash)) }
func (NoopPeerManager) Unregister(infoHash string) { log.Printf("[peers] unregister %s", short(infoHash)) }
func (NoopPeerManager) ClearInterested(infoHash string) {
	log.Printf("[peers] clear interested %s", short(infoHash))
}
func (NoopPeerManager) ConnectedPeerCount(infoHash string) int  { return 0 }
func (NoopPeerManager) PeersHavePiece(infoHash string, piece uint32) int { return 0 }

// NoopAnnouncer is an Announcer that logs instead of making tracker calls.
type NoopAnnouncer struct{}

func (NoopAnnouncer) Announce(infoHash string, bytesLeft int64) error {
	log.Printf("[announce] %s bytesLeft=%d", short(infoHash), bytesLeft)
	return nil
}
func (NoopAnnouncer) ManualUpdate(infoHash string) error {
	log.Printf("[announce] manual update %s", short(infoHash))
	return nil
}
func (NoopAnnouncer) Reset(infoHash string) { log.Printf("[announce] reset %s", short(infoHash)) }
func (NoopAnnouncer) TrackerSeederLeecherMax(infoHash string) (int, int) { return 0, 0 }

// MemCache is an in-memory Cache double: Flush is a no-op since nothing is
// actually buffered outside the filesystem in this implementation.
type MemCache struct {
	mu      sync.Mutex
	flushed map[string]int
}

func NewMemCache() *MemCache {
	return &MemCache{flushed: make(map[string]int)}
}

func (c *MemCache) Flush(infoHash string, piece uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed[infoHash]++
	return nil
}

func (c *MemCache) FlushAll(infoHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed[infoHash]++
	return nil
}

// ZeroBandwidth is a Bandwidth double that always reports zero speed.
type ZeroBandwidth struct{}

func (ZeroBandwidth) PieceSpeed(infoHash string, up bool) int64 { return 0 }
func (ZeroBandwidth) RawSpeed(infoHash string, up bool) int64   { return 0 }

func short(infoHash string) string {
	if len(infoHash) > 12 {
		return infoHash[:12]
	}
	return infoHash
}
