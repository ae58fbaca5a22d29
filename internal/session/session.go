// Package session implements session: the arena of torrents
// keyed by info hash, the session lock bracketing all torrent state
// access, and the single event thread that serializes long-running
// work posted via run_in_event_thread. Keeps the same mutex-guarded
// map[string]*Torrent shape and worker-dispatch idiom used elsewhere in
// this codebase for client/queue management.
package session

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haldane/torrentd/internal/completion"
	"github.com/haldane/torrentd/internal/resume"
	"github.com/haldane/torrentd/internal/torrentengine"
	"github.com/haldane/torrentd/internal/verifier"
	"github.com/haldane/torrentd/internal/watcher"
)

// job is one piece of work posted to the event thread.
type job struct {
	infoHash string
	fn       func(t *torrentengine.Torrent)
}

// Session owns every torrent in the process. Every exported method here
// brackets its torrent-state access with mu, the session lock — since Go
// mutexes are not reentrant, a helper that expects mu to be held already
// carries a Locked suffix (startWatcherLocked). Jobs on the event thread
// run without mu held.
type Session struct {
	mu sync.Mutex

	torrents map[string]*torrentengine.Torrent // key: info hash hex
	store    completion.Store
	resume   resume.Store // may be nil: memory-only session

	recentlyRemoved []torrentengine.RemoveResult

	jobs     chan job
	shutdown chan struct{}
	wg       sync.WaitGroup

	// session-wide policy, consulted when a torrent's mode is "global"
	ratioLimited bool
	idleLimited  bool

	// doneScript is applied to newly-added torrents that don't carry
	// their own.
	doneScript string

	// watchDebounce > 0 turns on per-torrent directory watching, so
	// external tampering with a complete file triggers a recheck.
	watchDebounce time.Duration
	watchers      map[string]*watcher.Watcher
}

// New creates a Session with its event thread running. store and
// resumeStore may each be nil for a memory-only session (tests).
func New(store completion.Store, resumeStore resume.Store) *Session {
	s := &Session{
		torrents: make(map[string]*torrentengine.Torrent),
		store:    store,
		resume:   resumeStore,
		watchers: make(map[string]*watcher.Watcher),
		jobs:     make(chan job, 64),
		shutdown: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// eventLoop is the single event thread: it drains jobs in FIFO order,
// ordering guarantee for a single poster.
func (s *Session) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.jobs:
			s.runJob(j)
		case <-s.shutdown:
			// drain whatever is left before exiting, same FIFO guarantee
			for {
				select {
				case j := <-s.jobs:
					s.runJob(j)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) runJob(j job) {
	s.mu.Lock()
	t, ok := s.torrents[j.infoHash]
	s.mu.Unlock()
	if !ok {
		log.Printf("[session] event job for unknown torrent %s dropped", short(j.infoHash))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[session] PANIC running event job for %s: %v", short(j.infoHash), r)
		}
	}()
	j.fn(t)
}

// RunInEventThread posts fn to be run against the torrent identified by
// infoHash on the event thread, run_in_event_thread.
func (s *Session) RunInEventThread(infoHash string, fn func(t *torrentengine.Torrent)) {
	s.jobs <- job{infoHash: infoHash, fn: fn}
}

// Close stops every torrent watcher and then the event thread, draining
// any queued jobs first.
func (s *Session) Close() {
	s.mu.Lock()
	watchers := s.watchers
	s.watchers = make(map[string]*watcher.Watcher)
	s.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
	close(s.shutdown)
	s.wg.Wait()
}

// SetWatchDebounce turns on directory watching for torrents added after
// this call; d <= 0 leaves watching off.
func (s *Session) SetWatchDebounce(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchDebounce = d
}

// AddResult mirrors `new(ctor)` out-parameter convention:
// {ok, err, duplicate}.
type AddResult struct {
	Torrent   *torrentengine.Torrent
	Duplicate bool
	Err       error
}

// AddTorrent parses ctor and registers the resulting torrent, unless a
// torrent with the same info hash is already present (Duplicate=true,
// Torrent is the existing one, Err=nil).
func (s *Session) AddTorrent(ctor torrentengine.Ctor) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctor.ID == 0 {
		ctor.ID = newSessionLocalID()
	}
	if ctor.DoneScript == "" {
		ctor.DoneScript = s.doneScript
	}

	probe, err := torrentengine.New(ctor, nil)
	if err != nil {
		return AddResult{Err: fmt.Errorf("session: new: %w", err)}
	}
	hash := probe.InfoHash.HexString()
	if existing, ok := s.torrents[hash]; ok {
		return AddResult{Torrent: existing, Duplicate: true}
	}

	tr, err := torrentengine.New(ctor, s.store)
	if err != nil {
		return AddResult{Err: fmt.Errorf("session: new: %w", err)}
	}
	if tr.Completion != nil {
		if err := tr.Completion.LoadFromStore(); err != nil {
			log.Printf("[session] %s: load completion from store: %v", short(hash), err)
		}
	}
	seen := false
	if s.resume != nil {
		if st, ok, err := s.resume.Load(hash); err != nil {
			log.Printf("[session] %s: load resume state: %v", short(hash), err)
		} else if ok {
			resume.ApplyTo(tr, st)
			seen = true
		}
	}

	// A new torrent is registered with the peer manager and announcer up
	// front; start/stop only toggle activity afterward. Free undoes both.
	if tr.Peers != nil {
		tr.Peers.Register(hash)
	}
	if tr.Announce != nil {
		tr.Announce.Reset(hash)
	}

	s.torrents[hash] = tr
	s.startWatcherLocked(hash, tr)
	log.Printf("[session] added torrent %s (%s)", short(hash), tr.DisplayName())

	// A torrent this session has no record of is verified before anything
	// else, starting afterward unless the add was paused; a previously-seen
	// torrent starts straight away. A memory-only session (no resume store)
	// keeps no record of what it has seen, so it never auto-verifies.
	switch {
	case s.resume != nil && !seen:
		tr.StartAfterVerify = !ctor.Paused
		s.jobs <- job{infoHash: hash, fn: func(t *torrentengine.Torrent) {
			if err := t.Verify(verifier.SHA1Verifier{}, torrentengine.DefaultPieceReader(t), 0); err != nil {
				log.Printf("[session] %s: verify after add: %v", short(hash), err)
			}
		}}
	case !ctor.Paused:
		tr.Start()
	}

	return AddResult{Torrent: tr}
}

// startWatcherLocked begins directory watching for tr if the session has
// watching enabled. Caller holds mu. A watcher that can't start (e.g. the
// download dir doesn't exist yet) is skipped, not fatal.
func (s *Session) startWatcherLocked(hash string, tr *torrentengine.Torrent) {
	if s.watchDebounce <= 0 {
		return
	}
	w, err := watcher.New(tr, s.watchDebounce)
	if err != nil {
		log.Printf("[session] %s: watcher: %v", short(hash), err)
		return
	}
	if err := w.Start(); err != nil {
		log.Printf("[session] %s: watcher: %v", short(hash), err)
		return
	}
	s.watchers[hash] = w
}

// Get returns the torrent for infoHash, if registered.
func (s *Session) Get(infoHash string) (*torrentengine.Torrent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[infoHash]
	return t, ok
}

// All returns a snapshot slice of every registered torrent.
func (s *Session) All() []*torrentengine.Torrent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*torrentengine.Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// Remove unregisters a torrent and records it in the recently-removed
// list, remove(delete, fn).
func (s *Session) Remove(infoHash string, deleteLocalData bool, deleteFn func(*torrentengine.Torrent) error) error {
	s.mu.Lock()
	t, ok := s.torrents[infoHash]
	w := s.watchers[infoHash]
	delete(s.watchers, infoHash)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: remove: unknown torrent %s", short(infoHash))
	}
	if w != nil {
		w.Stop() // before local data goes away, so removals don't re-trigger rechecks
	}

	res, err := t.Remove(deleteLocalData, deleteFn)
	if err != nil {
		return fmt.Errorf("session: remove: %w", err)
	}

	s.mu.Lock()
	delete(s.torrents, infoHash)
	s.recentlyRemoved = append(s.recentlyRemoved, res)
	s.mu.Unlock()
	return nil
}

// RecentlyRemoved returns a snapshot of every torrent removed so far.
func (s *Session) RecentlyRemoved() []torrentengine.RemoveResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]torrentengine.RemoveResult, len(s.recentlyRemoved))
	copy(out, s.recentlyRemoved)
	return out
}

// SetDoneScript sets the torrent-done script applied to torrents added
// after this call.
func (s *Session) SetDoneScript(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneScript = path
}

// SetRatioLimited sets the session-wide "is global ratio limiting on"
// flag that RatioGlobal torrents translate against.
func (s *Session) SetRatioLimited(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratioLimited = on
}

// SetIdleLimited sets the session-wide idle-limiting flag, the IdleGlobal
// counterpart to SetRatioLimited.
func (s *Session) SetIdleLimited(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleLimited = on
}

// ApplyGlobalPolicy translates a torrent's Global ratio/idle mode into
// Unlimited when the session-wide flag is off, the mechanism
// seedRatioApplies relies on (see torrentengine's design note). Call this
// once after registering a torrent and whenever the session-wide flags
// change.
func (s *Session) ApplyGlobalPolicy(t *torrentengine.Torrent) {
	s.mu.Lock()
	ratioOn, idleOn := s.ratioLimited, s.idleLimited
	s.mu.Unlock()

	if t.RatioMode == torrentengine.RatioGlobal && !ratioOn {
		t.SetRatioMode(torrentengine.RatioUnlimited)
	}
	if t.IdleModeSetting == torrentengine.IdleGlobal && !idleOn {
		t.SetIdleMode(torrentengine.IdleUnlimited)
	}
}

// newSessionLocalID derives a random session-local torrent id from a
// UUIDv4, namely "a random session-local integer id" and
// wiring of google/uuid for that purpose.
func newSessionLocalID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}

func short(infoHash string) string {
	if len(infoHash) > 12 {
		return infoHash[:12]
	}
	return infoHash
}
