// trackerset.go implements the Tracker Set Editor: validating and
// replacing a torrent's announce-list, atomically, without disturbing the
// info dict (and therefore the info hash). Follows the same
// rewrite-announce-while-preserving-raw-info-bytes pattern used for
// torrent-file migration elsewhere in this codebase.
package torrentengine

import (
	"fmt"
	"net/url"
	"os"
	"sort"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// TrackerInfo is one announce entry: the URL and the tier it belongs to.
// Trackers within a tier are tried in order; tiers are tried in ascending
// tier number.
type TrackerInfo struct {
	Tier     int    `json:"tier"`
	Announce string `json:"announce"`
}

// validTrackerScheme reports whether u looks like an announce URL this
// engine can use. libtransmission accepts http(s) and udp; we do the same.
func validTrackerScheme(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("trackerset: %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "udp":
		return nil
	default:
		return fmt.Errorf("trackerset: %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// SetTrackers replaces the torrent's whole announce-list. Entries may
// arrive with tier numbers in any order; they are stable-sorted by tier
// (equal-tier entries keep their input order) and then grouped into the
// metainfo's announce-list shape. The info dict is untouched — only
// Announce/AnnounceList are rewritten, so the info hash cannot change.
func (t *Torrent) SetTrackers(trackers []TrackerInfo) error {
	t.checkMagic()
	if len(trackers) == 0 {
		return fmt.Errorf("trackerset: at least one tracker is required")
	}
	for _, tr := range trackers {
		if err := validTrackerScheme(tr.Announce); err != nil {
			return err
		}
	}

	sorted := make([]TrackerInfo, len(trackers))
	copy(sorted, trackers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tier < sorted[j].Tier })

	var grouped [][]string
	for i, tr := range sorted {
		if i == 0 || tr.Tier != sorted[i-1].Tier {
			grouped = append(grouped, nil)
		}
		grouped[len(grouped)-1] = append(grouped[len(grouped)-1], tr.Announce)
	}

	rawInfo := t.MetaInfo.InfoBytes
	t.MetaInfo.AnnounceList = grouped
	t.MetaInfo.Announce = grouped[0][0]
	t.MetaInfo.InfoBytes = rawInfo // unchanged; rewritten below only to sanity-check round trip

	encoded, err := bencode.Marshal(t.MetaInfo)
	if err != nil {
		return fmt.Errorf("trackerset: marshal: %w", err)
	}
	var reparsed metainfo.MetaInfo
	if err := bencode.Unmarshal(encoded, &reparsed); err != nil {
		return fmt.Errorf("trackerset: round-trip parse: %w", err)
	}
	if reparsed.HashInfoBytes() != t.InfoHash {
		return fmt.Errorf("trackerset: rewrite changed info hash, refusing")
	}

	if t.MetainfoPath != "" {
		if err := atomicWriteFile(t.MetainfoPath, encoded); err != nil {
			return fmt.Errorf("trackerset: rewrite metainfo file: %w", err)
		}
	}

	newURLs := t.trackerURLSet()
	t.Error.ClearIfTrackerRemoved(func(trackerURL string) bool {
		_, stillPresent := newURLs[trackerURL]
		return stillPresent
	})

	if t.Announce != nil {
		t.Announce.Reset(t.InfoHash.HexString())
	}
	t.IsDirty = true
	return nil
}

// atomicWriteFile writes data to a temp file beside path and renames it
// into place, so a crash mid-write never leaves a truncated metainfo file.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// trackerURLSet flattens the current announce-list into a set, for
// diffing against the error slot's tracker-scoped URL.
func (t *Torrent) trackerURLSet() map[string]struct{} {
	set := make(map[string]struct{})
	if t.MetaInfo.Announce != "" {
		set[t.MetaInfo.Announce] = struct{}{}
	}
	for _, tier := range t.MetaInfo.AnnounceList {
		for _, u := range tier {
			set[u] = struct{}{}
		}
	}
	return set
}

// SetAnnounceList is the same operation as SetTrackers, reporting success
// as a bool instead of an error — the one mutator (besides rename and the
// constructor) that doesn't report failure through the error slot.
func (t *Torrent) SetAnnounceList(trackers []TrackerInfo) bool {
	if err := t.SetTrackers(trackers); err != nil {
		return false
	}
	return true
}

// Trackers returns the current announce-list flattened back into
// per-entry form, with each entry's tier being its group's position in
// the stored announce-list.
func (t *Torrent) Trackers() []TrackerInfo {
	t.checkMagic()
	var out []TrackerInfo
	for tier, group := range t.MetaInfo.AnnounceList {
		for _, u := range group {
			out = append(out, TrackerInfo{Tier: tier, Announce: u})
		}
	}
	return out
}
