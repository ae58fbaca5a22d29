// localdata.go provides the default deleteFn for Remove, wiring
// internal/localremove's walk-and-reclaim routine against this torrent's
// own file list.
package torrentengine

import "github.com/haldane/torrentd/internal/localremove"

// DefaultLocalDataRemover is the deleteFn Remove expects: it walks the
// torrent's current_dir and removes only the torrent's own files (and the
// empty folders left behind), leaving anything foreign untouched.
func DefaultLocalDataRemover(t *Torrent) error {
	names := make([]string, 0, len(t.FileMap.Files))
	for _, f := range t.FileMap.Files {
		names = append(names, f.Name)
	}
	owned := localremove.OwnedNameFromFiles(names)
	return localremove.Remove(t.CurrentDir, owned)
}
