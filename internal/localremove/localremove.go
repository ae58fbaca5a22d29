// Package localremove walks a torrent's current root, separates
// torrent-owned files from anything else found alongside them, and
// removes only what the torrent owns.
package localremove

import (
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/haldane/torrentd/internal/locator"
)

// OwnedName reports whether name (relative to the torrent's root) or its
// ".part" form is one of the torrent's own files.
type OwnedName func(relPath string) bool

// Remove walks root, deletes every torrent-owned file found, then removes
// now-empty directories bottom-up (longest path first).
// Directories containing any non-torrent file are marked dirty and neither
// they nor their ancestors are removed; a clean folder's .DS_Store (macOS
// only) is deleted before the folder is retried, since a lone .DS_Store
// must not keep a folder from being recognized as clean.
func Remove(root string, owned OwnedName) error {
	dirty := make(map[string]bool)
	var dirs []string
	var ownedFiles []string

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Printf("[localremove] skip %s: %v", path, err)
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, path)
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if isOwned(rel, owned) {
			ownedFiles = append(ownedFiles, path)
			return nil
		}
		if runtime.GOOS == "darwin" && info.Name() == ".DS_Store" {
			// not owned by the torrent, but not a reason to mark the
			// folder dirty either — it is removed opportunistically below.
			return nil
		}
		markDirtyChain(dirty, root, filepath.Dir(path))
		return nil
	})
	if err != nil {
		return err
	}

	// Torrent-owned files go regardless of whether their folder is dirty;
	// dirtiness only protects the folder itself and the foreign files in it.
	for _, f := range ownedFiles {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			log.Printf("[localremove] remove file %s: %v", f, err)
		}
	}

	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		if dirty[d] {
			continue
		}
		removeCleanDir(d)
	}
	return nil
}

// isOwned checks both the plain name and its Firefox-style ".part"
// in-progress form.
func isOwned(rel string, owned OwnedName) bool {
	if owned(rel) {
		return true
	}
	if filepath.Ext(rel) == locator.PartSuffix {
		return owned(rel[:len(rel)-len(locator.PartSuffix)])
	}
	return false
}

func markDirtyChain(dirty map[string]bool, root, dir string) {
	for {
		dirty[dir] = true
		if dir == root || dir == filepath.Dir(dir) {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// removeCleanDir deletes a folder's macOS .DS_Store (if any) and then the
// folder itself; a folder that is not actually empty after that is left in
// place rather than forced, since a concurrent write would otherwise race.
func removeCleanDir(dir string) {
	if runtime.GOOS == "darwin" {
		ds := filepath.Join(dir, ".DS_Store")
		if _, err := os.Stat(ds); err == nil {
			if err := os.Remove(ds); err != nil {
				log.Printf("[localremove] remove %s: %v", ds, err)
			}
		}
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		log.Printf("[localremove] skip non-empty dir %s: %v", dir, err)
	}
}

// OwnedNameFromFiles builds an OwnedName closure from a torrent's file
// list, for callers that don't want to hand-roll the set.
func OwnedNameFromFiles(names []string) OwnedName {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(relPath string) bool {
		_, ok := set[relPath]
		return ok
	}
}
