// Package clean implements C8: the Cleaner, which compacts a journal down
// to exactly the latest Ok entry for each path that still exists on disk
// with a matching (type, mtime, size), dropping everything else, and
// rewrites the journal atomically.
package clean

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ivoronin/bddup/internal/cacheindex"
	"github.com/ivoronin/bddup/internal/journal"
	"github.com/ivoronin/bddup/internal/types"
)

// Config is the in-process configuration for one Clean run.
type Config struct {
	JournalPath string
	SidePath  string  // optional bbolt side-index path, same as Build's
	KeepPaths  []string // preserved regardless of current filesystem state
}

// Clean reads cfg.JournalPath, computes the Cache Index over it, and
// rewrites it atomically to contain only:
//  - the latest Ok entry for each path whose (T, M, S) still matches the
//   filesystem, and
//  - the latest Ok entry for each path in cfg.KeepPaths, regardless of
//   current filesystem state.
//
// Error entries are always dropped. Paths that no longer exist, or whose
// stat no longer matches, are dropped unless explicitly kept.
func Clean(cfg Config) error {
	idx, err := cacheindex.Build(cfg.JournalPath, cfg.SidePath)
	if err != nil {
		return fmt.Errorf("clean: building cache index: %w", err)
	}
	defer func() { _ = idx.Close() }()

	header, err := journal.ReadHeader(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("clean: reading header: %w", err)
	}

	keep := make(map[string]bool, len(cfg.KeepPaths))
	for _, p := range cfg.KeepPaths {
		keep[p] = true
	}

	all := idx.All()
	compacted := make([]types.Entry, 0, len(all))
	for p, e := range all {
		if e.Status != types.StatusOk {
			continue
		}
		if keep[p] || isStillFresh(header.Root, e) {
			compacted = append(compacted, e)
		}
	}
	sort.Slice(compacted, func(i, j int) bool { return compacted[i].Path < compacted[j].Path })

	if err := journal.Rewrite(cfg.JournalPath, header, compacted); err != nil {
		return fmt.Errorf("clean: rewriting journal: %w", err)
	}
	return nil
}

// isStillFresh reports whether e's recorded (type, mtime, size) still
// matches what os.Lstat reports for e.Path today, resolved against root
// (the journal's recorded working_directory). A path that no longer
// exists, or whose current stat disagrees, is stale and dropped.
func isStillFresh(root string, e types.Entry) bool {
	fi, err := os.Lstat(filepath.Join(root, filepath.FromSlash(e.Path)))
	if err != nil {
		return false
	}
	current := types.Key{Type: entryTypeOf(fi), ModTimeNs: fi.ModTime().UnixNano(), Size: fi.Size()}
	if e.Type == types.TypeDirectory {
		// Directories compare child count, not byte size; Clean trusts the
		// journal's own Size rather than re-listing the directory.
		current.Size = e.Size
	}
	return e.StatKey() == current
}

func entryTypeOf(fi os.FileInfo) types.FileType {
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return types.TypeSymlink
	case fi.IsDir():
		return types.TypeDirectory
	case fi.Mode().IsRegular():
		return types.TypeFile
	default:
		return types.TypeOther
	}
}
