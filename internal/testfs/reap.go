package testfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ivoronin/bddup/internal/journal"
	"github.com/ivoronin/bddup/internal/types"
)

// -----------------------------------------------------------------------------
// Collect Operations - Read back Build/Analyze output for assertions
// -----------------------------------------------------------------------------

// CollectJournal reads every record from the journal at path and folds it
// into a map of the latest entry for each path, the same last-writer-wins
// rule Analyze and Clean apply (a later Error supersedes an earlier Ok).
func CollectJournal(path string) (journal.Header, map[string]types.Entry, error) {
	byPath := make(map[string]types.Entry)
	header, err := journal.Scan(path, func(r journal.Record) error {
		if r.Err != nil {
			return nil // malformed lines are reported by the journal package, not fatal here
		}
		byPath[r.Entry.Path] = r.Entry
		return nil
	})
	if err != nil {
		return header, nil, fmt.Errorf("testfs: scanning journal %s: %w", path, err)
	}
	return header, byPath, nil
}

// CollectDuplicateSets reads the line-delimited JSON duplicate-set file
// Analyze writes and decodes it into the same order it was written in.
func CollectDuplicateSets(path string) ([]types.DuplicateSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("testfs: opening duplicate-set file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var sets []types.DuplicateSet
	dec := json.NewDecoder(f)
	for dec.More() {
		var d types.DuplicateSet
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("testfs: decoding duplicate-set file %s: %w", path, err)
		}
		sets = append(sets, d)
	}
	return sets, nil
}

// ReadSymlinks walks root and returns every symlink found, keyed by path
// relative to root, mapped to its raw (unresolved) target.
func ReadSymlinks(root string) (map[string]string, error) {
	links := make(map[string]string)
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		target, err := os.Readlink(p)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", p, err)
		}
		links[rel] = target
		return nil
	})
	return links, err
}
