package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ivoronin/bddup/internal/hashalgo"
	"github.com/ivoronin/bddup/internal/journal"
	"github.com/ivoronin/bddup/internal/types"
)

func scanEntries(t *testing.T, journalPath string) map[string]types.Entry {
	t.Helper()
	entries := make(map[string]types.Entry)
	_, err := journal.Scan(journalPath, func(r journal.Record) error {
		if r.Err == nil {
			entries[r.Entry.Path] = r.Entry
		}
		return nil
	})
	if err != nil {
		t.Fatalf("journal.Scan failed: %v", err)
	}
	return entries
}

func TestBuildHashesSimpleTree(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.txt"), "hello")
	mustMkdir(t, filepath.Join(root, "sub"))
	mustWriteFile(t, filepath.Join(root, "sub", "b.txt"), "world")

	journalPath := filepath.Join(t.TempDir(), "journal.jsonl")
	cfg := Config{
		Target:   root,
		JournalPath: journalPath,
		Workers:   2,
		Algorithm:  hashalgo.SHA256,
	}
	if err := New(cfg).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries := scanEntries(t, journalPath)
	for _, p := range []string{".", "a.txt", "sub", "sub/b.txt"} {
		e, ok := entries[p]
		if !ok {
			t.Fatalf("missing journal entry for %q; got %+v", p, entries)
		}
		if e.Status != types.StatusOk {
			t.Errorf("entry %q status = %q, want ok", p, e.Status)
		}
	}
	if entries["a.txt"].Type != types.TypeFile {
		t.Errorf("a.txt type = %q, want file", entries["a.txt"].Type)
	}
	if entries["sub"].Type != types.TypeDirectory || len(entries["sub"].Children) != 1 {
		t.Errorf("sub entry = %+v, want a directory with 1 child", entries["sub"])
	}
	if entries["."].Type != types.TypeDirectory || len(entries["."].Children) != 2 {
		t.Errorf("root entry = %+v, want a directory with 2 children", entries["."])
	}
}

func TestBuildCacheShortCircuitSkipsRereadingUnchangedFile(t *testing.T) {
	root := t.TempDir()
	filePath := filepath.Join(root, "a.txt")
	mustWriteFile(t, filePath, "hello")

	journalPath := filepath.Join(t.TempDir(), "journal.jsonl")
	cfg := Config{
		Target:   root,
		JournalPath: journalPath,
		Workers:   2,
		Algorithm:  hashalgo.SHA256,
	}
	if err := New(cfg).Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	first := scanEntries(t, journalPath)["a.txt"]

	// Mutate the content but preserve size and mtime exactly: if the second
	// build still reports the first run's hash, it proves the file was
	// never reopened for rehashing (the cache short-circuit fired).
	info, err := os.Stat(filePath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if err := os.WriteFile(filePath, []byte("world"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Chtimes(filePath, info.ModTime(), info.ModTime()); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	if err := New(cfg).Run(context.Background()); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	second := scanEntries(t, journalPath)["a.txt"]

	if second.Hash != first.Hash {
		t.Errorf("second-run hash = %q, want unchanged %q (cache short-circuit should skip rehashing)", second.Hash, first.Hash)
	}
}

func TestBuildNeverFollowsSymlinkRecordsLinkTargetHash(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "target.txt"), "hello")
	linkPath := filepath.Join(root, "link")
	if err := os.Symlink("target.txt", linkPath); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	journalPath := filepath.Join(t.TempDir(), "journal.jsonl")
	cfg := Config{
		Target:     root,
		JournalPath:  journalPath,
		Workers:    2,
		Algorithm:   hashalgo.SHA256,
		FollowSymlinks: false,
	}
	if err := New(cfg).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries := scanEntries(t, journalPath)
	link, ok := entries["link"]
	if !ok {
		t.Fatalf("missing journal entry for link; got %+v", entries)
	}
	if link.Type != types.TypeSymlink {
		t.Errorf("link type = %q, want symlink", link.Type)
	}
	want, err := hashalgo.HashBytes([]byte("target.txt"), hashalgo.SHA256)
	if err != nil {
		t.Fatalf("HashBytes failed: %v", err)
	}
	if link.Hash != want {
		t.Errorf("link hash = %q, want hash of link target %q", link.Hash, want)
	}
}

func TestBuildDetectsSymlinkCycle(t *testing.T) {
	root := t.TempDir()
	if err := os.Symlink(root, filepath.Join(root, "loop")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	journalPath := filepath.Join(t.TempDir(), "journal.jsonl")
	cfg := Config{
		Target:     root,
		JournalPath:  journalPath,
		Workers:    2,
		Algorithm:   hashalgo.SHA256,
		FollowSymlinks: true,
	}
	if err := New(cfg).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries := scanEntries(t, journalPath)
	loop, ok := entries["loop"]
	if !ok || loop.Status != types.StatusErr || loop.Error != "SymlinkCycle" {
		t.Errorf("loop entry = %+v, want status=err error=SymlinkCycle", loop)
	}
	rootEntry, ok := entries["."]
	if !ok || rootEntry.Status != types.StatusErr || rootEntry.Error != "ChildError" {
		t.Errorf("root entry = %+v, want status=err error=ChildError (poisoned by loop)", rootEntry)
	}
}

func TestBuildRejectsPathOutsideWorkingDir(t *testing.T) {
	target := t.TempDir()
	root := t.TempDir()

	cfg := Config{
		Target:   target,
		WorkingDir: root,
		JournalPath: filepath.Join(t.TempDir(), "journal.jsonl"),
		Workers:   1,
		Algorithm:  hashalgo.SHA256,
	}
	err := New(cfg).Run(context.Background())
	var outside *PathOutsideRootError
	if !errors.As(err, &outside) {
		t.Fatalf("Run error = %v, want *PathOutsideRootError", err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", path, err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("Mkdir(%s) failed: %v", path, err)
	}
}
