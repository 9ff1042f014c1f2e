package cacheindex

import (
	"path/filepath"
	"testing"

	"github.com/ivoronin/bddup/internal/hashalgo"
	"github.com/ivoronin/bddup/internal/journal"
	"github.com/ivoronin/bddup/internal/types"
)

func writeJournal(t *testing.T, path string, entries []types.Entry) {
	t.Helper()
	w, err := journal.OpenForAppend(path, hashalgo.SHA256, "/backup")
	if err != nil {
		t.Fatalf("OpenForAppend failed: %v", err)
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestBuildLastWriterWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	writeJournal(t, path, []types.Entry{
		{Path: "a.txt", Type: types.TypeFile, Size: 1, ModTimeNs: 1, Hash: "old", Status: types.StatusOk},
		{Path: "a.txt", Type: types.TypeFile, Size: 1, ModTimeNs: 2, Hash: "new", Status: types.StatusOk},
	})

	idx, err := Build(path, "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer func() { _ = idx.Close() }()

	e, ok := idx.Lookup("a.txt")
	if !ok || e.Hash != "new" {
		t.Errorf("Lookup(a.txt) = %+v, %v, want hash=new", e, ok)
	}
}

func TestIsFreshDetectsStaleness(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	writeJournal(t, path, []types.Entry{
		{Path: "a.txt", Type: types.TypeFile, Size: 5, ModTimeNs: 100, Hash: "h", Status: types.StatusOk},
	})

	idx, err := Build(path, "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer func() { _ = idx.Close() }()

	if !idx.IsFresh("a.txt", types.Key{Type: types.TypeFile, Size: 5, ModTimeNs: 100}) {
		t.Errorf("IsFresh = false for matching (T,M,S), want true")
	}
	if idx.IsFresh("a.txt", types.Key{Type: types.TypeFile, Size: 5, ModTimeNs: 200}) {
		t.Errorf("IsFresh = true for changed mtime, want false")
	}
	if idx.IsFresh("missing.txt", types.Key{Type: types.TypeFile, Size: 5, ModTimeNs: 100}) {
		t.Errorf("IsFresh = true for unknown path, want false")
	}
}

func TestIsFreshIgnoresErrorEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	writeJournal(t, path, []types.Entry{
		{Path: "a.txt", Type: types.TypeFile, Size: 5, ModTimeNs: 100, Status: types.StatusErr, Error: "boom"},
	})

	idx, err := Build(path, "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer func() { _ = idx.Close() }()

	if idx.IsFresh("a.txt", types.Key{Type: types.TypeFile, Size: 5, ModTimeNs: 100}) {
		t.Errorf("IsFresh = true for an Error entry, want false (must be re-hashed)")
	}
}

func TestBuildSideIndexSkipsRescan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	sidePath := filepath.Join(dir, "side.db")
	writeJournal(t, path, []types.Entry{
		{Path: "a.txt", Type: types.TypeFile, Size: 5, ModTimeNs: 100, Hash: "h", Status: types.StatusOk},
	})

	idx1, err := Build(path, sidePath)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := idx1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	idx2, err := Build(path, sidePath)
	if err != nil {
		t.Fatalf("second Build failed: %v", err)
	}
	defer func() { _ = idx2.Close() }()

	e, ok := idx2.Lookup("a.txt")
	if !ok || e.Hash != "h" {
		t.Errorf("Lookup(a.txt) after side-index hit = %+v, %v, want hash=h", e, ok)
	}
}
