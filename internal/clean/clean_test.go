package clean

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ivoronin/bddup/internal/hashalgo"
	"github.com/ivoronin/bddup/internal/journal"
	"github.com/ivoronin/bddup/internal/types"
)

func scanAll(t *testing.T, path string) map[string]types.Entry {
	t.Helper()
	out := make(map[string]types.Entry)
	_, err := journal.Scan(path, func(r journal.Record) error {
		if r.Err == nil {
			out[r.Entry.Path] = r.Entry
		}
		return nil
	})
	if err != nil {
		t.Fatalf("journal.Scan failed: %v", err)
	}
	return out
}

func TestCleanDropsStaleAndErrorEntries(t *testing.T) {
	root := t.TempDir()
	keptFile := filepath.Join(root, "kept.txt")
	if err := os.WriteFile(keptFile, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	fi, err := os.Stat(keptFile)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	journalPath := filepath.Join(t.TempDir(), "journal.jsonl")
	w, err := journal.OpenForAppend(journalPath, hashalgo.SHA256, root)
	if err != nil {
		t.Fatalf("OpenForAppend failed: %v", err)
	}
	entries := []types.Entry{
		{Path: "kept.txt", Type: types.TypeFile, ModTimeNs: fi.ModTime().UnixNano(), Size: fi.Size(), Hash: "h1", Status: types.StatusOk},
		{Path: "deleted.txt", Type: types.TypeFile, ModTimeNs: 1, Size: 5, Hash: "h2", Status: types.StatusOk},
		{Path: "failed.txt", Type: types.TypeFile, ModTimeNs: 1, Size: 5, Status: types.StatusErr, Error: "HashIoError"},
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := Clean(Config{JournalPath: journalPath}); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}

	survivors := scanAll(t, journalPath)
	if len(survivors) != 1 {
		t.Fatalf("survivors = %+v, want exactly kept.txt", survivors)
	}
	if _, ok := survivors["kept.txt"]; !ok {
		t.Errorf("kept.txt was dropped; survivors = %+v", survivors)
	}
}

func TestCleanPreservesExplicitlyKeptPathDespiteStaleness(t *testing.T) {
	root := t.TempDir()
	journalPath := filepath.Join(t.TempDir(), "journal.jsonl")
	w, err := journal.OpenForAppend(journalPath, hashalgo.SHA256, root)
	if err != nil {
		t.Fatalf("OpenForAppend failed: %v", err)
	}
	if err := w.Append(types.Entry{Path: "gone.txt", Type: types.TypeFile, ModTimeNs: 1, Size: 5, Hash: "h", Status: types.StatusOk}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := Clean(Config{JournalPath: journalPath, KeepPaths: []string{"gone.txt"}}); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}

	survivors := scanAll(t, journalPath)
	if _, ok := survivors["gone.txt"]; !ok {
		t.Errorf("gone.txt should survive via KeepPaths; survivors = %+v", survivors)
	}
}

func TestCleanIsAtomicHeaderPreserved(t *testing.T) {
	root := t.TempDir()
	journalPath := filepath.Join(t.TempDir(), "journal.jsonl")
	w, err := journal.OpenForAppend(journalPath, hashalgo.SHA256, root)
	if err != nil {
		t.Fatalf("OpenForAppend failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := Clean(Config{JournalPath: journalPath}); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}

	header, err := journal.ReadHeader(journalPath)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if header.Root != root || header.Hash != hashalgo.SHA256 {
		t.Errorf("header = %+v, want root=%s hash=%s", header, root, hashalgo.SHA256)
	}
}
