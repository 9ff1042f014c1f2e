//go:build unix && !e2e

package testfs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ivoronin/bddup/internal/analyze"
	"github.com/ivoronin/bddup/internal/build"
	"github.com/ivoronin/bddup/internal/clean"
	"github.com/ivoronin/bddup/internal/hashalgo"
)

// -----------------------------------------------------------------------------
// Harness - Integration Test API
// -----------------------------------------------------------------------------

// Harness provides integration test infrastructure using t.TempDir and
// drives the Build, Analyze and Clean packages directly in-process — the
// same "construct the stage, call Run" shape those packages use in their
// own unit tests.
//
// Unlike the E2E Harness that uses Docker containers with tmpfs mounts,
// this Harness creates files in a temporary directory on the local
// filesystem, so it cannot exercise cross-device working-directory
// portability; use the E2E Harness for that.
//
// Usage:
//
//	given := testfs.FileTree{
//	  Volumes: []Volume{
//	    {MountPoint: "", Files: []File{{Path: []string{"a.txt"}, Chunks: []Chunk{{Pattern: 'A', Size: "1KiB"}}}}},
//	  },
//	}
//	h := testfs.New(t, given)
//	journalPath := h.Path("journal.ndjson")
//	if err := h.RunBuild(build.Config{JournalPath: journalPath}); err != nil {
//	  t.Fatal(err)
//	}
//	h.AssertJournal(journalPath, []testfs.ExpectedEntry{
//	  {Path: "a.txt", Type: types.TypeFile, Status: types.StatusOk},
//	})
type Harness struct {
	t   *testing.T
	root string
	given FileTree
}

// New creates a new Harness with the given FileTree specification.
//
// The temporary directory is cleaned up automatically by t.TempDir.
func New(t *testing.T, given FileTree) *Harness {
	t.Helper()

	root := t.TempDir()
	h := &Harness{t: t, root: root, given: given}

	if err := SowFileTree(root, given); err != nil {
		t.Fatalf("failed to setup files: %v", err)
	}

	return h
}

// Root returns the temporary directory root path.
func (h *Harness) Root() string {
	return h.root
}

// Path joins rel onto the harness root.
func (h *Harness) Path(rel string) string {
	return filepath.Join(h.root, rel)
}

// RunBuild runs a Build with cfg, defaulting Target/WorkingDir to the
// harness root, JournalPath to "journal.ndjson" under the root, Algorithm to
// sha2-256 and Workers to 4 when left unset.
func (h *Harness) RunBuild(cfg build.Config) error {
	if cfg.Target == "" {
		cfg.Target = h.root
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = h.root
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = h.Path("journal.ndjson")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = hashalgo.SHA256
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	return build.New(cfg).Run(context.Background())
}

// RunAnalyze runs an Analyze with cfg, defaulting OutputPath to
// "dupsets.ndjson" under the harness root.
func (h *Harness) RunAnalyze(cfg analyze.Config) error {
	if cfg.OutputPath == "" {
		cfg.OutputPath = h.Path("dupsets.ndjson")
	}
	return analyze.New(cfg).Run()
}

// RunClean runs a Clean with cfg.
func (h *Harness) RunClean(cfg clean.Config) error {
	return clean.Clean(cfg)
}

// AssertJournal reads the journal at path and checks it against expected.
func (h *Harness) AssertJournal(path string, expected []ExpectedEntry) {
	h.t.Helper()

	_, entries, err := CollectJournal(path)
	if err != nil {
		h.t.Fatalf("collect journal: %v", err)
	}
	AssertJournalEntries(h.t, expected, entries)
}

// AssertDuplicateSets reads the duplicate-set file at path and checks it
// against expected.
func (h *Harness) AssertDuplicateSets(path string, expected []ExpectedDuplicateSet) {
	h.t.Helper()

	actual, err := CollectDuplicateSets(path)
	if err != nil {
		h.t.Fatalf("collect duplicate sets: %v", err)
	}
	AssertDuplicateSets(h.t, expected, actual)
}
