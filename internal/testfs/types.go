// Package testfs provides test infrastructure for building fixture
// filesystem trees and asserting on the journal and duplicate-set output
// that bddup's Build and Analyze stages produce from them.
//
// It supports two modes:
//  - Integration tests: Harness (harness.go) creates files under t.TempDir
//   and drives internal/build, internal/analyze and internal/clean
//   in-process.
//  - E2E tests: the Docker-backed Harness (harness_e2e.go) bind-mounts
//   distinct tmpfs volumes so multiple mount points appear as separate
//   filesystems with distinct device IDs, exercising working-directory
//   portability and symlink-cycle detection the way a real multi-volume
//   backup tree would.
//
// # Unified FileTree Specification
//
// Tests use a single FileTree type to build the fixture filesystem:
//
//	given := testfs.FileTree{
//	  Volumes: []Volume{
//	    {
//	      MountPoint: "/data",
//	      Files: []File{
//	        {Path: []string{"a.txt", "backup/a.txt"}, Chunks: []Chunk{{Pattern: 'A', Size: "1MiB"}}},
//	      },
//	    },
//	  },
//	}
//	h := testfs.New(t, given)
//	journalPath := h.Path("journal.ndjson")
//	h.RunBuild(build.Config{JournalPath: journalPath, Algorithm: hashalgo.SHA256})
//	h.AssertJournal(journalPath, []ExpectedEntry{
//	  {Path: "data/a.txt", Type: types.TypeFile, Status: types.StatusOk},
//	  {Path: "data/backup/a.txt", Type: types.TypeFile, Status: types.StatusOk},
//	})
//
// Subdirectories are created automatically from file paths (mkdir -p
// semantics). File paths are relative to the volume mount point.
package testfs

import (
	"github.com/dustin/go-humanize"

	"github.com/ivoronin/bddup/internal/types"
)

// -----------------------------------------------------------------------------
// FileTree Specification Types
// -----------------------------------------------------------------------------

// FileTree describes the filesystem fixture a test builds before running
// Build, Analyze or Clean against it.
type FileTree struct {
	// Volumes in the filesystem (each may be a separate tmpfs mount in the
	// E2E Harness, or just a subdirectory in the TempDir Harness).
	Volumes []Volume `json:"volumes"`
}

// Volume is a group of files and symlinks created under one mount point.
//
// In the E2E Harness each Volume is bind-mounted as its own tmpfs, so
// distinct Volumes appear as distinct filesystems with distinct device IDs
// — useful for testing that a journal's working_directory remains portable
// across a mount boundary.
type Volume struct {
	// MountPoint is the absolute path where this volume is mounted.
	// Examples: "/data", "/data/subdir", "/vol1".
	MountPoint string `json:"mountPoint"`

	// Files in this volume.
	Files []File `json:"files,omitempty"`

	// Symlinks in this volume.
	Symlinks []Symlink `json:"symlinks,omitempty"`
}

// File describes one or more paths that receive identical content.
//
// Path[0] is written directly; Path[1:] are hardlinked to it purely as a
// convenient way to stamp out byte-identical content at several paths —
// bddup hashes content, so whether two paths share an inode or are
// independent copies is invisible to Build: both end up in the same
// DuplicateSet once Analyze runs.
type File struct {
	// Path contains one or more paths (relative to the volume).
	Path []string `json:"path"`

	// Chunks specifies file content as a sequence of filled regions. Each
	// chunk fills its size with the pattern byte. Use IEC units for sizes:
	// "1KiB", "1MiB", "1GiB".
	Chunks []Chunk `json:"chunks,omitempty"`
}

// Chunk defines a region of file content filled with a pattern byte.
type Chunk struct {
	// Pattern is the fill byte for this chunk region. Example: 'A' fills
	// the region with 0x41 bytes.
	Pattern rune `json:"pattern"`

	// Size in IEC units (1024-based): "1KiB", "1MiB", "1GiB". Parsed via
	// go-humanize.
	Size string `json:"size"`
}

// TotalSize calculates the sum of all chunk sizes in bytes.
func (f *File) TotalSize() int64 {
	var total int64
	for _, c := range f.Chunks {
		size, _ := humanize.ParseBytes(c.Size)
		total += int64(size)
	}
	return total
}

// Symlink defines a symbolic link.
type Symlink struct {
	// Path is relative to the volume mount point.
	Path string `json:"path"`

	// Target is the path the symlink points to (relative or absolute).
	Target string `json:"target"`
}

// -----------------------------------------------------------------------------
// Run Result (E2E only)
// -----------------------------------------------------------------------------

// RunResult captures the results of a bddup invocation inside the E2E
// container.
type RunResult struct {
	ExitCode int
	Stdout  string
	Stderr  string
}

// -----------------------------------------------------------------------------
// Expectation Types (journal / duplicate-set assertions)
// -----------------------------------------------------------------------------

// ExpectedEntry describes what the journal should record for one path after
// a Build run. Path is relative to the working directory, using POSIX
// separators, matching types.Entry.Path.
type ExpectedEntry struct {
	Path  string
	Type  types.FileType
	Status types.Status

	// ErrorContains, when non-empty, must be a substring of the recorded
	// Entry.Error. Ignored when Status == types.StatusOk.
	ErrorContains string
}

// ExpectedDuplicateSet mirrors types.DuplicateSet for assertion purposes.
// Members must be given in the same sorted order Analyze emits.
type ExpectedDuplicateSet struct {
	Type  types.FileType
	Members []string
}
