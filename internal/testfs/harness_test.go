//go:build unix && !e2e

package testfs

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/ivoronin/bddup/internal/analyze"
	"github.com/ivoronin/bddup/internal/build"
	"github.com/ivoronin/bddup/internal/types"
)

// TestSowCreatesFilesCorrectly verifies that SowFileTree creates files with correct sizes and content.
func TestSowCreatesFilesCorrectly(t *testing.T) {
	root := t.TempDir()

	spec := FileTree{
		Volumes: []Volume{
			{
				MountPoint: "/vol1",
				Files: []File{
					{Path: []string{"a.txt"}, Chunks: []Chunk{{Pattern: 'A', Size: "100"}}},
					{Path: []string{"b.txt"}, Chunks: []Chunk{{Pattern: 'B', Size: "50"}}},
				},
			},
		},
	}

	if err := SowFileTree(root, spec); err != nil {
		t.Fatalf("SowFileTree failed: %v", err)
	}

	pathA := filepath.Join(root, "vol1", "a.txt")
	contentA, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatalf("failed to read a.txt: %v", err)
	}
	if len(contentA) != 100 {
		t.Errorf("a.txt size: got %d, want 100", len(contentA))
	}
	for i, b := range contentA {
		if b != 'A' {
			t.Errorf("a.txt content[%d]: got %q, want 'A'", i, b)
			break
		}
	}
}

// TestSowMultiPathFileSharesContentAndInode verifies that multiple paths in
// a File entry receive byte-identical content (via hardlink).
func TestSowMultiPathFileSharesContentAndInode(t *testing.T) {
	root := t.TempDir()

	spec := FileTree{
		Volumes: []Volume{
			{
				MountPoint: "/vol1",
				Files: []File{
					{Path: []string{"original.txt", "link1.txt", "subdir/link2.txt"}, Chunks: []Chunk{{Pattern: 'S', Size: "100"}}},
				},
			},
		},
	}

	if err := SowFileTree(root, spec); err != nil {
		t.Fatalf("SowFileTree failed: %v", err)
	}

	paths := []string{
		filepath.Join(root, "vol1", "original.txt"),
		filepath.Join(root, "vol1", "link1.txt"),
		filepath.Join(root, "vol1", "subdir", "link2.txt"),
	}

	var inodes []uint64
	for _, p := range paths {
		info, err := os.Lstat(p)
		if err != nil {
			t.Fatalf("failed to stat %s: %v", p, err)
		}
		stat := info.Sys().(*syscall.Stat_t)
		inodes = append(inodes, stat.Ino)
	}
	for i := 1; i < len(inodes); i++ {
		if inodes[i] != inodes[0] {
			t.Errorf("hardlink mismatch: %s (inode %d) != %s (inode %d)",
				paths[i], inodes[i], paths[0], inodes[0])
		}
	}
}

// TestSowCreatesSymlinksCorrectly verifies that symlinks are created with correct targets.
func TestSowCreatesSymlinksCorrectly(t *testing.T) {
	root := t.TempDir()

	spec := FileTree{
		Volumes: []Volume{
			{
				MountPoint: "/vol1",
				Files: []File{
					{Path: []string{"target.txt"}, Chunks: []Chunk{{Pattern: 'T', Size: "100"}}},
				},
				Symlinks: []Symlink{
					{Path: "link.txt", Target: "target.txt"},
					{Path: "subdir/link2.txt", Target: "../target.txt"},
				},
			},
		},
	}

	if err := SowFileTree(root, spec); err != nil {
		t.Fatalf("SowFileTree failed: %v", err)
	}

	links, err := ReadSymlinks(filepath.Join(root, "vol1"))
	if err != nil {
		t.Fatalf("ReadSymlinks failed: %v", err)
	}

	AssertSymlinks(t, spec.Volumes[0].Symlinks, links)
}

// TestHarnessRunBuildAndAnalyzeDetectsDuplicates exercises the full
// sow -> build -> analyze path through the Harness.
func TestHarnessRunBuildAndAnalyzeDetectsDuplicates(t *testing.T) {
	spec := FileTree{
		Volumes: []Volume{
			{
				MountPoint: "",
				Files: []File{
					{Path: []string{"a.txt"}, Chunks: []Chunk{{Pattern: 'X', Size: "16"}}},
					{Path: []string{"b.txt"}, Chunks: []Chunk{{Pattern: 'X', Size: "16"}}},
				},
			},
		},
	}

	h := New(t, spec)

	if _, err := os.Stat(h.Root()); err != nil {
		t.Fatalf("root directory should exist: %v", err)
	}

	journalPath := h.Path("journal.ndjson")
	if err := h.RunBuild(build.Config{JournalPath: journalPath}); err != nil {
		t.Fatalf("RunBuild failed: %v", err)
	}

	h.AssertJournal(journalPath, []ExpectedEntry{
		{Path: "a.txt", Type: types.TypeFile, Status: types.StatusOk},
		{Path: "b.txt", Type: types.TypeFile, Status: types.StatusOk},
	})

	dupsetPath := h.Path("dupsets.ndjson")
	if err := h.RunAnalyze(analyze.Config{JournalPath: journalPath, OutputPath: dupsetPath}); err != nil {
		t.Fatalf("RunAnalyze failed: %v", err)
	}

	h.AssertDuplicateSets(dupsetPath, []ExpectedDuplicateSet{
		{Type: types.TypeFile, Members: []string{"a.txt", "b.txt"}},
	})
}

// TestFileTotalSize verifies the TotalSize method calculates correctly.
func TestFileTotalSize(t *testing.T) {
	tests := []struct {
		name  string
		chunks []Chunk
		want  int64
	}{
		{name: "empty chunks", chunks: nil, want: 0},
		{name: "single chunk", chunks: []Chunk{{Pattern: 'A', Size: "1KiB"}}, want: 1024},
		{
			name: "multiple chunks",
			chunks: []Chunk{
				{Pattern: 'A', Size: "1KiB"},
				{Pattern: 'B', Size: "1MiB"},
			},
			want: 1024 + 1048576,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := File{Chunks: tt.chunks}
			got := f.TotalSize()
			if got != tt.want {
				t.Errorf("TotalSize = %d, want %d", got, tt.want)
			}
		})
	}
}
