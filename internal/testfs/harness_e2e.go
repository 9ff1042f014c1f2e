//go:build e2e

package testfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/docker/docker/api/types/container"

	"github.com/ivoronin/bddup/internal/types"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

const (
	// baseImage is the Docker image used for E2E tests.
	baseImage = "alpine:3.21"

	// Binary names and paths inside container.
	binaryName    = "bddup"
	helperBinaryName = "testfs-helper"
	binaryPath    = "/tmp/" + binaryName
	helperBinaryPath = "/tmp/" + helperBinaryName
)

// -----------------------------------------------------------------------------
// Harness - Public API
// -----------------------------------------------------------------------------

// Harness provides E2E test infrastructure using Docker containers. Each
// Volume is bind-mounted as its own tmpfs, so Volumes appear as distinct
// filesystems with distinct device IDs — the environment bddup's
// working_directory portability and follow_symlinks cycle detection need to
// be exercised under real cross-device conditions.
//
// Usage:
//
//	given := testfs.FileTree{
//	  Volumes: []Volume{
//	    {MountPoint: "/data", Files: []File{{Path: []string{"a.txt"}, Chunks: []Chunk{{Pattern: 'A', Size: "1MiB"}}}}},
//	  },
//	}
//	h := testfs.New(t, given)
//	h.RunBddup("build", "-o", "/tmp/journal.ndjson", "-w", "/data", "/data")
//	entries, _ := h.ReadJournal("/tmp/journal.ndjson")
//	testfs.AssertJournalEntries(t, []testfs.ExpectedEntry{{Path: "a.txt", Type: types.TypeFile, Status: types.StatusOk}}, entries)
type Harness struct {
	t     *testing.T
	ctx    context.Context
	given   FileTree
	container *Container
	lastResult *RunResult
}

// New creates a new Harness with the given FileTree specification.
//
// The harness:
// 1. Starts a Docker container with tmpfs volumes for each Volume in the spec
// 2. Bind-mounts pre-built bddup and testfs-helper binaries into the container
// 3. Creates files and symlinks according to the spec
//
// Requires the BDDUP_E2E_BINDIR env var, naming a directory that holds
// pre-built bddup and testfs-helper binaries. The container is cleaned up
// automatically via t.Cleanup.
func New(t *testing.T, given FileTree) *Harness {
	t.Helper()

	ctx := context.Background()
	h := &Harness{t: t, ctx: ctx, given: given}

	cfg, hostCfg, err := h.buildContainerConfig()
	if err != nil {
		t.Fatalf("failed to build container config: %v", err)
	}

	c, err := NewContainer(ctx, cfg, hostCfg)
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	h.container = c

	t.Cleanup(h.Cleanup)

	if err := h.sowFileTree(); err != nil {
		t.Fatalf("failed to setup files: %v", err)
	}

	return h
}

// RunBddup executes the bddup binary inside the container with the given
// arguments. The result (exit code, stdout, stderr) is stored for later
// assertion via LastResult.
func (h *Harness) RunBddup(args ...string) *RunResult {
	h.t.Helper()

	cmd := append([]string{binaryPath}, args...)
	stdout, stderr, exitCode, err := h.container.Run(h.ctx, cmd, nil)
	if err != nil {
		h.t.Fatalf("failed to run bddup: %v", err)
	}

	h.lastResult = &RunResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
	return h.lastResult
}

// LastResult returns the result of the most recent RunBddup call.
func (h *Harness) LastResult() *RunResult {
	return h.lastResult
}

// ReadJournal fetches the journal file at containerPath out of the
// container (via `cat`) and parses it the same way CollectJournal parses a
// local file.
func (h *Harness) ReadJournal(containerPath string) (map[string]types.Entry, error) {
	raw, err := h.catFile(containerPath)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "e2e-journal-*.ndjson")
	if err != nil {
		return nil, fmt.Errorf("create local journal copy: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write local journal copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	_, entries, err := CollectJournal(tmp.Name())
	return entries, err
}

// ReadDuplicateSets fetches the duplicate-set file at containerPath out of
// the container and decodes it the same way CollectDuplicateSets does.
func (h *Harness) ReadDuplicateSets(containerPath string) ([]types.DuplicateSet, error) {
	raw, err := h.catFile(containerPath)
	if err != nil {
		return nil, err
	}

	var sets []types.DuplicateSet
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var d types.DuplicateSet
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode duplicate-set file %s: %w", containerPath, err)
		}
		sets = append(sets, d)
	}
	return sets, nil
}

func (h *Harness) catFile(containerPath string) ([]byte, error) {
	stdout, stderr, exitCode, err := h.container.Run(h.ctx, []string{"cat", containerPath}, nil)
	if err != nil {
		return nil, fmt.Errorf("exec cat %s: %w", containerPath, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("cat %s failed (exit %d): %s", containerPath, exitCode, stderr)
	}
	return []byte(stdout), nil
}

// Cleanup terminates the container and releases resources.
func (h *Harness) Cleanup() {
	if h.container != nil {
		_ = h.container.Close(h.ctx)
		h.container = nil
	}
}

// -----------------------------------------------------------------------------
// Container Configuration
// -----------------------------------------------------------------------------

// buildContainerConfig creates Docker container and host configs for E2E tests.
func (h *Harness) buildContainerConfig() (*container.Config, *container.HostConfig, error) {
	binDir := os.Getenv("BDDUP_E2E_BINDIR")
	if binDir == "" {
		return nil, nil, fmt.Errorf("BDDUP_E2E_BINDIR not set - point it at a directory holding the bddup and testfs-helper binaries")
	}

	mountPaths := make([]string, len(h.given.Volumes))
	for i, v := range h.given.Volumes {
		mountPaths[i] = v.MountPoint
	}
	sort.Strings(mountPaths) // parents before children

	tmpfs := make(map[string]string)
	for _, path := range mountPaths {
		tmpfs[path] = "size=100m"
	}

	binds := []string{
		fmt.Sprintf("%s:%s:ro", filepath.Join(binDir, binaryName), binaryPath),
		fmt.Sprintf("%s:%s:ro", filepath.Join(binDir, helperBinaryName), helperBinaryPath),
	}

	cfg := &container.Config{
		Image: baseImage,
		Cmd:  []string{"sleep", "infinity"},
	}
	hostCfg := &container.HostConfig{
		Binds:   binds,
		Tmpfs:   tmpfs,
		AutoRemove: true,
	}

	return cfg, hostCfg, nil
}

// sowFileTree creates filesystem from FileTree spec using testfs-helper.
func (h *Harness) sowFileTree() error {
	specJSON, err := json.Marshal(h.given)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	cmd := []string{helperBinaryPath, "sow"}
	stdout, stderr, exitCode, err := h.container.Run(h.ctx, cmd, specJSON)
	if err != nil {
		return fmt.Errorf("run sow: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("sow failed (exit %d): %s%s", exitCode, stdout, stderr)
	}
	return nil
}
