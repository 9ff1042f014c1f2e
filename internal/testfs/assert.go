package testfs

import (
	"strings"
	"testing"

	"github.com/ivoronin/bddup/internal/types"
)

// -----------------------------------------------------------------------------
// Assertion Functions - Shared between TempDir Harness and E2E Harness
// -----------------------------------------------------------------------------

// AssertJournalEntries checks that actual (the result of CollectJournal)
// contains every entry described by expected, matching on path, type,
// status and (for error entries) a substring of the recorded error. Entries
// in actual that expected does not list are not checked.
func AssertJournalEntries(t *testing.T, expected []ExpectedEntry, actual map[string]types.Entry) {
	t.Helper()

	for _, want := range expected {
		got, ok := actual[want.Path]
		if !ok {
			t.Errorf("journal: expected entry for %q, found none", want.Path)
			continue
		}
		if got.Type != want.Type {
			t.Errorf("journal %q: type = %q, want %q", want.Path, got.Type, want.Type)
		}
		if got.Status != want.Status {
			t.Errorf("journal %q: status = %q, want %q", want.Path, got.Status, want.Status)
		}
		if want.Status == types.StatusErr && want.ErrorContains != "" {
			if !strings.Contains(got.Error, want.ErrorContains) {
				t.Errorf("journal %q: error = %q, want substring %q", want.Path, got.Error, want.ErrorContains)
			}
		}
	}
}

// AssertDuplicateSets checks that actual (the result of CollectDuplicateSets)
// matches expected exactly, in order — Analyze's ordering is deterministic
// ( step 5), so callers are expected to list sets in the same order
// Analyze would emit them.
func AssertDuplicateSets(t *testing.T, expected []ExpectedDuplicateSet, actual []types.DuplicateSet) {
	t.Helper()

	if len(actual) != len(expected) {
		t.Errorf("duplicate sets: got %d, want %d (%v)", len(actual), len(expected), actual)
		return
	}
	for i, want := range expected {
		got := actual[i]
		if got.Type != want.Type {
			t.Errorf("duplicate set %d: type = %q, want %q", i, got.Type, want.Type)
		}
		if len(got.Members) != len(want.Members) {
			t.Errorf("duplicate set %d: members = %v, want %v", i, got.Members, want.Members)
			continue
		}
		for j, m := range want.Members {
			if got.Members[j] != m {
				t.Errorf("duplicate set %d member %d: got %q, want %q", i, j, got.Members[j], m)
			}
		}
	}
}

// AssertSymlinks verifies expected symlinks exist with correct targets.
func AssertSymlinks(t *testing.T, expected []Symlink, actual map[string]string) {
	t.Helper()

	for _, want := range expected {
		target, ok := actual[want.Path]
		if !ok {
			t.Errorf("expected symlink not found: %s", want.Path)
			continue
		}
		if target != want.Target {
			t.Errorf("symlink %s: got target %q, want %q", want.Path, target, want.Target)
		}
	}
}
