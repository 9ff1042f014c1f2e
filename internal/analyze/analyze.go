// Package analyze implements C7: the Analyzer, which reads a finalized
// journal and emits the maximal set of DuplicateSet records describing
// which paths hold identical content.
//
// Grouping mirrors screener.Screener (bucket cheaply, then
// keep only buckets with two or more members) generalized from screener's
// single key `size` to the full grouping key `(type, size-or-childcount,
// hash)`, and operating over the finalized journal's Ok entries instead of
// live filesystem metadata.
package analyze

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ivoronin/bddup/internal/journal"
	"github.com/ivoronin/bddup/internal/progress"
	"github.com/ivoronin/bddup/internal/types"
)

// Config is the in-process configuration for one Analyze run (// AnalyzeConfig).
type Config struct {
	JournalPath   string
	OutputPath   string
	IncludeSymlinks bool // include T=Symlink in grouping ( default: excluded)
	IncludeOther  bool // include T=Other in grouping ( default: excluded; rarely meaningful, H is always empty)
	ShowProgress  bool
}

// Analyzer drives one Analyze run end to end.
type Analyzer struct {
	cfg Config
}

// New creates an Analyzer for cfg.
func New(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

type stats struct {
	entriesScanned int
	setsEmitted  int
	setsPruned   int
	startTime   time.Time
}

func (s *stats) String() string {
	return fmt.Sprintf("Scanned %d entries, emitted %d duplicate sets (pruned %d redundant) in %.1fs",
		s.entriesScanned, s.setsEmitted, s.setsPruned, time.Since(s.startTime).Seconds())
}

// groupKey is the bucketing key ( step 2): two entries can only be
// duplicates if they agree on type, size (or, for directories, child
// count), and content digest.
type groupKey struct {
	Type types.FileType
	Size int64
	Hash string
}

// Run loads every Ok entry from the journal, buckets by (T, S, H), prunes
// duplicate sets (file or directory) that are fully explained by an
// already-duplicate parent directory set, orders the remaining sets deterministically, and writes them to
// cfg.OutputPath as line-delimited JSON.
func (a *Analyzer) Run() error {
	bar := progress.New(a.cfg.ShowProgress, -1)
	st := &stats{startTime: time.Now()}

	byPath := make(map[string]types.Entry)
	_, err := journal.Scan(a.cfg.JournalPath, func(r journal.Record) error {
		if r.Err != nil {
			return nil // malformed lines are skipped, not fatal 
		}
		st.entriesScanned++
		if r.Entry.Status == types.StatusOk {
			byPath[r.Entry.Path] = r.Entry
		} else {
			delete(byPath, r.Entry.Path) // a later Error supersedes an earlier Ok
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("analyze: scanning journal: %w", err)
	}

	buckets := make(map[groupKey][]string)
	for p, e := range byPath {
		if e.Type == types.TypeOther && !a.cfg.IncludeOther {
			continue
		}
		if e.Type == types.TypeSymlink && !a.cfg.IncludeSymlinks {
			continue
		}
		key := groupKey{Type: e.Type, Size: e.Size, Hash: e.Hash}
		buckets[key] = append(buckets[key], p)
	}

	bySignature := make(map[string]*types.DuplicateSet)
	var candidates []*types.DuplicateSet
	for key, members := range buckets {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		d := &types.DuplicateSet{Type: key.Type, Hash: key.Hash, Size: key.Size, Members: members}
		candidates = append(candidates, d)
		bySignature[signature(members)] = d
	}

	final := make([]*types.DuplicateSet, 0, len(candidates))
	for _, d := range candidates {
		if isRedundant(d, bySignature) {
			st.setsPruned++
			continue
		}
		final = append(final, d)
	}

	sortDuplicateSets(final)
	st.setsEmitted = len(final)

	if err := writeDuplicateSets(a.cfg.OutputPath, final); err != nil {
		return fmt.Errorf("analyze: writing output: %w", err)
	}

	bar.Finish(st)
	return nil
}

// isRedundant implements maximality pruning ( step 4): D is
// redundant if replacing every member with its parent path yields exactly
// the member set of some other candidate set D' — i.e. D's duplication is
// fully explained by its members' parent directories already being a
// reported duplicate set, so D carries no new information.
func isRedundant(d *types.DuplicateSet, bySignature map[string]*types.DuplicateSet) bool {
	parents := make([]string, len(d.Members))
	for i, m := range d.Members {
		parents[i] = path.Dir(m)
	}
	sort.Strings(parents)

	parent, ok := bySignature[signature(parents)]
	if !ok || parent == d {
		return false
	}
	return true
}

func signature(sortedMembers []string) string {
	return strings.Join(sortedMembers, "\x00")
}

// sortDuplicateSets orders sets by decreasing size, then decreasing member
// count, then by the lexicographically smallest member path (
// step 5); member lists themselves are already sorted lexicographically by
// Run ( tie-break).
func sortDuplicateSets(sets []*types.DuplicateSet) {
	sort.Slice(sets, func(i, j int) bool {
		a, b := sets[i], sets[j]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		if len(a.Members) != len(b.Members) {
			return len(a.Members) > len(b.Members)
		}
		return a.Members[0] < b.Members[0]
	})
}

// writeDuplicateSets writes sets as line-delimited JSON via a sibling
// temp-file-and-rename, the same atomic-replace idiom used by
// journal.Rewrite (itself grounded on a deduper-style atomic-replace
// pattern) — Analyze output is a fresh artifact, not an in-place journal
// update, but a reader should never observe a half-written dupset file.
func writeDuplicateSets(path string, sets []*types.DuplicateSet) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dupset-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	enc := json.NewEncoder(tmp)
	for _, d := range sets {
		if err := enc.Encode(d); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
