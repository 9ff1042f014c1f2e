// Package build implements C6, the Build Coordinator: single-threaded
// filesystem traversal that seeds the Work Graph, applies the Cache Index
// short-circuit, and drives the Worker Pool to hash files and compose
// directory digests into the journal.
//
// Traversal itself never runs concurrently — the Coordinator walks the tree
// depth-first on one goroutine, the same way scanner.Scanner
// lists one directory at a time in listDirectory — but every node it
// discovers is immediately schedulable, so the Worker Pool (internal/pool)
// starts hashing leaves while the Coordinator is still descending into
// sibling subtrees. Concurrency lives entirely in the pool; the graph
// (internal/workgraph) is what lets the two run safely side by side.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ivoronin/bddup/internal/cacheindex"
	"github.com/ivoronin/bddup/internal/hashalgo"
	"github.com/ivoronin/bddup/internal/journal"
	"github.com/ivoronin/bddup/internal/pool"
	"github.com/ivoronin/bddup/internal/progress"
	"github.com/ivoronin/bddup/internal/types"
	"github.com/ivoronin/bddup/internal/workgraph"
)

// Config is the in-process configuration for one Build run (// BuildConfig), analogous to a flat CLI-options struct.
type Config struct {
	Target     string // root of the tree to build
	JournalPath  string
	WorkingDir   string // paths are recorded relative to this; defaults to Target
	SidePath    string // optional bbolt side-index path for the Cache Index
	Workers    int
	Algorithm   hashalgo.Algorithm
	FollowSymlinks bool // false=never, true=always 
	ShowProgress  bool
	ErrCh     chan error // non-fatal per-entry errors, reported without aborting the run
}

// nodeMeta is traversal-time information about one node, recorded by the
// single traversal goroutine and read back by worker goroutines once the
// node is Ready. It is never mutated after being stored, so concurrent reads
// from pool workers are safe without extra locking beyond the sync.Map it
// lives in.
type nodeMeta struct {
	ftype   types.FileType
	fsPath   string // absolute, OS-native path used for actual I/O
	size    int64
	modTimeNs int64
	linkTarget string  // TypeSymlink leaves only
	children  []string // directory-shaped nodes only: child relPaths, lexicographic
}

// Coordinator drives one Build run end to end.
type Coordinator struct {
	cfg Config
	root string // absolute, cleaned WorkingDir

	writer *journal.Writer
	cache *cacheindex.Index
	graph *workgraph.Graph

	meta  sync.Map // relPath -> *nodeMeta
	results sync.Map // relPath -> types.Entry, populated as nodes complete

	stats *stats
	bar  *progress.Bar
}

// New creates a Coordinator for cfg. It does not touch the filesystem or the
// journal until Run is called.
func New(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// stats tracks build progress using atomic counters, mirroring
// scanner.stats: lock-free updates from any worker goroutine, a consistent
// enough snapshot for progress display even if the four counters are read a
// few nanoseconds apart.
type stats struct {
	filesHashed atomic.Int64
	dirsComposed atomic.Int64
	bytesHashed atomic.Int64
	errorCount  atomic.Int64
	startTime  time.Time
}

func (s *stats) String() string {
	return fmt.Sprintf("Hashed %d files, composed %d dirs (%s), %d errors in %.1fs",
		s.filesHashed.Load(), s.dirsComposed.Load(),
		humanize.IBytes(uint64(s.bytesHashed.Load())), s.errorCount.Load(),
		time.Since(s.startTime).Seconds())
}

// Run executes the build: resolves Target/WorkingDir, opens the journal and
// Cache Index, walks the tree while the Worker Pool hashes concurrently, and
// returns once every node has reached Done or Error.
//
// Run returns a non-nil error only for conditions that abort the whole run
// (an incompatible journal, a root outside WorkingDir, an unreadable root).
// Per-entry failures (a file that can't be read, a symlink cycle) are
// recorded as Error-status journal entries and reported on cfg.ErrCh; they
// do not fail Run itself (errors are local and absorbing, not
// fatal to the run).
func (c *Coordinator) Run(ctx context.Context) error {
	target, err := filepath.Abs(c.cfg.Target)
	if err != nil {
		return fmt.Errorf("resolving target: %w", err)
	}
	workingDir := c.cfg.WorkingDir
	if workingDir == "" {
		workingDir = target
	}
	root, err := filepath.Abs(workingDir)
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}
	c.root = root

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &PathOutsideRootError{Path: target, Root: root}
	}
	relPath := path.Clean(filepath.ToSlash(rel))

	c.writer, err = journal.OpenForAppend(c.cfg.JournalPath, c.cfg.Algorithm, root)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() { _ = c.writer.Close() }()

	c.cache, err = cacheindex.Build(c.cfg.JournalPath, c.cfg.SidePath)
	if err != nil {
		return fmt.Errorf("building cache index: %w", err)
	}
	defer func() { _ = c.cache.Close() }()

	c.graph = workgraph.New()
	c.stats = &stats{startTime: time.Now()}
	c.bar = progress.New(c.cfg.ShowProgress, -1)
	c.bar.Describe(c.stats)

	var poolWg sync.WaitGroup
	poolWg.Add(1)
	go func() {
		defer poolWg.Done()
		p := pool.New(c.cfg.Workers, c.graph, c.handle)
		p.Run(ctx)
	}()

	c.visit(target, relPath, nil, nil)
	poolWg.Wait()

	c.bar.Finish(c.stats)
	return nil
}

// visit runs on the Coordinator's single traversal goroutine. ancestors
// tracks the canonical (symlink-resolved) directory paths on the current
// descent, used for cycle detection under follow_symlinks=always (spec
// tracked via ancestors below).
func (c *Coordinator) visit(fsPath, relPath string, parent *workgraph.Node, ancestors []string) {
	lst, err := os.Lstat(fsPath)
	if err != nil {
		c.recordImmediateError(relPath, guessType(lst), parent, reasonForStatErr(err))
		return
	}

	switch {
	case lst.Mode()&os.ModeSymlink != 0:
		c.visitSymlink(fsPath, relPath, lst, parent, ancestors)
	case lst.IsDir():
		c.visitDirectory(fsPath, relPath, lst, parent, ancestors)
	case lst.Mode().IsRegular():
		c.visitFile(fsPath, relPath, lst, parent)
	default:
		c.visitOther(relPath, lst, parent)
	}
}

func (c *Coordinator) visitFile(fsPath, relPath string, lst os.FileInfo, parent *workgraph.Node) {
	key := types.Key{Type: types.TypeFile, ModTimeNs: lst.ModTime().UnixNano(), Size: lst.Size()}
	if c.shortCircuitFresh(relPath, key, parent, workgraph.KindFile) {
		return
	}
	c.meta.Store(relPath, &nodeMeta{
		ftype:   types.TypeFile,
		fsPath:  fsPath,
		size:   lst.Size(),
		modTimeNs: lst.ModTime().UnixNano(),
	})
	c.graph.AddFile(relPath, parent)
}

// visitSymlink implements the follow_symlinks policy: never records the
// link target string as the leaf's content; always follows symlinks that
// point at a directory, with cycle detection by canonical target path, and
// falls back to the never behavior for symlinks that point at anything
// else.
func (c *Coordinator) visitSymlink(fsPath, relPath string, lst os.FileInfo, parent *workgraph.Node, ancestors []string) {
	linkTarget, err := os.Readlink(fsPath)
	if err != nil {
		c.recordImmediateError(relPath, types.TypeSymlink, parent, "StatError")
		return
	}

	if c.cfg.FollowSymlinks {
		resolvedDir := linkTarget
		if !filepath.IsAbs(resolvedDir) {
			resolvedDir = filepath.Join(filepath.Dir(fsPath), resolvedDir)
		}
		if targetInfo, statErr := os.Stat(resolvedDir); statErr == nil && targetInfo.IsDir() {
			canon, evalErr := filepath.EvalSymlinks(fsPath)
			if evalErr != nil {
				c.recordImmediateError(relPath, types.TypeSymlink, parent, "StatError")
				return
			}
			if slices.Contains(ancestors, canon) {
				c.recordImmediateError(relPath, types.TypeSymlink, parent, "SymlinkCycle")
				return
			}
			c.visitDirectoryLike(resolvedDir, relPath, types.TypeSymlink, lst, parent, append(ancestors, canon))
			return
		}
	}

	key := types.Key{Type: types.TypeSymlink, ModTimeNs: lst.ModTime().UnixNano(), Size: int64(len(linkTarget))}
	if c.shortCircuitFresh(relPath, key, parent, workgraph.KindFile) {
		return
	}
	c.meta.Store(relPath, &nodeMeta{
		ftype:   types.TypeSymlink,
		fsPath:   fsPath,
		linkTarget: linkTarget,
		size:    int64(len(linkTarget)),
		modTimeNs: lst.ModTime().UnixNano(),
	})
	c.graph.AddFile(relPath, parent)
}

func (c *Coordinator) visitDirectory(fsPath, relPath string, lst os.FileInfo, parent *workgraph.Node, ancestors []string) {
	canon, err := filepath.EvalSymlinks(fsPath)
	if err != nil {
		canon = fsPath
	}
	c.visitDirectoryLike(fsPath, relPath, types.TypeDirectory, lst, parent, append(ancestors, canon))
}

// visitDirectoryLike lists fsPath and seeds a directory-shaped node at
// relPath. entryType is TypeDirectory for a real directory, or TypeSymlink
// when this node is a followed symlink-to-directory whose digest still
// composes from its (real) children — the symlink's own path identity is
// preserved in Path/Type, only its content comes from the target.
//
// Directories are never offered to the Cache Index short-circuit: a
// directory's own mtime only changes when an entry is added, removed, or
// renamed, not when a descendant's content changes deeper in the tree (spec
// ancestors to always be re-composed). Only
// leaves (files, non-followed symlinks) are cache-shortcut.
func (c *Coordinator) visitDirectoryLike(fsPath, relPath string, entryType types.FileType, lst os.FileInfo, parent *workgraph.Node, ancestors []string) {
	entries, err := listDirectory(fsPath)
	if err != nil {
		c.recordImmediateError(relPath, entryType, parent, reasonForStatErr(err))
		return
	}

	children := make([]string, len(entries))
	for i, name := range entries {
		children[i] = path.Join(relPath, name)
	}

	node := c.graph.AddDirectory(relPath, parent, len(entries))
	c.meta.Store(relPath, &nodeMeta{
		ftype:   entryType,
		fsPath:  fsPath,
		size:   int64(len(entries)),
		modTimeNs: lst.ModTime().UnixNano(),
		children: children,
	})

	for i, name := range entries {
		c.visit(filepath.Join(fsPath, name), children[i], node, ancestors)
	}
}

func (c *Coordinator) visitOther(relPath string, lst os.FileInfo, parent *workgraph.Node) {
	entry := types.Entry{
		Path:   relPath,
		Type:   types.TypeOther,
		ModTimeNs: lst.ModTime().UnixNano(),
		Size:   0,
		Hash:   "",
		Status:  types.StatusOk,
	}
	c.commit(entry)
	c.graph.AddResolved(relPath, workgraph.KindFile, parent, true)
}

// shortCircuitFresh checks the Cache Index for relPath; if fresh, it
// re-emits the cached entry to the journal (so a compacted journal stays
// self-contained) and resolves the node without scheduling it.
func (c *Coordinator) shortCircuitFresh(relPath string, key types.Key, parent *workgraph.Node, kind workgraph.Kind) bool {
	if !c.cache.IsFresh(relPath, key) {
		return false
	}
	cached, ok := c.cache.Lookup(relPath)
	if !ok {
		return false
	}
	c.commit(cached)
	c.graph.AddResolved(relPath, kind, parent, true)
	return true
}

// handle is the pool.Handler invoked by worker goroutines for every
// scheduled (non-cache-shortcut) node.
func (c *Coordinator) handle(ctx context.Context, n *workgraph.Node) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	v, ok := c.meta.Load(n.Path)
	if !ok {
		return false
	}
	m := v.(*nodeMeta)

	switch {
	case m.ftype == types.TypeFile:
		return c.hashFile(n, m)
	case m.ftype == types.TypeSymlink && n.Kind == workgraph.KindFile:
		return c.hashSymlinkLeaf(n, m)
	default: // TypeDirectory, or a followed TypeSymlink-to-directory
		return c.composeDirectory(n, m)
	}
}

func (c *Coordinator) hashFile(n *workgraph.Node, m *nodeMeta) bool {
	h, err := hashalgo.HashFile(m.fsPath, c.cfg.Algorithm)
	if err != nil {
		c.recordError(n.Path, types.TypeFile, m, "HashIoError", err)
		return false
	}
	c.commit(types.Entry{
		Path: n.Path, Type: types.TypeFile, ModTimeNs: m.modTimeNs, Size: m.size,
		Hash: h, Status: types.StatusOk,
	})
	c.stats.filesHashed.Add(1)
	c.stats.bytesHashed.Add(m.size)
	c.bar.Describe(c.stats)
	return true
}

func (c *Coordinator) hashSymlinkLeaf(n *workgraph.Node, m *nodeMeta) bool {
	h, err := hashalgo.HashBytes([]byte(m.linkTarget), c.cfg.Algorithm)
	if err != nil {
		c.recordError(n.Path, types.TypeSymlink, m, "HashIoError", err)
		return false
	}
	c.commit(types.Entry{
		Path: n.Path, Type: types.TypeSymlink, ModTimeNs: m.modTimeNs, Size: m.size,
		Hash: h, Status: types.StatusOk,
	})
	c.stats.filesHashed.Add(1)
	c.bar.Describe(c.stats)
	return true
}

// composeDirectory builds this node's digest from its already-completed
// children's entries (invariant: children_hashes equals, in traversal
// order, the digests of Ok children). Any non-Ok or missing child poisons
// this node with ChildError, propagating failure upward.
func (c *Coordinator) composeDirectory(n *workgraph.Node, m *nodeMeta) bool {
	children := make([]hashalgo.Child, 0, len(m.children))
	hashes := make([]string, 0, len(m.children))
	for _, childRel := range m.children {
		v, ok := c.results.Load(childRel)
		if !ok {
			c.recordError(n.Path, m.ftype, m, "ChildError", nil)
			return false
		}
		e := v.(types.Entry)
		if e.Status != types.StatusOk {
			c.recordError(n.Path, m.ftype, m, "ChildError", nil)
			return false
		}
		children = append(children, hashalgo.Child{Name: path.Base(childRel), Type: e.Type, Hash: e.Hash})
		hashes = append(hashes, e.Hash)
	}

	hash, err := hashalgo.HashDirectory(children, c.cfg.Algorithm)
	if err != nil {
		c.recordError(n.Path, m.ftype, m, "HashIoError", err)
		return false
	}
	c.commit(types.Entry{
		Path: n.Path, Type: m.ftype, ModTimeNs: m.modTimeNs, Size: m.size,
		Hash: hash, Children: hashes, Status: types.StatusOk,
	})
	c.stats.dirsComposed.Add(1)
	c.bar.Describe(c.stats)
	return true
}

// commit appends entry to the journal and records it in the in-memory
// results map so a parent directory composing later can find it. Append
// failures are reported on ErrCh rather than aborting the run — a single
// dropped journal line shouldn't bring down an otherwise-complete build.
func (c *Coordinator) commit(entry types.Entry) {
	c.results.Store(entry.Path, entry)
	if err := c.writer.Append(entry); err != nil {
		c.sendError(fmt.Errorf("appending %s: %w", entry.Path, err))
	}
}

func (c *Coordinator) recordError(relPath string, ftype types.FileType, m *nodeMeta, reason string, cause error) {
	entry := types.Entry{Path: relPath, Type: ftype, Status: types.StatusErr, Error: reason}
	if m != nil {
		entry.ModTimeNs = m.modTimeNs
		entry.Size = m.size
	}
	c.commit(entry)
	c.stats.errorCount.Add(1)
	if cause != nil {
		c.sendError(fmt.Errorf("%s: %s: %w", relPath, reason, cause))
	} else {
		c.sendError(fmt.Errorf("%s: %s", relPath, reason))
	}
}

// recordImmediateError resolves a node as Error without ever scheduling it
// to the Worker Pool — used for failures the Coordinator detects during
// traversal itself (a symlink cycle's back-edge, an unreadable directory),
// which need no worker to process them.
func (c *Coordinator) recordImmediateError(relPath string, ftype types.FileType, parent *workgraph.Node, reason string) {
	c.recordError(relPath, ftype, nil, reason, nil)
	c.graph.AddResolved(relPath, workgraph.KindFile, parent, false)
}

func (c *Coordinator) sendError(err error) {
	if c.cfg.ErrCh != nil {
		c.cfg.ErrCh <- err
	}
}

// listDirectory reads every entry of dirPath using batched ReadDir (the
// batched ReadDir, bounding memory for huge
// directories) and returns entry names sorted lexicographically — required
// for deterministic directory digests, since
// os.File.ReadDir makes no cross-batch ordering guarantee.
func listDirectory(dirPath string) ([]string, error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dir.Close() }()

	const batchSize = 1000
	var names []string
	for {
		entries, err := dir.ReadDir(batchSize)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				return names, err
			}
			break
		}
		for _, e := range entries {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

func guessType(fi os.FileInfo) types.FileType {
	if fi == nil {
		return types.TypeOther
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return types.TypeSymlink
	case fi.IsDir():
		return types.TypeDirectory
	case fi.Mode().IsRegular():
		return types.TypeFile
	default:
		return types.TypeOther
	}
}

func reasonForStatErr(err error) string {
	if errors.Is(err, os.ErrPermission) {
		return "PermissionDenied"
	}
	return "StatError"
}

// PathOutsideRootError reports that Target resolved outside WorkingDir
// ("Absolute inputs outside the root are rejected").
type PathOutsideRootError struct {
	Path string
	Root string
}

func (e *PathOutsideRootError) Error() string {
	return fmt.Sprintf("PathOutsideRoot: %s is not inside working directory %s", e.Path, e.Root)
}
