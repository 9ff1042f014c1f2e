// Package cacheindex implements C3: an in-memory lookup from canonical path
// to the most recent journal entry for that path, built by one pass over
// the journal at startup.
//
// For journals large enough that a full linear rescan is costly, the index
// can optionally persist its path→entry map to a BoltDB side-database
// keyed by journal identity, adapted from a bbolt-backed side-cache
// self-cleaning pattern (read old db, write fresh db, atomic rename on
// Close) but repurposed from a content-hash cache to a journal-scan-result
// cache.
package cacheindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ivoronin/bddup/internal/journal"
	"github.com/ivoronin/bddup/internal/types"
)

var bucketName = []byte("offsets")

// Index is the in-memory cache index. Last writer wins per
// path: Build re-scans the journal in file order and later entries for the
// same path overwrite earlier ones.
type Index struct {
	byPath map[string]types.Entry
	side  *sideDB // nil if side-index persistence is disabled
}

// Build scans path once and returns the fully-populated Index. If sidePath
// is non-empty, a BoltDB side-index is consulted first; on a hit (the
// journal is unchanged since it was last scanned) the full linear scan is
// skipped entirely.
func Build(path, sidePath string) (*Index, error) {
	var side *sideDB
	if sidePath != "" {
		var err error
		side, err = openSideDB(sidePath)
		if err != nil {
			return nil, fmt.Errorf("cacheindex: open side-index: %w", err)
		}
	}

	idx := &Index{byPath: make(map[string]types.Entry), side: side}

	if side != nil {
		if cached, ok, err := side.lookup(path); err == nil && ok {
			idx.byPath = cached
			return idx, nil
		}
	}

	_, err := journal.Scan(path, func(r journal.Record) error {
		if r.Err != nil {
			// Unparsable lines are skipped without logging: the path is
			// simply missed here and gets re-hashed.
			return nil
		}
		idx.byPath[r.Entry.Path] = r.Entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	if side != nil {
		if err := side.store(path, idx.byPath); err != nil {
			return nil, fmt.Errorf("cacheindex: store side-index: %w", err)
		}
	}

	return idx, nil
}

// All returns a copy of every path's most recent recorded entry, Ok or
// Error. Used by the Cleaner, which needs to enumerate every known path
// rather than look one up at a time.
func (idx *Index) All() map[string]types.Entry {
	all := make(map[string]types.Entry, len(idx.byPath))
	for p, e := range idx.byPath {
		all[p] = e
	}
	return all
}

// Lookup returns the most recent entry recorded for p, if any.
func (idx *Index) Lookup(p string) (types.Entry, bool) {
	e, ok := idx.byPath[p]
	return e, ok
}

// IsFresh reports whether the cached entry for p still matches the
// filesystem's current (type, mtime, size). A path with
// no cached entry is never fresh.
func (idx *Index) IsFresh(p string, current types.Key) bool {
	e, ok := idx.byPath[p]
	if !ok || e.Status != types.StatusOk {
		return false
	}
	return e.StatKey() == current
}

// Close releases the side-index database, if one is open.
func (idx *Index) Close() error {
	if idx.side == nil {
		return nil
	}
	return idx.side.close()
}

// sideDB is a BoltDB-backed cache of (journal identity) -> (serialized
// path->entry map), mirroring internal/cache's Open/Close lifecycle: read
// an existing db for lookups, write a fresh db, atomically replace the old
// one on Close so that only entries actually used in this run survive.
type sideDB struct {
	readDB *bolt.DB
	writeDB *bolt.DB
	path  string
}

func openSideDB(path string) (*sideDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create side-index dir: %w", err)
	}

	s := &sideDB{path: path}

	if _, err := os.Stat(path); err == nil {
		db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err == nil {
			s.readDB = db
		}
	}

	newPath := path + ".new"
	writeDB, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("create new side-index (locked by another instance?): %w", err)
	}
	s.writeDB = writeDB

	if err := writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = s.close()
		return nil, err
	}

	return s, nil
}

// identityKey captures the journal state the cached scan result is valid
// for: if the journal's size or mtime has changed since, the cache misses.
func identityKey(journalPath string) ([]byte, error) {
	info, err := os.Stat(journalPath)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(journalPath)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(abs)+16)
	buf = append(buf, []byte(abs)...)
	buf = append(buf, 0)
	var sizeBuf, mtimeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(info.Size()))
	binary.BigEndian.PutUint64(mtimeBuf[:], uint64(info.ModTime().UnixNano()))
	buf = append(buf, sizeBuf[:]...)
	buf = append(buf, mtimeBuf[:]...)
	return buf, nil
}

func (s *sideDB) lookup(journalPath string) (map[string]types.Entry, bool, error) {
	if s.readDB == nil {
		return nil, false, nil
	}
	key, err := identityKey(journalPath)
	if err != nil {
		return nil, false, err
	}

	var data []byte
	err = s.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, false, err
	}

	var byPath map[string]types.Entry
	if err := json.Unmarshal(data, &byPath); err != nil {
		return nil, false, nil // corrupt cache entry: treat as a miss
	}

	// Self-cleaning: copy the still-valid entry forward to the new db.
	_ = s.store(journalPath, byPath)

	return byPath, true, nil
}

func (s *sideDB) store(journalPath string, byPath map[string]types.Entry) error {
	if s.writeDB == nil {
		return nil
	}
	key, err := identityKey(journalPath)
	if err != nil {
		return err
	}
	data, err := json.Marshal(byPath)
	if err != nil {
		return err
	}
	return s.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(key, data)
	})
}

func (s *sideDB) close() error {
	var firstErr error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if err := os.Rename(s.path+".new", s.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
