// Package journal implements C2: append, scan, and rewrite of the on-disk
// hash journal, plus the header/version incompatibility rules that make a
// mismatched re-run a fatal error rather than a silent corruption.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ivoronin/bddup/internal/hashalgo"
	"github.com/ivoronin/bddup/internal/types"
)

const Magic = "BDDJ"
const Version = 1

// Header is line 1 of the journal: magic, version, hash algorithm, and the
// working-directory root the journal's paths are relative to. Journals are
// not portable across roots.
type Header struct {
	Magic   string             `json:"magic"`
	Version int                `json:"version"`
	Hash    hashalgo.Algorithm `json:"hash"`
	Root    string             `json:"root"`
}

// ErrIncompatible is returned when an existing journal's header does not
// match the algorithm or root requested for the current run. It is a fatal,
// journal-level error: the build aborts, the journal is untouched.
type ErrIncompatible struct {
	Reason string
}

func (e *ErrIncompatible) Error() string { return "journal incompatible: " + e.Reason }

// ParseError records one unparsable line encountered during Scan. Parse
// errors are reported but never abort the scan.
type ParseError struct {
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("journal parse error at offset %d: %v", e.Offset, e.Err)
}

// Record pairs a scanned entry with the byte offset its line started at, or
// carries a parse error for an unparsable line.
type Record struct {
	Offset int64
	Entry  types.Entry
	Err    error // non-nil for unparsable lines; Entry is zero in that case
}

// Writer owns exclusive append access to one journal file. Workers hand
// entries to it rather than writing directly, so entries never interleave.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	header Header
}

// OpenForAppend opens or creates the journal at path for appending.
//
// If the file is new (or empty), it writes the header using algo and root.
// If the file already has a header, it is validated against algo and root;
// a mismatch in either is a fatal ErrIncompatible (exit code 3 at the CLI).
func OpenForAppend(path string, algo hashalgo.Algorithm, root string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("journal: stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		header := Header{Magic: Magic, Version: Version, Hash: algo, Root: root}
		if err := writeHeader(f, header); err != nil {
			_ = f.Close()
			return nil, err
		}
		return &Writer{f: f, header: header}, nil
	}

	header, err := readHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if header.Hash != algo {
		_ = f.Close()
		return nil, &ErrIncompatible{Reason: fmt.Sprintf("hash algorithm %s, journal has %s", algo, header.Hash)}
	}
	if header.Root != root {
		_ = f.Close()
		return nil, &ErrIncompatible{Reason: fmt.Sprintf("working directory %s, journal has %s", root, header.Root)}
	}
	if header.Version != Version {
		_ = f.Close()
		return nil, &ErrIncompatible{Reason: fmt.Sprintf("version %d, journal has %d", Version, header.Version)}
	}

	// We always append at EOF. A trailing torn line (no LF) is terminated
	// first, so the next entry starts on its own line instead of merging
	// into the fragment; the fragment itself is reported as a parse error.
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("journal: seek %s: %w", path, err)
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("journal: terminate torn line in %s: %w", path, err)
		}
	}

	return &Writer{f: f, header: header}, nil
}

// Header returns the journal's fixed header.
func (w *Writer) Header() Header { return w.header }

// Append serializes one entry as a single LF-terminated line and flushes it.
// Embedded newlines in path bytes are escaped by Go's JSON encoder (which
// emits \n, never a literal line feed), so no bespoke escaping is needed to
// guarantee no entry line contains a literal newline.
func (w *Writer) Append(e types.Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	if bytes.ContainsRune(line, '\n') {
		return fmt.Errorf("journal: marshaled entry contains a literal newline")
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	return w.f.Close()
}

func writeHeader(f *os.File, h Header) error {
	line, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("journal: marshal header: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("journal: write header: %w", err)
	}
	return f.Sync()
}

// readHeaderAt reads and parses line 1 without disturbing f's seek position,
// so callers that go on to use their own bufio.Scanner over f see a clean
// start. It returns the number of bytes the header line occupies, including
// its terminating LF.
func readHeaderAt(f *os.File) (Header, int64, error) {
	const maxHeaderBytes = 64 * 1024
	buf := make([]byte, maxHeaderBytes)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return Header{}, 0, fmt.Errorf("journal: read header: %w", err)
	}
	buf = buf[:n]

	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return Header{}, 0, fmt.Errorf("journal: header line not terminated within %d bytes", maxHeaderBytes)
	}

	var h Header
	if err := json.Unmarshal(buf[:idx], &h); err != nil {
		return Header{}, 0, fmt.Errorf("journal: parse header: %w", err)
	}
	if h.Magic != Magic {
		return Header{}, 0, &ErrIncompatible{Reason: fmt.Sprintf("bad magic %q", h.Magic)}
	}
	return h, int64(idx) + 1, nil
}

func readHeader(f *os.File) (Header, error) {
	h, _, err := readHeaderAt(f)
	return h, err
}

// ReadHeader reads and validates just the header of an existing journal,
// without opening it for append. Used by Analyze and Clean, which never
// write new entries.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return readHeader(f)
}

// Scan reads path line by line after the header and calls fn for every
// entry line in file order, carrying the byte offset the line started at.
// A torn trailing line (no terminating LF, e.g. after a process crash) is
// tolerated and silently dropped. Individual parse errors are reported via
// fn's Record.Err but never abort the scan.
func Scan(path string, fn func(Record) error) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	header, headerLen, err := readHeaderAt(f)
	if err != nil {
		return Header{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return Header{}, fmt.Errorf("journal: stat %s: %w", path, err)
	}
	if _, err := f.Seek(headerLen, io.SeekStart); err != nil {
		return Header{}, fmt.Errorf("journal: seek: %w", err)
	}
	offset := headerLen

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<24)
	pos := offset
	for scanner.Scan() {
		line := scanner.Bytes()
		if pos+int64(len(line)) >= info.Size() {
			break // torn trailing line: no terminating LF follows it
		}
		lineLen := int64(len(line)) + 1 // +1 for the LF the scanner stripped
		rec := Record{Offset: pos}
		var e types.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			rec.Err = &ParseError{Offset: pos, Err: err}
		} else {
			rec.Entry = e
		}
		if cbErr := fn(rec); cbErr != nil {
			return header, cbErr
		}
		pos += lineLen
	}
	if err := scanner.Err(); err != nil {
		// A torn trailing line surfaces here only if it exceeds the
		// scanner's buffer; normal truncation (missing LF) is caught in the
		// loop above, which drops the last partial token bufio.Scanner
		// yields. We treat genuine read errors as fatal.
		return header, fmt.Errorf("journal: scan %s: %w", path, err)
	}

	return header, nil
}

// Rewrite replaces the journal at path with one containing exactly header
// and entries, via a sibling temp file and atomic rename. Mutually
// exclusive access with any concurrent build on the same journal is the
// caller's responsibility to enforce.
func Rewrite(path string, header Header, entries []types.Entry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("journal: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op once renamed

	if err := writeHeader(tmp, header); err != nil {
		_ = tmp.Close()
		return err
	}
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("journal: marshal entry: %w", err)
		}
		line = append(line, '\n')
		if _, err := tmp.Write(line); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("journal: write entry: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("journal: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("journal: rename temp over %s: %w", path, err)
	}
	return nil
}
