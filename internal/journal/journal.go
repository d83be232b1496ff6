// Package journal is a write-ahead log of accepted records. Records stay in
// the journal until the segment holding them reaches a terminal delivery
// state, so a crash between acceptance and delivery loses nothing.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tinytelemetry/spillway/internal/model"
)

const (
	defaultFileMode = 0o644
	defaultDirMode  = 0o755

	// DefaultCompactEvery is how many newly committed entries trigger a
	// rewrite of the journal file.
	DefaultCompactEvery = 4096
)

// Config holds journal tuning.
type Config struct {
	CompactEvery int // committed entries between compactions; <=0 uses the default
}

type entry struct {
	Seq    uint64          `json:"seq"`
	Record json.RawMessage `json:"record"`
}

// Journal stores one JSON entry per line and tracks commit progress in a
// sidecar file.
type Journal struct {
	mu           sync.Mutex
	path         string
	commitPath   string
	file         *os.File
	nextSeq      uint64
	committed    uint64
	compacted    uint64 // committed watermark at the last compaction
	compactEvery uint64
}

// Open creates or opens a journal at path. On startup it compacts committed
// entries and ignores a partially written trailing line.
func Open(path string, conf ...Config) (*Journal, error) {
	compactEvery := uint64(DefaultCompactEvery)
	if len(conf) > 0 && conf[0].CompactEvery > 0 {
		compactEvery = uint64(conf[0].CompactEvery)
	}

	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}

	maxSeq, err := compact(path, committed)
	if err != nil {
		return nil, err
	}

	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}

	return &Journal{
		path:         path,
		commitPath:   commitPath,
		file:         f,
		nextSeq:      max(maxSeq, committed) + 1,
		committed:    committed,
		compacted:    committed,
		compactEvery: compactEvery,
	}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return f, nil
}

// Append durably writes one record and returns its sequence number.
func (j *Journal) Append(record model.Record) (uint64, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("journal: marshal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return 0, errors.New("journal: closed")
	}

	seq := j.nextSeq
	line, err := json.Marshal(entry{Seq: seq, Record: raw})
	if err != nil {
		return 0, fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync entry: %w", err)
	}
	j.nextSeq++
	return seq, nil
}

// Commit marks all entries up to seq as committed. Once CompactEvery entries
// have been committed since the last compaction, the file is rewritten
// without them.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq <= j.committed {
		return nil
	}
	if err := writeCommitted(j.commitPath, seq); err != nil {
		return err
	}
	j.committed = seq

	if j.file != nil && j.committed-j.compacted >= j.compactEvery {
		if err := j.compactLocked(); err != nil {
			// The commit itself is durable; compaction is retried on the next commit.
			log.Printf("journal: compact: %v", err)
		}
	}
	return nil
}

// compactLocked swaps the append handle around a rewrite of the file.
func (j *Journal) compactLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close before compact: %w", err)
	}
	_, cerr := compact(j.path, j.committed)
	f, err := openAppend(j.path)
	if err != nil {
		j.file = nil
		return err
	}
	j.file = f
	if cerr != nil {
		return cerr
	}
	j.compacted = j.committed
	return nil
}

// Committed returns the highest committed sequence number.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Replay calls fn for each uncommitted record in sequence order and returns
// the sequence number of the last record replayed (0 if none). Numbers are
// decoded as json.Number so they re-encode unchanged.
func (j *Journal) Replay(fn func(seq uint64, record model.Record) error) (uint64, error) {
	if fn == nil {
		return 0, errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path := j.path
	committed := j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	var last uint64
	err = scan(f, func(e entry, _ []byte) error {
		if e.Seq <= committed {
			return nil
		}
		dec := json.NewDecoder(bytes.NewReader(e.Record))
		dec.UseNumber()
		var rec model.Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("journal: decode record seq=%d: %w", e.Seq, err)
		}
		if err := fn(e.Seq, rec); err != nil {
			return err
		}
		last = e.Seq
		return nil
	})
	return last, err
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// scan calls fn for every complete, well-formed entry in r. It stops quietly
// at a partial trailing line or the first malformed line.
func scan(r io.Reader, fn func(e entry, line []byte) error) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("journal: read: %w", err)
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			return nil
		}

		var e entry
		if json.Unmarshal(line, &e) != nil {
			return nil
		}
		if ferr := fn(e, line); ferr != nil {
			return ferr
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	return seq, nil
}

// writeAtomic replaces path with data via a synced temp file and rename.
func writeAtomic(path string, write func(f *os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, defaultFileMode)
	if err != nil {
		return fmt.Errorf("journal: create %s: %w", filepath.Base(tmp), err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: close %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeCommitted(path string, seq uint64) error {
	return writeAtomic(path, func(f *os.File) error {
		if _, err := f.WriteString(strconv.FormatUint(seq, 10) + "\n"); err != nil {
			return fmt.Errorf("journal: write commit seq: %w", err)
		}
		return nil
	})
}

// compact rewrites the journal without committed entries and returns the
// highest sequence number seen.
func compact(path string, committed uint64) (uint64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open for compact: %w", err)
	}
	defer src.Close()

	var maxSeq uint64
	err = writeAtomic(path, func(dst *os.File) error {
		return scan(src, func(e entry, line []byte) error {
			maxSeq = max(maxSeq, e.Seq)
			if e.Seq <= committed {
				return nil
			}
			if _, err := dst.Write(line); err != nil {
				return fmt.Errorf("journal: compact write: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return maxSeq, nil
}
