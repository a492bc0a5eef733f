// Package eventlog implements decapod's append-only JSONL record stream
// (spec.md C3): atomic append semantics, deterministic read-back order,
// and the invariant that no entry is ever rewritten or deleted. Both the
// task ledger's event stream and the DB broker's audit trail are backed by
// a Log from this package.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"decapod/internal/logging"
)

// Log is a single append-only JSONL file, safe for concurrent Append calls
// from one process. Cross-process safety relies on O_APPEND write
// atomicity for records below the filesystem's atomic-write size, which
// holds for the bounded record sizes this kernel produces.
type Log struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if necessary) the JSONL file at path for append.
// The handle is write-only; ReadAll reads the file back by path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("eventlog: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return &Log{path: path, file: f}, nil
}

// Append writes one record as a single JSON line. The write is
// serialized against other Append calls on this Log and flushed before
// returning, so a crash immediately after Append returning nil cannot
// lose the record.
func (l *Log) Append(record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("eventlog: marshal record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("eventlog: append to %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("eventlog: sync %s: %w", l.path, err)
	}
	logging.Get(logging.CategoryEventLog).Debug("appended record to %s (%d bytes)", l.path, len(data))
	return nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Path returns the file path backing this log.
func (l *Log) Path() string { return l.path }

// ReadAll reads every record in append order, unmarshaling each line into
// a freshly allocated value of type T, and returns them in file order —
// the basis for deterministic replay (spec.md's rebuild-parity invariant).
func ReadAll[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var records []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("eventlog: %s:%d: malformed record: %w", path, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan %s: %w", path, err)
	}
	return records, nil
}
