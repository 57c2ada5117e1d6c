// Package consent records which form fields an agent observed on which
// origin. Only field names are logged, never values; the log is
// append-only JSONL with per-actor export and erasure.
package consent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one observation event.
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Origin     string    `json:"origin"`
	FieldNames []string  `json:"field_names"`
}

// Log is the append-only consent store. One writer, line-atomic appends.
type Log struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	clock func() time.Time
}

// Open opens or creates the log file.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("consent: log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("consent: open log: %w", err)
	}
	return &Log{path: path, file: f, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append records an observation. Field values must never be passed here;
// callers hand over names only.
func (l *Log) Append(actor, origin string, fieldNames []string) error {
	rec := Record{
		Timestamp:  l.clock().UTC(),
		Actor:      actor,
		Origin:     origin,
		FieldNames: append([]string(nil), fieldNames...),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("consent: encode record: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("consent: append: %w", err)
	}
	return nil
}

// Timeline returns every record in append order.
func (l *Log) Timeline() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scanLocked(func(Record) bool { return true })
}

// Export returns one actor's records in append order.
func (l *Log) Export(actor string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scanLocked(func(r Record) bool { return r.Actor == actor })
}

// Erase rewrites the log without the actor's records and reports how many
// were removed. The erasure itself is the one permitted mutation of the
// otherwise append-only file.
func (l *Log) Erase(actor string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept, err := l.scanLocked(func(r Record) bool { return r.Actor != actor })
	if err != nil {
		return 0, err
	}
	all, err := l.scanLocked(func(Record) bool { return true })
	if err != nil {
		return 0, err
	}
	removed := len(all) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("consent: rewrite: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, r := range kept {
		line, err := json.Marshal(r)
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("consent: encode record: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return 0, fmt.Errorf("consent: rewrite: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return 0, fmt.Errorf("consent: rewrite flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("consent: rewrite close: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return 0, fmt.Errorf("consent: replace log: %w", err)
	}

	// Reopen the append handle against the new inode.
	_ = l.file.Close()
	nf, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("consent: reopen log: %w", err)
	}
	l.file = nf
	return removed, nil
}

// Close releases the append handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func (l *Log) scanLocked(keep func(Record) bool) ([]Record, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consent: open for scan: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("consent: corrupt record: %w", err)
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("consent: scan: %w", err)
	}
	return out, nil
}
