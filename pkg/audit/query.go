package audit

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Actor string
	Event string
	Since time.Time
	Until time.Time
	Limit int
}

func (f Filter) matches(e *Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Event != "" && !strings.HasPrefix(e.Event, f.Event) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query reads the log from disk and returns matching entries in append
// order. Encrypted details are decrypted when the sink holds the key.
func (s *Sink) Query(f Filter) ([]Entry, error) {
	entries, err := s.scan(func(e *Entry) bool { return f.matches(e) })
	if err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[len(entries)-f.Limit:]
	}
	return entries, nil
}

// ExportCSV streams matching entries as CSV: seq, ts, actor, event, details.
func (s *Sink) ExportCSV(w io.Writer, f Filter) error {
	entries, err := s.Query(f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"seq", "timestamp", "actor", "event", "details"}); err != nil {
		return err
	}
	for i := range entries {
		e := &entries[i]
		var details string
		if e.Details != nil {
			raw, _ := json.Marshal(e.Details)
			details = string(raw)
		}
		row := []string{
			strconv.FormatUint(e.Seq, 10),
			e.Timestamp.Format(time.RFC3339Nano),
			e.Actor,
			e.Event,
			details,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// VerifyChain walks the whole log and checks every hash link.
func (s *Sink) VerifyChain() error {
	prev := "genesis"
	entries, err := s.scanRaw()
	if err != nil {
		return err
	}
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prev {
			return fmt.Errorf("%w: seq %d expects prev %s, log has %s", ErrChainBroken, e.Seq, e.PrevHash, prev)
		}
		want, err := entryHash(e)
		if err != nil {
			return err
		}
		if want != e.EntryHash {
			return fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.EntryHash
	}
	return nil
}

// scan reads the file and applies keep, decrypting details where possible.
func (s *Sink) scan(keep func(*Entry) bool) ([]Entry, error) {
	entries, err := s.scanRaw()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for i := range entries {
		e := entries[i]
		if e.DetailsEnc != "" {
			if details, err := s.decryptDetails(e.DetailsEnc); err == nil {
				e.Details = details
				e.DetailsEnc = ""
			}
		}
		if keep(&e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Sink) scanRaw() ([]Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open for read: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
