// Package memory is the per-agent key-value store with optional TTLs.
// Each agent owns one JSON document on disk; expired entries are pruned on
// read and never surface.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Entry is one stored value.
type Entry struct {
	Key       string     `json:"key"`
	Value     any        `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ErrNotFound is returned for missing or expired keys.
var ErrNotFound = errors.New("memory: key not found")

// ErrBadAgentID rejects ids that would escape the store directory.
var ErrBadAgentID = errors.New("memory: invalid agent id")

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// Store keeps one document per agent under dir. A single mutex serializes
// mutations; documents are small and reads re-check expiry.
type Store struct {
	mu    sync.Mutex
	dir   string
	clock func() time.Time
}

// OpenStore prepares the storage directory.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("memory: store dir: %w", err)
	}
	return &Store{dir: dir, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Set writes a value. ttl 0 means no expiry.
func (s *Store) Set(agentID, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, path, err := s.loadLocked(agentID)
	if err != nil {
		return err
	}
	e := Entry{Key: key, Value: value, CreatedAt: s.clock().UTC()}
	if ttl > 0 {
		exp := e.CreatedAt.Add(ttl)
		e.ExpiresAt = &exp
	}
	doc[key] = e
	return s.saveLocked(path, doc)
}

// Get returns a live value.
func (s *Store) Get(agentID, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, path, err := s.loadLocked(agentID)
	if err != nil {
		return Entry{}, err
	}
	if changed := s.pruneDoc(doc); changed {
		_ = s.saveLocked(path, doc)
	}
	e, ok := doc[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// List returns all live entries for an agent, sorted by key.
func (s *Store) List(agentID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, path, err := s.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	if changed := s.pruneDoc(doc); changed {
		_ = s.saveLocked(path, doc)
	}
	out := make([]Entry, 0, len(doc))
	for _, e := range doc {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes one key.
func (s *Store) Delete(agentID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, path, err := s.loadLocked(agentID)
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return ErrNotFound
	}
	delete(doc, key)
	return s.saveLocked(path, doc)
}

// Prune drops expired entries and reports how many were removed.
func (s *Store) Prune(agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, path, err := s.loadLocked(agentID)
	if err != nil {
		return 0, err
	}
	before := len(doc)
	if s.pruneDoc(doc) {
		if err := s.saveLocked(path, doc); err != nil {
			return 0, err
		}
	}
	return before - len(doc), nil
}

// pruneDoc removes expired entries in place.
func (s *Store) pruneDoc(doc map[string]Entry) bool {
	now := s.clock()
	changed := false
	for key, e := range doc {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(doc, key)
			changed = true
		}
	}
	return changed
}

func (s *Store) loadLocked(agentID string) (map[string]Entry, string, error) {
	if !agentIDPattern.MatchString(agentID) {
		return nil, "", ErrBadAgentID
	}
	path := filepath.Join(s.dir, agentID+".json")
	doc := make(map[string]Entry)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, path, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("memory: read %s: %w", agentID, err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("memory: parse %s: %w", agentID, err)
	}
	return doc, path, nil
}

func (s *Store) saveLocked(path string, doc map[string]Entry) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("memory: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memory: replace: %w", err)
	}
	return nil
}
