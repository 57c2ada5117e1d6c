// Package tabs is the rendezvous point between the gateway and the
// external browser shell: the shell pushes DOM snapshots and polls a queue
// of scripts to inject. Snapshots never leave the process; previews expose
// metadata and form-field names only.
package tabs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/intellibrowse/gateway/pkg/consent"
)

// Snapshot is the shell's envelope for the current tab.
type Snapshot struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	HTML  string `json:"html"`
}

// Preview is what agents may see of a snapshot: metadata, never content.
type Preview struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Size       int       `json:"size"`
	SHA256     string    `json:"sha256"`
	FieldNames []string  `json:"field_names"`
	CapturedAt time.Time `json:"captured_at"`
}

// Injection is one script queued for the shell.
type Injection struct {
	Name   string `json:"name"`
	CodeJS string `json:"code_js"`
}

// ErrNoSnapshot is returned when previewing before any snapshot arrived.
var ErrNoSnapshot = errors.New("tabs: no snapshot available")

// maxQueue bounds the injection queue; the shell polls frequently, so a
// deep backlog means the shell is gone.
const maxQueue = 64

// ErrQueueFull is returned when enqueueing past the bound.
var ErrQueueFull = errors.New("tabs: inject queue full")

// fieldName pulls name attributes out of input, select, and textarea tags.
var fieldName = regexp.MustCompile(`(?is)<(?:input|select|textarea)\b[^>]*?\bname\s*=\s*["']([^"']+)["']`)

// Manager holds the latest snapshot and the pending injections.
type Manager struct {
	mu         sync.Mutex
	snapshot   *Snapshot
	capturedAt time.Time
	queue      []Injection

	consent *consent.Log
	clock   func() time.Time
}

// NewManager creates a manager. consentLog may be nil to skip recording.
func NewManager(consentLog *consent.Log) *Manager {
	return &Manager{consent: consentLog, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// PutSnapshot replaces the current snapshot and records the observed form
// fields to the consent log under the pushing actor.
func (m *Manager) PutSnapshot(actor string, s Snapshot) error {
	fields := ExtractFieldNames(s.HTML)

	m.mu.Lock()
	snap := s
	m.snapshot = &snap
	m.capturedAt = m.clock().UTC()
	m.mu.Unlock()

	if m.consent != nil && len(fields) > 0 {
		if err := m.consent.Append(actor, s.URL, fields); err != nil {
			return err
		}
	}
	return nil
}

// PreviewSnapshot summarizes the current snapshot without exposing HTML.
func (m *Manager) PreviewSnapshot() (Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return Preview{}, ErrNoSnapshot
	}
	sum := sha256.Sum256([]byte(m.snapshot.HTML))
	return Preview{
		URL:        m.snapshot.URL,
		Title:      m.snapshot.Title,
		Size:       len(m.snapshot.HTML),
		SHA256:     hex.EncodeToString(sum[:]),
		FieldNames: ExtractFieldNames(m.snapshot.HTML),
		CapturedAt: m.capturedAt,
	}, nil
}

// Enqueue adds a script for the shell to run.
func (m *Manager) Enqueue(inj Injection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) >= maxQueue {
		return ErrQueueFull
	}
	m.queue = append(m.queue, inj)
	return nil
}

// DrainQueue returns and clears the pending injections; the shell's poll
// consumes the queue in one read.
func (m *Manager) DrainQueue() []Injection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	if out == nil {
		out = []Injection{}
	}
	return out
}

// ExtractFieldNames lists unique form-field names, sorted.
func ExtractFieldNames(html string) []string {
	matches := fieldName.FindAllStringSubmatch(html, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	sort.Strings(out)
	return out
}
