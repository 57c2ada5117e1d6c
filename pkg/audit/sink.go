// Package audit implements the append-only JSONL event log. Every mutating
// admin action, accepted or denied tool call, and approval transition lands
// here. Entries are hash-chained so tampering is detectable, and details may
// be encrypted at rest. Secret values and raw args are never recorded; tool
// call args are referenced by fingerprint only.
package audit

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	// ErrChainBroken is returned by VerifyChain when a line does not link
	// to its predecessor.
	ErrChainBroken = errors.New("audit: hash chain is broken")
	// ErrClosed is returned when recording after Close.
	ErrClosed = errors.New("audit: sink is closed")
)

// AnonymousActor is recorded for unauthenticated callers.
const AnonymousActor = "anonymous"

// Entry is a single immutable audit record. Details holds only names,
// sizes, and fingerprints.
type Entry struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Actor     string         `json:"actor"`
	Event     string         `json:"event"`
	Details   map[string]any `json:"details,omitempty"`
	// DetailsEnc replaces Details on disk when at-rest encryption is on.
	DetailsEnc string `json:"details_enc,omitempty"`
	PrevHash   string `json:"prev_hash"`
	EntryHash  string `json:"entry_hash"`
}

// Sink is the append-only writer. A single mutex serializes writes so each
// line is written whole or not at all.
type Sink struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	seq       uint64
	chainHead string
	aead      cipher.AEAD
	clock     func() time.Time
	closed    bool
}

// Open opens (or creates) the log at path and replays it to recover the
// chain head. key enables AES-256-GCM encryption of details when non-nil;
// it must be 32 bytes.
func Open(path string, key []byte) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}

	s := &Sink{
		path:      path,
		chainHead: "genesis",
		clock:     time.Now,
	}

	if key != nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("audit: key must be 32 bytes, got %d", len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("audit: cipher: %w", err)
		}
		s.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("audit: gcm: %w", err)
		}
	}

	// Recover seq and chain head from an existing log.
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var e Entry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				continue // torn tail line from a crash; keep the chain at the last good entry
			}
			s.seq = e.Seq
			s.chainHead = e.EntryHash
		}
		_ = f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: replay: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	s.file = f
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Sink) WithClock(clock func() time.Time) *Sink {
	s.clock = clock
	return s
}

// Record appends one event. Writes for a single request appear in source
// order because the caller holds no other sink reference.
func (s *Sink) Record(ctx context.Context, actor, event string, details map[string]any) error {
	_ = ctx
	if actor == "" {
		actor = AnonymousActor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.seq++
	e := Entry{
		ID:        uuid.New().String(),
		Seq:       s.seq,
		Timestamp: s.clock().UTC(),
		Actor:     actor,
		Event:     event,
		Details:   details,
		PrevHash:  s.chainHead,
	}

	if s.aead != nil && e.Details != nil {
		enc, err := s.encryptDetails(e.Details)
		if err != nil {
			s.seq--
			return err
		}
		e.DetailsEnc = enc
		e.Details = nil
	}

	hash, err := entryHash(&e)
	if err != nil {
		s.seq--
		return err
	}
	e.EntryHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		s.seq--
		return fmt.Errorf("audit: marshal: %w", err)
	}

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		s.seq--
		return fmt.Errorf("audit: append: %w", err)
	}
	s.chainHead = e.EntryHash
	return nil
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// entryHash computes sha256 over the canonical serialization of the entry
// without its own EntryHash field. Hashing the stored form (encrypted
// details included) lets VerifyChain run without the key.
func entryHash(e *Entry) (string, error) {
	clone := *e
	clone.EntryHash = ""
	raw, err := json.Marshal(clone)
	if err != nil {
		return "", fmt.Errorf("audit: hash: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Sink) encryptDetails(details map[string]any) (string, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("audit: marshal details: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("audit: nonce: %w", err)
	}
	ct := s.aead.Seal(nonce, nonce, raw, nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (s *Sink) decryptDetails(enc string) (map[string]any, error) {
	if s.aead == nil {
		return nil, errors.New("audit: log is encrypted but no key configured")
	}
	ct, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("audit: decode: %w", err)
	}
	if len(ct) < s.aead.NonceSize() {
		return nil, errors.New("audit: ciphertext too short")
	}
	raw, err := s.aead.Open(nil, ct[:s.aead.NonceSize()], ct[s.aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("audit: decrypt: %w", err)
	}
	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("audit: unmarshal details: %w", err)
	}
	return details, nil
}
