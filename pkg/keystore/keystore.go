// Package keystore holds named provider secrets (API keys for LLM
// providers) with TTL metadata and rotation. Lookup falls back from the
// file-backed vault to the environment (PROVIDER_<NAME>_KEY). Values are
// AES-256-GCM encrypted at rest under a locally generated master key.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no key exists for a provider.
	ErrNotFound = errors.New("keystore: provider key not found")
)

// Record is the persisted metadata for one provider key. Value is stored
// encrypted; Status listings never include it.
type Record struct {
	Provider  string     `json:"provider"`
	Value     string     `json:"value"` // base64(nonce+ciphertext)
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Status is the public view of a key: everything except the value.
type Status struct {
	Provider  string     `json:"provider"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Expired   bool       `json:"expired"`
	Source    string     `json:"source"` // "vault" or "env"
}

// Store is the file-backed vault. Mutations persist via atomic rename.
type Store struct {
	mu    sync.RWMutex
	path  string
	aead  cipher.AEAD
	keys  map[string]*Record
	clock func() time.Time
}

type storeFile struct {
	Keys map[string]*Record `json:"keys"`
}

// Open loads or creates the vault at path. The master key lives next to it
// as <path>.key, generated on first use with 0600 permissions.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create dir: %w", err)
	}

	master, err := loadOrCreateMasterKey(path + ".key")
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, fmt.Errorf("keystore: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: gcm: %w", err)
	}

	s := &Store{
		path:  path,
		aead:  aead,
		keys:  make(map[string]*Record),
		clock: time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("keystore: read: %w", err)
	}
	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("keystore: parse: %w", err)
	}
	if sf.Keys != nil {
		s.keys = sf.Keys
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Set stores or replaces a provider key. ttl of 0 means no expiry.
func (s *Store) Set(provider, value string, ttl time.Duration) error {
	if provider == "" || value == "" {
		return errors.New("keystore: provider and value are required")
	}

	enc, err := s.encrypt(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	rec := &Record{
		Provider:  provider,
		Value:     enc,
		Version:   1,
		CreatedAt: now,
	}
	if prev, ok := s.keys[provider]; ok {
		rec.Version = prev.Version + 1
		rec.CreatedAt = prev.CreatedAt
		rec.RotatedAt = &now
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		rec.ExpiresAt = &exp
	}
	s.keys[provider] = rec
	return s.persist()
}

// Rotate replaces the value, bumping the version. The previous value is
// discarded; the caller is expected to have already switched the upstream
// credential.
func (s *Store) Rotate(provider, newValue string, ttl time.Duration) error {
	s.mu.RLock()
	_, ok := s.keys[provider]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return s.Set(provider, newValue, ttl)
}

// Get returns the decrypted key value. Expired keys still resolve; policy
// rejection is the caller's decision. Falls back to PROVIDER_<NAME>_KEY.
func (s *Store) Get(provider string) (string, error) {
	s.mu.RLock()
	rec, ok := s.keys[provider]
	s.mu.RUnlock()

	if ok {
		return s.decrypt(rec.Value)
	}
	if v := os.Getenv(envVar(provider)); v != "" {
		return v, nil
	}
	return "", ErrNotFound
}

// Delete removes a provider key from the vault.
func (s *Store) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[provider]; !ok {
		return ErrNotFound
	}
	delete(s.keys, provider)
	return s.persist()
}

// Status reports metadata for one provider, consulting the env fallback.
func (s *Store) Status(provider string) (Status, error) {
	s.mu.RLock()
	rec, ok := s.keys[provider]
	s.mu.RUnlock()

	if ok {
		return s.statusOf(rec), nil
	}
	if os.Getenv(envVar(provider)) != "" {
		return Status{Provider: provider, Source: "env"}, nil
	}
	return Status{}, ErrNotFound
}

// Expiring lists vault keys that expire within the window (or already did).
func (s *Store) Expiring(within time.Duration) []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.clock().Add(within)
	var out []Status
	for _, rec := range s.keys {
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(cutoff) {
			out = append(out, s.statusOf(rec))
		}
	}
	return out
}

func (s *Store) statusOf(rec *Record) Status {
	st := Status{
		Provider:  rec.Provider,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		RotatedAt: rec.RotatedAt,
		ExpiresAt: rec.ExpiresAt,
		Source:    "vault",
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(s.clock()) {
		st.Expired = true
	}
	return st
}

// persist writes the vault via temp-file + rename. Caller holds the lock.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(storeFile{Keys: s.keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("keystore: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("keystore: rename: %w", err)
	}
	return nil
}

func (s *Store) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("keystore: nonce: %w", err)
	}
	ct := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (s *Store) decrypt(enc string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("keystore: decode: %w", err)
	}
	if len(ct) < s.aead.NonceSize() {
		return "", errors.New("keystore: ciphertext too short")
	}
	pt, err := s.aead.Open(nil, ct[:s.aead.NonceSize()], ct[s.aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("keystore: decrypt: %w", err)
	}
	return string(pt), nil
}

func loadOrCreateMasterKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("keystore: corrupt master key at %s", path)
		}
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("keystore: generate master key: %w", err)
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("keystore: write master key: %w", err)
	}
	return key, nil
}

func envVar(provider string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(provider))
	return "PROVIDER_" + name + "_KEY"
}
