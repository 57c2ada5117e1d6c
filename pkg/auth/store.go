// Package auth is the gateway's identity layer: a file-backed user store
// with PBKDF2 password hashes, opaque bearer tokens, and per-agent tool
// whitelists. Everything fails closed.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Role separates admins who resolve approvals from users whose agents
// make calls.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// AdminUser is the builtin account. It cannot be deleted.
const AdminUser = "admin"

// User is one stored identity. A nil AllowedTools means unrestricted; an
// empty non-nil list means no tool at all.
type User struct {
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	Salt         []byte    `json:"salt"`
	Hash         []byte    `json:"hash"`
	Iterations   int       `json:"iterations"`
	AllowedTools *[]string `json:"allowed_tools,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	// ErrNotFound is returned for unknown users.
	ErrNotFound = errors.New("auth: user not found")
	// ErrExists is returned when creating a duplicate user.
	ErrExists = errors.New("auth: user already exists")
	// ErrBuiltin is returned when deleting the builtin admin.
	ErrBuiltin = errors.New("auth: builtin admin cannot be deleted")
)

// Store persists users to a JSON file with atomic replace.
type Store struct {
	mu    sync.Mutex
	path  string
	users map[string]*User
	clock func() time.Time
}

// OpenStore loads the user file, creating the builtin admin on first run.
// adminPassword seeds the admin credential only when the store is new; an
// empty password leaves the admin unable to log in until one is set.
func OpenStore(path, adminPassword string) (*Store, error) {
	s := &Store{path: path, users: make(map[string]*User), clock: time.Now}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		admin := &User{Name: AdminUser, Role: RoleAdmin, CreatedAt: s.clock().UTC()}
		if adminPassword != "" {
			salt, hash, iters, err := hashPassword(adminPassword)
			if err != nil {
				return nil, err
			}
			admin.Salt, admin.Hash, admin.Iterations = salt, hash, iters
		}
		s.users[AdminUser] = admin
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("auth: read users: %w", err)
	}

	var users []*User
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("auth: parse users: %w", err)
	}
	for _, u := range users {
		s.users[u.Name] = u
	}
	if _, ok := s.users[AdminUser]; !ok {
		s.users[AdminUser] = &User{Name: AdminUser, Role: RoleAdmin, CreatedAt: s.clock().UTC()}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Create adds a user with a fresh password hash.
func (s *Store) Create(name, password string, role Role) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[name]; ok {
		return User{}, ErrExists
	}
	salt, hash, iters, err := hashPassword(password)
	if err != nil {
		return User{}, err
	}
	u := &User{
		Name: name, Role: role,
		Salt: salt, Hash: hash, Iterations: iters,
		CreatedAt: s.clock().UTC(),
	}
	s.users[name] = u
	if err := s.persistLocked(); err != nil {
		delete(s.users, name)
		return User{}, err
	}
	return *u, nil
}

// Delete removes a user. The builtin admin is protected.
func (s *Store) Delete(name string) error {
	if name == AdminUser {
		return ErrBuiltin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return ErrNotFound
	}
	delete(s.users, name)
	if err := s.persistLocked(); err != nil {
		s.users[name] = u
		return err
	}
	return nil
}

// Get returns one user.
func (s *Store) Get(name string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

// List returns all users sorted by name.
func (s *Store) List() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetPassword rehashes the user's credential.
func (s *Store) SetPassword(name, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return ErrNotFound
	}
	salt, hash, iters, err := hashPassword(password)
	if err != nil {
		return err
	}
	prevSalt, prevHash, prevIters := u.Salt, u.Hash, u.Iterations
	u.Salt, u.Hash, u.Iterations = salt, hash, iters
	if err := s.persistLocked(); err != nil {
		u.Salt, u.Hash, u.Iterations = prevSalt, prevHash, prevIters
		return err
	}
	return nil
}

// SetAllowedTools replaces the user's tool whitelist. nil clears the
// restriction entirely.
func (s *Store) SetAllowedTools(name string, tools *[]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return ErrNotFound
	}
	prev := u.AllowedTools
	if tools == nil {
		u.AllowedTools = nil
	} else {
		cp := append([]string(nil), (*tools)...)
		u.AllowedTools = &cp
	}
	if err := s.persistLocked(); err != nil {
		u.AllowedTools = prev
		return err
	}
	return nil
}

// SetCapabilities replaces the user's capability grants.
func (s *Store) SetCapabilities(name string, caps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return ErrNotFound
	}
	prev := u.Capabilities
	u.Capabilities = append([]string(nil), caps...)
	if err := s.persistLocked(); err != nil {
		u.Capabilities = prev
		return err
	}
	return nil
}

// verify checks a credential without exposing hash material.
func (s *Store) verify(name, password string) bool {
	s.mu.Lock()
	u, ok := s.users[name]
	s.mu.Unlock()
	if !ok {
		// Burn comparable time so unknown names are indistinguishable.
		verifyPassword(password, []byte("no-such-user-salt"), make([]byte, keyLen), pbkdf2Iterations)
		return false
	}
	return verifyPassword(password, u.Salt, u.Hash, u.Iterations)
}

func (s *Store) persistLocked() error {
	users := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	raw, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encode users: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("auth: users dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("auth: write users: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("auth: replace users: %w", err)
	}
	return nil
}
