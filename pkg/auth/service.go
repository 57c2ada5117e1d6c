package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// TokenKind distinguishes the two session token flavors.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// TokenPair is what a successful login returns.
type TokenPair struct {
	Access           string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	Refresh          string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// session is the server-side record behind an opaque token.
type session struct {
	user    string
	kind    TokenKind
	expires time.Time
}

var (
	// ErrInvalidCredentials covers bad name/password pairs.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidToken covers unknown, expired, and revoked tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service issues and verifies opaque bearer tokens. Sessions live in
// memory, so a restart logs everyone out; explicit revocations are
// persisted by hash so a revoked token stays dead even if the file is
// replayed into a fresh process.
type Service struct {
	store           *Store
	revokedPath     string
	accessTTL       time.Duration
	refreshTTL      time.Duration
	bootstrapSecret string

	mu       sync.Mutex
	sessions map[string]session
	revoked  map[string]bool
	clock    func() time.Time
}

// NewService wires the token layer over a user store.
func NewService(store *Store, revokedPath string, accessTTL, refreshTTL time.Duration, bootstrapSecret string) (*Service, error) {
	s := &Service{
		store:           store,
		revokedPath:     revokedPath,
		accessTTL:       accessTTL,
		refreshTTL:      refreshTTL,
		bootstrapSecret: bootstrapSecret,
		sessions:        make(map[string]session),
		revoked:         make(map[string]bool),
		clock:           time.Now,
	}
	raw, err := os.ReadFile(revokedPath)
	if err == nil {
		var fps []string
		if err := json.Unmarshal(raw, &fps); err != nil {
			return nil, fmt.Errorf("auth: parse revocations: %w", err)
		}
		for _, fp := range fps {
			s.revoked[fp] = true
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("auth: read revocations: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Login verifies the credential and mints a token pair.
func (s *Service) Login(name, password string) (TokenPair, error) {
	if !s.store.verify(name, password) {
		return TokenPair{}, ErrInvalidCredentials
	}
	return s.mint(name)
}

// Refresh exchanges a live refresh token for a fresh pair, revoking the
// presented token so it cannot be replayed.
func (s *Service) Refresh(token string) (TokenPair, error) {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	if !ok || sess.kind != TokenRefresh || s.revoked[fingerprint(token)] || s.clock().After(sess.expires) {
		s.mu.Unlock()
		return TokenPair{}, ErrInvalidToken
	}
	delete(s.sessions, token)
	s.revoked[fingerprint(token)] = true
	s.mu.Unlock()
	if err := s.persistRevoked(); err != nil {
		return TokenPair{}, err
	}
	return s.mint(sess.user)
}

// Logout revokes the presented token and every other session of the same
// user.
func (s *Service) Logout(token string) error {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	if !ok {
		s.mu.Unlock()
		return ErrInvalidToken
	}
	s.revokeUserLocked(sess.user)
	s.mu.Unlock()
	return s.persistRevoked()
}

// RevokeUser invalidates every session of one user (password changes,
// account deletion).
func (s *Service) RevokeUser(name string) error {
	s.mu.Lock()
	s.revokeUserLocked(name)
	s.mu.Unlock()
	return s.persistRevoked()
}

func (s *Service) revokeUserLocked(name string) {
	for tok, sess := range s.sessions {
		if sess.user == name {
			delete(s.sessions, tok)
			s.revoked[fingerprint(tok)] = true
		}
	}
}

// Verify resolves a bearer token to its principal.
func (s *Service) Verify(token string) (Principal, error) {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	revoked := s.revoked[fingerprint(token)]
	s.mu.Unlock()
	if !ok || revoked || sess.kind != TokenAccess || s.clock().After(sess.expires) {
		return Principal{}, ErrInvalidToken
	}
	u, err := s.store.Get(sess.user)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Name: u.Name, Role: u.Role, Token: token}, nil
}

// Bootstrap exchanges the configured bootstrap secret for an admin access
// token. Intended for first-run automation before any password exists.
func (s *Service) Bootstrap(secret string) (string, time.Time, error) {
	if s.bootstrapSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.bootstrapSecret)) != 1 {
		return "", time.Time{}, ErrInvalidCredentials
	}
	token, err := randomToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expires := s.clock().Add(s.accessTTL)
	s.mu.Lock()
	s.sessions[token] = session{user: AdminUser, kind: TokenAccess, expires: expires}
	s.mu.Unlock()
	return token, expires, nil
}

// ChangePassword updates the credential and drops the user's sessions.
func (s *Service) ChangePassword(name, password string) error {
	if err := s.store.SetPassword(name, password); err != nil {
		return err
	}
	return s.RevokeUser(name)
}

// AllowedTools implements the supervisor's Authorizer.
func (s *Service) AllowedTools(actor string) ([]string, bool) {
	u, err := s.store.Get(actor)
	if err != nil || u.AllowedTools == nil {
		return nil, false
	}
	return append([]string(nil), (*u.AllowedTools)...), true
}

// Capabilities implements the supervisor's Authorizer.
func (s *Service) Capabilities(actor string) []string {
	u, err := s.store.Get(actor)
	if err != nil {
		return nil
	}
	return append([]string(nil), u.Capabilities...)
}

// Prune drops expired sessions; called opportunistically by the server's
// housekeeping loop.
func (s *Service) Prune() {
	now := s.clock()
	s.mu.Lock()
	for tok, sess := range s.sessions {
		if now.After(sess.expires) {
			delete(s.sessions, tok)
		}
	}
	s.mu.Unlock()
}

func (s *Service) mint(user string) (TokenPair, error) {
	access, err := randomToken()
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := randomToken()
	if err != nil {
		return TokenPair{}, err
	}
	now := s.clock()
	pair := TokenPair{
		Access:           access,
		AccessExpiresAt:  now.Add(s.accessTTL),
		Refresh:          refresh,
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}
	s.mu.Lock()
	s.sessions[access] = session{user: user, kind: TokenAccess, expires: pair.AccessExpiresAt}
	s.sessions[refresh] = session{user: user, kind: TokenRefresh, expires: pair.RefreshExpiresAt}
	s.mu.Unlock()
	return pair, nil
}

func (s *Service) persistRevoked() error {
	s.mu.Lock()
	fps := make([]string, 0, len(s.revoked))
	for fp := range s.revoked {
		fps = append(fps, fp)
	}
	s.mu.Unlock()
	raw, err := json.Marshal(fps)
	if err != nil {
		return fmt.Errorf("auth: encode revocations: %w", err)
	}
	tmp := s.revokedPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("auth: write revocations: %w", err)
	}
	if err := os.Rename(tmp, s.revokedPath); err != nil {
		return fmt.Errorf("auth: replace revocations: %w", err)
	}
	return nil
}

// randomToken mints an opaque 256-bit token. Tokens carry no claims; all
// state lives server side.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: token entropy: %w", err)
	}
	return "gw_" + hex.EncodeToString(buf), nil
}

// fingerprint is the stored form of a revoked token.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
