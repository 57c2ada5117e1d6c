package api

import (
	"net/http"
	"time"

	"github.com/intellibrowse/gateway/pkg/auth"
	"github.com/intellibrowse/gateway/pkg/gateway"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Access           string    `json:"access"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	Refresh          string    `json:"refresh"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func tokens(p auth.TokenPair) tokenResponse {
	return tokenResponse{
		Access:           p.Access,
		AccessExpiresAt:  p.AccessExpiresAt,
		Refresh:          p.Refresh,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		// Unknown user and bad password are indistinguishable on the wire.
		writeKind(w, gateway.KindUnauthorized, "invalid credentials")
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), req.Username, "auth.login", nil)
	}
	writeJSON(w, http.StatusOK, tokens(pair))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.auth.Refresh(req.Refresh)
	if err != nil {
		writeKind(w, gateway.KindUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, tokens(pair))
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.auth.Logout(req.Token); err != nil {
		writeKind(w, gateway.KindUnauthorized, "unknown token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	access, expires, err := s.auth.Bootstrap(req.Secret)
	if err != nil {
		writeKind(w, gateway.KindUnauthorized, "bootstrap rejected")
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), auth.AdminUser, "auth.bootstrap", nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access":            access,
		"access_expires_at": expires,
	})
}
