package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/intellibrowse/gateway/pkg/audit"
	"github.com/intellibrowse/gateway/pkg/gateway"
	"github.com/intellibrowse/gateway/pkg/keystore"
)

// defaultExpiryHorizon is the lookahead for GET /admin/providers/expiring
// when the caller does not pass within_hours.
const defaultExpiryHorizon = 72 * time.Hour

type providerKeyRequest struct {
	Value      string `json:"value"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (req providerKeyRequest) ttl() time.Duration {
	return time.Duration(req.TTLSeconds) * time.Second
}

// handleProviderKeyGet returns the decrypted key value. This is the one
// endpoint that exposes secret material; it is admin-only and audited.
func (s *Server) handleProviderKeyGet(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	value, err := s.Keystore.Get(provider)
	if errors.Is(err, keystore.ErrNotFound) {
		writeKind(w, gateway.KindNotFound, "no key for provider %s", provider)
		return
	}
	if err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "keystore: %v", err)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "provider_key.read", map[string]any{
			"provider": provider,
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "value": value})
}

func (s *Server) handleProviderKeySet(w http.ResponseWriter, r *http.Request) {
	var req providerKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	provider := r.PathValue("provider")
	if err := s.Keystore.Set(provider, req.Value, req.ttl()); err != nil {
		writeKind(w, gateway.KindInvalidRequest, "keystore: %v", err)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "provider_key.set", map[string]any{
			"provider": provider, "ttl_seconds": req.TTLSeconds,
		})
	}
	status, err := s.Keystore.Status(provider)
	if err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "keystore: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleProviderKeyRotate(w http.ResponseWriter, r *http.Request) {
	var req providerKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	provider := r.PathValue("provider")
	err := s.Keystore.Rotate(provider, req.Value, req.ttl())
	if errors.Is(err, keystore.ErrNotFound) {
		writeKind(w, gateway.KindNotFound, "no key for provider %s", provider)
		return
	}
	if err != nil {
		writeKind(w, gateway.KindInvalidRequest, "keystore: %v", err)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "provider_key.rotated", map[string]any{
			"provider": provider,
		})
	}
	status, err := s.Keystore.Status(provider)
	if err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "keystore: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleProviderKeyStatus(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	status, err := s.Keystore.Status(provider)
	if errors.Is(err, keystore.ErrNotFound) {
		writeKind(w, gateway.KindNotFound, "no key for provider %s", provider)
		return
	}
	if err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "keystore: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleProvidersExpiring(w http.ResponseWriter, r *http.Request) {
	within := defaultExpiryHorizon
	if raw := r.URL.Query().Get("within_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			writeKind(w, gateway.KindInvalidRequest, "within_hours must be a positive integer")
			return
		}
		within = time.Duration(hours) * time.Hour
	}
	writeJSON(w, http.StatusOK, map[string]any{"expiring": s.Keystore.Expiring(within)})
}

// --- Audit ---

// auditFilter parses the shared query parameters for audit endpoints.
func auditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor: q.Get("actor"),
		Event: q.Get("action"),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("since must be RFC3339")
		}
		f.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("until must be RFC3339")
		}
		f.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilter(r)
	if err != nil {
		writeKind(w, gateway.KindInvalidRequest, "%v", err)
		return
	}
	entries, err := s.audit.Query(f)
	if err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "audit: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilter(r)
	if err != nil {
		writeKind(w, gateway.KindInvalidRequest, "%v", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	if err := s.audit.ExportCSV(w, f); err != nil {
		// Headers are gone; log and cut the stream.
		s.logger.Error("audit export failed", "error", err)
	}
}
