package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/intellibrowse/gateway/pkg/auth"
	"github.com/intellibrowse/gateway/pkg/gateway"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

const (
	// maxBodyBytes caps ordinary JSON bodies.
	maxBodyBytes = 1 << 20
	// maxSnapshotBytes caps tab snapshots, which carry full page HTML.
	maxSnapshotBytes = 4 << 20
)

type requestIDKey struct{}

// withRequestID assigns or propagates the correlation id.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestID returns the correlation id attached by withRequestID.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withLogging emits one access line per request.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID(r.Context()),
		)
	})
}

// statusRecorder captures the status for access logging while forwarding
// Flush so SSE keeps working through the middleware stack.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withClientRateLimit applies the per-client-IP window before auth runs,
// so credential stuffing burns the attacker's budget, not the user's.
func (s *Server) withClientRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, err := s.limiter.AllowClient(r.Context(), ip)
		if err != nil {
			s.logger.Warn("rate limit store error", "error", err)
		}
		if !ok {
			s.rateLimited(r, "client:"+ip)
			w.Header().Set("Retry-After", retryAfter(s.limiter.Snapshot().Window))
			writeKind(w, gateway.KindRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth resolves the bearer token and stashes the principal. Fails
// closed on anything but a well-formed, live access token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeKind(w, gateway.KindUnauthorized, "missing bearer token")
			return
		}
		p, err := s.auth.Verify(token)
		if err != nil {
			writeKind(w, gateway.KindUnauthorized, "invalid or expired token")
			return
		}
		ok, err = s.limiter.AllowUser(r.Context(), p.Name)
		if err != nil {
			s.logger.Warn("rate limit store error", "error", err)
		}
		if !ok {
			s.rateLimited(r, "user:"+p.Name)
			w.Header().Set("Retry-After", retryAfter(s.limiter.Snapshot().Window))
			writeKind(w, gateway.KindRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// requireAdmin additionally gates on the admin role.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFrom(r.Context())
		if p.Role != auth.RoleAdmin {
			writeKind(w, gateway.KindForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody caps the request body size for one handler.
func limitBody(limit int64, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	}
}

// rateLimited records a throttling decision in metrics and audit.
func (s *Server) rateLimited(r *http.Request, key string) {
	s.metrics.RateLimited.Inc()
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "rate_limited", map[string]any{
			"key": key, "path": r.URL.Path,
		})
	}
}

// actorOf names the caller for audit purposes, authenticated or not.
func actorOf(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.Name
	}
	return ""
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// retryAfter renders the Retry-After header value for one window.
func retryAfter(window time.Duration) string {
	secs := int(window.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
