package api

import (
	"log/slog"
	"net/http"

	"github.com/intellibrowse/gateway/pkg/approval"
	"github.com/intellibrowse/gateway/pkg/audit"
	"github.com/intellibrowse/gateway/pkg/auth"
	"github.com/intellibrowse/gateway/pkg/consent"
	"github.com/intellibrowse/gateway/pkg/filter"
	"github.com/intellibrowse/gateway/pkg/keystore"
	"github.com/intellibrowse/gateway/pkg/memory"
	"github.com/intellibrowse/gateway/pkg/metrics"
	"github.com/intellibrowse/gateway/pkg/ratelimit"
	"github.com/intellibrowse/gateway/pkg/scheduler"
	"github.com/intellibrowse/gateway/pkg/supervisor"
	"github.com/intellibrowse/gateway/pkg/tabs"
	"github.com/intellibrowse/gateway/pkg/webhook"
)

// Server bundles every subsystem behind the HTTP mux. Construction is
// plain field wiring; Handler() assembles routes and middleware.
type Server struct {
	Supervisor *supervisor.Supervisor
	Kill       *supervisor.KillSwitch
	Bus        *approval.Bus
	Scheduler  *scheduler.Scheduler
	Filter     *filter.Engine
	Webhooks   *webhook.Registry
	Keystore   *keystore.Store
	Memory     *memory.Store
	Consent    *consent.Log
	Tabs       *tabs.Manager
	Users      *auth.Store

	// DefaultCapabilities are granted to newly created agent users.
	DefaultCapabilities []string

	auth    *auth.Service
	limiter *ratelimit.Limiter
	audit   *audit.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewServer wires the shared plumbing; exported fields are set by the
// caller before Handler is built.
func NewServer(authSvc *auth.Service, limiter *ratelimit.Limiter, sink *audit.Sink,
	m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:    authSvc,
		limiter: limiter,
		audit:   sink,
		metrics: m,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	}))

	// Authentication.
	mux.HandleFunc("POST /admin/login", limitBody(maxBodyBytes, s.handleLogin))
	mux.HandleFunc("POST /auth/refresh", limitBody(maxBodyBytes, s.handleRefresh))
	mux.HandleFunc("POST /auth/revoke", limitBody(maxBodyBytes, s.handleRevoke))
	mux.HandleFunc("POST /admin/bootstrap-token", limitBody(maxBodyBytes, s.handleBootstrap))

	// Tool pipeline.
	mux.Handle("POST /tools/call", s.requireAuth(limitBody(maxBodyBytes, s.handleToolCall)))
	mux.Handle("POST /validate", s.requireAuth(limitBody(maxBodyBytes, s.handleValidate)))

	// Approvals.
	mux.Handle("GET /approvals", s.requireAdmin(s.handleApprovalList))
	mux.Handle("GET /approvals/stream", s.requireAdmin(s.handleApprovalStream))
	mux.Handle("POST /approvals/{id}/approve", s.requireAdmin(s.handleApprovalResolve(true)))
	mux.Handle("POST /approvals/{id}/reject", s.requireAdmin(s.handleApprovalResolve(false)))

	// Scheduler.
	mux.Handle("GET /admin/schedule", s.requireAdmin(s.handleScheduleList))
	mux.Handle("POST /admin/schedule", s.requireAdmin(limitBody(maxBodyBytes, s.handleScheduleCreate)))
	mux.Handle("DELETE /admin/schedule/{id}", s.requireAdmin(s.handleScheduleDelete))
	mux.Handle("PATCH /admin/schedule/{id}", s.requireAdmin(limitBody(maxBodyBytes, s.handleSchedulePatch)))
	mux.Handle("POST /admin/schedule/{id}/trigger", s.requireAdmin(s.handleScheduleTrigger))
	mux.Handle("GET /admin/schedule/{id}/history", s.requireAdmin(s.handleScheduleHistory))

	// Rate limits.
	mux.Handle("GET /admin/rate-limits", s.requireAdmin(s.handleRateLimitGet))
	mux.Handle("PUT /admin/rate-limits", s.requireAdmin(limitBody(maxBodyBytes, s.handleRateLimitPut)))
	mux.Handle("DELETE /admin/rate-limits/clients/{key}", s.requireAdmin(s.handleRateLimitClearClient))
	mux.Handle("DELETE /admin/rate-limits/users/{name}", s.requireAdmin(s.handleRateLimitClearUser))

	// Content filter.
	mux.Handle("GET /admin/content-filter/rules", s.requireAdmin(s.handleFilterList))
	mux.Handle("POST /admin/content-filter/rules", s.requireAdmin(limitBody(maxBodyBytes, s.handleFilterAdd)))
	mux.Handle("DELETE /admin/content-filter/rules/{id}", s.requireAdmin(s.handleFilterDelete))
	mux.Handle("POST /admin/content-filter/reload", s.requireAdmin(s.handleFilterReload))

	// Webhooks.
	mux.Handle("GET /admin/webhooks", s.requireAdmin(s.handleWebhookList))
	mux.Handle("POST /admin/webhooks", s.requireAdmin(limitBody(maxBodyBytes, s.handleWebhookAdd)))
	mux.Handle("DELETE /admin/webhooks/{id}", s.requireAdmin(s.handleWebhookDelete))
	mux.Handle("GET /admin/webhooks/{id}/deliveries", s.requireAdmin(s.handleWebhookDeliveries))

	// Users.
	mux.Handle("GET /admin/users", s.requireAdmin(s.handleUserList))
	mux.Handle("POST /admin/users", s.requireAdmin(limitBody(maxBodyBytes, s.handleUserCreate)))
	mux.Handle("DELETE /admin/users/{name}", s.requireAdmin(s.handleUserDelete))
	mux.Handle("PUT /admin/users/{name}/permissions", s.requireAdmin(limitBody(maxBodyBytes, s.handleUserPermissions)))
	mux.Handle("POST /admin/users/{name}/password", s.requireAdmin(limitBody(maxBodyBytes, s.handleUserPassword)))

	// Kill switch.
	mux.Handle("GET /admin/kill-switch", s.requireAdmin(s.handleKillSwitchGet))
	mux.Handle("POST /admin/kill-switch", s.requireAdmin(limitBody(maxBodyBytes, s.handleKillSwitchEngage)))
	mux.Handle("DELETE /admin/kill-switch", s.requireAdmin(s.handleKillSwitchDisengage))

	// Provider keys.
	mux.Handle("GET /admin/providers/expiring", s.requireAdmin(s.handleProvidersExpiring))
	mux.Handle("GET /admin/providers/{provider}/key", s.requireAdmin(s.handleProviderKeyGet))
	mux.Handle("POST /admin/providers/{provider}/key", s.requireAdmin(limitBody(maxBodyBytes, s.handleProviderKeySet)))
	mux.Handle("POST /admin/providers/{provider}/key/rotate", s.requireAdmin(limitBody(maxBodyBytes, s.handleProviderKeyRotate)))
	mux.Handle("GET /admin/providers/{provider}/key/status", s.requireAdmin(s.handleProviderKeyStatus))

	// Agent memory.
	mux.Handle("GET /agents/{id}/memory", s.requireAdmin(s.handleMemoryList))
	mux.Handle("POST /agents/{id}/memory", s.requireAdmin(limitBody(maxBodyBytes, s.handleMemorySet)))
	mux.Handle("DELETE /agents/{id}/memory/{key}", s.requireAdmin(s.handleMemoryDelete))
	mux.Handle("POST /agents/{id}/memory/prune", s.requireAdmin(s.handleMemoryPrune))

	// Audit.
	mux.Handle("GET /admin/audit", s.requireAdmin(s.handleAuditQuery))
	mux.Handle("GET /admin/audit/export.csv", s.requireAdmin(s.handleAuditExport))

	// Browser shell collaboration.
	mux.Handle("PUT /tab/snapshot", s.requireAuth(limitBody(maxSnapshotBytes, s.handleTabSnapshot)))
	mux.Handle("POST /tab/preview", s.requireAuth(s.handleTabPreview))
	mux.Handle("GET /tab/inject-queue", s.requireAuth(s.handleTabInjectQueue))

	// Consent.
	mux.Handle("GET /consent/timeline", s.requireAdmin(s.handleConsentTimeline))
	mux.Handle("GET /consent/export/{actor}", s.requireAdmin(s.handleConsentExport))
	mux.Handle("DELETE /consent/export/{actor}", s.requireAdmin(s.handleConsentErase))

	var h http.Handler = mux
	h = s.withClientRateLimit(h)
	h = s.withLogging(h)
	h = s.withRequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
