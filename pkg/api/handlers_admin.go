package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/intellibrowse/gateway/pkg/auth"
	"github.com/intellibrowse/gateway/pkg/filter"
	"github.com/intellibrowse/gateway/pkg/gateway"
	"github.com/intellibrowse/gateway/pkg/ratelimit"
	"github.com/intellibrowse/gateway/pkg/scheduler"
	"github.com/intellibrowse/gateway/pkg/webhook"
)

// --- Scheduler ---

func (s *Server) handleScheduleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.Scheduler.List()})
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string         `json:"name"`
		Tool            string         `json:"tool"`
		Action          string         `json:"action"`
		Args            map[string]any `json:"args"`
		IntervalSeconds int            `json:"interval_seconds"`
		Enabled         *bool          `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	task, err := s.Scheduler.Add(req.Name, req.Tool, req.Action, req.Args, req.IntervalSeconds, enabled)
	if err != nil {
		writeKind(w, gateway.KindInvalidRequest, "schedule: %v", err)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "schedule.created", map[string]any{
			"task_id": task.ID, "name": task.Name, "interval_seconds": task.IntervalSeconds,
		})
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Scheduler.Delete(id); err != nil {
		writeScheduleErr(w, id, err)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "schedule.deleted", map[string]any{"task_id": id})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSchedulePatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeKind(w, gateway.KindInvalidRequest, "enabled is required")
		return
	}
	id := r.PathValue("id")
	task, err := s.Scheduler.SetEnabled(id, *req.Enabled)
	if err != nil {
		writeScheduleErr(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleScheduleTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.Scheduler.TriggerNow(id)
	if err != nil {
		writeScheduleErr(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleScheduleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := s.Scheduler.History(id)
	if err != nil {
		writeScheduleErr(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func writeScheduleErr(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, scheduler.ErrNotFound) {
		writeKind(w, gateway.KindNotFound, "task %s not found", id)
		return
	}
	writeKind(w, gateway.KindServiceUnavailable, "schedule: %v", err)
}

// --- Rate limits ---

type rateLimitBody struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
	Burst         int `json:"burst"`
}

func (s *Server) handleRateLimitGet(w http.ResponseWriter, _ *http.Request) {
	cfg := s.limiter.Snapshot()
	writeJSON(w, http.StatusOK, rateLimitBody{
		MaxRequests:   cfg.MaxRequests,
		WindowSeconds: int(cfg.Window.Seconds()),
		Burst:         cfg.Burst,
	})
}

func (s *Server) handleRateLimitPut(w http.ResponseWriter, r *http.Request) {
	var req rateLimitBody
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MaxRequests < 0 || req.WindowSeconds <= 0 || req.Burst < 0 {
		writeKind(w, gateway.KindInvalidRequest, "window must be positive, limits non-negative")
		return
	}
	cfg := ratelimit.Config{
		MaxRequests: req.MaxRequests,
		Window:      time.Duration(req.WindowSeconds) * time.Second,
		Burst:       req.Burst,
	}
	s.limiter.Reconfigure(cfg)
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "rate_limits.updated", map[string]any{
			"max_requests": req.MaxRequests, "window_seconds": req.WindowSeconds, "burst": req.Burst,
		})
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRateLimitClearClient(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.limiter.ClearClient(r.Context(), key); err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "clear: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleRateLimitClearUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.limiter.ClearUser(r.Context(), name); err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "clear: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// --- Content filter ---

func (s *Server) handleFilterList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.Filter.Rules()})
}

func (s *Server) handleFilterAdd(w http.ResponseWriter, r *http.Request) {
	var rule filter.Rule
	if !decodeJSON(w, r, &rule) {
		return
	}
	added, err := s.Filter.Add(rule)
	if err != nil {
		writeKind(w, gateway.KindInvalidRequest, "filter: %v", err)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "filter.rule_added", map[string]any{
			"rule_id": added.ID, "kind": string(added.Kind), "label": added.Label,
		})
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleFilterDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Filter.Delete(id); err != nil {
		writeKind(w, gateway.KindNotFound, "rule %s not found", id)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "filter.rule_deleted", map[string]any{"rule_id": id})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleFilterReload(w http.ResponseWriter, r *http.Request) {
	if err := s.Filter.Reload(); err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "reload: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "rules": len(s.Filter.Rules())})
}

// --- Webhooks ---

// hookView is a Hook with the secret withheld.
type hookView struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

func redactHook(h webhook.Hook) hookView {
	return hookView{ID: h.ID, URL: h.URL, Events: h.Events, CreatedAt: h.CreatedAt}
}

func (s *Server) handleWebhookList(w http.ResponseWriter, _ *http.Request) {
	hooks := s.Webhooks.List()
	views := make([]hookView, 0, len(hooks))
	for _, h := range hooks {
		views = append(views, redactHook(h))
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": views})
}

func (s *Server) handleWebhookAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
		Secret string   `json:"secret"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" || req.Secret == "" {
		writeKind(w, gateway.KindInvalidRequest, "url and secret are required")
		return
	}
	h, err := s.Webhooks.Add(req.URL, req.Secret, req.Events)
	if err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "webhook: %v", err)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "webhook.registered", map[string]any{
			"hook_id": h.ID, "url": h.URL, "events": h.Events,
		})
	}
	writeJSON(w, http.StatusCreated, redactHook(h))
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Webhooks.Delete(id); err != nil {
		writeKind(w, gateway.KindNotFound, "webhook %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deliveries, err := s.Webhooks.Deliveries(id)
	if err != nil {
		writeKind(w, gateway.KindNotFound, "webhook %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

// --- Users ---

// userView is a User with credential material withheld.
type userView struct {
	Name         string    `json:"name"`
	Role         auth.Role `json:"role"`
	AllowedTools *[]string `json:"allowed_tools"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
}

func redactUser(u auth.User) userView {
	return userView{
		Name:         u.Name,
		Role:         u.Role,
		AllowedTools: u.AllowedTools,
		Capabilities: u.Capabilities,
		CreatedAt:    u.CreatedAt,
	}
}

func (s *Server) handleUserList(w http.ResponseWriter, _ *http.Request) {
	users := s.Users.List()
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, redactUser(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": views})
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string    `json:"name"`
		Password string    `json:"password"`
		Role     auth.Role `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}
	if req.Role != auth.RoleAdmin && req.Role != auth.RoleUser {
		writeKind(w, gateway.KindInvalidRequest, "unknown role %q", req.Role)
		return
	}
	u, err := s.Users.Create(req.Name, req.Password, req.Role)
	if errors.Is(err, auth.ErrExists) {
		writeKind(w, gateway.KindConflict, "user %s already exists", req.Name)
		return
	}
	if err != nil {
		writeKind(w, gateway.KindInvalidRequest, "create user: %v", err)
		return
	}
	if u.Role == auth.RoleUser && len(s.DefaultCapabilities) > 0 {
		if err := s.Users.SetCapabilities(u.Name, s.DefaultCapabilities); err == nil {
			u, _ = s.Users.Get(u.Name)
		}
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "user.created", map[string]any{
			"name": u.Name, "role": string(u.Role),
		})
	}
	writeJSON(w, http.StatusCreated, redactUser(u))
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.Users.Delete(name)
	switch {
	case errors.Is(err, auth.ErrBuiltin):
		writeKind(w, gateway.KindForbidden, "builtin user cannot be deleted")
		return
	case errors.Is(err, auth.ErrNotFound):
		writeKind(w, gateway.KindNotFound, "user %s not found", name)
		return
	case err != nil:
		writeKind(w, gateway.KindServiceUnavailable, "delete user: %v", err)
		return
	}
	// Dead users keep no live sessions.
	_ = s.auth.RevokeUser(name)
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "user.deleted", map[string]any{"name": name})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AllowedTools *[]string `json:"allowed_tools"`
		Capabilities []string  `json:"capabilities"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	name := r.PathValue("name")
	if err := s.Users.SetAllowedTools(name, req.AllowedTools); err != nil {
		writeUserErr(w, name, err)
		return
	}
	if req.Capabilities != nil {
		if err := s.Users.SetCapabilities(name, req.Capabilities); err != nil {
			writeUserErr(w, name, err)
			return
		}
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "user.permissions_updated", map[string]any{
			"name": name,
		})
	}
	u, err := s.Users.Get(name)
	if err != nil {
		writeUserErr(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, redactUser(u))
}

func (s *Server) handleUserPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	name := r.PathValue("name")
	if err := s.auth.ChangePassword(name, req.Password); err != nil {
		writeUserErr(w, name, err)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "user.password_changed", map[string]any{"name": name})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

func writeUserErr(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, auth.ErrNotFound) {
		writeKind(w, gateway.KindNotFound, "user %s not found", name)
		return
	}
	writeKind(w, gateway.KindInvalidRequest, "user: %v", err)
}

// --- Kill switch ---

func (s *Server) handleKillSwitchGet(w http.ResponseWriter, _ *http.Request) {
	engaged, reason, at := s.Kill.State()
	body := map[string]any{"engaged": engaged}
	if engaged {
		body["reason"] = reason
		body["engaged_at"] = at
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleKillSwitchEngage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeKind(w, gateway.KindInvalidRequest, "reason is required")
		return
	}
	s.Kill.Engage(req.Reason)
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "kill_switch.engaged", map[string]any{
			"reason": req.Reason,
		})
	}
	s.logger.Warn("kill switch engaged", "reason", req.Reason, "actor", actorOf(r))
	writeJSON(w, http.StatusOK, map[string]any{"engaged": true, "reason": req.Reason})
}

func (s *Server) handleKillSwitchDisengage(w http.ResponseWriter, r *http.Request) {
	s.Kill.Disengage()
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "kill_switch.disengaged", nil)
	}
	s.logger.Info("kill switch disengaged", "actor", actorOf(r))
	writeJSON(w, http.StatusOK, map[string]any{"engaged": false})
}
