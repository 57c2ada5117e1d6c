package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellibrowse/gateway/pkg/approval"
	"github.com/intellibrowse/gateway/pkg/audit"
	"github.com/intellibrowse/gateway/pkg/auth"
	"github.com/intellibrowse/gateway/pkg/consent"
	"github.com/intellibrowse/gateway/pkg/filter"
	"github.com/intellibrowse/gateway/pkg/gateway"
	"github.com/intellibrowse/gateway/pkg/keystore"
	"github.com/intellibrowse/gateway/pkg/memory"
	"github.com/intellibrowse/gateway/pkg/metrics"
	"github.com/intellibrowse/gateway/pkg/ratelimit"
	"github.com/intellibrowse/gateway/pkg/scheduler"
	"github.com/intellibrowse/gateway/pkg/schema"
	"github.com/intellibrowse/gateway/pkg/supervisor"
	"github.com/intellibrowse/gateway/pkg/tabs"
	"github.com/intellibrowse/gateway/pkg/webhook"
)

const (
	adminPassword   = "admin-secret-1"
	bootstrapSecret = "boot-secret-1"
)

type echoRunner struct{}

func (echoRunner) Execute(_ context.Context, action string, params map[string]any) (map[string]any, *gateway.Error) {
	switch action {
	case "noop.ping":
		return map[string]any{"pong": true}, nil
	case "echo.say":
		return map[string]any{"echo": params["text"]}, nil
	default:
		return map[string]any{"ok": true}, nil
	}
}

type fixture struct {
	ts         *httptest.Server
	sup        *supervisor.Supervisor
	bus        *approval.Bus
	m          *metrics.Metrics
	adminToken string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	m := metrics.New()

	users, err := auth.OpenStore(filepath.Join(dir, "users.json"), adminPassword)
	require.NoError(t, err)
	authSvc, err := auth.NewService(users, filepath.Join(dir, "revoked.json"),
		time.Hour, 24*time.Hour, bootstrapSecret)
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: 10_000, Window: time.Minute, Burst: 0,
	}, ratelimit.NewMemoryStore())

	sink, err := audit.Open(filepath.Join(dir, "audit.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	fe, err := filter.NewEngine(filepath.Join(dir, "filter.json"))
	require.NoError(t, err)
	_, err = fe.Add(filter.Rule{Kind: filter.KindLiteral, Pattern: "DROP TABLE", Label: "sql-destruction"})
	require.NoError(t, err)

	reg := schema.NewRegistry()
	require.NoError(t, reg.Register("noop.ping",
		[]byte(`{"type":"object","additionalProperties":false}`)))
	require.NoError(t, reg.Register("echo.say",
		[]byte(`{"type":"object","properties":{"text":{"type":"string","maxLength":128}},"required":["text"],"additionalProperties":false}`)))
	require.NoError(t, reg.Register("shell.exec",
		[]byte(`{"type":"object","properties":{"cmd":{"type":"string"}},"required":["cmd"],"additionalProperties":false}`)))

	bus := approval.New(0, 0, m)
	kill := supervisor.NewKillSwitch()
	sup := supervisor.New(kill, authSvc, []string{"fs.read", "net.fetch"}, fe, reg, bus, echoRunner{}, sink, m, nil)

	sched, err := scheduler.Open(filepath.Join(dir, "schedule.json"), sup, m, nil)
	require.NoError(t, err)

	hooks, err := webhook.OpenRegistry(filepath.Join(dir, "webhooks.json"))
	require.NoError(t, err)

	keys, err := keystore.Open(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)

	mem, err := memory.OpenStore(filepath.Join(dir, "memory"))
	require.NoError(t, err)

	consentLog, err := consent.Open(filepath.Join(dir, "consent.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = consentLog.Close() })

	srv := NewServer(authSvc, limiter, sink, m, nil)
	srv.Supervisor = sup
	srv.Kill = kill
	srv.Bus = bus
	srv.Scheduler = sched
	srv.Filter = fe
	srv.Webhooks = hooks
	srv.Keystore = keys
	srv.Memory = mem
	srv.Consent = consentLog
	srv.Tabs = tabs.NewManager(consentLog)
	srv.Users = users

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	fx := &fixture{ts: ts, sup: sup, bus: bus, m: m}
	fx.adminToken = fx.login(t, "admin", adminPassword)
	return fx
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *fixture) login(t *testing.T, user, password string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/admin/login", "",
		map[string]string{"username": user, "password": password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Access string `json:"access"`
	}
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body.Access)
	return body.Access
}

func errKind(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	return body.Error.Kind
}

func TestHealthNeedsNoAuth(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestLoginAndToolCall(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"request_id": "r-ping-1", "tool": "noop", "action": "ping", "args": map[string]any{},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		RequestID string         `json:"request_id"`
		Result    map[string]any `json:"result"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "r-ping-1", body.RequestID)
	assert.Equal(t, true, body.Result["pong"])
}

func TestToolCallRejectsMissingToken(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/tools/call", "", map[string]any{
		"tool": "noop", "action": "ping",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errKind(t, resp))

	resp = fx.do(t, http.MethodPost, "/tools/call", "gw_bogus", map[string]any{
		"tool": "noop", "action": "ping",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSchemaViolation(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"tool": "echo", "action": "say", "args": map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Error struct {
			Kind       string `json:"kind"`
			Violations []struct {
				Code string `json:"code"`
				Path string `json:"path"`
			} `json:"violations"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "schema_validation_failed", body.Error.Kind)
	require.NotEmpty(t, body.Error.Violations)
}

func TestContentPolicyViolation(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"tool": "echo", "action": "say",
		"args": map[string]any{"text": "DROP TABLE users"},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "content_policy_violation", errKind(t, resp))
}

func TestUnknownTool(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"tool": "nope", "action": "missing", "args": map[string]any{},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_tool", errKind(t, resp))
}

func TestApprovalFlow(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"request_id": "r-shell-1", "tool": "shell", "action": "exec",
		"args": map[string]any{"cmd": "ls"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var pending struct {
		PendingApproval bool  `json:"pending_approval"`
		ApprovalID      int64 `json:"approval_id"`
	}
	decodeBody(t, resp, &pending)
	assert.True(t, pending.PendingApproval)
	require.NotZero(t, pending.ApprovalID)

	resp = fx.do(t, http.MethodGet, "/approvals", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Approvals    []approval.Approval `json:"approvals"`
		PendingCount int                 `json:"pending_count"`
	}
	decodeBody(t, resp, &list)
	assert.Equal(t, 1, list.PendingCount)

	resp = fx.do(t, http.MethodPost,
		fmt.Sprintf("/approvals/%d/approve", pending.ApprovalID), fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var resolved approval.Approval
	decodeBody(t, resp, &resolved)
	assert.Equal(t, approval.StateApproved, resolved.State)
	assert.Equal(t, "admin", resolved.Resolver)

	// The approved call resumes on its own goroutine.
	require.Eventually(t, func() bool {
		out, ok := fx.sup.Outcome("r-shell-1")
		return ok && out.Err == nil && !out.Pending()
	}, 2*time.Second, 10*time.Millisecond)

	// Resubmitting the same request id returns the settled outcome.
	resp = fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"request_id": "r-shell-1", "tool": "shell", "action": "exec",
		"args": map[string]any{"cmd": "ls"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodPost, "/approvals/999999/approve", fx.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestApprovalStream(t *testing.T) {
	fx := newFixture(t)

	// Park a call before subscribing; the stream replays the pending queue.
	resp := fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"request_id": "r-sse-1", "tool": "shell", "action": "exec",
		"args": map[string]any{"cmd": "whoami"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fx.ts.URL+"/approvals/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+fx.adminToken)
	stream, err := fx.ts.Client().Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	rd := bufio.NewReader(stream.Body)
	var sawCreated bool
	for !sawCreated {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) == "event: approval.created" {
			sawCreated = true
		}
	}

	// The bus owns the subscriber gauge; one connection counts once.
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.m.SSESubscribers))
}

func TestKillSwitchBlocksCalls(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/admin/kill-switch", fx.adminToken,
		map[string]string{"reason": "incident-7"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"tool": "noop", "action": "ping", "args": map[string]any{},
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "service_unavailable", errKind(t, resp))

	resp = fx.do(t, http.MethodGet, "/admin/kill-switch", fx.adminToken, nil)
	var state map[string]any
	decodeBody(t, resp, &state)
	assert.Equal(t, true, state["engaged"])
	assert.Equal(t, "incident-7", state["reason"])

	resp = fx.do(t, http.MethodDelete, "/admin/kill-switch", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"tool": "noop", "action": "ping", "args": map[string]any{},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAdminEndpointsRejectNonAdmins(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/admin/users", fx.adminToken,
		map[string]string{"name": "bot-1", "password": "pw-bot-123", "role": "user"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// The only roles are admin and user.
	resp = fx.do(t, http.MethodPost, "/admin/users", fx.adminToken,
		map[string]string{"name": "bot-x", "password": "pw-bot-123", "role": "agent"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", errKind(t, resp))

	userToken := fx.login(t, "bot-1", "pw-bot-123")
	resp = fx.do(t, http.MethodGet, "/admin/users", userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errKind(t, resp))

	// The user can still drive the tool pipeline.
	resp = fx.do(t, http.MethodPost, "/tools/call", userToken, map[string]any{
		"tool": "noop", "action": "ping", "args": map[string]any{},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestUserLifecycle(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/admin/users", fx.adminToken,
		map[string]string{"name": "bot-2", "password": "pw-bot-456"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Restrict the whitelist, then verify enforcement end to end.
	resp = fx.do(t, http.MethodPut, "/admin/users/bot-2/permissions", fx.adminToken,
		map[string]any{"allowed_tools": []string{"echo"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	botToken := fx.login(t, "bot-2", "pw-bot-456")
	resp = fx.do(t, http.MethodPost, "/tools/call", botToken, map[string]any{
		"tool": "noop", "action": "ping", "args": map[string]any{},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "tool_not_permitted", errKind(t, resp))

	resp = fx.do(t, http.MethodDelete, "/admin/users/bot-2", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Sessions die with the user.
	resp = fx.do(t, http.MethodPost, "/tools/call", botToken, map[string]any{
		"tool": "echo", "action": "say", "args": map[string]any{"text": "hi"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodDelete, "/admin/users/admin", fx.adminToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestBootstrapToken(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/admin/bootstrap-token", "",
		map[string]string{"secret": bootstrapSecret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Access string `json:"access"`
	}
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body.Access)

	resp = fx.do(t, http.MethodGet, "/admin/users", body.Access, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodPost, "/admin/bootstrap-token", "",
		map[string]string{"secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestRateLimitConfigRoundTrip(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPut, "/admin/rate-limits", fx.adminToken,
		map[string]int{"max_requests": 50, "window_seconds": 30, "burst": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodGet, "/admin/rate-limits", fx.adminToken, nil)
	var got rateLimitBody
	decodeBody(t, resp, &got)
	assert.Equal(t, rateLimitBody{MaxRequests: 50, WindowSeconds: 30, Burst: 5}, got)

	resp = fx.do(t, http.MethodPut, "/admin/rate-limits", fx.adminToken,
		map[string]int{"max_requests": 50, "window_seconds": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestWebhookSecretNeverListed(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/admin/webhooks", fx.adminToken, map[string]any{
		"url": "https://ops.test/hook", "events": []string{"approval.created"},
		"secret": "whsec-topsecret",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "whsec-topsecret")

	resp = fx.do(t, http.MethodGet, "/admin/webhooks", fx.adminToken, nil)
	raw, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "whsec-topsecret")
	assert.Contains(t, string(raw), "https://ops.test/hook")
}

func TestScheduleEndpoints(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/admin/schedule", fx.adminToken, map[string]any{
		"name": "ping", "tool": "noop", "action": "ping",
		"args": map[string]any{}, "interval_seconds": 60,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task scheduler.Task
	decodeBody(t, resp, &task)
	require.NotEmpty(t, task.ID)

	resp = fx.do(t, http.MethodPatch, "/admin/schedule/"+task.ID, fx.adminToken,
		map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var patched scheduler.Task
	decodeBody(t, resp, &patched)
	assert.False(t, patched.Enabled)

	resp = fx.do(t, http.MethodGet, "/admin/schedule/"+task.ID+"/history", fx.adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodDelete, "/admin/schedule/"+task.ID, fx.adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodDelete, "/admin/schedule/"+task.ID, fx.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestProviderKeyEndpoints(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/admin/providers/openai/key", fx.adminToken,
		map[string]any{"value": "sk-test-123", "ttl_seconds": 3600})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status keystore.Status
	decodeBody(t, resp, &status)
	assert.Equal(t, 1, status.Version)

	resp = fx.do(t, http.MethodGet, "/admin/providers/openai/key", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var key map[string]string
	decodeBody(t, resp, &key)
	assert.Equal(t, "sk-test-123", key["value"])

	resp = fx.do(t, http.MethodPost, "/admin/providers/openai/key/rotate", fx.adminToken,
		map[string]any{"value": "sk-test-456", "ttl_seconds": 3600})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &status)
	assert.Equal(t, 2, status.Version)

	resp = fx.do(t, http.MethodGet, "/admin/providers/expiring?within_hours=2", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var expiring struct {
		Expiring []keystore.Status `json:"expiring"`
	}
	decodeBody(t, resp, &expiring)
	assert.Len(t, expiring.Expiring, 1)

	resp = fx.do(t, http.MethodGet, "/admin/providers/missing/key", fx.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMemoryEndpoints(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/agents/agent-1/memory", fx.adminToken,
		map[string]any{"key": "cart", "value": map[string]any{"items": 3}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodGet, "/agents/agent-1/memory", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Entries []memory.Entry `json:"entries"`
	}
	decodeBody(t, resp, &list)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "cart", list.Entries[0].Key)

	resp = fx.do(t, http.MethodDelete, "/agents/agent-1/memory/cart", fx.adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodGet, "/agents/.hidden/memory", fx.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTabAndConsentEndpoints(t *testing.T) {
	fx := newFixture(t)

	const page = `<html><title>Pay</title><form><input name="card_number"></form></html>`
	resp := fx.do(t, http.MethodPut, "/tab/snapshot", fx.adminToken, map[string]any{
		"url": "https://shop.test/pay", "title": "Pay", "html": page,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodPost, "/tab/preview", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "card_number")
	assert.NotContains(t, string(raw), "<form>", "preview must not leak page HTML")

	resp = fx.do(t, http.MethodGet, "/consent/timeline", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var timeline struct {
		Records []consent.Record `json:"records"`
	}
	decodeBody(t, resp, &timeline)
	require.Len(t, timeline.Records, 1)
	assert.Equal(t, "https://shop.test/pay", timeline.Records[0].Origin)

	resp = fx.do(t, http.MethodDelete, "/consent/export/admin", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var erased map[string]int
	decodeBody(t, resp, &erased)
	assert.Equal(t, 1, erased["removed"])
}

func TestAuditEndpoints(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"tool": "noop", "action": "ping", "args": map[string]any{},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodGet, "/admin/audit?actor=admin&action=call.", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries struct {
		Entries []audit.Entry `json:"entries"`
	}
	decodeBody(t, resp, &entries)
	require.NotEmpty(t, entries.Entries)
	for _, e := range entries.Entries {
		assert.Equal(t, "admin", e.Actor)
	}

	resp = fx.do(t, http.MethodGet, "/admin/audit/export.csv", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "call.completed")

	resp = fx.do(t, http.MethodGet, "/admin/audit?since=notatime", fx.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestFilterRuleEndpoints(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/admin/content-filter/rules", fx.adminToken,
		map[string]string{"kind": "regex", "pattern": `(?i)delete\s+from`, "label": "sql-delete"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rule filter.Rule
	decodeBody(t, resp, &rule)
	require.NotEmpty(t, rule.ID)

	resp = fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"tool": "echo", "action": "say",
		"args": map[string]any{"text": "DELETE FROM orders"},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodDelete, "/admin/content-filter/rules/"+rule.ID, fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"tool": "echo", "action": "say",
		"args": map[string]any{"text": "DELETE FROM orders"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Malformed regex is rejected at the door.
	resp = fx.do(t, http.MethodPost, "/admin/content-filter/rules", fx.adminToken,
		map[string]string{"kind": "regex", "pattern": "([", "label": "broken"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestOversizedBody(t *testing.T) {
	fx := newFixture(t)

	big := strings.Repeat("x", maxBodyBytes+1)
	resp := fx.do(t, http.MethodPost, "/tools/call", fx.adminToken, map[string]any{
		"tool": "echo", "action": "say", "args": map[string]any{"text": big},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "payload_too_large", errKind(t, resp))
}
