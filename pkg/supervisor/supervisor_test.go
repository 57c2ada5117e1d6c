package supervisor

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellibrowse/gateway/pkg/approval"
	"github.com/intellibrowse/gateway/pkg/filter"
	"github.com/intellibrowse/gateway/pkg/gateway"
	"github.com/intellibrowse/gateway/pkg/metrics"
	"github.com/intellibrowse/gateway/pkg/schema"
)

type fakeRunner struct {
	calls atomic.Int64
	fn    func(action string, params map[string]any) (map[string]any, *gateway.Error)
}

func (f *fakeRunner) Execute(_ context.Context, action string, params map[string]any) (map[string]any, *gateway.Error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(action, params)
	}
	return map[string]any{"ok": true}, nil
}

type fakeAuth struct {
	tools map[string][]string
	caps  map[string][]string
}

func (f *fakeAuth) AllowedTools(actor string) ([]string, bool) {
	t, ok := f.tools[actor]
	return t, ok
}

func (f *fakeAuth) Capabilities(actor string) []string { return f.caps[actor] }

const echoSchema = `{
	"type": "object",
	"properties": {"text": {"type": "string", "maxLength": 128}},
	"required": ["text"],
	"additionalProperties": false
}`

type fixture struct {
	sup    *Supervisor
	runner *fakeRunner
	bus    *approval.Bus
	kill   *KillSwitch
}

func newFixture(t *testing.T, auth Authorizer, rules []filter.Rule) *fixture {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register("echo.say", []byte(echoSchema)))
	require.NoError(t, reg.Register("shell.exec", []byte(`{"type":"object","properties":{"cmd":{"type":"string"}},"required":["cmd"]}`)))

	fe, err := filter.NewEngine(filepath.Join(t.TempDir(), "rules.json"))
	require.NoError(t, err)
	for _, r := range rules {
		_, err := fe.Add(r)
		require.NoError(t, err)
	}

	m := metrics.New()
	bus := approval.New(0, 0, m)
	runner := &fakeRunner{}
	kill := NewKillSwitch()
	sup := New(kill, auth, []string{"fs.read", "net.out", "net.fetch"}, fe, reg, bus, runner, nil, m, nil)
	return &fixture{sup: sup, runner: runner, bus: bus, kill: kill}
}

func call(id, tool, action string, args map[string]any) gateway.ToolCall {
	return gateway.ToolCall{RequestID: id, Tool: tool, Action: action, Args: args, Actor: "agent-1"}
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t, nil, nil)

	out := f.sup.Process(context.Background(), call("r1", "echo", "say", map[string]any{"text": "hi"}))
	require.Nil(t, out.Err)
	assert.Equal(t, map[string]any{"ok": true}, out.Result)
	assert.False(t, out.Pending())
}

func TestProcessUnknownTool(t *testing.T) {
	f := newFixture(t, nil, nil)

	out := f.sup.Process(context.Background(), call("r1", "nope", "never", nil))
	require.NotNil(t, out.Err)
	assert.Equal(t, gateway.KindUnknownTool, out.Err.Kind)
	assert.Zero(t, f.runner.calls.Load())
}

func TestProcessSchemaViolation(t *testing.T) {
	f := newFixture(t, nil, nil)

	out := f.sup.Process(context.Background(), call("r1", "echo", "say", map[string]any{"wrong": 1}))
	require.NotNil(t, out.Err)
	assert.Equal(t, gateway.KindSchemaValidationFailed, out.Err.Kind)
	require.NotEmpty(t, out.Err.Violations)

	tokens := make(map[string]bool)
	for _, v := range out.Err.Violations {
		tokens[v.Token] = true
	}
	assert.True(t, tokens[gateway.TokenRequired])
	assert.Zero(t, f.runner.calls.Load())
}

func TestKillSwitchBlocksEverything(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.kill.Engage("incident-42")

	out := f.sup.Process(context.Background(), call("r1", "echo", "say", map[string]any{"text": "hi"}))
	require.NotNil(t, out.Err)
	assert.Equal(t, gateway.KindServiceUnavailable, out.Err.Kind)
	assert.Equal(t, "incident-42", out.Err.Details["reason"])

	f.kill.Disengage()
	out = f.sup.Process(context.Background(), call("r2", "echo", "say", map[string]any{"text": "hi"}))
	assert.Nil(t, out.Err)
}

func TestToolWhitelistEnforced(t *testing.T) {
	auth := &fakeAuth{tools: map[string][]string{"agent-1": {"file"}}}
	f := newFixture(t, auth, nil)

	out := f.sup.Process(context.Background(), call("r1", "echo", "say", map[string]any{"text": "hi"}))
	require.NotNil(t, out.Err)
	assert.Equal(t, gateway.KindToolNotPermitted, out.Err.Kind)
}

func TestContentFilterBlocksWithLabelOnly(t *testing.T) {
	f := newFixture(t, nil, []filter.Rule{
		{Kind: filter.KindLiteral, Pattern: "DROP TABLE", Label: "sql-destruction"},
	})

	out := f.sup.Process(context.Background(), call("r1", "echo", "say",
		map[string]any{"text": "please DROP TABLE users"}))
	require.NotNil(t, out.Err)
	assert.Equal(t, gateway.KindContentPolicyViolation, out.Err.Kind)
	assert.Equal(t, "sql-destruction", out.Err.Details["rule"])
	assert.NotContains(t, out.Err.Message, "DROP TABLE")
}

func TestHighRiskPausesForApproval(t *testing.T) {
	f := newFixture(t, nil, nil)

	out := f.sup.Process(context.Background(), call("r1", "shell", "exec", map[string]any{"cmd": "uname"}))
	require.True(t, out.Pending())
	assert.Zero(t, f.runner.calls.Load())

	_, err := f.bus.Approve(out.PendingApproval, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, ok := f.sup.Outcome("r1")
		return ok && res.Err == nil && !res.Pending()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.runner.calls.Load())
}

func TestPendingReplayReturnsSameApproval(t *testing.T) {
	f := newFixture(t, nil, nil)
	c := call("r1", "shell", "exec", map[string]any{"cmd": "uname"})

	first := f.sup.Process(context.Background(), c)
	require.True(t, first.Pending())

	// Replaying the same request id while parked must map onto the
	// existing approval, not mint a second one.
	replay := f.sup.Process(context.Background(), c)
	require.True(t, replay.Pending())
	assert.Equal(t, first.PendingApproval, replay.PendingApproval)
	assert.Equal(t, 1, f.bus.PendingCount())

	_, err := f.bus.Approve(first.PendingApproval, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		res, ok := f.sup.Outcome("r1")
		return ok && res.Err == nil && !res.Pending()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.runner.calls.Load(), "one approval, one execution")
}

func TestRejectedApprovalSettlesAsForbidden(t *testing.T) {
	f := newFixture(t, nil, nil)

	out := f.sup.Process(context.Background(), call("r1", "shell", "exec", map[string]any{"cmd": "uname"}))
	require.True(t, out.Pending())

	_, err := f.bus.Reject(out.PendingApproval, "alice")
	require.NoError(t, err)

	res, ok := f.sup.Outcome("r1")
	require.True(t, ok)
	require.NotNil(t, res.Err)
	assert.Equal(t, gateway.KindForbidden, res.Err.Kind)
	assert.Zero(t, f.runner.calls.Load())
}

func TestDuplicateRequestReturnsCachedOutcome(t *testing.T) {
	f := newFixture(t, nil, nil)
	c := call("r1", "echo", "say", map[string]any{"text": "hi"})

	first := f.sup.Process(context.Background(), c)
	require.Nil(t, first.Err)
	second := f.sup.Process(context.Background(), c)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.runner.calls.Load(), "runner invoked once for duplicate ids")
}

func TestManifestCapabilityDenied(t *testing.T) {
	// net.out is in the gateway set, but the actor's explicit grant list
	// does not include it.
	auth := &fakeAuth{caps: map[string][]string{"agent-1": {"fs.read"}}}
	f := newFixture(t, auth, nil)
	f.sup.schemas.RegisterManifest(gateway.Manifest{
		Tool: "echo", Action: "say",
		RiskLevel:            gateway.RiskLow,
		RequiredCapabilities: []string{"net.out"},
	})

	out := f.sup.Process(context.Background(), call("r1", "echo", "say", map[string]any{"text": "hi"}))
	require.NotNil(t, out.Err)
	assert.Equal(t, gateway.KindCapabilityDenied, out.Err.Kind)
}

func TestCapabilityGateUsesConfiguredSet(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sup.schemas.RegisterManifest(gateway.Manifest{
		Tool: "echo", Action: "say",
		RiskLevel:            gateway.RiskLow,
		RequiredCapabilities: []string{"fs.read"},
	})

	// An actor without an explicit grant list (scheduler, builtin admin)
	// is governed by the gateway's configured set alone.
	c := call("r1", "echo", "say", map[string]any{"text": "hi"})
	c.Actor = "scheduler"
	out := f.sup.Process(context.Background(), c)
	require.Nil(t, out.Err)
	assert.Equal(t, int64(1), f.runner.calls.Load())

	// A capability outside the configured set is denied for everyone,
	// grants or not.
	f.sup.schemas.RegisterManifest(gateway.Manifest{
		Tool: "shell", Action: "exec",
		RiskLevel:            gateway.RiskLow,
		RequiredCapabilities: []string{"db.write"},
	})
	c2 := call("r2", "shell", "exec", map[string]any{"cmd": "true"})
	c2.Actor = "scheduler"
	out = f.sup.Process(context.Background(), c2)
	require.NotNil(t, out.Err)
	assert.Equal(t, gateway.KindCapabilityDenied, out.Err.Kind)
	assert.Equal(t, int64(1), f.runner.calls.Load())
}

func TestManifestArgKeyWhitelist(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sup.schemas.RegisterManifest(gateway.Manifest{
		Tool: "echo", Action: "say",
		RiskLevel:      gateway.RiskLow,
		AllowedArgKeys: []string{"other"},
	})

	out := f.sup.Process(context.Background(), call("r1", "echo", "say", map[string]any{"text": "hi"}))
	require.NotNil(t, out.Err)
	assert.Equal(t, gateway.KindCapabilityDenied, out.Err.Kind)
	assert.Equal(t, []string{"other"}, out.Err.Details["allowed_arg_keys"])
}

func TestManifestOverridesHeuristicRisk(t *testing.T) {
	f := newFixture(t, nil, nil)
	// Shell scores high by heuristic, but the manifest pins it low with no
	// approval requirement.
	f.sup.schemas.RegisterManifest(gateway.Manifest{
		Tool: "shell", Action: "exec",
		RiskLevel: gateway.RiskLow,
	})

	out := f.sup.Process(context.Background(), call("r1", "shell", "exec", map[string]any{"cmd": "uname"}))
	require.Nil(t, out.Err)
	assert.False(t, out.Pending())
	assert.Equal(t, int64(1), f.runner.calls.Load())
}

func TestValidateDoesNotDispatch(t *testing.T) {
	f := newFixture(t, nil, nil)

	risk, needsApproval, gerr := f.sup.Validate(context.Background(),
		call("r1", "shell", "exec", map[string]any{"cmd": "uname"}))
	require.Nil(t, gerr)
	assert.Equal(t, gateway.RiskHigh, risk)
	assert.True(t, needsApproval)
	assert.Zero(t, f.runner.calls.Load())
	assert.Equal(t, 0, f.bus.PendingCount())
}
