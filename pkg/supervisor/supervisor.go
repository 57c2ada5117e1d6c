// Package supervisor runs every tool call through the mediation pipeline:
// kill switch, per-agent tool gate, content filter, schema validation,
// capability manifest, risk scoring, approval routing, and finally sandbox
// dispatch. A call that fails any stage never reaches a worker.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/intellibrowse/gateway/pkg/approval"
	"github.com/intellibrowse/gateway/pkg/audit"
	"github.com/intellibrowse/gateway/pkg/filter"
	"github.com/intellibrowse/gateway/pkg/gateway"
	"github.com/intellibrowse/gateway/pkg/metrics"
	"github.com/intellibrowse/gateway/pkg/sandbox"
	"github.com/intellibrowse/gateway/pkg/schema"
)

// Authorizer answers per-actor policy questions. The auth package
// implements it; a nil Authorizer means no restrictions.
type Authorizer interface {
	// AllowedTools returns the actor's tool whitelist. restricted false
	// means the actor may use any tool.
	AllowedTools(actor string) (tools []string, restricted bool)
	// Capabilities returns the capability names granted to the actor.
	Capabilities(actor string) []string
}

// dedupSize bounds the remembered request ids.
const dedupSize = 10_000

// Supervisor owns the pipeline. One instance serves all requests.
type Supervisor struct {
	kill *KillSwitch
	auth Authorizer
	// allowedCaps is the gateway's configured capability set; a manifest
	// requiring anything outside it is denied for every actor.
	allowedCaps []string
	filter      *filter.Engine
	schemas     *schema.Registry
	bus         *approval.Bus
	runner      sandbox.Runner
	audit       *audit.Sink
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer

	seen *lru.Cache[string, gateway.Outcome]

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New wires a supervisor and registers its approval-resolution observer on
// the bus so approved calls resume automatically.
func New(kill *KillSwitch, auth Authorizer, allowedCaps []string, fe *filter.Engine, reg *schema.Registry,
	bus *approval.Bus, runner sandbox.Runner, sink *audit.Sink, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	seen, _ := lru.New[string, gateway.Outcome](dedupSize)
	s := &Supervisor{
		kill:        kill,
		auth:        auth,
		allowedCaps: allowedCaps,
		filter:      fe,
		schemas:     reg,
		bus:         bus,
		runner:      runner,
		audit:       sink,
		metrics:     m,
		logger:      logger.With("component", "supervisor"),
		tracer:      otel.Tracer("gateway/supervisor"),
		seen:        seen,
		inflight:    make(map[string]struct{}),
	}
	if bus != nil {
		bus.Notify(s.onApprovalEvent)
	}
	return s
}

// Process runs the full pipeline and returns the terminal outcome. The
// same request id submitted twice returns the first outcome; a concurrent
// resubmission is rejected as a duplicate.
func (s *Supervisor) Process(ctx context.Context, call gateway.ToolCall) gateway.Outcome {
	ctx, span := s.tracer.Start(ctx, "supervisor.process", trace.WithAttributes(
		attribute.String("tool", call.Qualified()),
		attribute.String("actor", call.Actor),
	))
	defer span.End()

	if out, ok := s.seen.Get(call.RequestID); ok {
		return out
	}
	s.mu.Lock()
	if _, busy := s.inflight[call.RequestID]; busy {
		s.mu.Unlock()
		return errOutcome(gateway.NewError(gateway.KindDuplicateRequest,
			"request %s is already being processed", call.RequestID))
	}
	s.inflight[call.RequestID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, call.RequestID)
		s.mu.Unlock()
	}()

	risk, requiresApproval, gerr := s.screen(ctx, call)
	if gerr != nil {
		out := errOutcome(gerr)
		s.seen.Add(call.RequestID, out)
		return out
	}

	if requiresApproval {
		a, err := s.bus.Create(call, risk)
		if err != nil {
			out := errOutcome(gateway.NewError(gateway.KindApprovalQueueFull,
				"approval queue is full, retry later"))
			s.seen.Add(call.RequestID, out)
			return out
		}
		s.record(ctx, call.Actor, "approval.created", map[string]any{
			"approval_id": a.ID,
			"tool":        call.Qualified(),
			"risk":        risk.String(),
			"request_id":  call.RequestID,
		})
		// A replayed request id must map onto this same approval, so the
		// pending marker is cached now; onApprovalEvent overwrites it
		// with the terminal outcome on resolution.
		out := gateway.Outcome{PendingApproval: a.ID}
		s.seen.Add(call.RequestID, out)
		return out
	}

	out := s.dispatch(ctx, call)
	s.seen.Add(call.RequestID, out)
	return out
}

// Validate runs the screening stages without dispatching. It reports the
// scored risk and whether the call would pause for approval.
func (s *Supervisor) Validate(ctx context.Context, call gateway.ToolCall) (gateway.RiskLevel, bool, *gateway.Error) {
	return s.screen(ctx, call)
}

// screen runs pipeline stages up to and including risk scoring.
func (s *Supervisor) screen(ctx context.Context, call gateway.ToolCall) (gateway.RiskLevel, bool, *gateway.Error) {
	if engaged, reason, _ := s.kill.State(); engaged {
		s.record(ctx, call.Actor, "call.blocked.kill_switch", map[string]any{
			"tool": call.Qualified(), "request_id": call.RequestID,
		})
		return 0, false, gateway.NewError(gateway.KindServiceUnavailable,
			"gateway is halted").WithDetail("reason", reason)
	}

	if s.auth != nil {
		if tools, restricted := s.auth.AllowedTools(call.Actor); restricted && !contains(tools, call.Tool) {
			s.record(ctx, call.Actor, "call.denied.tool_not_permitted", map[string]any{
				"tool": call.Qualified(), "request_id": call.RequestID,
			})
			return 0, false, gateway.NewError(gateway.KindToolNotPermitted,
				"tool %q is not permitted for this agent", call.Tool)
		}
	}

	if s.filter != nil {
		if m := s.filter.Scan(call.Tool, call.Action, call.Args); m != nil {
			s.record(ctx, call.Actor, "call.denied.content_policy", map[string]any{
				"tool": call.Qualified(), "rule": m.Label, "request_id": call.RequestID,
			})
			// Only the rule label leaves the policy layer; the matched
			// content and pattern stay private.
			return 0, false, gateway.NewError(gateway.KindContentPolicyViolation,
				"call blocked by content policy").WithDetail("rule", m.Label)
		}
	}

	q := call.Qualified()
	if !s.schemas.Known(q) {
		return 0, false, gateway.NewError(gateway.KindUnknownTool, "no such tool action %q", q)
	}
	if violations := s.schemas.Validate(q, call.Args); len(violations) > 0 {
		if s.metrics != nil {
			s.metrics.ValidationErrors.WithLabelValues(q).Inc()
		}
		e := gateway.NewError(gateway.KindSchemaValidationFailed, "arguments do not match the schema for %s", q)
		e.Violations = violations
		return 0, false, e
	}

	risk := ScoreRisk(call, gateway.PayloadSize(call.Args))
	requiresApproval := risk == gateway.RiskHigh

	if manifest, ok := s.schemas.Manifest(q); ok {
		if gerr := s.checkManifest(ctx, call, manifest); gerr != nil {
			return 0, false, gerr
		}
		// A declared manifest overrides the heuristic score.
		risk = manifest.RiskLevel
		requiresApproval = manifest.RequiresApproval || risk == gateway.RiskHigh
	}
	return risk, requiresApproval, nil
}

// checkManifest enforces capability requirements and the argument-key
// whitelist. Required capabilities are gated against the gateway's
// configured set; an actor with an explicit grant list is additionally
// restricted to it. Actors without grants (the scheduler, the builtin
// admin) are governed by the gateway set alone.
func (s *Supervisor) checkManifest(ctx context.Context, call gateway.ToolCall, m *gateway.Manifest) *gateway.Error {
	if len(m.RequiredCapabilities) > 0 {
		var held []string
		if s.auth != nil {
			held = s.auth.Capabilities(call.Actor)
		}
		for _, need := range m.RequiredCapabilities {
			if contains(s.allowedCaps, need) && (len(held) == 0 || contains(held, need)) {
				continue
			}
			s.record(ctx, call.Actor, "call.denied.capability", map[string]any{
				"tool": call.Qualified(), "capability": need, "request_id": call.RequestID,
			})
			return gateway.NewError(gateway.KindCapabilityDenied,
				"capability %q is required for %s", need, call.Qualified())
		}
	}
	if len(m.AllowedArgKeys) > 0 {
		for key := range call.Args {
			if !contains(m.AllowedArgKeys, key) {
				return gateway.NewError(gateway.KindCapabilityDenied,
					"argument %q is not accepted by %s", key, call.Qualified()).
					WithDetail("allowed_arg_keys", m.AllowedArgKeys)
			}
		}
	}
	return nil
}

// dispatch sends the validated call into the sandbox and audits the result.
func (s *Supervisor) dispatch(ctx context.Context, call gateway.ToolCall) gateway.Outcome {
	ctx, span := s.tracer.Start(ctx, "supervisor.dispatch", trace.WithAttributes(
		attribute.String("tool", call.Qualified()),
	))
	defer span.End()

	q := call.Qualified()
	if s.metrics != nil {
		s.metrics.ToolCalls.WithLabelValues(q).Inc()
	}
	start := time.Now()
	result, gerr := s.runner.Execute(ctx, q, call.Args)
	if s.metrics != nil {
		s.metrics.CallDuration.WithLabelValues(q).Observe(time.Since(start).Seconds())
	}

	details := map[string]any{
		"tool":       q,
		"request_id": call.RequestID,
		"args_fp":    gateway.Fingerprint(call.Args),
	}
	if gerr != nil {
		details["error_kind"] = string(gerr.Kind)
		s.record(ctx, call.Actor, "call.failed", details)
		return errOutcome(gerr)
	}
	s.record(ctx, call.Actor, "call.completed", details)
	return gateway.Outcome{Result: result}
}

// onApprovalEvent resumes approved calls and settles rejected or expired
// ones. Runs on the bus emitter's goroutine; dispatch is pushed onto a
// fresh goroutine so resolution never blocks behind a sandbox call.
func (s *Supervisor) onApprovalEvent(ev approval.Event) {
	switch ev.Type {
	case approval.EventApproved:
		call := ev.Approval.Call
		go func() {
			out := s.dispatch(context.Background(), call)
			s.seen.Add(call.RequestID, out)
		}()
	case approval.EventRejected:
		call := ev.Approval.Call
		s.seen.Add(call.RequestID, errOutcome(gateway.NewError(gateway.KindForbidden,
			"call was rejected by %s", ev.Approval.Resolver)))
		s.record(context.Background(), call.Actor, "call.rejected", map[string]any{
			"tool": call.Qualified(), "request_id": call.RequestID, "resolver": ev.Approval.Resolver,
		})
	case approval.EventTimedOut:
		call := ev.Approval.Call
		s.seen.Add(call.RequestID, errOutcome(gateway.NewError(gateway.KindTimeout,
			"approval expired before resolution")))
		s.record(context.Background(), call.Actor, "call.approval_expired", map[string]any{
			"tool": call.Qualified(), "request_id": call.RequestID,
		})
	}
}

// Outcome returns the settled outcome for a request id, if known.
func (s *Supervisor) Outcome(requestID string) (gateway.Outcome, bool) {
	return s.seen.Get(requestID)
}

func (s *Supervisor) record(ctx context.Context, actor, event string, details map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, actor, event, details); err != nil {
		s.logger.Error("audit write failed", "event", event, "error", err)
	}
}

func errOutcome(e *gateway.Error) gateway.Outcome {
	return gateway.Outcome{Err: e}
}

func contains(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}
