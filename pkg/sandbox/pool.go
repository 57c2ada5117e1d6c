package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intellibrowse/gateway/pkg/gateway"
	"github.com/intellibrowse/gateway/pkg/metrics"
)

// Runner executes one whitelisted action. The pool and the docker runner
// both satisfy it; the supervisor only sees this interface.
type Runner interface {
	Execute(ctx context.Context, action string, params map[string]any) (map[string]any, *gateway.Error)
}

// Pool manages persistent workers. Checkout never blocks: when no worker
// is free and none can be spawned, calls fail fast with
// sandbox_unavailable rather than queueing.
type Pool struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	// factory is swapped by tests to inject fake workers.
	factory func() (worker, error)

	mu               sync.Mutex
	idle             []worker
	total            int
	consecutiveFails int
	nextSpawn        time.Time
	exhausted        bool
	closed           bool

	clock func() time.Time
}

// NewPool creates a pool; workers are spawned on demand up to cfg.Size.
func NewPool(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "sandbox"),
		clock:   time.Now,
	}
	p.factory = func() (worker, error) {
		return spawnWorker(cfg.Command, cfg.Args, cfg.SpawnTimeout)
	}
	return p
}

// Execute implements Runner.
func (p *Pool) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, *gateway.Error) {
	// Request size is capped before a worker is consumed.
	if raw, err := json.Marshal(params); err == nil && len(raw) > MaxPayload {
		return nil, gateway.NewError(gateway.KindPayloadTooLarge,
			"request payload %d bytes exceeds %d", len(raw), MaxPayload)
	}

	w, gerr := p.checkout()
	if gerr != nil {
		return nil, gerr
	}

	if !w.supports(action) {
		p.checkin(w)
		return nil, gateway.NewError(gateway.KindExecutionError, "worker does not expose action %q", action).
			WithDetail("worker_error", "unknown_action")
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}

	resp, err := w.call(callCtx, Request{ID: uuid.New().String(), Action: action, Params: params})
	switch {
	case err == nil:
	case errors.Is(err, ErrPayloadTooLarge):
		// The stream may be desynchronized; replace the worker.
		p.discard(w)
		return nil, gateway.NewError(gateway.KindPayloadTooLarge, "payload exceeds %d bytes", MaxPayload)
	case callCtx.Err() != nil:
		p.discard(w)
		return nil, gateway.NewError(gateway.KindTimeout, "sandbox call exceeded %s", p.cfg.CallTimeout)
	default:
		p.discard(w)
		p.logger.Warn("worker failed", "action", action, "error", err)
		return nil, gateway.NewError(gateway.KindWorkerError, "sandbox worker failed")
	}

	p.checkin(w)

	if !resp.OK {
		e := gateway.NewError(gateway.KindExecutionError, "%s", resp.Message)
		if resp.Error != "" {
			e = e.WithDetail("worker_error", resp.Error)
		}
		return nil, e
	}
	return resp.Result, nil
}

// checkout pops an idle worker or spawns one, honoring crash backoff.
func (p *Pool) checkout() (worker, *gateway.Error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, gateway.NewError(gateway.KindSandboxUnavailable, "pool is shut down")
	}
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return w, nil
	}
	if p.total >= p.cfg.Size {
		p.mu.Unlock()
		return nil, gateway.NewError(gateway.KindSandboxUnavailable, "no free sandbox worker")
	}
	if p.clock().Before(p.nextSpawn) {
		p.mu.Unlock()
		return nil, gateway.NewError(gateway.KindSandboxUnavailable, "worker restart backoff in effect")
	}
	p.total++
	p.mu.Unlock()

	w, err := p.factory()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.total--
		p.recordFailLocked()
		p.logger.Error("worker spawn failed", "error", err)
		return nil, gateway.NewError(gateway.KindSandboxUnavailable, "cannot start sandbox worker")
	}
	p.consecutiveFails = 0
	p.exhausted = false
	if p.metrics != nil {
		p.metrics.SandboxFatal.Set(0)
		p.metrics.WorkersHealthy.Set(float64(p.total))
	}
	return w, nil
}

func (p *Pool) checkin(w worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		w.kill()
		return
	}
	p.idle = append(p.idle, w)
}

// discard kills a worker and frees its slot; the next call respawns.
func (p *Pool) discard(w worker) {
	w.kill()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total--
	p.recordFailLocked()
	if p.metrics != nil {
		p.metrics.SandboxRestarts.Inc()
		p.metrics.WorkersHealthy.Set(float64(p.total))
	}
}

// recordFailLocked applies linear backoff, capped at 30s, and flips the
// exhausted gauge after too many consecutive failures.
func (p *Pool) recordFailLocked() {
	p.consecutiveFails++
	backoff := time.Duration(p.consecutiveFails) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	p.nextSpawn = p.clock().Add(backoff)
	if p.consecutiveFails >= p.cfg.MaxConsecutiveFails {
		p.exhausted = true
		if p.metrics != nil {
			p.metrics.SandboxFatal.Set(1)
		}
	}
}

// Healthy reports live workers (idle + checked out).
func (p *Pool) Healthy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Exhausted reports whether the pool needs operator intervention.
func (p *Pool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// StartHealth launches the background pinger. It returns when ctx ends.
func (p *Pool) StartHealth(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pingIdle(ctx)
		}
	}
}

// pingIdle drains the idle set, health-checks each worker, and returns the
// survivors. Checked-out workers are implicitly health-checked by use.
func (p *Pool) pingIdle(ctx context.Context) {
	p.mu.Lock()
	workers := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range workers {
		pingCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		resp, err := w.call(pingCtx, Request{ID: uuid.New().String(), Action: HealthAction})
		cancel()
		if err != nil || !resp.OK {
			p.logger.Warn("health ping failed, replacing worker", "error", err)
			p.discard(w)
			continue
		}
		p.checkin(w)
	}

	if p.metrics != nil {
		p.metrics.WorkersHealthy.Set(float64(p.Healthy()))
	}
}

// Close kills every worker. Pending calls fail.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	workers := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, w := range workers {
		w.kill()
	}
}
