package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/time/rate"

	"github.com/intellibrowse/gateway/pkg/metrics"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-Intelli-Signature-256"

// Dispatcher fans events out to subscribed hooks asynchronously. Each
// delivery gets a bounded number of attempts with exponential backoff; a
// global rate limiter paces outbound requests so a storm of approvals
// cannot hammer receivers.
type Dispatcher struct {
	registry   *Registry
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// sleep is swapped by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires a dispatcher. maxRetries counts total attempts per
// hook per event; values below 1 are raised to 1.
func NewDispatcher(registry *Registry, maxRetries int, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:   registry,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(20), 40),
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		metrics:    m,
		logger:     logger.With("component", "webhook"),
		ctx:        ctx,
		cancel:     cancel,
		sleep:      sleepCtx,
	}
}

// Dispatch signs and delivers the event payload to every subscribed hook.
// It returns immediately; deliveries run on background goroutines.
func (d *Dispatcher) Dispatch(event string, payload any) {
	hooks := d.registry.Subscribed(event)
	if len(hooks) == 0 {
		return
	}
	body, err := canonicalBody(payload)
	if err != nil {
		d.logger.Error("event payload not serializable", "event", event, "error", err)
		return
	}
	for _, h := range hooks {
		hook := h
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(hook, event, body)
		}()
	}
}

// deliver runs the retry loop for one hook.
func (d *Dispatcher) deliver(hook Hook, event string, body []byte) {
	sig := Sign(hook.Secret, body)
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		if attempt > 1 {
			delay := d.baseDelay << (attempt - 2)
			if err := d.sleep(d.ctx, delay); err != nil {
				return
			}
		}
		if err := d.limiter.Wait(d.ctx); err != nil {
			return
		}

		status, err := d.post(hook.URL, sig, body)
		rec := Delivery{Timestamp: time.Now().UTC(), Event: event, Status: status}
		if err != nil {
			rec.Error = err.Error()
		}
		d.registry.RecordDelivery(hook.ID, rec)

		if err == nil && status >= 200 && status < 300 {
			if d.metrics != nil {
				d.metrics.WebhookDeliveries.WithLabelValues("success").Inc()
			}
			return
		}
		d.logger.Warn("webhook delivery failed",
			"hook", hook.ID, "event", event, "attempt", attempt, "status", status, "error", err)
	}
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
	}
}

func (d *Dispatcher) post(url, sig string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Close waits for in-flight deliveries, abandoning pending retries.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Sign computes the signature header value for a body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against a body in constant time.
func Verify(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// canonicalBody renders the payload as canonical JSON so the signature is
// reproducible by receivers regardless of key ordering.
func canonicalBody(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("webhook: canonicalize payload: %w", err)
	}
	return canonical, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
