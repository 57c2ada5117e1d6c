// Package approval holds the in-memory queue of tool calls awaiting human
// sign-off and fans lifecycle events out to subscribers. The queue does not
// survive a restart; the audit log is the durable record.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/intellibrowse/gateway/pkg/gateway"
	"github.com/intellibrowse/gateway/pkg/metrics"
)

// State is the approval lifecycle. Terminal transitions are one-way.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateTimedOut State = "timed_out"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s != StatePending
}

// EventType names the bus events. The values are also the webhook event
// names, so they are contractual.
type EventType string

const (
	EventCreated  EventType = "approval.created"
	EventApproved EventType = "approval.approved"
	EventRejected EventType = "approval.rejected"
	EventTimedOut EventType = "approval.timed_out"
	// EventBacklog fires once when the pending count crosses the alert
	// threshold (edge triggered). Observers only; it does not reach
	// stream subscribers.
	EventBacklog EventType = "approval.backlog"
	// EventSlowConsumer is a terminal marker delivered to a subscriber
	// that is about to be dropped for not keeping up.
	EventSlowConsumer EventType = "slow_consumer"
)

// Approval is one paused tool call.
type Approval struct {
	ID         int64            `json:"id"`
	Call       gateway.ToolCall `json:"call"`
	Risk       gateway.RiskLevel `json:"risk"`
	State      State            `json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	Resolver   string           `json:"resolver,omitempty"`
}

// Event is what subscribers and webhooks receive.
type Event struct {
	Type     EventType `json:"event"`
	Approval Approval  `json:"approval"`
}

const (
	// MaxPending caps the queue; beyond it new approvals fail fast.
	MaxPending = 10_000
	// maxResolved bounds the retained terminal approvals.
	maxResolved = 1_000
	// subscriberBuffer is each subscriber's event buffer.
	subscriberBuffer = 64
)

// ErrNotFound is returned for unknown approval ids.
var ErrNotFound = errors.New("approval: not found")

// ErrQueueFull is returned when the pending cap is reached.
var ErrQueueFull = errors.New("approval: queue full")

// Subscription is one bus listener. Events arrives in bus order; the
// channel closes after a drop or Close.
type Subscription struct {
	Events <-chan Event
	id     int64
	bus    *Bus
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus owns the pending map. A single mutex guards it; critical sections
// are O(1) and never span I/O. Observers (webhooks, audit, supervisor
// resume) run outside the lock.
type Bus struct {
	mu        sync.Mutex
	nextID    int64
	nextSubID int64
	pending   map[int64]*Approval
	resolved  []*Approval
	subs      map[int64]chan Event
	observers []func(Event)

	timeout        time.Duration
	alertThreshold int
	alertRaised    bool

	metrics *metrics.Metrics
	clock   func() time.Time
}

// New creates a bus. timeout 0 disables the reaper; alertThreshold 0
// disables backlog alerts.
func New(timeout time.Duration, alertThreshold int, m *metrics.Metrics) *Bus {
	return &Bus{
		pending:        make(map[int64]*Approval),
		subs:           make(map[int64]chan Event),
		timeout:        timeout,
		alertThreshold: alertThreshold,
		metrics:        m,
		clock:          time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Notify registers an observer invoked for every event, including reaper
// transitions. Observers must not block; they run on the emitting
// goroutine after the bus lock is released.
func (b *Bus) Notify(fn func(Event)) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

// Create enqueues a pending approval and broadcasts approval.created.
func (b *Bus) Create(call gateway.ToolCall, risk gateway.RiskLevel) (Approval, error) {
	b.mu.Lock()
	if len(b.pending) >= MaxPending {
		b.mu.Unlock()
		return Approval{}, ErrQueueFull
	}
	b.nextID++
	a := &Approval{
		ID:        b.nextID,
		Call:      call,
		Risk:      risk,
		State:     StatePending,
		CreatedAt: b.clock(),
	}
	b.pending[a.ID] = a
	snapshot := *a
	ev := Event{Type: EventCreated, Approval: snapshot}
	observers := b.fanoutLocked(ev)
	rose := b.updateGaugesLocked()
	b.mu.Unlock()

	b.deliver(ev, observers)
	if rose {
		b.deliver(Event{Type: EventBacklog, Approval: snapshot}, observers)
	}
	return snapshot, nil
}

// Approve resolves an approval. Idempotent on terminal state: resolving an
// already-terminal approval returns its current state without error and
// without a second event.
func (b *Bus) Approve(id int64, resolver string) (Approval, error) {
	return b.resolve(id, resolver, StateApproved, EventApproved)
}

// Reject resolves an approval negatively. Same idempotence as Approve.
func (b *Bus) Reject(id int64, resolver string) (Approval, error) {
	return b.resolve(id, resolver, StateRejected, EventRejected)
}

func (b *Bus) resolve(id int64, resolver string, state State, evType EventType) (Approval, error) {
	b.mu.Lock()
	a, ok := b.pending[id]
	if !ok {
		for _, r := range b.resolved {
			if r.ID == id {
				snapshot := *r
				b.mu.Unlock()
				return snapshot, nil
			}
		}
		b.mu.Unlock()
		return Approval{}, ErrNotFound
	}

	now := b.clock()
	a.State = state
	a.ResolvedAt = &now
	a.Resolver = resolver
	delete(b.pending, id)
	b.retainLocked(a)

	snapshot := *a
	ev := Event{Type: evType, Approval: snapshot}
	observers := b.fanoutLocked(ev)
	b.updateGaugesLocked()
	b.mu.Unlock()

	b.deliver(ev, observers)
	return snapshot, nil
}

// Get returns an approval by id, pending or retained.
func (b *Bus) Get(id int64) (Approval, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.pending[id]; ok {
		return *a, nil
	}
	for _, r := range b.resolved {
		if r.ID == id {
			return *r, nil
		}
	}
	return Approval{}, ErrNotFound
}

// List returns pending approvals in id order plus retained terminal ones.
func (b *Bus) List() []Approval {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Approval, 0, len(b.pending)+len(b.resolved))
	for _, a := range b.pending {
		out = append(out, *a)
	}
	for _, a := range b.resolved {
		out = append(out, *a)
	}
	sortByID(out)
	return out
}

// PendingCount reports the queue depth.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Subscribe attaches a listener that receives every event after this call.
// One extra slot is reserved so the slow_consumer marker always fits.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, subscriberBuffer+1)
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = ch
	if b.metrics != nil {
		b.metrics.SSESubscribers.Set(float64(len(b.subs)))
	}
	b.mu.Unlock()
	return &Subscription{Events: ch, id: id, bus: b}
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	if b.metrics != nil {
		b.metrics.SSESubscribers.Set(float64(len(b.subs)))
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// StartReaper runs the timeout sweep every second until ctx ends. A zero
// timeout disables it entirely.
func (b *Bus) StartReaper(ctx context.Context) {
	if b.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reap()
		}
	}
}

// reap transitions expired pending approvals to timed_out, taking the same
// fan-out path as an explicit reject.
func (b *Bus) reap() {
	b.mu.Lock()
	now := b.clock()
	var expired []*Approval
	for _, a := range b.pending {
		if now.Sub(a.CreatedAt) >= b.timeout {
			expired = append(expired, a)
		}
	}
	type pendingEvent struct {
		ev        Event
		observers []func(Event)
	}
	var events []pendingEvent
	for _, a := range expired {
		resolvedAt := now
		a.State = StateTimedOut
		a.ResolvedAt = &resolvedAt
		a.Resolver = "reaper"
		delete(b.pending, a.ID)
		b.retainLocked(a)
		ev := Event{Type: EventTimedOut, Approval: *a}
		events = append(events, pendingEvent{ev, b.fanoutLocked(ev)})
	}
	b.updateGaugesLocked()
	b.mu.Unlock()

	for _, pe := range events {
		b.deliver(pe.ev, pe.observers)
	}
}

// retainLocked appends to the bounded terminal history.
func (b *Bus) retainLocked(a *Approval) {
	b.resolved = append(b.resolved, a)
	if len(b.resolved) > maxResolved {
		b.resolved = b.resolved[len(b.resolved)-maxResolved:]
	}
}

// fanoutLocked pushes the event into every subscriber buffer, dropping slow
// consumers, and snapshots the observer list. Caller holds the lock; events
// for one approval stay totally ordered because both the state change and
// the buffer push happen under it.
func (b *Bus) fanoutLocked(ev Event) []func(Event) {
	var dropped []int64
	for id, ch := range b.subs {
		if len(ch) >= subscriberBuffer {
			dropped = append(dropped, id)
			continue
		}
		ch <- ev
	}
	for _, id := range dropped {
		ch := b.subs[id]
		delete(b.subs, id)
		// The reserved slot guarantees the marker fits.
		ch <- Event{Type: EventSlowConsumer}
		close(ch)
	}
	if b.metrics != nil && len(dropped) > 0 {
		b.metrics.SSESubscribers.Set(float64(len(b.subs)))
	}
	observers := make([]func(Event), len(b.observers))
	copy(observers, b.observers)
	return observers
}

// deliver runs observers outside the lock.
func (b *Bus) deliver(ev Event, observers []func(Event)) {
	for _, fn := range observers {
		fn(ev)
	}
}

// updateGaugesLocked refreshes the gauges and reports whether the backlog
// alert just rose, so the caller can emit the edge event outside the lock.
func (b *Bus) updateGaugesLocked() (rose bool) {
	wasRaised := b.alertRaised
	if b.alertThreshold > 0 {
		b.alertRaised = len(b.pending) > b.alertThreshold
	}
	rose = b.alertRaised && !wasRaised
	if b.metrics == nil {
		return rose
	}
	b.metrics.ApprovalsPending.Set(float64(len(b.pending)))
	if b.alertThreshold > 0 {
		if b.alertRaised {
			b.metrics.ApprovalBacklogAlert.Set(1)
		} else {
			b.metrics.ApprovalBacklogAlert.Set(0)
		}
	}
	return rose
}

// BacklogAlert reports whether the pending count exceeds the threshold.
func (b *Bus) BacklogAlert() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alertRaised
}

func sortByID(items []Approval) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].ID < items[j-1].ID; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
