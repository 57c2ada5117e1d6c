// Package webhook delivers approval lifecycle events to registered HTTP
// endpoints, signing each body so receivers can authenticate the gateway.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hook is one registered endpoint. Secret is stored as given; it never
// appears in list responses (the API layer redacts it).
type Hook struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery is one attempt outcome kept in the per-hook log.
type Delivery struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Status    int       `json:"http_status,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ErrNotFound is returned for unknown hook ids.
var ErrNotFound = errors.New("webhook: not found")

const maxDeliveryLog = 100

// Registry is the file-backed hook store. Delivery logs are in-memory
// only; hooks themselves survive restarts.
type Registry struct {
	mu        sync.Mutex
	path      string
	hooks     map[string]*Hook
	delivered map[string][]Delivery
	clock     func() time.Time
}

// OpenRegistry loads hooks from path, creating an empty registry when the
// file does not exist yet.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:      path,
		hooks:     make(map[string]*Hook),
		delivered: make(map[string][]Delivery),
		clock:     time.Now,
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("webhook: read registry: %w", err)
	}
	var hooks []*Hook
	if err := json.Unmarshal(raw, &hooks); err != nil {
		return nil, fmt.Errorf("webhook: parse registry: %w", err)
	}
	for _, h := range hooks {
		r.hooks[h.ID] = h
	}
	return r, nil
}

// Add registers a hook and persists the registry.
func (r *Registry) Add(url, secret string, events []string) (Hook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := &Hook{
		ID:        uuid.New().String(),
		URL:       url,
		Events:    append([]string(nil), events...),
		Secret:    secret,
		CreatedAt: r.clock().UTC(),
	}
	r.hooks[h.ID] = h
	if err := r.persistLocked(); err != nil {
		delete(r.hooks, h.ID)
		return Hook{}, err
	}
	return *h, nil
}

// Delete removes a hook and its delivery log.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hooks[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.hooks, id)
	if err := r.persistLocked(); err != nil {
		r.hooks[id] = h
		return err
	}
	delete(r.delivered, id)
	return nil
}

// Get returns one hook.
func (r *Registry) Get(id string) (Hook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hooks[id]
	if !ok {
		return Hook{}, ErrNotFound
	}
	return *h, nil
}

// List returns all hooks ordered by creation time.
func (r *Registry) List() []Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Subscribed returns hooks whose event list contains event. An empty
// event list subscribes to nothing.
func (r *Registry) Subscribed(event string) []Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Hook
	for _, h := range r.hooks {
		for _, e := range h.Events {
			if e == event {
				out = append(out, *h)
				break
			}
		}
	}
	return out
}

// RecordDelivery appends to the bounded per-hook delivery log.
func (r *Registry) RecordDelivery(id string, d Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[id]; !ok {
		return
	}
	log := append(r.delivered[id], d)
	if len(log) > maxDeliveryLog {
		log = log[len(log)-maxDeliveryLog:]
	}
	r.delivered[id] = log
}

// Deliveries returns the delivery log for a hook, oldest first.
func (r *Registry) Deliveries(id string) ([]Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]Delivery(nil), r.delivered[id]...), nil
}

func (r *Registry) persistLocked() error {
	hooks := make([]*Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].ID < hooks[j].ID })
	raw, err := json.MarshalIndent(hooks, "", "  ")
	if err != nil {
		return fmt.Errorf("webhook: encode registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("webhook: registry dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("webhook: write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("webhook: replace registry: %w", err)
	}
	return nil
}
