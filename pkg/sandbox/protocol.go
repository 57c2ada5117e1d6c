// Package sandbox executes whitelisted tool actions in isolated worker
// subprocesses. Workers are long-lived and speak newline-delimited JSON on
// stdio: one compact object per line, request then response. The first line
// a worker emits is its hello, announcing protocol version and action set.
package sandbox

import (
	"errors"
	"time"
)

// MaxPayload bounds both request and response lines, in bytes.
const MaxPayload = 256 * 1024

// ProtocolConstraint is the semver range of worker protocols this pool
// accepts. Workers outside it are rejected at spawn.
const ProtocolConstraint = "^1.0"

// HealthAction is the no-op every worker must implement.
const HealthAction = "noop"

var (
	// ErrPayloadTooLarge marks an oversized request or response line.
	ErrPayloadTooLarge = errors.New("sandbox: payload exceeds limit")
	// ErrWorkerClosed marks a call against a dead worker.
	ErrWorkerClosed = errors.New("sandbox: worker closed")
)

// Hello is the worker's first stdout line.
type Hello struct {
	Hello           bool     `json:"hello"`
	ProtocolVersion string   `json:"protocol_version"`
	Actions         []string `json:"actions"`
}

// Request is one call into a worker.
type Request struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is the worker's answer. Error is a short code ("unknown_action",
// "action_failed"); Message is free text.
type Response struct {
	ID      string         `json:"id"`
	OK      bool           `json:"ok"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Config tunes the pool.
type Config struct {
	Command        string
	Args           []string
	Size           int
	CallTimeout    time.Duration
	SpawnTimeout   time.Duration
	HealthInterval time.Duration
	// MaxConsecutiveFails flips the pool into the exhausted state.
	MaxConsecutiveFails int
}

func (c Config) withDefaults() Config {
	if c.Size < 1 {
		c.Size = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 10 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.MaxConsecutiveFails <= 0 {
		c.MaxConsecutiveFails = 5
	}
	return c
}
