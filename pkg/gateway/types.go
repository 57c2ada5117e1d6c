// Package gateway defines the domain types shared by every subsystem:
// tool calls, outcomes, risk levels, capability manifests, and the closed
// error vocabulary that agents depend on for deterministic retries.
package gateway

import (
	"fmt"
	"strings"
	"time"
)

// ToolCall is a single request addressed to an action handler inside a
// sandbox worker. It is minted on ingress and never mutated afterwards.
type ToolCall struct {
	RequestID  string         `json:"request_id"`
	Tool       string         `json:"tool"`
	Action     string         `json:"action"`
	Args       map[string]any `json:"args"`
	Actor      string         `json:"actor"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Qualified returns the dotted "tool.action" name used for schema lookup
// and sandbox dispatch.
func (c ToolCall) Qualified() string {
	return c.Tool + "." + c.Action
}

// RiskLevel classifies how dangerous a tool call is.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMed
	RiskHigh
)

// ParseRiskLevel converts the wire form ("low", "med", "high").
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(s) {
	case "low":
		return RiskLow, nil
	case "med", "medium":
		return RiskMed, nil
	case "high":
		return RiskHigh, nil
	}
	return RiskLow, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) String() string {
	switch r {
	case RiskMed:
		return "med"
	case RiskHigh:
		return "high"
	default:
		return "low"
	}
}

// Bump raises the level by n steps, clamped to high.
func (r RiskLevel) Bump(n int) RiskLevel {
	v := int(r) + n
	if v > int(RiskHigh) {
		v = int(RiskHigh)
	}
	return RiskLevel(v)
}

// MarshalJSON encodes the wire form.
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// UnmarshalJSON decodes the wire form.
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Manifest declares what a tool action needs and which argument keys it
// accepts. A loaded manifest overrides heuristic risk scoring.
type Manifest struct {
	Tool                 string    `json:"tool"`
	Action               string    `json:"action"`
	RiskLevel            RiskLevel `json:"risk_level"`
	RequiresApproval     bool      `json:"requires_approval"`
	RequiredCapabilities []string  `json:"required_capabilities,omitempty"`
	AllowedArgKeys       []string  `json:"allowed_arg_keys,omitempty"`
}

// Qualified returns the dotted "tool.action" name.
func (m Manifest) Qualified() string {
	return m.Tool + "." + m.Action
}

// Outcome is the terminal result of supervising a tool call: exactly one of
// Result, PendingApproval, or Err is meaningful.
type Outcome struct {
	Result          map[string]any `json:"result,omitempty"`
	PendingApproval int64          `json:"pending_approval,omitempty"`
	Err             *Error         `json:"error,omitempty"`
}

// Pending reports whether the call is parked behind a human approval.
func (o Outcome) Pending() bool {
	return o.PendingApproval != 0
}
