package gateway

import "fmt"

// ErrorKind is the stable error vocabulary exposed in API payloads.
// Agents key their retry behavior off these values; never rename one.
type ErrorKind string

const (
	KindUnknownTool            ErrorKind = "unknown_tool"
	KindSchemaValidationFailed ErrorKind = "schema_validation_failed"
	KindContentPolicyViolation ErrorKind = "content_policy_violation"
	KindCapabilityDenied       ErrorKind = "capability_denied"
	KindToolNotPermitted       ErrorKind = "tool_not_permitted"
	KindRateLimited            ErrorKind = "rate_limited"
	KindUnauthorized           ErrorKind = "unauthorized"
	KindForbidden              ErrorKind = "forbidden"
	KindNotFound               ErrorKind = "not_found"
	KindConflict               ErrorKind = "conflict"
	KindPayloadTooLarge        ErrorKind = "payload_too_large"
	KindTimeout                ErrorKind = "timeout"
	KindWorkerError            ErrorKind = "worker_error"
	KindExecutionError         ErrorKind = "execution_error"
	KindSandboxUnavailable     ErrorKind = "sandbox_unavailable"
	KindServiceUnavailable     ErrorKind = "service_unavailable"
	KindDuplicateRequest       ErrorKind = "duplicate_request"
	KindApprovalQueueFull      ErrorKind = "approval_queue_full"
	KindInvalidRequest         ErrorKind = "invalid_request"
)

// Validation tokens are derived from JSON-schema keywords so the upstream
// model can correct deterministically. Closed set; shared with the schema
// registry's keyword mapping.
const (
	TokenRequired   = "ERR_REQUIRED"
	TokenType       = "ERR_TYPE"
	TokenEnum       = "ERR_ENUM"
	TokenPattern    = "ERR_PATTERN"
	TokenAdditional = "ERR_ADDITIONAL"
	TokenMaxLength  = "ERR_MAXLENGTH"
	TokenMinLength  = "ERR_MINLENGTH"
	TokenMaximum    = "ERR_MAXIMUM"
	TokenMinimum    = "ERR_MINIMUM"
	TokenFormat     = "ERR_FORMAT"
	TokenSchema     = "ERR_SCHEMA"
)

// ValidationError describes a single schema violation. Token is stable for
// identical input; Pointer is a JSON pointer into args.
type ValidationError struct {
	Token   string `json:"token"`
	Pointer string `json:"pointer"`
	Message string `json:"message"`
}

// Error is the typed error carried through the pipeline and rendered in
// API responses as {error: {kind, token?, message, details?}}.
type Error struct {
	Kind       ErrorKind         `json:"kind"`
	Token      string            `json:"token,omitempty"`
	Message    string            `json:"message,omitempty"`
	Details    map[string]any    `json:"details,omitempty"`
	Violations []ValidationError `json:"violations,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError constructs a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one detail key, returning the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}
