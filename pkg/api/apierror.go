// Package api is the gateway's HTTP surface: routing, middleware, and the
// JSON error envelope shared by every endpoint.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/intellibrowse/gateway/pkg/gateway"
)

// errorBody is the wire envelope: {"error": {kind, token?, message, ...}}.
type errorBody struct {
	Error *gateway.Error `json:"error"`
}

// statusFor maps the stable error kinds onto HTTP statuses. The kinds are
// the contract; the statuses are advisory for generic HTTP tooling.
func statusFor(kind gateway.ErrorKind) int {
	switch kind {
	case gateway.KindUnknownTool, gateway.KindNotFound:
		return http.StatusNotFound
	case gateway.KindSchemaValidationFailed, gateway.KindInvalidRequest:
		return http.StatusBadRequest
	case gateway.KindContentPolicyViolation, gateway.KindCapabilityDenied,
		gateway.KindToolNotPermitted, gateway.KindForbidden:
		return http.StatusForbidden
	case gateway.KindUnauthorized:
		return http.StatusUnauthorized
	case gateway.KindRateLimited:
		return http.StatusTooManyRequests
	case gateway.KindConflict, gateway.KindDuplicateRequest:
		return http.StatusConflict
	case gateway.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case gateway.KindTimeout:
		return http.StatusGatewayTimeout
	case gateway.KindApprovalQueueFull:
		return http.StatusTooManyRequests
	case gateway.KindWorkerError, gateway.KindExecutionError:
		return http.StatusBadGateway
	case gateway.KindSandboxUnavailable, gateway.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders the error envelope with the kind's status.
func writeError(w http.ResponseWriter, e *gateway.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(e.Kind))
	_ = json.NewEncoder(w).Encode(errorBody{Error: e})
}

// writeKind is shorthand for simple error responses.
func writeKind(w http.ResponseWriter, kind gateway.ErrorKind, format string, args ...any) {
	writeError(w, gateway.NewError(kind, format, args...))
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses a request body into v, translating size and syntax
// failures into the error vocabulary.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeKind(w, gateway.KindPayloadTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
			return false
		}
		writeKind(w, gateway.KindInvalidRequest, "malformed request body: %v", err)
		return false
	}
	return true
}
