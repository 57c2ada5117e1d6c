package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/intellibrowse/gateway/pkg/auth"
	"github.com/intellibrowse/gateway/pkg/gateway"
)

type toolCallRequest struct {
	RequestID string         `json:"request_id"`
	Tool      string         `json:"tool"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args"`
}

func (req toolCallRequest) toCall(actor string) gateway.ToolCall {
	id := req.RequestID
	if id == "" {
		id = uuid.New().String()
	}
	return gateway.ToolCall{
		RequestID:  id,
		Tool:       req.Tool,
		Action:     req.Action,
		Args:       req.Args,
		Actor:      actor,
		ReceivedAt: time.Now().UTC(),
	}
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tool == "" || req.Action == "" {
		writeKind(w, gateway.KindInvalidRequest, "tool and action are required")
		return
	}
	p, _ := auth.PrincipalFrom(r.Context())
	call := req.toCall(p.Name)

	out := s.Supervisor.Process(r.Context(), call)
	switch {
	case out.Err != nil:
		writeError(w, out.Err)
	case out.Pending():
		writeJSON(w, http.StatusAccepted, map[string]any{
			"pending_approval": true,
			"approval_id":      out.PendingApproval,
			"request_id":       call.RequestID,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"request_id": call.RequestID,
			"result":     out.Result,
		})
	}
}

// handleValidate runs the screening pipeline without dispatching.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tool == "" || req.Action == "" {
		writeKind(w, gateway.KindInvalidRequest, "tool and action are required")
		return
	}
	p, _ := auth.PrincipalFrom(r.Context())
	call := req.toCall(p.Name)

	risk, needsApproval, verr := s.Supervisor.Validate(r.Context(), call)
	if verr != nil {
		writeError(w, verr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":             true,
		"risk":              risk,
		"requires_approval": needsApproval,
	})
}
