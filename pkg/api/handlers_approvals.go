package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/intellibrowse/gateway/pkg/approval"
	"github.com/intellibrowse/gateway/pkg/gateway"
)

// keepAliveInterval is how often the SSE stream emits a comment so idle
// connections survive intermediary timeouts.
const keepAliveInterval = 15 * time.Second

func (s *Server) handleApprovalList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals":     s.Bus.List(),
		"pending_count": s.Bus.PendingCount(),
		"backlog_alert": s.Bus.BacklogAlert(),
	})
}

func (s *Server) handleApprovalResolve(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeKind(w, gateway.KindInvalidRequest, "approval id must be an integer")
			return
		}
		resolver := actorOf(r)

		var a approval.Approval
		var verb string
		if approve {
			a, err = s.Bus.Approve(id, resolver)
			verb = "approval.approved"
		} else {
			a, err = s.Bus.Reject(id, resolver)
			verb = "approval.rejected"
		}
		if errors.Is(err, approval.ErrNotFound) {
			writeKind(w, gateway.KindNotFound, "approval %d not found", id)
			return
		}
		if err != nil {
			writeKind(w, gateway.KindServiceUnavailable, "resolve failed: %v", err)
			return
		}
		if s.audit != nil {
			_ = s.audit.Record(r.Context(), resolver, verb, map[string]any{
				"approval_id": a.ID,
				"request_id":  a.Call.RequestID,
				"state":       string(a.State),
			})
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// handleApprovalStream serves approval events over SSE. Each event is a
// named frame; a comment line every keepAliveInterval keeps the
// connection warm. The bus closes the channel if we fall behind.
func (s *Server) handleApprovalStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeKind(w, gateway.KindServiceUnavailable, "streaming unsupported")
		return
	}

	// The bus maintains the subscriber gauge on Subscribe and Close.
	sub := s.Bus.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Snapshot of the pending queue so late subscribers catch up.
	for _, a := range s.Bus.List() {
		if a.State == approval.StatePending {
			writeSSE(w, approval.EventCreated, approval.Event{Type: approval.EventCreated, Approval: a})
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			writeSSE(w, ev.Type, ev)
			flusher.Flush()
			if ev.Type == approval.EventSlowConsumer {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, name approval.EventType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
