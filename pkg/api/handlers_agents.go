package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/intellibrowse/gateway/pkg/gateway"
	"github.com/intellibrowse/gateway/pkg/memory"
	"github.com/intellibrowse/gateway/pkg/tabs"
)

// --- Agent memory ---

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	entries, err := s.Memory.List(agentID)
	if err != nil {
		writeMemoryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleMemorySet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key        string `json:"key"`
		Value      any    `json:"value"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeKind(w, gateway.KindInvalidRequest, "key is required")
		return
	}
	agentID := r.PathValue("id")
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.Memory.Set(agentID, req.Key, req.Value, ttl); err != nil {
		writeMemoryErr(w, err)
		return
	}
	entry, err := s.Memory.Get(agentID, req.Key)
	if err != nil {
		writeMemoryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	key := r.PathValue("key")
	if err := s.Memory.Delete(agentID, key); err != nil {
		writeMemoryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMemoryPrune(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	removed, err := s.Memory.Prune(agentID)
	if err != nil {
		writeMemoryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func writeMemoryErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrBadAgentID):
		writeKind(w, gateway.KindInvalidRequest, "invalid agent id")
	case errors.Is(err, memory.ErrNotFound):
		writeKind(w, gateway.KindNotFound, "memory key not found")
	default:
		writeKind(w, gateway.KindServiceUnavailable, "memory: %v", err)
	}
}

// --- Browser tab collaboration ---

func (s *Server) handleTabSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap tabs.Snapshot
	if !decodeJSON(w, r, &snap) {
		return
	}
	if snap.URL == "" {
		writeKind(w, gateway.KindInvalidRequest, "url is required")
		return
	}
	if err := s.Tabs.PutSnapshot(actorOf(r), snap); err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "snapshot: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleTabPreview(w http.ResponseWriter, r *http.Request) {
	p, err := s.Tabs.PreviewSnapshot()
	if errors.Is(err, tabs.ErrNoSnapshot) {
		writeKind(w, gateway.KindNotFound, "no snapshot available")
		return
	}
	if err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "preview: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTabInjectQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"injections": s.Tabs.DrainQueue()})
}

// --- Consent ---

func (s *Server) handleConsentTimeline(w http.ResponseWriter, _ *http.Request) {
	records, err := s.Consent.Timeline()
	if err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "consent: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleConsentExport(w http.ResponseWriter, r *http.Request) {
	actor := r.PathValue("actor")
	records, err := s.Consent.Export(actor)
	if err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "consent: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actor": actor, "records": records})
}

func (s *Server) handleConsentErase(w http.ResponseWriter, r *http.Request) {
	actor := r.PathValue("actor")
	removed, err := s.Consent.Erase(actor)
	if err != nil {
		writeKind(w, gateway.KindServiceUnavailable, "consent: %v", err)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorOf(r), "consent.erased", map[string]any{
			"subject": actor, "removed": removed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
