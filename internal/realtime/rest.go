package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"scriptrun/internal/protocol"
)

// controlRequest is the JSON body of the POST /script/* endpoints.
type controlRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	CSRFToken string `json:"csrf_token"`
}

// decodeControl parses and authorizes a control request. It writes the
// error response and returns false when the request must not proceed.
func (s *Server) decodeControl(w http.ResponseWriter, r *http.Request) (*controlRequest, bool) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return nil, false
	}

	if !s.guard.Validate(r, req.CSRFToken) {
		s.logger.Warn().Str("path", r.URL.Path).Msg("invalid csrf token")
		writeError(w, http.StatusForbidden, protocol.ErrInvalidToken)
		return nil, false
	}

	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session_id")
		return nil, false
	}

	return &req, true
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeControl(w, r)
	if !ok {
		return
	}

	if err := s.engine.SendInput(req.SessionID, req.Text); err != nil {
		s.logger.Debug().Err(err).Str("session", req.SessionID).Msg("input rejected")
		writeError(w, http.StatusInternalServerError, "failed to send input")
		return
	}
	s.engine.UpdateActivity(req.SessionID)

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeControl(w, r)
	if !ok {
		return
	}

	if err := s.engine.UpdateActivity(req.SessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeControl(w, r)
	if !ok {
		return
	}

	if err := s.registry.Destroy(req.SessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Entries())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Count(),
		"clients":  s.ClientCount(),
	})
}
