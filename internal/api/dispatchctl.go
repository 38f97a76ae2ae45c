package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleDispatchStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.streamer.Stats())
}

func (s *Server) handleDispatchToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		WriteError(w, http.StatusBadRequest, "body must include enabled")
		return
	}

	s.streamer.SetEnabled(*req.Enabled)
	s.log.Info().Bool("enabled", *req.Enabled).Msg("dispatch streaming toggled")
	WriteJSON(w, http.StatusOK, map[string]any{"enabled": *req.Enabled})
}
