package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/scannerd/internal/spectrum"
)

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.spectrum.ListRecordings()
	if err != nil {
		s.log.Error().Err(err).Msg("list recordings")
		WriteError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if recs == nil {
		recs = []spectrum.RecordingMetadata{}
	}

	resp := map[string]any{"recordings": recs}
	if id, active := s.spectrum.Recording(); active {
		resp["recording"] = id
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationSeconds int    `json:"duration_seconds"`
		Name            string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DurationSeconds < 0 {
		WriteError(w, http.StatusBadRequest, "duration_seconds must be >= 0")
		return
	}

	// The capture must outlive this request.
	id, err := s.spectrum.StartRecording(context.WithoutCancel(r.Context()), req.DurationSeconds, req.Name)
	if err != nil {
		writeSpectrumError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.spectrum.StopRecording(); err != nil {
		writeSpectrumError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.spectrum.DeleteRecording(id)
	if errors.Is(err, os.ErrNotExist) {
		WriteError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleStartReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Loop bool `json:"loop"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	err := s.spectrum.StartReplay(context.WithoutCancel(r.Context()), id, req.Loop)
	if errors.Is(err, os.ErrNotExist) {
		WriteError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		writeSpectrumError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"replaying": id, "loop": req.Loop})
}

func (s *Server) handleReplayStatus(w http.ResponseWriter, r *http.Request) {
	id, active, paused := s.spectrum.Replaying()
	resp := map[string]any{"active": active}
	if active {
		resp["id"] = id
		resp["paused"] = paused
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopReplay(w http.ResponseWriter, r *http.Request) {
	if err := s.spectrum.StopReplay(); err != nil {
		writeSpectrumError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (s *Server) handlePauseReplay(w http.ResponseWriter, r *http.Request) {
	if err := s.spectrum.PauseReplay(); err != nil {
		writeSpectrumError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResumeReplay(w http.ResponseWriter, r *http.Request) {
	if err := s.spectrum.ResumeReplay(); err != nil {
		writeSpectrumError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func writeSpectrumError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, spectrum.ErrRecordingActive), errors.Is(err, spectrum.ErrReplayActive):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, spectrum.ErrNotActive):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
