package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/scannerd/internal/database"
)

// handleListCalls serves the persisted call log, newest first.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	calls, err := s.db.ListCalls(r.Context(), p.Limit, p.Offset)
	if err != nil {
		s.log.Error().Err(err).Msg("list calls")
		WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}
	total, err := s.db.CountCalls(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("count calls")
		WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"calls":  callViews(calls),
		"total":  total,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, err := s.db.GetCall(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		WriteError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("get call")
		WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}

	sources, err := s.db.GetCallSources(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("get call sources")
		WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}

	view := callView(call)
	view["sources"] = sourceViews(sources)
	WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"calls": s.corr.ActiveCalls()})
}

// handleChannels serves the channel-activity snapshot: control channels plus
// in-flight voice channels.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"control_channels": s.tracker.ControlChannels(),
		"markers":          s.tracker.Markers(),
	})
}

func callView(c *database.CallRow) map[string]any {
	v := map[string]any{
		"id":          c.ID,
		"talkgroup":   c.TalkgroupID,
		"freq":        c.Frequency,
		"start_time":  c.StartTime,
		"emergency":   c.Emergency,
		"encrypted":   c.Encrypted,
		"system_type": c.SystemType,
	}
	if c.StopTime != nil {
		v["stop_time"] = *c.StopTime
	}
	if c.Duration != nil {
		v["duration"] = *c.Duration
	}
	if c.AudioFile != nil {
		v["audio_file"] = *c.AudioFile
	}
	if c.AudioType != nil {
		v["audio_type"] = *c.AudioType
	}
	if c.ChannelID != nil {
		v["channel_id"] = *c.ChannelID
	}
	return v
}

func callViews(calls []database.CallRow) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for i := range calls {
		out = append(out, callView(&calls[i]))
	}
	return out
}

func sourceViews(rows []database.CallSourceRow) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]any{
			"src":       r.SourceID,
			"time":      r.Timestamp,
			"pos":       r.Position,
			"emergency": r.Emergency,
			"tag":       r.Tag,
		})
	}
	return out
}
