package api

import (
	"net/http"
	"time"
)

// HealthResponse is the body for GET /api/v1/health.
type HealthResponse struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Database         string  `json:"database"`
	DecoderConnected bool    `json:"decoder_connected"`
	Subscribers      int     `json:"subscribers"`
	ActiveCalls      int     `json:"active_calls"`
	SidecarsHandled  int64   `json:"sidecars_handled"`
	SidecarsSkipped  int64   `json:"sidecars_skipped"`
	BusDropped       int64   `json:"bus_dropped"`
	Dispatch         bool    `json:"dispatch_connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:           "ok",
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		Database:         "ok",
		DecoderConnected: s.status.Connected(),
		Subscribers:      s.hub.Subscribers(),
		ActiveCalls:      len(s.corr.ActiveCalls()),
		SidecarsHandled:  s.watcher.Processed(),
		SidecarsSkipped:  s.watcher.Skipped(),
		BusDropped:       s.bus.Dropped(),
		Dispatch:         s.streamer.Stats().Connected,
	}

	status := http.StatusOK
	if err := s.db.HealthCheck(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, resp)
}
