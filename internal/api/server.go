// Package api hosts the HTTP surface: the subscriber websocket, health and
// metrics endpoints, and a small REST layer over calls, recordings, and the
// downstream streamer.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/scannerd/internal/bus"
	"github.com/snarg/scannerd/internal/config"
	"github.com/snarg/scannerd/internal/correlate"
	"github.com/snarg/scannerd/internal/database"
	"github.com/snarg/scannerd/internal/dispatch"
	"github.com/snarg/scannerd/internal/hub"
	"github.com/snarg/scannerd/internal/ingest"
	"github.com/snarg/scannerd/internal/metrics"
	"github.com/snarg/scannerd/internal/spectrum"
)

// Server wires the HTTP mux over the running components.
type Server struct {
	cfg      *config.Config
	db       *database.DB
	hub      *hub.Hub
	corr     *correlate.Correlator
	tracker  *correlate.ChannelTracker
	spectrum *spectrum.Manager
	streamer *dispatch.Streamer
	status   *ingest.StatusEndpoint
	watcher  *ingest.RecordingWatcher
	bus      *bus.Bus
	log      zerolog.Logger

	startTime time.Time
	srv       *http.Server
}

func NewServer(
	cfg *config.Config,
	db *database.DB,
	h *hub.Hub,
	corr *correlate.Correlator,
	tracker *correlate.ChannelTracker,
	spec *spectrum.Manager,
	streamer *dispatch.Streamer,
	status *ingest.StatusEndpoint,
	watcher *ingest.RecordingWatcher,
	b *bus.Bus,
	log zerolog.Logger,
) *Server {
	s := &Server{
		cfg:       cfg,
		db:        db,
		hub:       h,
		corr:      corr,
		tracker:   tracker,
		spectrum:  spec,
		streamer:  streamer,
		status:    status,
		watcher:   watcher,
		bus:       b,
		log:       log.With().Str("component", "http").Logger(),
		startTime: time.Now(),
	}
	s.srv = &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer(s.log))
	r.Use(RequestLogger(s.log))
	r.Use(metrics.InstrumentHandler)

	r.Get("/ws", s.hub.ServeWS)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{id}", s.handleGetCall)
		r.Get("/calls/active", s.handleActiveCalls)
		r.Get("/channels", s.handleChannels)

		r.Get("/recordings", s.handleListRecordings)
		r.Post("/recordings", s.handleStartRecording)
		r.Post("/recordings/stop", s.handleStopRecording)
		r.Delete("/recordings/{id}", s.handleDeleteRecording)
		r.Post("/recordings/{id}/replay", s.handleStartReplay)
		r.Get("/replay", s.handleReplayStatus)
		r.Post("/replay/stop", s.handleStopReplay)
		r.Post("/replay/pause", s.handlePauseReplay)
		r.Post("/replay/resume", s.handleResumeReplay)

		r.Get("/dispatch", s.handleDispatchStats)
		r.Post("/dispatch", s.handleDispatchToggle)
	})

	return r
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the caller's context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
