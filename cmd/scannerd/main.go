package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scannerd/internal/api"
	"github.com/snarg/scannerd/internal/bus"
	"github.com/snarg/scannerd/internal/cache"
	"github.com/snarg/scannerd/internal/config"
	"github.com/snarg/scannerd/internal/correlate"
	"github.com/snarg/scannerd/internal/database"
	"github.com/snarg/scannerd/internal/dispatch"
	"github.com/snarg/scannerd/internal/hub"
	"github.com/snarg/scannerd/internal/ingest"
	"github.com/snarg/scannerd/internal/mqttpub"
	"github.com/snarg/scannerd/internal/spectrum"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "http listen address (host:port)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace..error)")
	flag.StringVar(&overrides.DBPath, "db", "", "sqlite database path")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "recording drop directory")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("scannerd starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.Open(cfg.DBPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	// Event bus and metadata cache
	b := bus.New(200, log)
	meta := cache.New(db, log)

	// Decoder status websocket
	statusAddr, err := cfg.StatusAddr()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid status url")
	}
	status := ingest.NewStatusEndpoint(statusAddr, log)
	if err := status.Start(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", statusAddr).Msg("failed to start status endpoint")
	}
	defer status.Close()

	// Recording drop-directory watcher
	watcher := ingest.NewRecordingWatcher(cfg.AudioDir, log)
	if err := watcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.AudioDir).Msg("failed to watch audio directory")
	}
	defer watcher.Close()

	// Call correlator
	tracker := correlate.NewChannelTracker()
	corr := correlate.New(db, b, meta, cfg.AudioDir, status.Messages(), watcher.Events(), tracker, log)
	go corr.Run(ctx)

	// Subscriber hub
	h := hub.New(b, corr, log)
	go h.Run(ctx)

	// FFT recorder/replayer
	spect := spectrum.NewManager(cfg.RecordingsDir, b, log)
	spect.SetSDRDefaults(cfg.SDRCenterFreq, cfg.SDRSampleRate)
	if err := spect.Init(); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.RecordingsDir).Msg("failed to init recordings directory")
	}

	// Downstream dispatch streamer
	streamer := dispatch.New(cfg.AvtecHost, cfg.AvtecPort, cfg.AvtecEnabled, b, log)
	go streamer.Run(ctx)

	// UDP ingest
	audio := ingest.NewAudioIngestor(cfg.AudioPort, b, meta, log)
	if err := audio.Start(ctx); err != nil {
		log.Fatal().Err(err).Int("port", cfg.AudioPort).Msg("failed to bind audio port")
	}
	defer audio.Close()

	fft := ingest.NewFFTIngestor(cfg.FFTPort, b, log)
	if err := fft.Start(ctx); err != nil {
		log.Fatal().Err(err).Int("port", cfg.FFTPort).Msg("failed to bind fft port")
	}
	defer fft.Close()

	// Decoder log tailer
	tailer := ingest.NewLogTailer(cfg.LogPathList(), b, log)
	if err := tailer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start log tailer")
	}

	// Optional MQTT event mirror
	if cfg.MQTTBrokerURL != "" {
		pub, err := mqttpub.Connect(mqttpub.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		}, b, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer pub.Close()
		go pub.Run(ctx)
	}

	// HTTP server
	srv := api.NewServer(cfg, db, h, corr, tracker, spect, streamer, status, watcher, b, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown: stop accepting, let subscriber queues flush briefly.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.Shutdown(flushCtx)
	flushCancel()

	log.Info().Msg("scannerd stopped")
}
