package ingest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/metrics"
)

// StatusEndpoint accepts the long-lived websocket the decoder dials in on and
// feeds parsed status messages to a single consumer channel. One decoder
// connection at a time; a newer connection displaces the older one.
type StatusEndpoint struct {
	addr string
	out  chan *StatusMessage
	log  zerolog.Logger

	srv      *http.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStatusEndpoint(addr string, log zerolog.Logger) *StatusEndpoint {
	return &StatusEndpoint{
		addr: addr,
		out:  make(chan *StatusMessage, 64),
		log:  log.With().Str("component", "status_endpoint").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Messages is the stream of decoded status messages. It is never closed;
// consumers select against their own context.
func (s *StatusEndpoint) Messages() <-chan *StatusMessage { return s.out }

// Connected reports whether a decoder is currently attached.
func (s *StatusEndpoint) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Start begins listening. The listener failing to bind is a startup error;
// everything after that is per-connection.
func (s *StatusEndpoint) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleDecoder(ctx, w, r)
	})
	s.srv = &http.Server{Handler: mux}

	s.log.Info().Str("addr", s.addr).Msg("status endpoint listening")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("status endpoint serve error")
		}
	}()
	return nil
}

// Close stops the listener and drops any live decoder connection.
func (s *StatusEndpoint) Close() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.srv.Shutdown(ctx)
	}
}

func (s *StatusEndpoint) handleDecoder(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("status upgrade failed")
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		s.log.Info().Msg("replacing existing decoder connection")
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("decoder connected")

	for {
		if ctx.Err() != nil {
			break
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := parseStatusMessage(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed status message")
			continue
		}
		metrics.StatusMessagesTotal.WithLabelValues(msg.Type).Inc()

		select {
		case s.out <- msg:
		default:
			s.log.Warn().Str("type", msg.Type).Msg("status consumer backed up, dropping message")
		}
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
	s.log.Info().Msg("decoder disconnected")
}
