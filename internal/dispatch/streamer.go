// Package dispatch forks live call audio to a downstream console endpoint:
// PCM over UDP with a compact per-packet header, call lifecycle messages
// over a supervised TCP connection.
package dispatch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
	"github.com/snarg/scannerd/internal/correlate"
	"github.com/snarg/scannerd/internal/metrics"
)

const (
	callIdleTimeout = 3 * time.Second
	endRetryGrace   = 10 * time.Second

	udpHeaderSize = 18
)

// Counters is the streamer's externally visible state.
type Counters struct {
	PacketsUDPSent int64     `json:"packetsUdpSent"`
	PacketsTCPSent int64     `json:"packetsTcpSent"`
	BytesUDPSent   int64     `json:"bytesUdpSent"`
	BytesTCPSent   int64     `json:"bytesTcpSent"`
	CallsStarted   int64     `json:"callsStarted"`
	UDPErrors      int64     `json:"udpErrors"`
	TCPErrors      int64     `json:"tcpErrors"`
	LastError      string    `json:"lastError,omitempty"`
	LastErrorTime  time.Time `json:"lastErrorTime"`
	LastPacketTime time.Time `json:"lastPacketTime"`
	UptimeSeconds  float64   `json:"uptime"`
	Connected      bool      `json:"connected"`
	Enabled        bool      `json:"enabled"`
}

// controlMsg is one TCP lifecycle message, newline-delimited JSON.
type controlMsg struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	TG       int64  `json:"tg"`
	Freq     int64  `json:"freq"`
	AlphaTag string `json:"alphaTag"`
}

// pendingEnd is a call_end that failed to send and may retry on reconnect.
type pendingEnd struct {
	msg   controlMsg
	since time.Time
}

// callState tracks one in-flight downstream call, keyed by logical channel.
type callState struct {
	id        string
	tg        int64
	freq      int64
	alphaTag  string
	lastFrame time.Time
}

// Streamer forwards audio frames downstream. It is safe to enable and
// disable at runtime; disabled it drops frames and holds no connections.
type Streamer struct {
	host    string
	tcpPort int
	udpPort int
	bus     *bus.Bus
	log     zerolog.Logger

	enabled atomic.Bool
	seq     atomic.Uint32

	udpMu   sync.Mutex
	udpConn net.Conn

	tcpMu   sync.Mutex
	tcpConn net.Conn
	pending []pendingEnd

	callsMu sync.Mutex
	calls   map[int64]*callState

	statsMu        sync.Mutex
	counters       Counters
	startedAt      time.Time
}

// New builds a streamer targeting host:tcpPort for control and the adjacent
// port for UDP audio.
func New(host string, tcpPort int, enabled bool, b *bus.Bus, log zerolog.Logger) *Streamer {
	s := &Streamer{
		host:      host,
		tcpPort:   tcpPort,
		udpPort:   tcpPort + 1,
		bus:       b,
		log:       log.With().Str("component", "dispatch").Logger(),
		calls:     make(map[int64]*callState),
		startedAt: time.Now(),
	}
	s.enabled.Store(enabled)
	return s
}

// Enabled reports whether forwarding is on.
func (s *Streamer) Enabled() bool { return s.enabled.Load() }

// SetEnabled toggles forwarding at runtime. Disabling drops the connections
// and forgets in-flight call state.
func (s *Streamer) SetEnabled(on bool) {
	was := s.enabled.Swap(on)
	if was == on {
		return
	}
	if !on {
		s.disconnect()
		s.callsMu.Lock()
		s.calls = make(map[int64]*callState)
		s.callsMu.Unlock()
	}
	s.log.Info().Bool("enabled", on).Msg("dispatch streamer toggled")
}

// Stats returns a copy of the counters.
func (s *Streamer) Stats() Counters {
	connected := s.connected()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	c := s.counters
	c.UptimeSeconds = time.Since(s.startedAt).Seconds()
	c.Enabled = s.enabled.Load()
	c.Connected = connected
	return c
}

// Run consumes audio frames and call ends until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) {
	sub := s.bus.Subscribe("dispatch", 512, bus.KindAudio, bus.KindCallEnd)
	defer sub.Cancel()

	go s.connectLoop(ctx)

	idle := time.NewTicker(time.Second)
	defer idle.Stop()

	s.log.Info().
		Str("host", s.host).
		Int("tcp_port", s.tcpPort).
		Int("udp_port", s.udpPort).
		Bool("enabled", s.enabled.Load()).
		Msg("dispatch streamer running")

	for {
		select {
		case <-ctx.Done():
			s.disconnect()
			return
		case e := <-sub.C:
			if !s.enabled.Load() {
				continue
			}
			switch e.Kind {
			case bus.KindAudio:
				s.onAudio(e.Audio)
			case bus.KindCallEnd:
				if ev, ok := e.Payload.(correlate.CallEvent); ok {
					s.endCall(e.Channel, ev.ID)
				}
			}
		case <-idle.C:
			s.sweepIdle()
		}
	}
}

// connectLoop keeps the TCP control connection alive with exponential
// backoff, 1 s initial and capped at 30 s.
func (s *Streamer) connectLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		if !s.enabled.Load() || s.connected() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", s.host, s.tcpPort), 5*time.Second)
		if err != nil {
			s.recordError("tcp", err)
			next := bo.NextBackOff()
			s.log.Warn().Err(err).Dur("retry_in", next).Msg("dispatch tcp connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
			continue
		}

		bo.Reset()
		s.tcpMu.Lock()
		s.tcpConn = conn
		s.tcpMu.Unlock()
		s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("dispatch tcp connected")

		s.flushPending()
	}
}

func (s *Streamer) connected() bool {
	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()
	return s.tcpConn != nil
}

func (s *Streamer) disconnect() {
	s.tcpMu.Lock()
	if s.tcpConn != nil {
		s.tcpConn.Close()
		s.tcpConn = nil
	}
	s.tcpMu.Unlock()

	s.udpMu.Lock()
	if s.udpConn != nil {
		s.udpConn.Close()
		s.udpConn = nil
	}
	s.udpMu.Unlock()
}

func (s *Streamer) onAudio(f *bus.AudioFrame) {
	now := time.Now()

	s.callsMu.Lock()
	call, ok := s.calls[f.Channel]
	if !ok {
		call = &callState{
			id:       fmt.Sprintf("%d-%d", f.Channel, now.Unix()),
			tg:       f.Channel,
			freq:     f.Frequency,
			alphaTag: f.AlphaTag,
		}
		s.calls[f.Channel] = call
	}
	call.lastFrame = now
	s.callsMu.Unlock()

	if !ok {
		s.statsMu.Lock()
		s.counters.CallsStarted++
		s.statsMu.Unlock()
		s.sendControl(controlMsg{
			Type: "call_start", ID: call.id, TG: call.tg, Freq: call.freq, AlphaTag: call.alphaTag,
		}, false)
	}

	s.sendUDP(f)
}

// sendUDP writes one data packet:
//
//	u32 seq | u32 tgid_or_freq | u32 freq | u32 sample_rate | u16 sample_count | int16 PCM
//
// all little-endian. Errors are counted and the packet discarded.
func (s *Streamer) sendUDP(f *bus.AudioFrame) {
	s.udpMu.Lock()
	if s.udpConn == nil {
		conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", s.host, s.udpPort))
		if err != nil {
			s.udpMu.Unlock()
			s.recordError("udp", err)
			return
		}
		s.udpConn = conn
	}
	conn := s.udpConn
	s.udpMu.Unlock()

	sampleCount := len(f.PCM) / 2
	pkt := make([]byte, udpHeaderSize+len(f.PCM))
	binary.LittleEndian.PutUint32(pkt[0:], s.seq.Add(1))
	binary.LittleEndian.PutUint32(pkt[4:], uint32(f.Channel))
	binary.LittleEndian.PutUint32(pkt[8:], uint32(f.Frequency))
	binary.LittleEndian.PutUint32(pkt[12:], uint32(f.SampleRate))
	binary.LittleEndian.PutUint16(pkt[16:], uint16(sampleCount))
	copy(pkt[udpHeaderSize:], f.PCM)

	if _, err := conn.Write(pkt); err != nil {
		s.recordError("udp", err)
		return
	}

	metrics.DispatchPacketsTotal.WithLabelValues("udp").Inc()
	s.statsMu.Lock()
	s.counters.PacketsUDPSent++
	s.counters.BytesUDPSent += int64(len(pkt))
	s.counters.LastPacketTime = time.Now()
	s.statsMu.Unlock()
}

// sendControl writes one lifecycle message on TCP. A failed call_end is held
// for retry on reconnect inside the grace window; retryable marks it so.
func (s *Streamer) sendControl(msg controlMsg, retryable bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal control message")
		return
	}
	data = append(data, '\n')

	s.tcpMu.Lock()
	conn := s.tcpConn
	s.tcpMu.Unlock()

	if conn == nil {
		if retryable {
			s.holdEnd(msg)
		}
		return
	}

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(data); err != nil {
		s.recordError("tcp", err)
		s.tcpMu.Lock()
		if s.tcpConn == conn {
			s.tcpConn.Close()
			s.tcpConn = nil
		}
		s.tcpMu.Unlock()
		if retryable {
			s.holdEnd(msg)
		}
		return
	}

	metrics.DispatchPacketsTotal.WithLabelValues("tcp").Inc()
	s.statsMu.Lock()
	s.counters.PacketsTCPSent++
	s.counters.BytesTCPSent += int64(len(data))
	s.statsMu.Unlock()
}

func (s *Streamer) holdEnd(msg controlMsg) {
	s.tcpMu.Lock()
	s.pending = append(s.pending, pendingEnd{msg: msg, since: time.Now()})
	s.tcpMu.Unlock()
}

// flushPending retries held call_end messages still inside the grace window.
func (s *Streamer) flushPending() {
	s.tcpMu.Lock()
	pend := s.pending
	s.pending = nil
	s.tcpMu.Unlock()

	now := time.Now()
	for _, p := range pend {
		if now.Sub(p.since) > endRetryGrace {
			s.log.Debug().Str("id", p.msg.ID).Msg("dropping stale call_end retry")
			continue
		}
		s.sendControl(p.msg, false)
	}
}

// endCall closes out the downstream call on a channel, if one is open.
func (s *Streamer) endCall(channel int64, id string) {
	s.callsMu.Lock()
	call, ok := s.calls[channel]
	if ok {
		delete(s.calls, channel)
	}
	s.callsMu.Unlock()
	if !ok {
		return
	}
	if id == "" {
		id = call.id
	}
	s.sendControl(controlMsg{
		Type: "call_end", ID: id, TG: call.tg, Freq: call.freq, AlphaTag: call.alphaTag,
	}, true)
}

// sweepIdle ends calls that have gone quiet.
func (s *Streamer) sweepIdle() {
	now := time.Now()
	var stale []*callState

	s.callsMu.Lock()
	for ch, call := range s.calls {
		if now.Sub(call.lastFrame) > callIdleTimeout {
			stale = append(stale, call)
			delete(s.calls, ch)
		}
	}
	s.callsMu.Unlock()

	for _, call := range stale {
		s.sendControl(controlMsg{
			Type: "call_end", ID: call.id, TG: call.tg, Freq: call.freq, AlphaTag: call.alphaTag,
		}, true)
	}
}

func (s *Streamer) recordError(transport string, err error) {
	metrics.DispatchErrorsTotal.WithLabelValues(transport).Inc()
	s.statsMu.Lock()
	if transport == "udp" {
		s.counters.UDPErrors++
	} else {
		s.counters.TCPErrors++
	}
	s.counters.LastError = err.Error()
	s.counters.LastErrorTime = time.Now()
	s.statsMu.Unlock()
}
