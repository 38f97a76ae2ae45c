package ingest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
	"github.com/snarg/scannerd/internal/metrics"
)

// fftMagic is the four-byte tag leading every FFT datagram ("FFTD").
const fftMagic = 0x46465444

var errNotFFT = errors.New("datagram is not a valid FFT frame")

// fftMeta is the JSON metadata block inside an FFT datagram.
type fftMeta struct {
	SourceIndex int   `json:"source_index"`
	CenterFreq  int64 `json:"center_freq"`
	SampleRate  int   `json:"sample_rate"`
	Timestamp   int64 `json:"timestamp"`
	MinFreq     int64 `json:"min_freq"`
	MaxFreq     int64 `json:"max_freq"`
}

// FFTIngestor binds the FFT UDP port and publishes one FFTPacket per valid
// datagram.
type FFTIngestor struct {
	port int
	bus  *bus.Bus
	log  zerolog.Logger

	conn *net.UDPConn

	packets   atomic.Int64
	malformed atomic.Int64
	alarm     *malformedAlarm
}

func NewFFTIngestor(port int, b *bus.Bus, log zerolog.Logger) *FFTIngestor {
	l := log.With().Str("component", "fft_ingest").Logger()
	return &FFTIngestor{
		port:  port,
		bus:   b,
		log:   l,
		alarm: newMalformedAlarm("fft_ingest", b, l),
	}
}

func (f *FFTIngestor) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: f.port})
	if err != nil {
		return fmt.Errorf("bind fft udp :%d: %w", f.port, err)
	}
	f.conn = conn
	f.log.Info().Int("port", f.port).Msg("fft ingestor listening")

	go f.readLoop(ctx)
	return nil
}

func (f *FFTIngestor) Close() {
	if f.conn != nil {
		f.conn.Close()
	}
	f.log.Info().
		Int64("packets", f.packets.Load()).
		Int64("malformed", f.malformed.Load()).
		Msg("fft ingestor stopped")
}

func (f *FFTIngestor) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagram)
	idles := 0

	for {
		f.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, _, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				idles++
				f.log.Debug().Int("consecutive", idles).Msg("stream idle")
				if idles >= 3 {
					f.log.Warn().Msg("fft stream idle for 90s")
					idles = 0
				}
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			f.log.Warn().Err(err).Msg("fft read error")
			continue
		}
		idles = 0

		pkt, err := parseFFTDatagram(buf[:n])
		if err != nil {
			f.malformed.Add(1)
			metrics.FFTMalformedTotal.Inc()
			f.alarm.observe()
			continue
		}

		f.packets.Add(1)
		metrics.FFTPacketsTotal.Inc()
		f.bus.Publish(bus.Event{Kind: bus.KindFFT, FFT: pkt})
	}
}

// parseFFTDatagram validates and decodes one FFT frame:
//
//	"FFTD" | u32 meta_len | u32 fft_size | JSON meta | fft_size × f32
//
// all little-endian except the magic, which reads big-endian as the ASCII
// tag. Size mismatches and bad magic are rejected.
func parseFFTDatagram(data []byte) (*bus.FFTPacket, error) {
	if len(data) < 12 {
		return nil, errNotFFT
	}
	if binary.BigEndian.Uint32(data[:4]) != fftMagic {
		return nil, errNotFFT
	}

	metaLen := binary.LittleEndian.Uint32(data[4:8])
	fftSize := binary.LittleEndian.Uint32(data[8:12])

	if fftSize == 0 || fftSize&(fftSize-1) != 0 {
		return nil, errNotFFT
	}
	if len(data) != int(12+metaLen+4*fftSize) {
		return nil, errNotFFT
	}

	var meta fftMeta
	if err := json.Unmarshal(data[12:12+metaLen], &meta); err != nil {
		return nil, errNotFFT
	}

	mags := make([]float32, fftSize)
	raw := data[12+metaLen:]
	for i := range mags {
		mags[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	ts := meta.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return &bus.FFTPacket{
		SourceIndex: meta.SourceIndex,
		CenterFreq:  meta.CenterFreq,
		SampleRate:  meta.SampleRate,
		Timestamp:   ts,
		Size:        int(fftSize),
		MinFreq:     meta.MinFreq,
		MaxFreq:     meta.MaxFreq,
		Magnitudes:  mags,
	}, nil
}
