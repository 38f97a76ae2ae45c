package ingest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
	"github.com/snarg/scannerd/internal/cache"
	"github.com/snarg/scannerd/internal/metrics"
)

const (
	// Upper bound on the length prefix of format 1; anything larger is
	// treated as a talkgroup ID (format 4).
	maxHeaderLen = 10000

	// How far into a datagram the brace matcher will scan for embedded JSON.
	jsonScanBound = 2000

	maxDatagram = 65536
)

// audioWireFormat tags which of the four accepted datagram layouts matched.
type audioWireFormat int

const (
	formatLengthPrefixedJSON audioWireFormat = iota
	formatEmbeddedJSONAt4
	formatRawJSONAt0
	formatTalkgroupOnly
)

func (f audioWireFormat) String() string {
	switch f {
	case formatLengthPrefixedJSON:
		return "length_prefixed_json"
	case formatEmbeddedJSONAt4:
		return "embedded_json_at_4"
	case formatRawJSONAt0:
		return "raw_json_at_0"
	case formatTalkgroupOnly:
		return "talkgroup_only"
	}
	return "unknown"
}

// audioMeta is the JSON metadata carried by formats 1-3.
type audioMeta struct {
	Talkgroup  int64  `json:"talkgroup"`
	Tgid       int64  `json:"tgid"`
	Freq       int64  `json:"freq"`
	SampleRate int    `json:"audio_sample_rate"`
	Source     string `json:"short_name"`
	Emission   string `json:"emission"`
}

// talkgroup returns the channel key from the metadata, preferring the
// talkgroup field over tgid.
func (m *audioMeta) talkgroup() int64 {
	if m.Talkgroup != 0 {
		return m.Talkgroup
	}
	return m.Tgid
}

var errNotAudio = errors.New("datagram matches no audio wire format")

// AudioIngestor binds the audio UDP port and emits one enriched AudioFrame
// per valid datagram onto the bus.
type AudioIngestor struct {
	port  int
	bus   *bus.Bus
	cache *cache.Cache
	log   zerolog.Logger

	conn *net.UDPConn

	frames    atomic.Int64
	malformed atomic.Int64
	alarm     *malformedAlarm
}

func NewAudioIngestor(port int, b *bus.Bus, c *cache.Cache, log zerolog.Logger) *AudioIngestor {
	l := log.With().Str("component", "audio_ingest").Logger()
	return &AudioIngestor{
		port:  port,
		bus:   b,
		cache: c,
		log:   l,
		alarm: newMalformedAlarm("audio_ingest", b, l),
	}
}

// Start binds the socket and launches the read loop.
func (a *AudioIngestor) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: a.port})
	if err != nil {
		return fmt.Errorf("bind audio udp :%d: %w", a.port, err)
	}
	a.conn = conn
	a.log.Info().Int("port", a.port).Msg("audio ingestor listening")

	go a.readLoop(ctx)
	return nil
}

// Close shuts the socket, unblocking the read loop.
func (a *AudioIngestor) Close() {
	if a.conn != nil {
		a.conn.Close()
	}
	a.log.Info().
		Int64("frames", a.frames.Load()).
		Int64("malformed", a.malformed.Load()).
		Msg("audio ingestor stopped")
}

// Frames returns the number of frames emitted so far.
func (a *AudioIngestor) Frames() int64 { return a.frames.Load() }

func (a *AudioIngestor) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagram)
	lastLog := time.Now()
	var sinceLog int64
	idles := 0

	for {
		a.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, _, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				idles++
				a.log.Debug().Int("consecutive", idles).Msg("stream idle")
				if idles >= 3 {
					a.log.Warn().Msg("audio stream idle for 90s")
					idles = 0
				}
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn().Err(err).Msg("audio read error")
			continue
		}
		idles = 0

		metrics.AudioDatagramsTotal.Inc()

		frame, err := a.parseDatagram(ctx, buf[:n])
		if err != nil {
			a.malformed.Add(1)
			metrics.AudioMalformedTotal.Inc()
			a.alarm.observe()
			continue
		}

		a.bus.Publish(bus.Event{Kind: bus.KindAudio, Channel: frame.Channel, Audio: frame})

		a.frames.Add(1)
		sinceLog++
		if sinceLog >= 100 || time.Since(lastLog) >= 5*time.Second {
			a.log.Info().
				Int64("frames", a.frames.Load()).
				Int64("malformed", a.malformed.Load()).
				Msg("audio ingest stats")
			sinceLog = 0
			lastLog = time.Now()
		}
	}
}

// parseDatagram detects the wire format, extracts metadata and PCM, and
// enriches the frame from the catalog cache.
func (a *AudioIngestor) parseDatagram(ctx context.Context, data []byte) (*bus.AudioFrame, error) {
	meta, pcm, _, err := parseAudioDatagram(data)
	if err != nil {
		return nil, err
	}

	frame := &bus.AudioFrame{
		Channel:    meta.talkgroup(),
		Frequency:  meta.Freq,
		SampleRate: meta.SampleRate,
		Source:     meta.Source,
		Emission:   meta.Emission,
		PCM:        pcm,
	}
	if frame.SampleRate == 0 {
		frame.SampleRate = 8000
	}

	// Conventional systems key on frequency rather than talkgroup.
	if meta.Freq > 0 && a.cache.Conventional(ctx) {
		frame.Channel = meta.Freq
	}

	if m, ok := a.cache.Lookup(ctx, frame.Channel); ok {
		frame.AlphaTag = m.AlphaTag
		frame.GroupName = m.GroupName
		frame.GroupTag = m.GroupTag
		frame.Description = m.Description
		frame.SystemType = m.SystemType
	} else {
		frame.SystemType = a.cache.SystemType(ctx)
	}

	return frame, nil
}

// parseAudioDatagram applies the format detection precedence:
//  1. length-prefixed JSON header + PCM
//  2. embedded JSON at offset 4
//  3. raw JSON at offset 0
//  4. leading uint32 talkgroup ID + PCM
//
// A JSON parse failure in format 1 falls through to format 2.
func parseAudioDatagram(data []byte) (audioMeta, []byte, audioWireFormat, error) {
	if len(data) < 4 {
		return audioMeta{}, nil, 0, errNotAudio
	}

	prefix := binary.LittleEndian.Uint32(data[:4])

	// Format 1: length-prefixed JSON. The header must fit inside the
	// datagram; the read buffer is reused, so slicing past len would pick
	// up stale bytes from an earlier datagram.
	if prefix > 0 && prefix < maxHeaderLen && int(prefix)+4 <= len(data) {
		var meta audioMeta
		if err := json.Unmarshal(data[4:4+prefix], &meta); err == nil {
			return meta, data[4+prefix:], formatLengthPrefixedJSON, nil
		}
		// fall through
	}

	// Format 2: embedded JSON at offset 4.
	if len(data) > 4 && data[4] == '{' {
		if end, ok := matchBraces(data[4:]); ok {
			var meta audioMeta
			if err := json.Unmarshal(data[4:4+end], &meta); err == nil {
				return meta, data[4+end:], formatEmbeddedJSONAt4, nil
			}
		}
	}

	// Format 3: raw JSON at offset 0.
	if data[0] == '{' {
		if end, ok := matchBraces(data); ok {
			var meta audioMeta
			if err := json.Unmarshal(data[:end], &meta); err == nil {
				return meta, data[end:], formatRawJSONAt0, nil
			}
		}
	}

	// Format 4: leading uint32 talkgroup ID.
	return audioMeta{Talkgroup: int64(prefix)}, data[4:], formatTalkgroupOnly, nil
}

// matchBraces scans for the offset just past the JSON object starting at
// data[0], bounded by jsonScanBound. String contents are skipped so embedded
// braces do not confuse the nesting count.
func matchBraces(data []byte) (int, bool) {
	bound := len(data)
	if bound > jsonScanBound {
		bound = jsonScanBound
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < bound; i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
