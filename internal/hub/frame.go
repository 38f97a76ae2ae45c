package hub

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/snarg/scannerd/internal/bus"
)

// audioHeader is the JSON header on binary audio frames.
type audioHeader struct {
	Type       string `json:"type"`
	Talkgroup  int64  `json:"talkgroup"`
	Freq       int64  `json:"freq"`
	SampleRate int    `json:"sample_rate"`
	AlphaTag   string `json:"alpha_tag,omitempty"`
	GroupName  string `json:"group,omitempty"`
	SystemType string `json:"system_type,omitempty"`
}

// encodeFrame lays out one binary hub frame:
//
//	u32 LE header_len | JSON header | payload
func encodeFrame(header any, payload []byte) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(hdr)+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	out = append(out, payload...)
	return out, nil
}

// encodeAudioFrame builds the binary frame for one audio event.
func encodeAudioFrame(f *bus.AudioFrame) ([]byte, error) {
	return encodeFrame(audioHeader{
		Type:       "audio",
		Talkgroup:  f.Channel,
		Freq:       f.Frequency,
		SampleRate: f.SampleRate,
		AlphaTag:   f.AlphaTag,
		GroupName:  f.GroupName,
		SystemType: f.SystemType,
	}, f.PCM)
}

// encodeFFTFrame builds the binary frame for one spectrum packet. The
// FFTPacket's JSON shape is the header; magnitudes travel as the payload.
func encodeFFTFrame(p *bus.FFTPacket) ([]byte, error) {
	type fftHeader struct {
		Type string `json:"type"`
		*bus.FFTPacket
	}
	payload := make([]byte, 4*len(p.Magnitudes))
	for i, m := range p.Magnitudes {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(m))
	}
	return encodeFrame(fftHeader{Type: "fft", FFTPacket: p}, payload)
}

// decodeFrame splits a binary hub frame back into header and payload.
// Test-side counterpart of encodeFrame.
func decodeFrame(data []byte) (json.RawMessage, []byte, bool) {
	if len(data) < 4 {
		return nil, nil, false
	}
	hlen := binary.LittleEndian.Uint32(data[:4])
	if int(4+hlen) > len(data) {
		return nil, nil, false
	}
	return json.RawMessage(data[4 : 4+hlen]), data[4+hlen:], true
}
